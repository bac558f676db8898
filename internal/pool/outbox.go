package pool

import (
	"sync"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// outbox delivers messages to one context in order, off the pool lock.
type outbox struct {
	mu     sync.Mutex
	queue  []protocol.Message
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

func newOutbox() *outbox {
	return &outbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (o *outbox) push(msg protocol.Message) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.queue = nil
	close(o.done)
}

// run sends queued messages until the outbox is closed or send fails.
func (o *outbox) run(send func(protocol.Message) error, failed func(error)) {
	for {
		select {
		case <-o.wake:
		case <-o.done:
			return
		}
		for {
			o.mu.Lock()
			if o.closed || len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			msg := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()

			if err := send(msg); err != nil {
				failed(err)
				return
			}
		}
	}
}
