package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
)

// memConn is an in-memory Conn. Each subscription delivers on its own
// goroutine, in publish order, like a NATS client.
type memConn struct {
	mu    sync.Mutex
	subs  []*memSub
	inbox atomic.Int64
}

type memSub struct {
	conn    *memConn
	subject string
	queue   chan *nats.Msg
	active  atomic.Bool
	once    sync.Once
}

func newMemConn() *memConn { return &memConn{} }

// matches applies NATS token matching with the single-token wildcard.
func matches(pattern, subject string) bool {
	p := strings.Split(pattern, ".")
	s := strings.Split(subject, ".")
	if len(p) != len(s) {
		return false
	}
	for i := range p {
		if p[i] != "*" && p[i] != s[i] {
			return false
		}
	}
	return true
}

func (c *memConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	sub := &memSub{conn: c, subject: subject, queue: make(chan *nats.Msg, 1024)}
	sub.active.Store(true)
	go func() {
		for m := range sub.queue {
			if sub.active.Load() {
				cb(m)
			}
		}
	}()
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (s *memSub) Unsubscribe() error {
	s.once.Do(func() {
		s.active.Store(false)
		s.conn.mu.Lock()
		for i, o := range s.conn.subs {
			if o == s {
				s.conn.subs = append(s.conn.subs[:i], s.conn.subs[i+1:]...)
				break
			}
		}
		s.conn.mu.Unlock()
		close(s.queue)
	})
	return nil
}

func (c *memConn) PublishMsg(m *nats.Msg) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if matches(s.subject, m.Subject) {
			s.queue <- &nats.Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data}
		}
	}
	return nil
}

func (c *memConn) subscribers(subject string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.subs {
		if matches(s.subject, subject) {
			n++
		}
	}
	return n
}

func (c *memConn) RequestMsgWithContext(ctx context.Context, m *nats.Msg) (*nats.Msg, error) {
	if c.subscribers(m.Subject) == 0 {
		return nil, nats.ErrNoResponders
	}
	reply := fmt.Sprintf("_INBOX.%d", c.inbox.Add(1))
	ch := make(chan *nats.Msg, 1)
	sub, _ := c.Subscribe(reply, func(r *nats.Msg) {
		select {
		case ch <- r:
		default:
		}
	})
	defer sub.Unsubscribe()

	if err := c.PublishMsg(&nats.Msg{Subject: m.Subject, Reply: reply, Data: m.Data}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
