// Package worker is the execution-context side of the protocol. A Scope
// receives envelopes from the pool, offers them to registered listeners and
// posts replies back through the transport it was built with.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// PostFunc sends one envelope to the controller.
type PostFunc func(protocol.Message) error

// Listener reacts to one inbound envelope.
type Listener func(ctx context.Context, msg protocol.Message)

// Filter selects the envelopes a listener sees. A nil filter accepts all.
type Filter func(protocol.Message) bool

type listener struct {
	fn      Listener
	filter  Filter
	removed atomic.Bool
}

// Scope is the message boundary of one execution context.
type Scope struct {
	post PostFunc

	mu        sync.Mutex
	listeners []*listener

	dataOnce   sync.Once
	dataReady  chan struct{}
	workerData any
}

// NewScope creates a scope that posts through post.
func NewScope(post PostFunc) *Scope {
	return &Scope{
		post:      post,
		dataReady: make(chan struct{}),
	}
}

// SetWorkerData records the shared initialization payload. Only the first
// call has an effect.
func (s *Scope) SetWorkerData(v any) {
	s.dataOnce.Do(func() {
		s.workerData = v
		close(s.dataReady)
	})
}

// WorkerData waits for the initialization payload, delivered either at
// construction or by a WorkerDataMessage directive.
func (s *Scope) WorkerData(ctx context.Context) (any, error) {
	select {
	case <-s.dataReady:
		return s.workerData, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PostMessage sends msg to the controller.
func (s *Scope) PostMessage(msg protocol.Message) error {
	return s.post(msg)
}

// DispatchEvent publishes a named event on the controller's event sink.
func (s *Scope) DispatchEvent(name string, data any) error {
	return s.post(protocol.Event(name, data))
}

// OnMessage registers fn for envelopes accepted by filter and returns a
// function that removes it.
func (s *Scope) OnMessage(fn Listener, filter Filter) func() {
	l := &listener{fn: fn, filter: filter}

	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		if l.removed.Swap(true) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cur := range s.listeners {
			if cur == l {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
	}
}

// AddMessageHandler registers cb behind the generic response adapter.
func (s *Scope) AddMessageHandler(cb HandlerFunc, filter Filter) func() {
	return s.OnMessage(NewMessageHandler(s.post, cb), filter)
}

// MapMessagesToMethods routes method calls to objects.
func (s *Scope) MapMessagesToMethods(objects Objects, filter Filter) func() {
	return s.OnMessage(NewMethodDispatcher(s.post, objects), MethodGate(objects, filter))
}

// Dispatch offers msg to every listener registered when the call starts, in
// registration order. Listeners added during dispatch see the next message;
// listeners removed during dispatch are skipped.
func (s *Scope) Dispatch(ctx context.Context, msg protocol.Message) {
	if msg.IsDirective() && msg.Name == protocol.NameWorkerData {
		s.SetWorkerData(msg.WorkerData)
	}

	s.mu.Lock()
	snapshot := make([]*listener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	for _, l := range snapshot {
		if l.removed.Load() {
			continue
		}
		if l.filter != nil && !l.filter(msg) {
			continue
		}
		l.fn(ctx, msg)
	}
}

// Listeners returns the number of registered listeners.
func (s *Scope) Listeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}
