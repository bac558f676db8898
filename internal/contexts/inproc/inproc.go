// Package inproc runs execution contexts as goroutines inside the pool's
// process. Each context owns its own worker.Scope; the pool still talks to
// it by messages only.
package inproc

import (
	"context"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

// Setup registers the handlers of one context.
type Setup func(*worker.Scope) error

// Spawner creates goroutine-backed contexts.
type Spawner struct {
	setup  Setup
	buffer int
}

// NewSpawner returns a spawner whose contexts are configured by setup.
func NewSpawner(setup Setup) *Spawner {
	return &Spawner{setup: setup, buffer: 16}
}

func (s *Spawner) Spawn(_ context.Context, workerData any) (pool.ExecutionContext, error) {
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		setup:  s.setup,
		data:   workerData,
		inbox:  make(chan protocol.Message, s.buffer),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Context is one goroutine-backed execution context. A panic escaping a
// listener kills it.
type Context struct {
	setup  Setup
	data   any
	inbox  chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func (c *Context) Start(h pool.Hooks) error {
	go c.run(h)
	return nil
}

func (c *Context) run(h pool.Hooks) {
	defer func() {
		if r := recover(); r != nil {
			h.Died(pkgerrors.Errorf("context panic: %v", r))
		}
	}()

	scope := worker.NewScope(func(msg protocol.Message) error {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}
		h.Message(msg)
		return nil
	})
	scope.SetWorkerData(c.data)

	if err := c.setup(scope); err != nil {
		h.Died(pkgerrors.Wrap(err, "setup"))
		return
	}
	h.Ready()

	for {
		select {
		case msg := <-c.inbox:
			scope.Dispatch(c.ctx, msg)
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues msg for the context goroutine.
func (c *Context) Send(msg protocol.Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

func (c *Context) Close() error {
	c.once.Do(c.cancel)
	return nil
}
