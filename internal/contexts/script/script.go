// Package script runs execution contexts on an embedded JavaScript runtime.
//
// A script sees the globals workerData, postMessage, onMessage,
// dispatchEvent, addMessageHandler, addIterationHandler,
// mapMessagesToMethods and console. Handlers may return plain values or
// promises that settle without external I/O.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

// ErrPromisePending is returned when a handler's promise is still pending
// once the runtime has run its job queue.
var ErrPromisePending = errors.New("script: promise still pending")

// Spawner creates one runtime per context, each evaluating the same source.
type Spawner struct {
	Name   string
	Source string
	Logger *slog.Logger
}

// Load reads a script file.
func Load(path string) (*Spawner, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	return &Spawner{Name: filepath.Base(path), Source: string(src)}, nil
}

func (s *Spawner) Spawn(_ context.Context, workerData any) (pool.ExecutionContext, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Context{
		name:   s.Name,
		source: s.Source,
		data:   workerData,
		log:    logger.With("script", s.Name),
		inbox:  make(chan protocol.Message, 16),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Context owns one goja runtime. The runtime is only touched from the
// context goroutine.
type Context struct {
	name   string
	source string
	data   any
	log    *slog.Logger
	inbox  chan protocol.Message
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// fatal carries an error that must kill the context.
type fatal struct{ err error }

func (c *Context) Start(h pool.Hooks) error {
	go c.run(h)
	return nil
}

func (c *Context) run(h pool.Hooks) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := r.(fatal); ok {
				h.Died(f.err)
				return
			}
			h.Died(fmt.Errorf("script panic: %v", r))
		}
	}()

	scope := worker.NewScope(func(msg protocol.Message) error {
		if err := c.ctx.Err(); err != nil {
			return err
		}
		h.Message(msg)
		return nil
	})
	scope.SetWorkerData(c.data)

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	rt := &runtime{vm: vm, scope: scope, log: c.log}
	if err := rt.install(c.data); err != nil {
		h.Died(err)
		return
	}
	if _, err := vm.RunScript(c.name, c.source); err != nil {
		h.Died(rt.jsError(err))
		return
	}
	h.Ready()

	for {
		select {
		case msg := <-c.inbox:
			scope.Dispatch(c.ctx, msg)
		case <-c.ctx.Done():
			vm.Interrupt("context closed")
			return
		}
	}
}

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
