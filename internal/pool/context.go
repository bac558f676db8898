package pool

import (
	"context"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Hooks receive the notifications of one execution context. They may be
// called from any goroutine. Ready is expected once; after Died the context
// is discarded and later notifications are ignored.
type Hooks struct {
	Ready   func()
	Died    func(error)
	Message func(protocol.Message)
}

// ExecutionContext is an isolated worker the pool talks to by messages only.
//
// Send is always called from a single goroutine per context, so it may block;
// Close releases the context and must be safe to call after it died.
type ExecutionContext interface {
	Start(hooks Hooks) error
	Send(msg protocol.Message) error
	Close() error
}

// Spawner creates execution contexts initialized with the shared worker data.
type Spawner interface {
	Spawn(ctx context.Context, workerData any) (ExecutionContext, error)
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(ctx context.Context, workerData any) (ExecutionContext, error)

func (f SpawnerFunc) Spawn(ctx context.Context, workerData any) (ExecutionContext, error) {
	return f(ctx, workerData)
}

// EventSink receives worker events and pool lifecycle events.
type EventSink interface {
	Publish(events.Event)
}
