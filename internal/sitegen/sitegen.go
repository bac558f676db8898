// Package sitegen is the build-pipeline side of the pool: page tasks are
// handed to a TaskHandler, usually one backed by the worker pool.
package sitegen

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// TaskHandler renders one page task.
type TaskHandler interface {
	Handle(ctx context.Context, msg protocol.Message) (any, error)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, msg protocol.Message) (any, error)

func (f TaskHandlerFunc) Handle(ctx context.Context, msg protocol.Message) (any, error) {
	return f(ctx, msg)
}

// Submitter queues a task; *pool.Pool satisfies it.
type Submitter interface {
	AddTask(msg protocol.Message) *pool.Task
}

// PoolTaskHandler forwards tasks to a pool and waits for their completion.
type PoolTaskHandler struct {
	Pool Submitter
}

func (h PoolTaskHandler) Handle(ctx context.Context, msg protocol.Message) (any, error) {
	return h.Pool.AddTask(msg).Wait(ctx)
}

// PageTask builds the bare task for one page path.
func PageTask(path string, data any) protocol.Message {
	return protocol.Message{Data: data, Extra: map[string]any{"path": path}}
}

// Result is the outcome of one task of a batch.
type Result struct {
	Key      string        `json:"key,omitempty"`
	Output   any           `json:"output,omitempty"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// BatchHandler renders batches of tasks concurrently.
type BatchHandler struct {
	Handler TaskHandler
	// Concurrency caps in-flight tasks; zero means unbounded.
	Concurrency int
	// KeyPath is the dot path naming each result; defaults to "path".
	KeyPath string
	// OnResult is called as each task finishes. Calls are serialized.
	OnResult func(Result)
}

// Build runs every task and returns results in input order. Task failures are
// reported per result; Build itself fails only when ctx ends.
func (b *BatchHandler) Build(ctx context.Context, msgs []protocol.Message) ([]Result, error) {
	keyPath := b.KeyPath
	if keyPath == "" {
		keyPath = "path"
	}

	results := make([]Result, len(msgs))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if b.Concurrency > 0 {
		g.SetLimit(b.Concurrency)
	}
	for i, msg := range msgs {
		g.Go(func() error {
			start := time.Now()
			out, err := b.Handler.Handle(gctx, msg)
			r := Result{Output: out, Err: err, Duration: time.Since(start)}
			if k, ok := Get(msg.Map(), keyPath, nil).(string); ok {
				r.Key = k
			}
			if err != nil {
				r.Error = err.Error()
			}
			results[i] = r
			if b.OnResult != nil {
				mu.Lock()
				b.OnResult(r)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}
