package pool

import (
	"context"
	"iter"
	"sync"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Iterator drives a generator running inside an execution context. Calls
// are serialized: a directive is only sent once the previous one has been
// answered.
type Iterator struct {
	pool *Pool
	task *Task

	mu        sync.Mutex
	exhausted bool
	owed      int // steps requested by calls whose ctx ended first
}

// Task returns the task carrying the iteration.
func (it *Iterator) Task() *Task { return it.task }

// Next sends NextIteration{v} and waits for the next step. Once a done step
// has been received the iterator is exhausted and Next returns a done step
// without sending anything.
func (it *Iterator) Next(ctx context.Context, v any) (protocol.Step, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.settle(ctx); err != nil {
		return protocol.Step{}, err
	}
	if it.exhausted {
		return protocol.Step{Done: true}, nil
	}

	it.pool.direct(it.task, protocol.NextIteration(v))
	step, err := it.awaitStep(ctx)
	if err != nil {
		return protocol.Step{}, err
	}
	return step, nil
}

// Return sends ReturnIteration{v} and waits for the task to complete.
func (it *Iterator) Return(ctx context.Context, v any) (protocol.Step, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if err := it.settle(ctx); err != nil {
		return protocol.Step{}, err
	}
	if it.exhausted {
		return protocol.Step{Value: v, Done: true}, nil
	}

	it.pool.direct(it.task, protocol.ReturnIteration(v))
	return it.awaitTask(ctx)
}

// Throw sends ThrowIteration{err} and waits for the task to complete. On an
// exhausted iterator err is returned as is.
func (it *Iterator) Throw(ctx context.Context, err error) (protocol.Step, error) {
	it.mu.Lock()
	defer it.mu.Unlock()

	if serr := it.settle(ctx); serr != nil {
		return protocol.Step{}, serr
	}
	if it.exhausted {
		return protocol.Step{}, err
	}

	it.pool.direct(it.task, protocol.ThrowIteration(err))
	return it.awaitTask(ctx)
}

// Close ends an iteration that has not run to completion: it sends
// ReturnIteration without waiting for steps still owed or for the task to
// complete, so the context is released even when the caller has given up.
// Close is a no-op on an exhausted iterator and blocks while another call is
// in flight.
func (it *Iterator) Close() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.exhausted {
		return
	}
	it.exhausted = true
	it.owed = 0
	it.pool.direct(it.task, protocol.ReturnIteration(nil))
}

// Values ranges over the remaining values. Breaking out of the loop returns
// the remote generator; an error closes it.
func (it *Iterator) Values(ctx context.Context) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		for {
			step, err := it.Next(ctx, nil)
			if err != nil {
				it.Close()
				yield(nil, err)
				return
			}
			if step.Done {
				return
			}
			if !yield(step.Value, nil) {
				if _, err := it.Return(ctx, nil); err != nil {
					it.pool.log.Debug("pool: return iteration", "task_id", it.task.id, "error", err)
					it.Close()
				}
				return
			}
		}
	}
}

// settle consumes the steps owed to calls that gave up waiting, so that
// directives keep alternating with responses.
func (it *Iterator) settle(ctx context.Context) error {
	for it.owed > 0 && !it.exhausted {
		it.owed--
		if _, err := it.awaitStep(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (it *Iterator) awaitStep(ctx context.Context) (protocol.Step, error) {
	steps := it.task.stream.steps

	select {
	case step := <-steps:
		if step.Done {
			it.exhausted = true
		}
		return step, nil
	case <-it.task.Done():
		it.exhausted = true
		select {
		case step := <-steps:
			return step, nil
		default:
		}
		return it.taskResult()
	case <-ctx.Done():
		it.owed++
		return protocol.Step{}, ctx.Err()
	}
}

func (it *Iterator) awaitTask(ctx context.Context) (protocol.Step, error) {
	it.exhausted = true
	select {
	case <-it.task.Done():
		return it.taskResult()
	case <-ctx.Done():
		return protocol.Step{}, ctx.Err()
	}
}

// taskResult turns the completion of a resolved task into a final step.
func (it *Iterator) taskResult() (protocol.Step, error) {
	res, err := it.task.Wait(context.Background())
	if err != nil {
		return protocol.Step{}, err
	}
	switch v := res.(type) {
	case protocol.Step:
		return v, nil
	case map[string]any:
		if _, ok := v["done"]; ok {
			step, _ := protocol.StepOf(v)
			return step, nil
		}
	}
	return protocol.Step{Value: res, Done: true}, nil
}
