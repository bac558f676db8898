package pool

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Task is a queued unit of work and its single-resolution completion.
type Task struct {
	id        string
	message   protocol.Message
	createdAt time.Time
	stream    *stream

	// Guarded by the pool mutex.
	contextID  string
	assignedAt time.Time

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newTask(msg protocol.Message) *Task {
	return &Task{
		id:        uuid.NewString(),
		message:   msg,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (t *Task) ID() string                { return t.id }
func (t *Task) Message() protocol.Message { return t.message }

// Done is closed once the task has resolved.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task resolves or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Err returns the failure of a resolved task, nil while pending.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Task) resolved() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// settle resolves the task; only the first call has an effect.
func (t *Task) settle(result any, err error) bool {
	settled := false
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}

// Completion describes a task resolved by a response from its context.
type Completion struct {
	TaskID    string
	ContextID string
	Message   protocol.Message
	Response  protocol.Message
	Err       error
	Duration  time.Duration
}

// stream is the private mailbox of an iteration task. Directives issued
// before the task is bound are held in pending.
type stream struct {
	steps   chan protocol.Step
	pending []protocol.Message
}

func newStream() *stream {
	return &stream{steps: make(chan protocol.Step, 1)}
}
