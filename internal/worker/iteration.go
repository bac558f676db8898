package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// ErrIterationThrown is passed to Stepper.Throw when a ThrowIteration
// directive carries no error.
var ErrIterationThrown = errors.New("iteration aborted by controller")

// Stepper drives a producer one step at a time.
type Stepper interface {
	Next(ctx context.Context, value any) (protocol.Step, error)
	Return(ctx context.Context, value any) (protocol.Step, error)
	Throw(ctx context.Context, err error) (protocol.Step, error)
}

// Producer builds the stepper for one iteration from its start data.
type Producer func(ctx context.Context, data any) (Stepper, error)

type iterationState int

const (
	iterationIdle iterationState = iota
	iterationActive
	iterationFinished
)

// bridge is the per-iteration state machine: Idle, then Active from the
// start directive, then Finished for good.
type bridge struct {
	post    PostFunc
	stepper Stepper
	state   iterationState
	remove  func()
}

// AddIterationHandler answers StartIteration directives whose data passes
// filter by running producer, then serves Next/Return/Throw directives for
// that iteration until it finishes.
func (s *Scope) AddIterationHandler(producer Producer, filter func(data any) bool) func() {
	return s.OnMessage(func(ctx context.Context, msg protocol.Message) {
		s.startIteration(ctx, producer, msg)
	}, func(msg protocol.Message) bool {
		if !msg.IsIterationDirective() || msg.Name != protocol.NameStartIteration {
			return false
		}
		return filter == nil || filter(msg.Data)
	})
}

func (s *Scope) startIteration(ctx context.Context, producer Producer, msg protocol.Message) {
	b := &bridge{post: s.post}

	stepper, err := producer(ctx, msg.Data)
	if err != nil {
		b.state = iterationFinished
		b.send(protocol.Failure(err))
		return
	}

	b.stepper = stepper
	b.state = iterationActive
	b.remove = s.OnMessage(b.handle, func(m protocol.Message) bool {
		return m.IsIterationDirective() && m.Name != protocol.NameStartIteration
	})
}

func (b *bridge) handle(ctx context.Context, msg protocol.Message) {
	if b.state != iterationActive {
		return
	}

	switch msg.Name {
	case protocol.NameNextIteration:
		step, err := b.stepper.Next(ctx, msg.Data)
		if err != nil {
			b.finish()
			b.send(protocol.Failure(err))
			return
		}
		if step.Done {
			b.finish()
		}
		b.send(protocol.IterationStep(step))

	case protocol.NameReturnIteration:
		step, err := b.stepper.Return(ctx, msg.Data)
		b.finish()
		if err != nil {
			b.send(protocol.Failure(err))
			return
		}
		b.send(protocol.Success(step))

	case protocol.NameThrowIteration:
		var thrown error = ErrIterationThrown
		if msg.Error != nil {
			thrown = msg.Error
		}
		step, err := b.stepper.Throw(ctx, thrown)
		b.finish()
		if err != nil {
			b.send(protocol.Failure(err))
			return
		}
		// The stepper absorbed the error; report its step so the caller
		// waiting on the task does not starve.
		b.send(protocol.Success(step))
	}
}

func (b *bridge) finish() {
	b.state = iterationFinished
	if b.remove != nil {
		b.remove()
	}
}

func (b *bridge) send(msg protocol.Message) {
	if err := b.post(msg); err != nil {
		slog.Warn("worker: post iteration response", "message", msg.Name, "error", err)
	}
}
