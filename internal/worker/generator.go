package worker

import (
	"context"
	"errors"
	"iter"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// ErrGeneratorReturn is reported by Yield when the consumer asked the
// generator to return. Generator functions pass it back up; the return value
// then becomes the final step.
var ErrGeneratorReturn = errors.New("generator return requested")

type returnSignal struct{ value any }

func (r *returnSignal) Error() string        { return ErrGeneratorReturn.Error() }
func (r *returnSignal) Is(target error) bool { return target == ErrGeneratorReturn }

// GeneratorFunc produces values through y and returns the final value.
type GeneratorFunc func(ctx context.Context, y *Yielder) (any, error)

type resumption struct {
	value any
	ret   bool
	err   error
}

type yielded struct {
	step  protocol.Step
	err   error
	final bool
}

// Yielder is the generator's side of the exchange.
type Yielder struct {
	ctx context.Context
	out chan yielded
	in  chan resumption
}

// Yield emits v and waits for the consumer. It returns the value passed to
// the next Next call, the error passed to Throw, or an error matching
// ErrGeneratorReturn after Return.
func (y *Yielder) Yield(v any) (any, error) {
	select {
	case y.out <- yielded{step: protocol.Step{Value: v}}:
	case <-y.ctx.Done():
		return nil, y.ctx.Err()
	}

	select {
	case r := <-y.in:
		if r.ret {
			return nil, &returnSignal{value: r.value}
		}
		if r.err != nil {
			return nil, r.err
		}
		return r.value, nil
	case <-y.ctx.Done():
		return nil, y.ctx.Err()
	}
}

// Generator runs a GeneratorFunc on its own goroutine and exposes it as a
// Stepper with next/return/throw semantics.
type Generator struct {
	fn       GeneratorFunc
	y        *Yielder
	started  bool
	finished bool
}

// NewGenerator wraps fn. Nothing runs until the first Next.
func NewGenerator(fn GeneratorFunc) *Generator {
	return &Generator{fn: fn}
}

// Next resumes the generator. The value passed to the first Next is
// discarded since no Yield is waiting for it.
func (g *Generator) Next(ctx context.Context, value any) (protocol.Step, error) {
	if g.finished {
		return protocol.Step{Done: true}, nil
	}
	if !g.started {
		g.start(ctx)
		return g.await(ctx)
	}
	return g.resume(ctx, resumption{value: value})
}

func (g *Generator) Return(ctx context.Context, value any) (protocol.Step, error) {
	if g.finished || !g.started {
		g.finished = true
		return protocol.Step{Value: value, Done: true}, nil
	}
	return g.resume(ctx, resumption{value: value, ret: true})
}

func (g *Generator) Throw(ctx context.Context, err error) (protocol.Step, error) {
	if g.finished || !g.started {
		g.finished = true
		return protocol.Step{}, err
	}
	return g.resume(ctx, resumption{err: err})
}

func (g *Generator) start(ctx context.Context) {
	g.started = true
	g.y = &Yielder{
		ctx: ctx,
		out: make(chan yielded),
		in:  make(chan resumption),
	}

	go func() {
		value, err := g.fn(ctx, g.y)
		var ret *returnSignal
		if errors.As(err, &ret) {
			value, err = ret.value, nil
		}
		select {
		case g.y.out <- yielded{step: protocol.Step{Value: value, Done: true}, err: err, final: true}:
		case <-ctx.Done():
		}
	}()
}

func (g *Generator) resume(ctx context.Context, r resumption) (protocol.Step, error) {
	select {
	case g.y.in <- r:
	case <-ctx.Done():
		return protocol.Step{}, ctx.Err()
	}
	return g.await(ctx)
}

func (g *Generator) await(ctx context.Context) (protocol.Step, error) {
	select {
	case res := <-g.y.out:
		if res.final {
			g.finished = true
		}
		if res.err != nil {
			return protocol.Step{}, res.err
		}
		return res.step, nil
	case <-ctx.Done():
		return protocol.Step{}, ctx.Err()
	}
}

// seqStepper adapts a range function. It has no way to observe a thrown
// error, so Throw stops the sequence and fails with that error.
type seqStepper struct {
	next func() (any, bool)
	stop func()
	done bool
}

// FromSeq exposes seq as a Stepper.
func FromSeq(seq iter.Seq[any]) Stepper {
	next, stop := iter.Pull(seq)
	return &seqStepper{next: next, stop: stop}
}

func (s *seqStepper) Next(context.Context, any) (protocol.Step, error) {
	if s.done {
		return protocol.Step{Done: true}, nil
	}
	v, ok := s.next()
	if !ok {
		s.done = true
		return protocol.Step{Done: true}, nil
	}
	return protocol.Step{Value: v}, nil
}

func (s *seqStepper) Return(_ context.Context, value any) (protocol.Step, error) {
	s.done = true
	s.stop()
	return protocol.Step{Value: value, Done: true}, nil
}

func (s *seqStepper) Throw(_ context.Context, err error) (protocol.Step, error) {
	s.done = true
	s.stop()
	return protocol.Step{}, err
}
