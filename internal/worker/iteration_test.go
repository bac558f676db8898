package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// scriptedStepper replays fixed next results; throw rethrows unless absorb is set.
type scriptedStepper struct {
	steps  []protocol.Step
	calls  int
	absorb bool
	nexts  []any
}

func (s *scriptedStepper) Next(_ context.Context, v any) (protocol.Step, error) {
	s.nexts = append(s.nexts, v)
	step := s.steps[s.calls]
	s.calls++
	return step, nil
}

func (s *scriptedStepper) Return(context.Context, any) (protocol.Step, error) {
	return protocol.Step{Value: "82", Done: true}, nil
}

func (s *scriptedStepper) Throw(_ context.Context, err error) (protocol.Step, error) {
	if s.absorb {
		return protocol.Step{Value: "recovered", Done: true}, nil
	}
	return protocol.Step{}, err
}

func newScripted() *scriptedStepper {
	return &scriptedStepper{steps: []protocol.Step{
		{Value: "12"},
		{Value: "63"},
		{Value: "99", Done: true},
	}}
}

func startIteration(t *testing.T, stepper Stepper) (*Scope, *recorder) {
	t.Helper()
	rec := &recorder{}
	scope := NewScope(rec.post)
	var gotData any
	scope.AddIterationHandler(func(_ context.Context, data any) (Stepper, error) {
		gotData = data
		return stepper, nil
	}, nil)

	scope.Dispatch(context.Background(), protocol.StartIteration(map[string]any{"foo": "boo"}))

	if diff := cmp.Diff(map[string]any{"foo": "boo"}, gotData); diff != "" {
		t.Fatalf("producer data (-want +got):\n%s", diff)
	}
	if n := scope.Listeners(); n != 2 {
		t.Fatalf("expected start listener plus boundary listener, got %d", n)
	}
	return scope, rec
}

func TestIterationNextUntilDone(t *testing.T) {
	stepper := newScripted()
	scope, rec := startIteration(t, stepper)
	ctx := context.Background()

	scope.Dispatch(ctx, protocol.NextIteration(nil))
	scope.Dispatch(ctx, protocol.NextIteration("sent"))
	if n := scope.Listeners(); n != 2 {
		t.Fatalf("boundary listener removed too early, listeners=%d", n)
	}
	scope.Dispatch(ctx, protocol.NextIteration(nil))

	want := []protocol.Message{
		protocol.IterationStep(protocol.Step{Value: "12"}),
		protocol.IterationStep(protocol.Step{Value: "63"}),
		protocol.IterationStep(protocol.Step{Value: "99", Done: true}),
	}
	if diff := cmp.Diff(want, rec.all()); diff != "" {
		t.Errorf("posted messages (-want +got):\n%s", diff)
	}
	if n := scope.Listeners(); n != 1 {
		t.Errorf("expected boundary listener removed after done, listeners=%d", n)
	}
	if stepper.nexts[1] != "sent" {
		t.Errorf("next value: got %v, want sent", stepper.nexts[1])
	}

	// Finished is terminal.
	scope.Dispatch(ctx, protocol.NextIteration(nil))
	if n := len(rec.all()); n != 3 {
		t.Errorf("no response expected after finish, got %d messages", n)
	}
}

func TestIterationReturn(t *testing.T) {
	scope, rec := startIteration(t, newScripted())
	ctx := context.Background()

	scope.Dispatch(ctx, protocol.NextIteration(nil))
	scope.Dispatch(ctx, protocol.ReturnIteration(map[string]any{"blig": "wig"}))

	msgs := rec.all()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	want := protocol.Success(protocol.Step{Value: "82", Done: true})
	if diff := cmp.Diff(want, msgs[1]); diff != "" {
		t.Errorf("return response (-want +got):\n%s", diff)
	}
	if n := scope.Listeners(); n != 1 {
		t.Errorf("expected boundary listener removed, listeners=%d", n)
	}
}

func TestIterationThrow(t *testing.T) {
	scope, rec := startIteration(t, newScripted())
	ctx := context.Background()

	scope.Dispatch(ctx, protocol.NextIteration(nil))
	scope.Dispatch(ctx, protocol.ThrowIteration(errors.New("Whoops")))

	got := rec.last(t)
	if got.Name != protocol.NameError || got.Error.Message != "Whoops" {
		t.Errorf("expected Whoops error response, got %+v", got)
	}
	if n := scope.Listeners(); n != 1 {
		t.Errorf("expected boundary listener removed, listeners=%d", n)
	}
}

func TestIterationThrowAbsorbed(t *testing.T) {
	stepper := newScripted()
	stepper.absorb = true
	scope, rec := startIteration(t, stepper)

	scope.Dispatch(context.Background(), protocol.ThrowIteration(errors.New("Whoops")))

	want := protocol.Success(protocol.Step{Value: "recovered", Done: true})
	if diff := cmp.Diff(want, rec.last(t)); diff != "" {
		t.Errorf("absorbed throw response (-want +got):\n%s", diff)
	}
	if n := scope.Listeners(); n != 1 {
		t.Errorf("expected boundary listener removed, listeners=%d", n)
	}
}

func TestIterationProducerFailure(t *testing.T) {
	rec := &recorder{}
	scope := NewScope(rec.post)
	scope.AddIterationHandler(func(context.Context, any) (Stepper, error) {
		return nil, errors.New("cannot start")
	}, nil)

	scope.Dispatch(context.Background(), protocol.StartIteration(nil))

	got := rec.last(t)
	if got.Name != protocol.NameError || got.Error.Message != "cannot start" {
		t.Errorf("expected producer failure, got %+v", got)
	}
	if n := scope.Listeners(); n != 1 {
		t.Errorf("no boundary listener expected, listeners=%d", n)
	}
}

func TestIterationFilterOnData(t *testing.T) {
	rec := &recorder{}
	scope := NewScope(rec.post)
	started := 0
	scope.AddIterationHandler(func(context.Context, any) (Stepper, error) {
		started++
		return newScripted(), nil
	}, func(data any) bool { return data == "mine" })

	scope.Dispatch(context.Background(), protocol.StartIteration("theirs"))
	scope.Dispatch(context.Background(), protocol.StartIteration("mine"))

	if started != 1 {
		t.Errorf("started: got %d, want 1", started)
	}
}
