package worker

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

func countTo(n int) GeneratorFunc {
	return func(_ context.Context, y *Yielder) (any, error) {
		for i := 1; i <= n; i++ {
			if _, err := y.Yield(i); err != nil {
				return nil, err
			}
		}
		return "end", nil
	}
}

func TestGeneratorRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	g := NewGenerator(countTo(3))

	var got []protocol.Step
	for {
		step, err := g.Next(ctx, nil)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, step)
		if step.Done {
			break
		}
	}

	want := []protocol.Step{{Value: 1}, {Value: 2}, {Value: 3}, {Value: "end", Done: true}}
	if !slices.Equal(got, want) {
		t.Errorf("steps: got %v, want %v", got, want)
	}

	step, err := g.Next(ctx, nil)
	if err != nil || !step.Done {
		t.Errorf("exhausted generator: got %v, %v", step, err)
	}
}

func TestGeneratorReceivesSentValues(t *testing.T) {
	ctx := context.Background()
	var received []any
	g := NewGenerator(func(_ context.Context, y *Yielder) (any, error) {
		for i := 0; i < 2; i++ {
			v, err := y.Yield(i)
			if err != nil {
				return nil, err
			}
			received = append(received, v)
		}
		return nil, nil
	})

	g.Next(ctx, "ignored")
	g.Next(ctx, "a")
	step, err := g.Next(ctx, "b")
	if err != nil || !step.Done {
		t.Fatalf("final step: got %v, %v", step, err)
	}
	if !slices.Equal(received, []any{"a", "b"}) {
		t.Errorf("received: got %v", received)
	}
}

func TestGeneratorReturn(t *testing.T) {
	ctx := context.Background()
	var sawReturn bool
	g := NewGenerator(func(_ context.Context, y *Yielder) (any, error) {
		_, err := y.Yield(1)
		sawReturn = errors.Is(err, ErrGeneratorReturn)
		return nil, err
	})

	g.Next(ctx, nil)
	step, err := g.Return(ctx, "bye")
	if err != nil {
		t.Fatalf("Return: %v", err)
	}
	if step != (protocol.Step{Value: "bye", Done: true}) {
		t.Errorf("return step: got %v", step)
	}
	if !sawReturn {
		t.Error("generator should observe ErrGeneratorReturn")
	}
}

func TestGeneratorThrowHandled(t *testing.T) {
	ctx := context.Background()
	g := NewGenerator(func(_ context.Context, y *Yielder) (any, error) {
		if _, err := y.Yield(1); err != nil {
			if _, err := y.Yield("handled: " + err.Error()); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	g.Next(ctx, nil)
	step, err := g.Throw(ctx, errors.New("boom"))
	if err != nil {
		t.Fatalf("Throw: %v", err)
	}
	if step != (protocol.Step{Value: "handled: boom"}) {
		t.Errorf("step after throw: got %v", step)
	}
}

func TestGeneratorThrowUnhandled(t *testing.T) {
	ctx := context.Background()
	g := NewGenerator(countTo(5))

	g.Next(ctx, nil)
	boom := errors.New("boom")
	if _, err := g.Throw(ctx, boom); !errors.Is(err, boom) {
		t.Errorf("Throw: got %v, want boom", err)
	}
	step, err := g.Next(ctx, nil)
	if err != nil || !step.Done {
		t.Errorf("generator should be finished, got %v, %v", step, err)
	}
}

func TestGeneratorBeforeStart(t *testing.T) {
	ctx := context.Background()
	ran := false
	g := NewGenerator(func(context.Context, *Yielder) (any, error) {
		ran = true
		return nil, nil
	})

	step, err := g.Return(ctx, 7)
	if err != nil || step != (protocol.Step{Value: 7, Done: true}) {
		t.Errorf("Return before start: got %v, %v", step, err)
	}
	if ran {
		t.Error("generator body must not run")
	}
}

func TestFromSeq(t *testing.T) {
	ctx := context.Background()
	s := FromSeq(func(yield func(any) bool) {
		for _, v := range []any{"a", "b"} {
			if !yield(v) {
				return
			}
		}
	})

	for _, want := range []any{"a", "b"} {
		step, err := s.Next(ctx, nil)
		if err != nil || step.Value != want || step.Done {
			t.Fatalf("Next: got %v, %v; want %v", step, err, want)
		}
	}
	step, _ := s.Next(ctx, nil)
	if !step.Done {
		t.Errorf("expected done, got %v", step)
	}
}

func TestFromSeqThrowStops(t *testing.T) {
	ctx := context.Background()
	stopped := false
	s := FromSeq(func(yield func(any) bool) {
		defer func() { stopped = true }()
		for i := 0; ; i++ {
			if !yield(i) {
				return
			}
		}
	})

	s.Next(ctx, nil)
	boom := errors.New("boom")
	if _, err := s.Throw(ctx, boom); !errors.Is(err, boom) {
		t.Errorf("Throw: got %v", err)
	}
	if !stopped {
		t.Error("sequence should be stopped")
	}
}
