package inproc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

func newPool(t *testing.T, setup Setup, workers int) *pool.Pool {
	t.Helper()
	p := pool.New(pool.Options{
		Workers:    workers,
		WorkerData: map[string]any{"site": "blog"},
		Spawner:    NewSpawner(setup),
	})
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func wait(t *testing.T, task *pool.Task) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return task.Wait(ctx)
}

func TestTasksAndMethods(t *testing.T) {
	p := newPool(t, func(s *worker.Scope) error {
		s.MapMessagesToMethods(worker.Objects{"math": worker.Object{
			"double": func(_ context.Context, args ...any) (any, error) {
				return args[0].(int) * 2, nil
			},
		}}, nil)
		s.AddMessageHandler(func(ctx context.Context, msg protocol.Message) (any, error) {
			data, err := s.WorkerData(ctx)
			if err != nil {
				return nil, err
			}
			return data.(map[string]any)["site"].(string) + "/" + msg.Extra["page"].(string), nil
		}, func(m protocol.Message) bool { return m.IsBare() })
		return nil
	}, 2)

	if res, err := wait(t, p.CallMethod("math.double", 21)); err != nil || res != 42 {
		t.Errorf("double: got %v, %v", res, err)
	}
	res, err := wait(t, p.AddTask(protocol.Message{Extra: map[string]any{"page": "about"}}))
	if err != nil || res != "blog/about" {
		t.Errorf("page: got %v, %v", res, err)
	}
}

func TestIterationOverGoroutine(t *testing.T) {
	p := newPool(t, func(s *worker.Scope) error {
		s.AddIterationHandler(func(_ context.Context, data any) (worker.Stepper, error) {
			n := data.(int)
			return worker.NewGenerator(func(_ context.Context, y *worker.Yielder) (any, error) {
				for i := 0; i < n; i++ {
					if _, err := y.Yield(i); err != nil {
						return nil, err
					}
				}
				return "done", nil
			}), nil
		}, nil)
		return nil
	}, 1)

	var got []any
	for v, err := range p.Iterate(3).Values(context.Background()) {
		if err != nil {
			t.Fatalf("Values: %v", err)
		}
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 0 || got[2] != 2 {
		t.Errorf("values: %v", got)
	}
}

func TestPanicKillsContext(t *testing.T) {
	p := newPool(t, func(s *worker.Scope) error {
		s.OnMessage(func(context.Context, protocol.Message) { panic("boom") }, nil)
		return nil
	}, 1)

	_, err := wait(t, p.AddTask(protocol.Message{Extra: map[string]any{"x": 1}}))
	if !errors.Is(err, pool.ErrContextDied) || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected context death, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Live != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("replacement never became live: %+v", p.Stats())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestHandlerErrorKeepsContext(t *testing.T) {
	p := newPool(t, func(s *worker.Scope) error {
		s.AddMessageHandler(func(context.Context, protocol.Message) (any, error) {
			return nil, errors.New("template not found")
		}, nil)
		return nil
	}, 1)

	_, err := wait(t, p.AddTask(protocol.Message{Extra: map[string]any{"x": 1}}))
	var remote *protocol.RemoteError
	if !errors.As(err, &remote) || remote.Message != "template not found" {
		t.Fatalf("expected handler fault, got %v", err)
	}
	if s := p.Stats(); s.Deaths != 0 {
		t.Errorf("handler fault must not kill the context: %+v", s)
	}
}

func TestSetupFailure(t *testing.T) {
	sp := NewSpawner(func(*worker.Scope) error { return errors.New("no templates") })
	ec, err := sp.Spawn(context.Background(), nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	died := make(chan error, 1)
	ec.Start(pool.Hooks{
		Ready:   func() { t.Error("must not become ready") },
		Died:    func(err error) { died <- err },
		Message: func(protocol.Message) {},
	})
	select {
	case err := <-died:
		if !strings.Contains(err.Error(), "no templates") {
			t.Errorf("died with %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for death")
	}
	ec.Close()
}
