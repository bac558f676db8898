package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

const waitTimeout = time.Second

// fakeContext records sent messages; tests drive its hooks directly.
type fakeContext struct {
	mu      sync.Mutex
	hooks   Hooks
	sent    []protocol.Message
	closed  bool
	sendErr error
	onSend  func(f *fakeContext, msg protocol.Message)
}

func (f *fakeContext) Start(h Hooks) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = h
	return nil
}

func (f *fakeContext) Send(msg protocol.Message) error {
	f.mu.Lock()
	if f.sendErr != nil {
		f.mu.Unlock()
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(f, msg)
	}
	return nil
}

func (f *fakeContext) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// started returns the hooks once Start has been called.
func (f *fakeContext) started() Hooks {
	deadline := time.Now().Add(waitTimeout)
	for {
		f.mu.Lock()
		h := f.hooks
		f.mu.Unlock()
		if h.Ready != nil || time.Now().After(deadline) {
			return h
		}
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeContext) ready() { f.started().Ready() }

func (f *fakeContext) reply(msg protocol.Message) { f.started().Message(msg) }

func (f *fakeContext) die(err error) { f.started().Died(err) }

func (f *fakeContext) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeContext) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitSent waits until at least n messages were sent and returns them.
func (f *fakeContext) waitSent(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		msgs := f.messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d sent messages, got %d: %+v", n, len(msgs), msgs)
		}
		time.Sleep(time.Millisecond)
	}
}

// quiet asserts that exactly n messages were sent after a short grace period.
func (f *fakeContext) quiet(t *testing.T, n int) {
	t.Helper()
	time.Sleep(20 * time.Millisecond)
	if got := len(f.messages()); got != n {
		t.Fatalf("expected %d sent messages, got %d: %+v", n, got, f.messages())
	}
}

type fakeSpawner struct {
	mu       sync.Mutex
	contexts []*fakeContext
	attempts int
	err      error
	setup    func(*fakeContext)
}

func (s *fakeSpawner) Spawn(context.Context, any) (ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.err != nil {
		return nil, s.err
	}
	f := &fakeContext{}
	if s.setup != nil {
		s.setup(f)
	}
	s.contexts = append(s.contexts, f)
	return f, nil
}

func (s *fakeSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

func (s *fakeSpawner) tries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeSpawner) at(t *testing.T, i int) *fakeContext {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for {
		s.mu.Lock()
		if i < len(s.contexts) {
			f := s.contexts[i]
			s.mu.Unlock()
			return f
		}
		s.mu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("context %d was never spawned", i)
		}
		time.Sleep(time.Millisecond)
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) ofType(typ events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// newTestPool creates and initializes a pool; it is closed at test end.
func newTestPool(t *testing.T, workers int, opts Options) (*Pool, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	if s, ok := opts.Spawner.(*fakeSpawner); ok {
		sp = s
	}
	opts.Workers = workers
	opts.Spawner = sp
	p := New(opts)
	if err := p.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p, sp
}

func readyAll(t *testing.T, sp *fakeSpawner, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		sp.at(t, i).ready()
	}
}

func wait(t *testing.T, task *Task) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	res, err := task.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timeout waiting for task %s", task.ID())
	}
	return res, err
}

type stepResult struct {
	step protocol.Step
	err  error
}

func async(fn func() (protocol.Step, error)) <-chan stepResult {
	ch := make(chan stepResult, 1)
	go func() {
		step, err := fn()
		ch <- stepResult{step, err}
	}()
	return ch
}

func receive(t *testing.T, ch <-chan stepResult) stepResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for iterator call")
		return stepResult{}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
