package pool

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

func iterationStep(value any, done bool) protocol.Message {
	// Steps arrive decoded from JSON on real transports.
	return protocol.Message{
		Type: protocol.TypeResponse,
		Name: protocol.NameIteration,
		Data: map[string]any{"value": value, "done": done},
	}
}

func TestIterateNextUntilDone(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)
	ctx := context.Background()

	it := p.Iterate(map[string]any{"foo": "bar"})

	start := c.waitSent(t, 1)[0]
	if diff := cmp.Diff(protocol.StartIteration(map[string]any{"foo": "bar"}), start); diff != "" {
		t.Fatalf("start message (-want +got):\n%s", diff)
	}

	next := async(func() (protocol.Step, error) { return it.Next(ctx, nil) })
	if got := c.waitSent(t, 2)[1]; !cmp.Equal(got, protocol.NextIteration(nil)) {
		t.Fatalf("second message: %+v", got)
	}
	c.reply(iterationStep(map[string]any{"grub": "dub"}, false))

	r := receive(t, next)
	if r.err != nil {
		t.Fatalf("Next: %v", r.err)
	}
	if diff := cmp.Diff(protocol.Step{Value: map[string]any{"grub": "dub"}}, r.step); diff != "" {
		t.Errorf("first step (-want +got):\n%s", diff)
	}

	next = async(func() (protocol.Step, error) { return it.Next(ctx, "sent") })
	if got := c.waitSent(t, 3)[2]; !cmp.Equal(got, protocol.NextIteration("sent")) {
		t.Fatalf("third message: %+v", got)
	}
	c.reply(iterationStep(map[string]any{"smag": "mam"}, true))

	r = receive(t, next)
	if diff := cmp.Diff(protocol.Step{Value: map[string]any{"smag": "mam"}, Done: true}, r.step); diff != "" || r.err != nil {
		t.Errorf("final step (-want +got):\n%s (err %v)", diff, r.err)
	}

	if _, err := wait(t, it.Task()); err != nil {
		t.Errorf("task should complete with the final step, got %v", err)
	}
	if s := p.Stats(); s.Busy != 0 {
		t.Errorf("context should be idle after done, busy=%d", s.Busy)
	}

	// Exhausted: no further directives.
	step, err := it.Next(ctx, nil)
	if err != nil || !step.Done {
		t.Errorf("exhausted Next: got %v, %v", step, err)
	}
	c.quiet(t, 3)
}

func TestIterateReturn(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)
	ctx := context.Background()

	it := p.Iterate(map[string]any{"foo": "bar"})
	next := async(func() (protocol.Step, error) { return it.Next(ctx, nil) })
	c.waitSent(t, 2)
	c.reply(iterationStep(map[string]any{"grub": "dub"}, false))
	receive(t, next)

	ret := async(func() (protocol.Step, error) { return it.Return(ctx, map[string]any{"foo": "abr"}) })
	if got := c.waitSent(t, 3)[2]; !cmp.Equal(got, protocol.ReturnIteration(map[string]any{"foo": "abr"})) {
		t.Fatalf("return message: %+v", got)
	}
	c.reply(protocol.Success(map[string]any{"value": "twigs", "done": true}))

	r := receive(t, ret)
	if r.err != nil || r.step != (protocol.Step{Value: "twigs", Done: true}) {
		t.Errorf("Return: got %v, %v", r.step, r.err)
	}
	c.quiet(t, 3)
	if s := p.Stats(); s.Busy != 0 {
		t.Errorf("context should be idle, busy=%d", s.Busy)
	}
}

func TestIterateThrow(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)
	ctx := context.Background()

	it := p.Iterate(map[string]any{"foo": "bar"})
	next := async(func() (protocol.Step, error) { return it.Next(ctx, nil) })
	c.waitSent(t, 2)
	c.reply(iterationStep("grub", false))
	receive(t, next)

	thrown := async(func() (protocol.Step, error) { return it.Throw(ctx, errors.New("Uh oh")) })
	got := c.waitSent(t, 3)[2]
	if got.Name != protocol.NameThrowIteration || got.Error == nil || got.Error.Message != "Uh oh" {
		t.Fatalf("throw message: %+v", got)
	}
	c.reply(protocol.Failure(errors.New("yeah no waht")))

	r := receive(t, thrown)
	if r.err == nil || r.err.Error() != "yeah no waht" {
		t.Errorf("Throw: expected remote failure, got %v", r.err)
	}
}

func TestIterateDirectivesHeldUntilAssigned(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	ctx := context.Background()

	it := p.Iterate("data")
	next := async(func() (protocol.Step, error) { return it.Next(ctx, 1) })

	eventually(t, "pending directive", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(it.task.stream.pending) == 1
	})

	c := sp.at(t, 0)
	c.ready()
	want := []protocol.Message{protocol.StartIteration("data"), protocol.NextIteration(1)}
	if diff := cmp.Diff(want, c.waitSent(t, 2)); diff != "" {
		t.Fatalf("flushed messages (-want +got):\n%s", diff)
	}

	c.reply(iterationStep("a", false))
	if r := receive(t, next); r.err != nil || r.step.Value != "a" {
		t.Errorf("Next: got %v, %v", r.step, r.err)
	}
}

func TestIterateContextDeath(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)

	it := p.Iterate(nil)
	next := async(func() (protocol.Step, error) { return it.Next(context.Background(), nil) })
	c.waitSent(t, 2)
	c.die(errors.New("segfault"))

	r := receive(t, next)
	if !errors.Is(r.err, ErrContextDied) {
		t.Errorf("expected context death, got %v", r.err)
	}
	if step, err := it.Next(context.Background(), nil); err != nil || !step.Done {
		t.Errorf("Next after death: got %v, %v", step, err)
	}
}

func TestIterateCanceledNextKeepsAlternation(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)

	it := p.Iterate(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := it.Next(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	c.waitSent(t, 2)

	// The late step belongs to the abandoned call; the next call waits for
	// it before sending its own directive.
	next := async(func() (protocol.Step, error) { return it.Next(context.Background(), nil) })
	c.quiet(t, 2)
	c.reply(iterationStep("late", false))

	c.waitSent(t, 3)
	c.reply(iterationStep("fresh", false))
	if r := receive(t, next); r.err != nil || r.step.Value != "fresh" {
		t.Errorf("Next: got %v, %v", r.step, r.err)
	}
}

// autoResponder answers iteration directives like a counting generator.
func autoResponder(limit int) func(*fakeContext, protocol.Message) {
	n := 0
	return func(f *fakeContext, msg protocol.Message) {
		switch msg.Name {
		case protocol.NameNextIteration:
			n++
			go f.reply(iterationStep(fmt.Sprint(n), n > limit))
		case protocol.NameReturnIteration:
			go f.reply(protocol.Success(protocol.Step{Value: msg.Data, Done: true}))
		}
	}
}

func TestIteratorValues(t *testing.T) {
	sp := &fakeSpawner{setup: func(f *fakeContext) { f.onSend = autoResponder(3) }}
	p, _ := newTestPool(t, 1, Options{Spawner: sp})
	readyAll(t, sp, 1)

	var got []any
	for v, err := range p.Iterate(nil).Values(context.Background()) {
		if err != nil {
			t.Fatalf("Values: %v", err)
		}
		got = append(got, v)
	}
	if diff := cmp.Diff([]any{"1", "2", "3"}, got); diff != "" {
		t.Errorf("values (-want +got):\n%s", diff)
	}
}

func TestIteratorValuesBreakReturns(t *testing.T) {
	sp := &fakeSpawner{setup: func(f *fakeContext) { f.onSend = autoResponder(100) }}
	p, _ := newTestPool(t, 1, Options{Spawner: sp})
	readyAll(t, sp, 1)

	it := p.Iterate(nil)
	for v := range it.Values(context.Background()) {
		if v == "2" {
			break
		}
	}

	if _, err := wait(t, it.Task()); err != nil {
		t.Fatalf("task: %v", err)
	}
	msgs := sp.at(t, 0).messages()
	if last := msgs[len(msgs)-1]; last.Name != protocol.NameReturnIteration {
		t.Errorf("expected ReturnIteration after break, got %+v", last)
	}
}

func TestIterationStepOnPlainTaskIsProtocolFault(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)

	plain := p.AddTask(bare("n", "1"))
	next := p.AddTask(bare("n", "2"))
	c.waitSent(t, 1)

	c.reply(iterationStep(1, false))

	_, err := wait(t, plain)
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Name != protocol.NameIteration {
		t.Fatalf("expected protocol error, got %v", err)
	}

	c.waitSent(t, 2)
	c.reply(protocol.Success("fine"))
	if res, err := wait(t, next); err != nil || res != "fine" {
		t.Errorf("next task: got %v, %v", res, err)
	}
	if s := p.Stats(); s.Busy != 0 || s.ProtocolFaults != 1 {
		t.Errorf("stats: %+v", s)
	}
}

func TestIteratorValuesErrorCloses(t *testing.T) {
	p, sp := newTestPool(t, 1, Options{})
	readyAll(t, sp, 1)
	c := sp.at(t, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	it := p.Iterate(nil)
	var got error
	for _, err := range it.Values(ctx) {
		got = err
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", got)
	}

	msgs := c.waitSent(t, 3)
	if msgs[2].Name != protocol.NameReturnIteration {
		t.Fatalf("expected ReturnIteration after the failed step, got %+v", msgs[2])
	}

	// the late step and the return response release the context
	c.reply(iterationStep(1, false))
	c.reply(protocol.Success(nil))
	if _, err := wait(t, it.Task()); err != nil {
		t.Fatalf("task: %v", err)
	}
	if s := p.Stats(); s.Busy != 0 {
		t.Errorf("stats: %+v", s)
	}

	// Close on an exhausted iterator sends nothing more.
	it.Close()
	if n := len(c.messages()); n != 3 {
		t.Errorf("expected 3 messages, got %d", n)
	}
}
