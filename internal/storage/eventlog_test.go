package storage

import (
	"os"
	"testing"
	"time"

	"github.com/dohr-michael/paperpool/internal/events"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventLogger_WriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	at := time.Date(2026, 3, 4, 23, 30, 0, 0, time.UTC)
	bus.Publish(events.Event{
		ID:        "evt-1",
		ContextID: "ctx-1",
		Type:      "page.rendered",
		Timestamp: at,
		Source:    events.SourceWorker,
		Payload:   map[string]any{"path": "/about"},
	})

	path := el.Path(at)
	waitFor(t, func() bool {
		got, err := ReadEvents(path)
		return err == nil && len(got) == 1
	})

	got, _ := ReadEvents(path)
	if got[0].ID != "evt-1" || got[0].ContextID != "ctx-1" || got[0].Source != events.SourceWorker {
		t.Errorf("unexpected event %+v", got[0])
	}
	if p, _ := got[0].Payload.(map[string]any); p["path"] != "/about" {
		t.Errorf("payload did not round-trip: %v", got[0].Payload)
	}
}

func TestEventLogger_DayRouting(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus)
	defer el.Close()

	day1 := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	bus.Publish(events.Event{ID: "a", Type: "x", Timestamp: day1, Source: events.SourcePool})
	bus.Publish(events.Event{ID: "b", Type: "x", Timestamp: day2, Source: events.SourcePool})

	waitFor(t, func() bool {
		_, err1 := os.Stat(el.Path(day1))
		_, err2 := os.Stat(el.Path(day2))
		return err1 == nil && err2 == nil
	})
	if el.Path(day1) == el.Path(day2) {
		t.Fatal("expected one file per day")
	}
}

func TestEventLogger_SkipsTypes(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(64)
	defer bus.Close()

	el := NewEventLogger(dir, bus, "progress")
	defer el.Close()

	now := time.Now()
	bus.Publish(events.Event{ID: "noise", Type: "progress", Timestamp: now, Source: events.SourceWorker})
	bus.Publish(events.Event{ID: "kept", Type: events.EventContextReady, Timestamp: now, Source: events.SourcePool})

	waitFor(t, func() bool {
		got, err := ReadEvents(el.Path(now))
		return err == nil && len(got) == 1
	})
	time.Sleep(50 * time.Millisecond)

	got, _ := ReadEvents(el.Path(now))
	if len(got) != 1 || got[0].ID != "kept" {
		t.Errorf("expected only the kept event, got %+v", got)
	}
}

func TestReadEventsMissing(t *testing.T) {
	if _, err := ReadEvents(t.TempDir() + "/nope.jsonl"); err == nil {
		t.Error("expected an error for a missing file")
	}
}
