// Package storage persists bus events for later inspection.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dohr-michael/paperpool/internal/events"
)

// EventLogger persists bus events to JSONL files, one file per UTC day.
type EventLogger struct {
	dir         string
	skip        map[events.EventType]bool
	unsubscribe func()

	mu sync.Mutex
}

// NewEventLogger subscribes to all bus events except the skipped types and
// appends them to dir.
func NewEventLogger(dir string, bus *events.Bus, skip ...events.EventType) *EventLogger {
	el := &EventLogger{
		dir:  dir,
		skip: make(map[events.EventType]bool, len(skip)),
	}
	for _, t := range skip {
		el.skip[t] = true
	}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	if el.skip[e.Type] {
		return
	}
	if err := el.writeEvent(e); err != nil {
		slog.Warn("event log write failed", "type", e.Type, "error", err)
	}
}

func (el *EventLogger) writeEvent(e events.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	el.mu.Lock()
	defer el.mu.Unlock()

	if err := os.MkdirAll(el.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(el.Path(e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(data)
	return err
}

// Path returns the file holding the events of t's day.
func (el *EventLogger) Path(t time.Time) string {
	return filepath.Join(el.dir, t.UTC().Format(time.DateOnly)+".jsonl")
}

// ReadEvents loads a day file. Lines that fail to decode are skipped.
func ReadEvents(path string) ([]events.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e events.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, scanner.Err()
}
