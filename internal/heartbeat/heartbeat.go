// Package heartbeat provides liveness detection for paperpool servers and
// remote agents.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultInterval is the writer period when none is given.
const DefaultInterval = 30 * time.Second

// Status represents the liveness state of a beating process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// Heartbeat is one liveness record.
type Heartbeat struct {
	ID        string    `json:"id,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Interval  string    `json:"interval,omitempty"`
	Contexts  int       `json:"contexts"`
}

// StatusAt classifies a heartbeat received earlier.
func (hb Heartbeat) StatusAt(now time.Time, maxAge time.Duration) Status {
	if hb.Timestamp.IsZero() {
		return StatusDead
	}
	if now.Sub(hb.Timestamp) > maxAge {
		return StatusStale
	}
	return StatusAlive
}

// Sink receives each heartbeat.
type Sink interface {
	Write(Heartbeat) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Heartbeat) error

func (f SinkFunc) Write(hb Heartbeat) error { return f(hb) }

// FileSink writes heartbeats to a JSON file; Stop removes it.
type FileSink string

func (p FileSink) Write(hb Heartbeat) error {
	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return err
	}
	// Atomic write: tmp + rename
	tmp := string(p) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, string(p))
}

func (p FileSink) Remove() error {
	err := os.Remove(string(p))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Writer periodically emits heartbeats to a sink.
type Writer struct {
	id       string
	sink     Sink
	interval time.Duration
	started  time.Time

	// Contexts reports the number of hosted contexts, when set.
	Contexts func() int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter creates a heartbeat writer emitting every interval.
func NewWriter(id string, sink Sink, interval time.Duration) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{id: id, sink: sink, interval: interval}
}

// Interval returns the emitting period.
func (w *Writer) Interval() time.Duration { return w.interval }

// Start begins emitting heartbeats in a background goroutine.
func (w *Writer) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel != nil {
		return // already running
	}

	w.started = time.Now()
	w.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	// Write initial heartbeat immediately
	w.write()

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.write()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops emitting and removes what the sink left behind.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cancel == nil {
		return
	}

	w.cancel()
	<-w.done
	w.cancel = nil

	if r, ok := w.sink.(interface{ Remove() error }); ok {
		if err := r.Remove(); err != nil {
			slog.Warn("heartbeat: remove", "error", err)
		}
	}
}

func (w *Writer) write() {
	hb := Heartbeat{
		ID:        w.id,
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
		Interval:  w.interval.String(),
	}
	if w.Contexts != nil {
		hb.Contexts = w.Contexts()
	}
	if err := w.sink.Write(hb); err != nil {
		slog.Debug("heartbeat: write", "id", w.id, "error", err)
	}
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}

	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return StatusDead, nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}

	return hb.StatusAt(time.Now(), maxAge), &hb, nil
}
