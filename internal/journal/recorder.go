package journal

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dohr-michael/paperpool/internal/pool"
)

// Recorder feeds completions to the journal off the pool's goroutines.
// Completions arriving while the buffer is full are dropped and logged.
type Recorder struct {
	j    *Journal
	in   chan pool.Completion
	log  *slog.Logger
	wg   sync.WaitGroup
	once sync.Once
}

// NewRecorder starts a recorder with the given buffer size.
func NewRecorder(j *Journal, buffer int, log *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{j: j, in: make(chan pool.Completion, buffer), log: log}
	r.wg.Add(1)
	go r.loop()
	return r
}

// Observe is a pool.Options.OnTaskCompleted callback.
func (r *Recorder) Observe(c pool.Completion) {
	select {
	case r.in <- c:
	default:
		r.log.Warn("journal buffer full, dropping completion", "task_id", c.TaskID)
	}
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for c := range r.in {
		if _, err := r.j.Record(context.Background(), c); err != nil {
			r.log.Error("journal record failed", "task_id", c.TaskID, "error", err)
		}
	}
}

// Close flushes buffered completions. Observe must not be called afterwards.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.in)
		r.wg.Wait()
	})
}
