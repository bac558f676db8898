// Package scheduler submits fixed messages to the pool on cron expressions,
// fixed intervals or matching bus events.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dohr-michael/paperpool/internal/events"
	"github.com/dohr-michael/paperpool/internal/pool"
	"github.com/dohr-michael/paperpool/internal/protocol"
)

// DefaultCooldown is the minimum interval between two triggers of the same entry.
const DefaultCooldown = 60 * time.Second

// MinInterval is the shortest accepted interval trigger.
const MinInterval = 5 * time.Second

// Submitter queues a task; *pool.Pool satisfies it.
type Submitter interface {
	AddTask(msg protocol.Message) *pool.Task
}

// Config holds dependencies for the scheduler.
type Config struct {
	Pool    Submitter
	Bus     *events.Bus
	Entries []*ScheduleEntry // declared in the config file
	Store   *ScheduleStore   // nil-safe: dynamic entries are not persisted without a store
	Logger  *slog.Logger
}

type runtimeEntry struct {
	id          string
	source      string
	title       string
	description string
	cron        *CronExpr
	intervalSec int
	onEvent     *EventTrigger
	message     protocol.Message
	cooldown    time.Duration
	maxRuns     int
	runCount    int
	enabled     bool
	createdAt   time.Time
	lastRun     time.Time
}

// Scheduler manages cron-based, interval-based, and event-triggered execution.
type Scheduler struct {
	pool  Submitter
	bus   *events.Bus
	store *ScheduleStore
	log   *slog.Logger

	mu      sync.Mutex
	entries map[string]*runtimeEntry
	initial []*ScheduleEntry

	done        chan struct{}
	stopOnce    sync.Once
	unsubscribe func()
}

// New creates a new Scheduler.
func New(cfg Config) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		pool:    cfg.Pool,
		bus:     cfg.Bus,
		store:   cfg.Store,
		log:     log.With("component", "scheduler"),
		entries: make(map[string]*runtimeEntry),
		initial: cfg.Entries,
		done:    make(chan struct{}),
	}
}

// Start loads the configured and persisted entries and begins the
// cron/interval tickers and the event subscription.
func (s *Scheduler) Start() {
	s.mu.Lock()
	for _, se := range s.initial {
		se.Source = SourceConfig
		re, err := s.build(se)
		if err != nil {
			s.log.Warn("invalid config entry", "id", se.ID, "error", err)
			continue
		}
		s.entries[re.id] = re
	}
	s.mu.Unlock()
	s.loadPersistedEntries()

	s.log.Info("scheduler started", "entries", len(s.ListEntries()))

	// entries can be added at runtime, so the loops always run
	s.unsubscribe = s.bus.Subscribe(s.handleEvent)
	go s.cronLoop()
	go s.intervalLoop()
}

// Stop halts the scheduler.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		s.log.Info("scheduler stopped")
	})
}

func (s *Scheduler) build(se *ScheduleEntry) (*runtimeEntry, error) {
	if se.CronSpec == "" && se.IntervalSec == 0 && se.OnEvent == nil {
		return nil, fmt.Errorf("schedule entry must have cron, interval, or on_event trigger")
	}
	if se.IntervalSec < 0 || (se.IntervalSec > 0 && time.Duration(se.IntervalSec)*time.Second < MinInterval) {
		return nil, fmt.Errorf("interval must be at least %s", MinInterval)
	}
	if se.Message.IsResponse() || se.Message.IsDirective() {
		return nil, fmt.Errorf("schedule message must be a task or method call, got %s", se.Message.Type)
	}
	if se.ID == "" {
		se.ID = GenerateScheduleID()
	}

	re := &runtimeEntry{
		id:          se.ID,
		source:      se.Source,
		title:       se.Title,
		description: se.Description,
		intervalSec: se.IntervalSec,
		onEvent:     se.OnEvent,
		message:     se.Message,
		cooldown:    time.Duration(se.CooldownSec) * time.Second,
		maxRuns:     se.MaxRuns,
		runCount:    se.RunCount,
		enabled:     se.Enabled,
		createdAt:   se.CreatedAt,
	}
	if se.LastRunAt != nil {
		re.lastRun = *se.LastRunAt
	}
	if se.CronSpec != "" {
		expr, err := ParseCron(se.CronSpec)
		if err != nil {
			return nil, err
		}
		re.cron = expr
	}
	if re.cooldown == 0 {
		re.cooldown = DefaultCooldown
	}
	return re, nil
}

// AddEntry registers a dynamic schedule entry at runtime.
func (s *Scheduler) AddEntry(se *ScheduleEntry) error {
	if se.Source == "" {
		se.Source = SourceDynamic
	}
	re, err := s.build(se)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[re.id]; exists {
		return fmt.Errorf("schedule entry already exists: %s", re.id)
	}
	if s.store != nil && se.Source == SourceDynamic {
		if err := s.store.Create(se); err != nil {
			return fmt.Errorf("persist schedule: %w", err)
		}
		re.createdAt = se.CreatedAt
	}
	s.entries[re.id] = re

	s.log.Info("added entry", "id", se.ID, "title", se.Title, "source", se.Source)
	return nil
}

// RemoveEntry removes a schedule entry by ID.
func (s *Scheduler) RemoveEntry(id string) error {
	s.mu.Lock()
	re, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("schedule entry not found: %s", id)
	}
	delete(s.entries, id)
	s.mu.Unlock()

	if s.store != nil && re.source == SourceDynamic {
		if err := s.store.Delete(id); err != nil {
			s.log.Warn("failed to delete persisted entry", "id", id, "error", err)
		}
	}

	s.log.Info("removed entry", "id", id)
	return nil
}

// Replace swaps every entry of the given source for entries. Run counts and
// last runs carry over for ids present on both sides. Nothing changes when
// one of the new entries is invalid.
func (s *Scheduler) Replace(source string, entries []*ScheduleEntry) error {
	next := make(map[string]*runtimeEntry, len(entries))
	for _, se := range entries {
		se.Source = source
		re, err := s.build(se)
		if err != nil {
			return fmt.Errorf("entry %s: %w", se.ID, err)
		}
		next[re.id] = re
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.entries {
		if old.source != source {
			if _, clash := next[id]; clash {
				return fmt.Errorf("schedule entry already exists: %s", id)
			}
			continue
		}
		if re, ok := next[id]; ok {
			re.runCount = old.runCount
			re.lastRun = old.lastRun
			if re.maxRuns > 0 && re.runCount >= re.maxRuns {
				re.enabled = false
			}
		}
	}
	for id, old := range s.entries {
		if old.source == source {
			delete(s.entries, id)
		}
	}
	for id, re := range next {
		s.entries[id] = re
	}
	s.log.Info("replaced entries", "source", source, "entries", len(next))
	return nil
}

// GetEntry returns a schedule entry by ID.
func (s *Scheduler) GetEntry(id string) (*ScheduleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	re, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return re.snapshot(), true
}

// ListEntries returns all schedule entries ordered by ID.
func (s *Scheduler) ListEntries() []*ScheduleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*ScheduleEntry, 0, len(s.entries))
	for _, re := range s.entries {
		result = append(result, re.snapshot())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (re *runtimeEntry) snapshot() *ScheduleEntry {
	se := &ScheduleEntry{
		ID:          re.id,
		Source:      re.source,
		Title:       re.title,
		Description: re.description,
		IntervalSec: re.intervalSec,
		OnEvent:     re.onEvent,
		Message:     re.message,
		CooldownSec: int(re.cooldown / time.Second),
		MaxRuns:     re.maxRuns,
		RunCount:    re.runCount,
		Enabled:     re.enabled,
		CreatedAt:   re.createdAt,
	}
	if re.cron != nil {
		se.CronSpec = re.cron.String()
	}
	if !re.lastRun.IsZero() {
		t := re.lastRun
		se.LastRunAt = &t
	}
	return se
}

func (s *Scheduler) loadPersistedEntries() {
	if s.store == nil {
		return
	}

	entries, err := s.store.List()
	if err != nil {
		s.log.Warn("failed to load persisted entries", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, se := range entries {
		re, err := s.build(se)
		if err != nil {
			s.log.Warn("invalid persisted entry", "id", se.ID, "error", err)
			continue
		}
		s.entries[re.id] = re
		s.log.Debug("loaded persisted entry", "id", se.ID, "title", se.Title)
	}
}

func (s *Scheduler) cronLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkCron(now)
		}
	}
}

func (s *Scheduler) intervalLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.checkIntervals(now)
		}
	}
}

func (s *Scheduler) checkCron(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.cron == nil || !entry.enabled {
			continue
		}
		if !entry.cron.Matches(now) {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			continue
		}
		s.triggerEntry(entry, "cron", now)
	}
}

func (s *Scheduler) checkIntervals(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.entries {
		if entry.intervalSec <= 0 || !entry.enabled {
			continue
		}
		interval := time.Duration(entry.intervalSec) * time.Second
		if now.Sub(entry.lastRun) < interval {
			continue
		}
		s.triggerEntry(entry, "interval", now)
	}
}

func (s *Scheduler) handleEvent(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, entry := range s.entries {
		if entry.onEvent == nil || !entry.enabled {
			continue
		}
		if !MatchEvent(e, entry.onEvent) {
			continue
		}
		if now.Sub(entry.lastRun) < entry.cooldown {
			continue
		}
		s.triggerEntry(entry, "event:"+string(e.Type), now)
	}
}

// triggerEntry submits the entry's message. Caller must hold s.mu.
func (s *Scheduler) triggerEntry(re *runtimeEntry, trigger string, now time.Time) {
	re.lastRun = now
	re.runCount++

	task := s.pool.AddTask(re.message)
	go s.watch(re.id, task)

	if re.maxRuns > 0 && re.runCount >= re.maxRuns {
		re.enabled = false
		s.log.Info("entry reached max runs, disabled", "id", re.id, "runs", re.runCount)
	}
	if s.store != nil && re.source == SourceDynamic {
		if err := s.store.Update(re.snapshot()); err != nil {
			s.log.Warn("failed to update persisted entry", "id", re.id, "error", err)
		}
		if err := s.store.AppendRun(re.id, Run{TaskID: task.ID(), Trigger: trigger, At: now}); err != nil {
			s.log.Warn("failed to record run", "id", re.id, "error", err)
		}
	}

	evt := events.NewTypedEvent(events.SourceScheduler, events.ScheduleTriggerPayload{
		EntryID: re.id,
		Trigger: trigger,
		TaskID:  task.ID(),
	})
	evt.TaskID = task.ID()
	s.bus.Publish(evt)

	s.log.Info("triggered", "id", re.id, "trigger", trigger, "task_id", task.ID())
}

func (s *Scheduler) watch(id string, task *pool.Task) {
	select {
	case <-task.Done():
	case <-s.done:
		return
	}
	if err := task.Err(); err != nil {
		s.log.Warn("scheduled task failed", "id", id, "task_id", task.ID(), "error", err)
	}
}
