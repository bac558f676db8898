package scheduler

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// Entry sources.
const (
	SourceConfig  = "config"
	SourceDynamic = "dynamic"
)

// EventTrigger fires an entry when a bus event of type Event arrives whose
// payload carries every Filter key with the given value.
type EventTrigger struct {
	Event  string            `json:"event"`
	Filter map[string]string `json:"filter,omitempty"`
}

// ScheduleEntry is a message submitted to the pool on a trigger.
type ScheduleEntry struct {
	ID          string           `json:"id"`
	Source      string           `json:"source"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	CronSpec    string           `json:"cron_spec,omitempty"`
	IntervalSec int              `json:"interval_sec,omitempty"`
	OnEvent     *EventTrigger    `json:"on_event,omitempty"`
	Message     protocol.Message `json:"message"`
	CooldownSec int              `json:"cooldown_sec"`
	MaxRuns     int              `json:"max_runs,omitempty"`
	RunCount    int              `json:"run_count"`
	Enabled     bool             `json:"enabled"`
	CreatedAt   time.Time        `json:"created_at"`
	LastRunAt   *time.Time       `json:"last_run_at,omitempty"`
}

// GenerateScheduleID creates a unique schedule identifier with "sched_" prefix.
func GenerateScheduleID() string {
	u := uuid.New().String()
	return "sched_" + strings.ReplaceAll(u[:8], "-", "")
}
