package config

import (
	"fmt"

	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/scheduler"
)

// Entry converts a declared schedule into a scheduler entry. A missing
// message submits an empty bare task.
func (s ScheduleConfig) Entry() (*scheduler.ScheduleEntry, error) {
	var msg protocol.Message
	if len(s.Message) > 0 {
		if err := msg.UnmarshalJSON(s.Message); err != nil {
			return nil, fmt.Errorf("schedule %s: message: %w", s.ID, err)
		}
	}
	e := &scheduler.ScheduleEntry{
		ID:          s.ID,
		Source:      scheduler.SourceConfig,
		Title:       s.Title,
		Description: s.Description,
		CronSpec:    s.Cron,
		IntervalSec: int(s.Interval.Duration().Seconds()),
		Message:     msg,
		CooldownSec: int(s.Cooldown.Duration().Seconds()),
		MaxRuns:     s.MaxRuns,
		Enabled:     !s.Disabled,
	}
	if e.Title == "" {
		e.Title = s.ID
	}
	if s.OnEvent != nil {
		e.OnEvent = &scheduler.EventTrigger{Event: s.OnEvent.Event, Filter: s.OnEvent.Filter}
	}
	return e, nil
}

// ScheduleEntries converts every declared schedule.
func (cfg *Config) ScheduleEntries() ([]*scheduler.ScheduleEntry, error) {
	out := make([]*scheduler.ScheduleEntry, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		e, err := s.Entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
