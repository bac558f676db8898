package scheduler

import (
	"fmt"

	"github.com/dohr-michael/paperpool/internal/events"
)

// MatchEvent returns true if the event matches the given trigger.
// Events emitted by the scheduler itself are always rejected to prevent loops.
func MatchEvent(e events.Event, trigger *EventTrigger) bool {
	if trigger == nil {
		return false
	}
	if e.Source == events.SourceScheduler {
		return false
	}
	if string(e.Type) != trigger.Event {
		return false
	}
	if len(trigger.Filter) == 0 {
		return true
	}

	payload, ok := e.Payload.(map[string]any)
	if !ok {
		return false
	}
	for key, expected := range trigger.Filter {
		val, ok := payload[key]
		if !ok || val == nil {
			return false
		}
		if s, ok := val.(string); ok {
			if s != expected {
				return false
			}
			continue
		}
		// numbers and booleans compare by their printed form
		if fmt.Sprint(val) != expected {
			return false
		}
	}
	return true
}
