package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

type ContextReadyPayload struct {
	ContextID string `json:"context_id"`
	Live      int    `json:"live"`
}

func (ContextReadyPayload) EventType() EventType { return EventContextReady }

type ContextDiedPayload struct {
	ContextID string `json:"context_id"`
	TaskID    string `json:"task_id,omitempty"`
	Error     string `json:"error"`
}

func (ContextDiedPayload) EventType() EventType { return EventContextDied }

type RespawnSuspendedPayload struct {
	Failures int           `json:"failures"`
	RetryIn  time.Duration `json:"retry_in"`
}

func (RespawnSuspendedPayload) EventType() EventType { return EventRespawnSuspended }

type ScheduleTriggerPayload struct {
	EntryID string `json:"entry_id"`
	Trigger string `json:"trigger"`
	TaskID  string `json:"task_id"`
}

func (ScheduleTriggerPayload) EventType() EventType { return EventScheduleTrigger }

// NewTypedEvent creates an event whose type comes from the payload. The
// payload is stored in its decoded record form.
func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return NewEvent(payload.EventType(), source, toMap(payload))
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// ExtractPayload decodes the payload of e into T.
func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
