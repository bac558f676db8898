// Package protocol defines the message envelopes exchanged between a pool and
// its execution contexts.
//
// Every envelope is a structurally-typed record. The field names messageType,
// messageName, data, args, error and workerData are the compatibility surface
// with context-side code and never change.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type discriminates envelope families.
type Type string

const (
	TypeDirective  Type = "WorkerDirective"
	TypeResponse   Type = "WorkerResponse"
	TypeEvent      Type = "WorkerEvent"
	TypeMethodCall Type = "WorkerMethodCall"
)

// Directive names (controller → context).
const (
	NameWorkerData      = "WorkerDataMessage"
	NameStartIteration  = "StartIteration"
	NameNextIteration   = "NextIteration"
	NameReturnIteration = "ReturnIteration"
	NameThrowIteration  = "ThrowIteration"
)

// Response names (context → controller).
const (
	NameSuccess   = "WorkerSuccessResponse"
	NameError     = "WorkerErrorResponse"
	NameIteration = "WorkerIterationResponse"
)

const (
	keyType       = "messageType"
	keyName       = "messageName"
	keyData       = "data"
	keyArgs       = "args"
	keyError      = "error"
	keyWorkerData = "workerData"
)

// Message is one envelope. Keys outside the envelope vocabulary are kept in
// Extra so that bare messages survive a round trip unchanged.
type Message struct {
	Type       Type
	Name       string
	Data       any
	Args       []any
	Error      *RemoteError
	WorkerData any
	Extra      map[string]any
}

// Map returns the record view of the message, as seen by script runtimes and
// the JSON encoding.
func (m Message) Map() map[string]any {
	out := make(map[string]any, len(m.Extra)+6)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.Type != "" {
		out[keyType] = string(m.Type)
	}
	if m.Name != "" {
		out[keyName] = m.Name
	}
	if m.Data != nil {
		out[keyData] = m.Data
	}
	if m.Args != nil {
		out[keyArgs] = m.Args
	}
	if m.Error != nil {
		out[keyError] = m.Error.Map()
	}
	if m.WorkerData != nil {
		out[keyWorkerData] = m.WorkerData
	}
	return out
}

// FromMap builds a message from its record view.
func FromMap(raw map[string]any) (Message, error) {
	var m Message
	for k, v := range raw {
		switch k {
		case keyType:
			s, ok := v.(string)
			if !ok {
				return Message{}, fmt.Errorf("%s: expected string, got %T", keyType, v)
			}
			m.Type = Type(s)
		case keyName:
			s, ok := v.(string)
			if !ok {
				return Message{}, fmt.Errorf("%s: expected string, got %T", keyName, v)
			}
			m.Name = s
		case keyData:
			m.Data = v
		case keyArgs:
			switch a := v.(type) {
			case nil:
			case []any:
				m.Args = a
			default:
				return Message{}, fmt.Errorf("%s: expected array, got %T", keyArgs, v)
			}
		case keyError:
			m.Error = errorFromAny(v)
		case keyWorkerData:
			m.WorkerData = v
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[k] = v
		}
	}
	return m, nil
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Map())
}

// UnmarshalJSON decodes an envelope. A payload that is not a JSON object
// decodes as a bare message carrying the value in Data.
func (m *Message) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	raw, ok := v.(map[string]any)
	if !ok {
		*m = Message{Data: v}
		return nil
	}
	msg, err := FromMap(raw)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// IsBare reports whether the message carries no envelope type at all.
func (m Message) IsBare() bool { return m.Type == "" }

func (m Message) IsDirective() bool  { return m.Type == TypeDirective }
func (m Message) IsResponse() bool   { return m.Type == TypeResponse }
func (m Message) IsEvent() bool      { return m.Type == TypeEvent }
func (m Message) IsMethodCall() bool { return m.Type == TypeMethodCall }

// IsIterationDirective reports whether m drives an iteration.
func (m Message) IsIterationDirective() bool {
	if m.Type != TypeDirective {
		return false
	}
	switch m.Name {
	case NameStartIteration, NameNextIteration, NameReturnIteration, NameThrowIteration:
		return true
	}
	return false
}

// WorkerData delivers the shared initialization payload.
func WorkerData(v any) Message {
	return Message{Type: TypeDirective, Name: NameWorkerData, WorkerData: v}
}

func StartIteration(data any) Message {
	return Message{Type: TypeDirective, Name: NameStartIteration, Data: data}
}

func NextIteration(data any) Message {
	return Message{Type: TypeDirective, Name: NameNextIteration, Data: data}
}

func ReturnIteration(data any) Message {
	return Message{Type: TypeDirective, Name: NameReturnIteration, Data: data}
}

func ThrowIteration(err error) Message {
	return Message{Type: TypeDirective, Name: NameThrowIteration, Error: ErrorFrom(err)}
}

func Success(data any) Message {
	return Message{Type: TypeResponse, Name: NameSuccess, Data: data}
}

func Failure(err error) Message {
	return Message{Type: TypeResponse, Name: NameError, Error: ErrorFrom(err)}
}

func IterationStep(step Step) Message {
	return Message{Type: TypeResponse, Name: NameIteration, Data: step}
}

// Event is a fire-and-forget notification; it never completes a task.
func Event(name string, data any) Message {
	return Message{Type: TypeEvent, Name: name, Data: data}
}

// MethodCall targets method on object with path "object.method".
func MethodCall(path string, args ...any) Message {
	if args == nil {
		args = []any{}
	}
	return Message{Type: TypeMethodCall, Name: path, Args: args}
}

// SplitMethodPath splits "object.method". Only the first dot separates.
func SplitMethodPath(path string) (object, method string, ok bool) {
	object, method, ok = strings.Cut(path, ".")
	if !ok || object == "" || method == "" {
		return "", "", false
	}
	return object, method, true
}

// Step is one result of a stepper: the produced value and whether the
// sequence is finished.
type Step struct {
	Value any  `json:"value"`
	Done  bool `json:"done"`
}

// StepOf extracts a step from a response payload, whether it is a Step or
// its decoded record form.
func StepOf(v any) (Step, bool) {
	switch s := v.(type) {
	case Step:
		return s, true
	case *Step:
		if s == nil {
			return Step{}, false
		}
		return *s, true
	case map[string]any:
		done, _ := s["done"].(bool)
		return Step{Value: s["value"], Done: done}, true
	}
	return Step{}, false
}
