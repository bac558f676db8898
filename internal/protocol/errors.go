package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	pkgerrors "github.com/pkg/errors"
)

// RemoteError is the failure description carried by error envelopes:
// a message, a stack trace and any extra attributes of the original error.
type RemoteError struct {
	Name    string
	Message string
	Stack   string
	Attrs   map[string]any
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "remote error"
	}
	if e.Name != "" && e.Name != "Error" {
		return e.Name + ": " + msg
	}
	return msg
}

// Map returns the record view: {name, message, stack, ...attrs}.
func (e *RemoteError) Map() map[string]any {
	out := make(map[string]any, len(e.Attrs)+3)
	for k, v := range e.Attrs {
		out[k] = v
	}
	if e.Name != "" {
		out["name"] = e.Name
	}
	out["message"] = e.Message
	if e.Stack != "" {
		out["stack"] = e.Stack
	}
	return out
}

func (e *RemoteError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Map())
}

func (e *RemoteError) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = *remoteErrorFromMap(raw)
	return nil
}

type stackTracer interface {
	StackTrace() pkgerrors.StackTrace
}

type attributer interface {
	Attributes() map[string]any
}

// ErrorFrom converts any error into its envelope form. Stacks recorded with
// github.com/pkg/errors are preserved; otherwise the capture site is used.
func ErrorFrom(err error) *RemoteError {
	if err == nil {
		return nil
	}
	if re, ok := err.(*RemoteError); ok {
		return re
	}

	re := &RemoteError{Message: err.Error()}

	var st stackTracer
	if errors.As(err, &st) {
		re.Stack = fmt.Sprintf("%s%+v", err.Error(), st.StackTrace())
	} else {
		re.Stack = string(debug.Stack())
	}

	var at attributer
	if errors.As(err, &at) {
		re.Attrs = at.Attributes()
	}
	return re
}

func errorFromAny(v any) *RemoteError {
	switch e := v.(type) {
	case nil:
		return nil
	case *RemoteError:
		return e
	case RemoteError:
		return &e
	case map[string]any:
		return remoteErrorFromMap(e)
	case string:
		return &RemoteError{Message: e}
	case error:
		return ErrorFrom(e)
	default:
		return &RemoteError{Message: fmt.Sprint(e)}
	}
}

func remoteErrorFromMap(raw map[string]any) *RemoteError {
	re := &RemoteError{}
	for k, v := range raw {
		switch k {
		case "name":
			re.Name, _ = v.(string)
		case "message":
			re.Message, _ = v.(string)
		case "stack":
			re.Stack, _ = v.(string)
		default:
			if re.Attrs == nil {
				re.Attrs = make(map[string]any)
			}
			re.Attrs[k] = v
		}
	}
	return re
}
