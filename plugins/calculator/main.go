// Command calculator is a paperpool worker plugin. It answers calc.eval
// method calls and bare tasks carrying an expression.
package main

import (
	"encoding/json"
	"fmt"

	"github.com/extism/go-pdk"
)

// envelope mirrors the paperpool message record.
type envelope struct {
	Type       string         `json:"messageType,omitempty"`
	Name       string         `json:"messageName,omitempty"`
	Data       any            `json:"data,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Error      map[string]any `json:"error,omitempty"`
	WorkerData any            `json:"workerData,omitempty"`
	Expression string         `json:"expression,omitempty"`
}

type logMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

//go:wasmimport paperpool log
func hostLog(offset uint64)

//go:wasmimport paperpool post_message
func hostPost(offset uint64)

// precision is set from worker data; zero keeps full precision.
var precision = -1

//export handle
func handle() int32 {
	var msg envelope
	if err := json.Unmarshal(pdk.Input(), &msg); err != nil {
		return reply(failure("invalid input: " + err.Error()))
	}

	switch {
	case msg.Type == "WorkerDirective" && msg.Name == "WorkerDataMessage":
		configure(msg.WorkerData)
		return 0
	case msg.Type == "WorkerDirective":
		return reply(failure("iteration is not supported"))
	case msg.Type == "WorkerMethodCall" && msg.Name == "calc.eval":
		if len(msg.Args) != 1 {
			return reply(failure("calc.eval takes one expression"))
		}
		expr, ok := msg.Args[0].(string)
		if !ok {
			return reply(failure(fmt.Sprintf("expression must be a string, got %T", msg.Args[0])))
		}
		return reply(evaluateReply(expr))
	case msg.Type == "WorkerMethodCall":
		return reply(failure("unknown method " + msg.Name))
	case msg.Type == "":
		return reply(evaluateReply(msg.Expression))
	}
	return reply(failure("unexpected message " + msg.Type))
}

func configure(data any) {
	m, ok := data.(map[string]any)
	if !ok {
		return
	}
	if p, ok := m["precision"].(float64); ok {
		precision = int(p)
		log("debug", fmt.Sprintf("precision set to %d", precision))
	}
}

func evaluateReply(expr string) envelope {
	if expr == "" {
		return failure("expression is required")
	}
	result, err := Evaluate(expr)
	if err != nil {
		return failure(err.Error())
	}
	if precision >= 0 {
		result = round(result, precision)
	}
	post(envelope{Type: "WorkerEvent", Name: "evaluated", Data: expr})
	return envelope{Type: "WorkerResponse", Name: "WorkerSuccessResponse", Data: result}
}

func failure(msg string) envelope {
	return envelope{Type: "WorkerResponse", Name: "WorkerErrorResponse", Error: map[string]any{"name": "CalcError", "message": msg}}
}

func reply(e envelope) int32 {
	out, _ := json.Marshal(e)
	pdk.Output(out)
	return 0
}

func post(e envelope) {
	out, _ := json.Marshal(e)
	mem := pdk.AllocateBytes(out)
	hostPost(mem.Offset())
}

func log(level, msg string) {
	out, _ := json.Marshal(logMessage{Level: level, Message: msg})
	mem := pdk.AllocateBytes(out)
	hostLog(mem.Offset())
}

func main() {}
