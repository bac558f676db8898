package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	extism "github.com/extism/go-sdk"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// hostLogMessage is the JSON structure for paperpool.log calls.
type hostLogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// hostFunctions returns the functions of the "paperpool" namespace.
func hostFunctions(post func(protocol.Message), logger *slog.Logger) []extism.HostFunction {
	postFn := extism.NewHostFunctionWithStack(
		"post_message",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				logger.Error("host: post_message read input", "error", err)
				return
			}
			msgs, err := ParseOutput(input)
			if err != nil {
				logger.Warn("host: invalid posted message", "error", err, "raw", string(input))
				return
			}
			for _, m := range msgs {
				post(m)
			}
		},
		[]extism.ValueType{extism.ValueTypePTR},
		nil,
	)
	postFn.SetNamespace("paperpool")

	logFn := extism.NewHostFunctionWithStack(
		"log",
		func(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				logger.Error("host: failed to read log input", "error", err)
				return
			}
			var msg hostLogMessage
			if err := json.Unmarshal(input, &msg); err != nil {
				logger.Warn("host: invalid log message", "raw", string(input))
				return
			}
			level := slog.LevelInfo
			switch msg.Level {
			case "debug":
				level = slog.LevelDebug
			case "warn":
				level = slog.LevelWarn
			case "error":
				level = slog.LevelError
			}
			logger.Log(ctx, level, "plugin", "msg", msg.Message)
		},
		[]extism.ValueType{extism.ValueTypePTR},
		nil,
	)
	logFn.SetNamespace("paperpool")

	return []extism.HostFunction{postFn, logFn}
}

// ParseOutput decodes plugin output: empty, one envelope, or an array of
// envelopes.
func ParseOutput(out []byte) ([]protocol.Message, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	if out[0] == '[' {
		var msgs []protocol.Message
		if err := json.Unmarshal(out, &msgs); err != nil {
			return nil, fmt.Errorf("decode envelopes: %w", err)
		}
		return msgs, nil
	}
	var msg protocol.Message
	if err := json.Unmarshal(out, &msg); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return []protocol.Message{msg}, nil
}
