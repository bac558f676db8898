package commands

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

// builtins registers the handlers served by the worker and agent commands:
// bare tasks are echoed, math.* and text.* answer method calls and any
// iteration counts through a range.
func builtins(s *worker.Scope) error {
	s.AddMessageHandler(func(ctx context.Context, msg protocol.Message) (any, error) {
		if msg.Data != nil {
			return msg.Data, nil
		}
		return msg.Name, nil
	}, func(m protocol.Message) bool { return m.IsBare() })

	s.MapMessagesToMethods(worker.Objects{
		"math": worker.ObjectOf(mathTools{}),
		"text": worker.ObjectOf(textTools{}),
		"worker": worker.Object{
			"data": func(ctx context.Context, _ ...any) (any, error) {
				return s.WorkerData(ctx)
			},
		},
	}, nil)

	s.AddIterationHandler(func(_ context.Context, data any) (worker.Stepper, error) {
		r, err := parseRange(data)
		if err != nil {
			return nil, err
		}
		return worker.NewGenerator(r.run), nil
	}, nil)
	return nil
}

type mathTools struct{}

func (mathTools) Add(nums ...float64) float64 {
	var sum float64
	for _, n := range nums {
		sum += n
	}
	return sum
}

func (mathTools) Mul(a, b float64) float64 { return a * b }

func (mathTools) Div(a, b float64) (float64, error) {
	if b == 0 {
		return 0, errors.New("division by zero")
	}
	return a / b, nil
}

func (mathTools) Sqrt(x float64) (float64, error) {
	if x < 0 {
		return 0, fmt.Errorf("sqrt of negative number %v", x)
	}
	return math.Sqrt(x), nil
}

type textTools struct{}

func (textTools) Upper(s string) string { return strings.ToUpper(s) }
func (textTools) Lower(s string) string { return strings.ToLower(s) }
func (textTools) Len(s string) int      { return utf8.RuneCountInString(s) }

// Slug lowercases s and joins its words with dashes.
func (textTools) Slug(s string) string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return strings.Join(fields, "-")
}

// rangeSpec counts from Start up to End (exclusive) by Step. A nil End
// counts forever.
type rangeSpec struct {
	Start float64
	End   *float64
	Step  float64
}

func parseRange(data any) (rangeSpec, error) {
	r := rangeSpec{Step: 1}
	switch d := data.(type) {
	case nil:
	case float64:
		r.End = &d
	case int:
		end := float64(d)
		r.End = &end
	case map[string]any:
		for k, v := range d {
			n, ok := v.(float64)
			if !ok {
				return r, fmt.Errorf("range: %s must be a number", k)
			}
			switch k {
			case "start":
				r.Start = n
			case "end":
				r.End = &n
			case "step":
				r.Step = n
			}
		}
	default:
		return r, fmt.Errorf("range: unsupported data %T", data)
	}
	if r.Step == 0 {
		return r, errors.New("range: step must not be zero")
	}
	return r, nil
}

func (r rangeSpec) run(_ context.Context, y *worker.Yielder) (any, error) {
	n := 0
	for v := r.Start; r.End == nil || (r.Step > 0 && v < *r.End) || (r.Step < 0 && v > *r.End); v += r.Step {
		if _, err := y.Yield(v); err != nil {
			return nil, err
		}
		n++
	}
	return n, nil
}
