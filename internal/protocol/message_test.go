package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	pkgerrors "github.com/pkg/errors"
)

func TestMethodCallWireShape(t *testing.T) {
	b, err := json.Marshal(MethodCall("a.b", 1, 2))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"args":[1,2],"messageName":"a.b","messageType":"WorkerMethodCall"}`
	if string(b) != want {
		t.Errorf("wire shape: got %s, want %s", b, want)
	}
}

func TestMethodCallWithoutArgs(t *testing.T) {
	b, err := json.Marshal(MethodCall("garbo.gringle"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"args":[]`) {
		t.Errorf("expected empty args array, got %s", b)
	}
}

func TestBareMessageKeepsFields(t *testing.T) {
	in := `{"big":"boy","data":1}`

	var msg Message
	if err := json.Unmarshal([]byte(in), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.IsBare() {
		t.Fatal("expected bare message")
	}
	if msg.Extra["big"] != "boy" {
		t.Errorf("extra: got %v, want boy", msg.Extra["big"])
	}

	out, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("round trip: got %s, want %s", out, in)
	}
}

func TestNonObjectPayloadIsBare(t *testing.T) {
	var msg Message
	if err := json.Unmarshal([]byte(`42`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.IsBare() || msg.Data != float64(42) {
		t.Errorf("got %+v, want bare message with data 42", msg)
	}
}

func TestDecodeErrorResponse(t *testing.T) {
	in := `{"messageType":"WorkerResponse","messageName":"WorkerErrorResponse","error":{"message":"nope","stack":"at x","code":42}}`

	var msg Message
	if err := json.Unmarshal([]byte(in), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != TypeResponse || msg.Name != NameError {
		t.Fatalf("envelope: got %s/%s", msg.Type, msg.Name)
	}
	want := &RemoteError{Message: "nope", Stack: "at x", Attrs: map[string]any{"code": float64(42)}}
	if diff := cmp.Diff(want, msg.Error); diff != "" {
		t.Errorf("error mismatch (-want +got):\n%s", diff)
	}
	if msg.Error.Error() != "nope" {
		t.Errorf("Error(): got %q, want nope", msg.Error.Error())
	}
}

func TestFromMapRejectsBadTypes(t *testing.T) {
	if _, err := FromMap(map[string]any{"messageType": 3}); err == nil {
		t.Error("expected error for numeric messageType")
	}
	if _, err := FromMap(map[string]any{"args": "x"}); err == nil {
		t.Error("expected error for non-array args")
	}
}

func TestIterationDirectives(t *testing.T) {
	cases := []struct {
		msg  Message
		want bool
	}{
		{StartIteration(1), true},
		{NextIteration(nil), true},
		{ReturnIteration(nil), true},
		{ThrowIteration(errors.New("x")), true},
		{WorkerData(1), false},
		{Success(1), false},
		{MethodCall("a.b"), false},
	}
	for _, tc := range cases {
		if got := tc.msg.IsIterationDirective(); got != tc.want {
			t.Errorf("%s/%s: got %v, want %v", tc.msg.Type, tc.msg.Name, got, tc.want)
		}
	}
}

func TestStepOf(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want Step
		ok   bool
	}{
		{"value", Step{Value: 1, Done: false}, Step{Value: 1}, true},
		{"pointer", &Step{Value: "x", Done: true}, Step{Value: "x", Done: true}, true},
		{"record", map[string]any{"value": 2.0, "done": true}, Step{Value: 2.0, Done: true}, true},
		{"nil pointer", (*Step)(nil), Step{}, false},
		{"other", "nope", Step{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := StepOf(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok: got %v, want %v", ok, tc.ok)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("step mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitMethodPath(t *testing.T) {
	obj, method, ok := SplitMethodPath("garbo.gringle")
	if !ok || obj != "garbo" || method != "gringle" {
		t.Errorf("got %q %q %v", obj, method, ok)
	}
	for _, bad := range []string{"garbo", ".gringle", "garbo.", ""} {
		if _, _, ok := SplitMethodPath(bad); ok {
			t.Errorf("%q: expected failure", bad)
		}
	}
}

type codedError struct{ code int }

func (e codedError) Error() string               { return "coded failure" }
func (e codedError) Attributes() map[string]any { return map[string]any{"code": e.code} }

func TestErrorFromAttributes(t *testing.T) {
	re := ErrorFrom(codedError{code: 7})
	if re.Message != "coded failure" {
		t.Errorf("message: got %q", re.Message)
	}
	if re.Stack == "" {
		t.Error("expected a stack")
	}
	if re.Attrs["code"] != 7 {
		t.Errorf("code attr: got %v, want 7", re.Attrs["code"])
	}

	m := re.Map()
	if m["message"] != "coded failure" || m["code"] != 7 {
		t.Errorf("record view: got %v", m)
	}
}

func TestErrorFromKeepsPkgErrorsStack(t *testing.T) {
	re := ErrorFrom(pkgerrors.New("boom"))
	if !strings.HasPrefix(re.Stack, "boom") {
		t.Errorf("stack should start with message, got %q", re.Stack)
	}
	if !strings.Contains(re.Stack, "TestErrorFromKeepsPkgErrorsStack") {
		t.Errorf("stack should name the origin, got %q", re.Stack)
	}
}

func TestErrorFromPassesRemoteErrorThrough(t *testing.T) {
	orig := &RemoteError{Message: "from afar"}
	if got := ErrorFrom(orig); got != orig {
		t.Errorf("expected the same *RemoteError back")
	}
	if ErrorFrom(nil) != nil {
		t.Error("nil error should map to nil")
	}
}
