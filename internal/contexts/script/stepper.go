package script

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

// stepper drives a JavaScript iterator object, such as the result of a
// generator function.
type stepper struct {
	rt  *runtime
	obj *goja.Object
}

func (s *stepper) Next(_ context.Context, value any) (protocol.Step, error) {
	return s.invoke("next", s.rt.vm.ToValue(value))
}

func (s *stepper) Return(_ context.Context, value any) (protocol.Step, error) {
	if _, ok := goja.AssertFunction(s.obj.Get("return")); !ok {
		return protocol.Step{Value: value, Done: true}, nil
	}
	return s.invoke("return", s.rt.vm.ToValue(value))
}

func (s *stepper) Throw(_ context.Context, err error) (protocol.Step, error) {
	if _, ok := goja.AssertFunction(s.obj.Get("throw")); !ok {
		return protocol.Step{}, err
	}
	return s.invoke("throw", s.rt.errorValue(err))
}

func (s *stepper) invoke(name string, arg goja.Value) (protocol.Step, error) {
	fn, _ := goja.AssertFunction(s.obj.Get(name))
	res, err := s.rt.call(fn, s.obj, arg)
	if err != nil {
		return protocol.Step{}, err
	}
	step, ok := protocol.StepOf(res)
	if !ok {
		return protocol.Step{}, fmt.Errorf("iterator %s returned %T, expected {value, done}", name, res)
	}
	return step, nil
}

// errorValue builds a JavaScript Error carrying err's message and name.
func (r *runtime) errorValue(err error) goja.Value {
	re := protocol.ErrorFrom(err)
	obj, cerr := r.vm.New(r.vm.Get("Error"), r.vm.ToValue(re.Message))
	if cerr != nil {
		return r.vm.NewGoError(err)
	}
	if re.Name != "" {
		_ = obj.Set("name", re.Name)
	}
	return obj
}
