package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dop251/goja"

	"github.com/dohr-michael/paperpool/internal/protocol"
	"github.com/dohr-michael/paperpool/internal/worker"
)

// runtime binds a goja VM to a worker scope.
type runtime struct {
	vm    *goja.Runtime
	scope *worker.Scope
	log   *slog.Logger
}

func (r *runtime) install(data any) error {
	console := r.vm.NewObject()
	logFn := func(level slog.Level) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, arg := range call.Arguments {
				args[i] = arg.Export()
			}
			r.log.Log(context.Background(), level, "console", "args", args)
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logFn(slog.LevelInfo))
	_ = console.Set("info", logFn(slog.LevelInfo))
	_ = console.Set("debug", logFn(slog.LevelDebug))
	_ = console.Set("warn", logFn(slog.LevelWarn))
	_ = console.Set("error", logFn(slog.LevelError))

	globals := map[string]any{
		"console":              console,
		"workerData":           data,
		"postMessage":          r.postMessage,
		"dispatchEvent":        r.dispatchEvent,
		"onMessage":            r.onMessage,
		"addMessageHandler":    r.addMessageHandler,
		"addIterationHandler":  r.addIterationHandler,
		"mapMessagesToMethods": r.mapMessagesToMethods,
	}
	for name, v := range globals {
		if err := r.vm.Set(name, v); err != nil {
			return fmt.Errorf("install %s: %w", name, err)
		}
	}
	return nil
}

func (r *runtime) postMessage(call goja.FunctionCall) goja.Value {
	msg, err := toMessage(call.Argument(0).Export())
	if err != nil {
		panic(r.vm.NewTypeError(err.Error()))
	}
	if err := r.scope.PostMessage(msg); err != nil {
		panic(r.vm.NewGoError(err))
	}
	return goja.Undefined()
}

func (r *runtime) dispatchEvent(name string, data goja.Value) {
	var v any
	if data != nil {
		v = data.Export()
	}
	if err := r.scope.DispatchEvent(name, v); err != nil {
		panic(r.vm.NewGoError(err))
	}
}

// onMessage registers a raw listener. An exception thrown by fn kills the
// context.
func (r *runtime) onMessage(fn goja.Callable, filter goja.Value) goja.Value {
	remove := r.scope.OnMessage(func(_ context.Context, msg protocol.Message) {
		if _, err := fn(goja.Undefined(), r.vm.ToValue(msg.Map())); err != nil {
			panic(fatal{r.jsError(err)})
		}
	}, r.filter(filter))
	return r.vm.ToValue(func() { remove() })
}

// addMessageHandler registers fn behind the response adapter: its result or
// exception becomes the task's response.
func (r *runtime) addMessageHandler(fn goja.Callable, filter goja.Value) goja.Value {
	remove := r.scope.AddMessageHandler(func(_ context.Context, msg protocol.Message) (any, error) {
		return r.call(fn, goja.Undefined(), r.vm.ToValue(msg.Map()))
	}, r.filter(filter))
	return r.vm.ToValue(func() { remove() })
}

func (r *runtime) addIterationHandler(fn goja.Callable, filter goja.Value) goja.Value {
	var dataFilter func(any) bool
	if pred, ok := goja.AssertFunction(filter); ok {
		dataFilter = func(data any) bool {
			v, err := pred(goja.Undefined(), r.vm.ToValue(data))
			return err == nil && v.ToBoolean()
		}
	}
	remove := r.scope.AddIterationHandler(func(_ context.Context, data any) (worker.Stepper, error) {
		v, err := fn(goja.Undefined(), r.vm.ToValue(data))
		if err != nil {
			return nil, r.jsError(err)
		}
		obj := v.ToObject(r.vm)
		if _, ok := goja.AssertFunction(obj.Get("next")); !ok {
			return nil, fmt.Errorf("iteration handler must return an iterator, got %s", v.String())
		}
		return &stepper{rt: r, obj: obj}, nil
	}, dataFilter)
	return r.vm.ToValue(func() { remove() })
}

// mapMessagesToMethods exposes every function property of every object in
// objects as "object.method". A promise or thenable value is accepted as a
// pending object and awaited on its first call.
func (r *runtime) mapMessagesToMethods(objects *goja.Object, filter goja.Value) goja.Value {
	resolved := worker.Objects{}
	for _, name := range objects.Keys() {
		v := objects.Get(name)
		if r.isThenable(v) {
			resolved[name] = &pendingObject{rt: r, promise: r.promiseOf(v)}
			continue
		}
		resolved[name] = r.objectOf(v.ToObject(r.vm))
	}
	remove := r.scope.MapMessagesToMethods(resolved, r.filter(filter))
	return r.vm.ToValue(func() { remove() })
}

func (r *runtime) objectOf(target *goja.Object) worker.Object {
	obj := worker.Object{}
	for _, key := range methodNames(r.vm, target) {
		fn, ok := goja.AssertFunction(target.Get(key))
		if !ok {
			continue
		}
		obj[key] = func(_ context.Context, args ...any) (any, error) {
			vals := make([]goja.Value, len(args))
			for i, a := range args {
				vals[i] = r.vm.ToValue(a)
			}
			return r.call(fn, target, vals...)
		}
	}
	return obj
}

func (r *runtime) isThenable(v goja.Value) bool {
	obj, ok := v.(*goja.Object)
	if !ok {
		return false
	}
	_, ok = goja.AssertFunction(obj.Get("then"))
	return ok
}

// promiseOf adopts a thenable into a native promise with Promise.resolve.
func (r *runtime) promiseOf(v goja.Value) *goja.Promise {
	if p, ok := v.Export().(*goja.Promise); ok {
		return p
	}
	ctor := r.vm.Get("Promise").ToObject(r.vm)
	resolve, _ := goja.AssertFunction(ctor.Get("resolve"))
	res, err := resolve(ctor, v)
	if err != nil {
		panic(err)
	}
	p, ok := res.Export().(*goja.Promise)
	if !ok {
		panic(r.vm.NewTypeError("Promise.resolve returned %s", res.String()))
	}
	return p
}

// pendingObject is an object still behind a promise.
type pendingObject struct {
	rt      *runtime
	promise *goja.Promise
}

func (p *pendingObject) Resolve(context.Context) (worker.Object, error) {
	switch p.promise.State() {
	case goja.PromiseStateFulfilled:
		v := p.promise.Result()
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			return nil, errors.New("promise resolved to no object")
		}
		return p.rt.objectOf(v.ToObject(p.rt.vm)), nil
	case goja.PromiseStateRejected:
		return nil, p.rt.valueError(p.promise.Result())
	default:
		return nil, ErrPromisePending
	}
}

// methodNames lists own and prototype function names, so class instances
// expose their methods.
func methodNames(vm *goja.Runtime, obj *goja.Object) []string {
	root := vm.Get("Object").ToObject(vm).Get("prototype").ToObject(vm)
	seen := map[string]bool{}
	var names []string
	for o := obj; o != nil && o != root; o = o.Prototype() {
		for _, k := range o.GetOwnPropertyNames() {
			if k == "constructor" || seen[k] {
				continue
			}
			seen[k] = true
			names = append(names, k)
		}
	}
	return names
}

func (r *runtime) filter(v goja.Value) worker.Filter {
	pred, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return func(msg protocol.Message) bool {
		res, err := pred(goja.Undefined(), r.vm.ToValue(msg.Map()))
		if err != nil {
			r.log.Warn("script: filter threw", "error", r.jsError(err))
			return false
		}
		return res.ToBoolean()
	}
}

// call invokes fn and settles a returned promise.
func (r *runtime) call(fn goja.Callable, this goja.Value, args ...goja.Value) (any, error) {
	v, err := fn(this, args...)
	if err != nil {
		return nil, r.jsError(err)
	}
	return r.settle(v)
}

func (r *runtime) settle(v goja.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v.Export(), nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result().Export(), nil
	case goja.PromiseStateRejected:
		return nil, r.valueError(p.Result())
	default:
		return nil, ErrPromisePending
	}
}

// jsError converts a runtime error into the error envelope form, keeping the
// JavaScript stack.
func (r *runtime) jsError(err error) error {
	if ex, ok := err.(*goja.Exception); ok {
		re := r.valueError(ex.Value())
		if re.Stack == "" {
			re.Stack = ex.String()
		}
		return re
	}
	return err
}

func (r *runtime) valueError(v goja.Value) *protocol.RemoteError {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &protocol.RemoteError{Message: "undefined"}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return &protocol.RemoteError{Message: v.String()}
	}
	re := &protocol.RemoteError{
		Name:    stringProp(obj, "name"),
		Message: stringProp(obj, "message"),
		Stack:   stringProp(obj, "stack"),
	}
	for _, k := range obj.Keys() {
		switch k {
		case "name", "message", "stack":
			continue
		}
		if re.Attrs == nil {
			re.Attrs = map[string]any{}
		}
		re.Attrs[k] = obj.Get(k).Export()
	}
	if re.Message == "" {
		re.Message = v.String()
	}
	return re
}

func stringProp(obj *goja.Object, key string) string {
	v := obj.Get(key)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// toMessage builds an envelope from a value posted by a script. Non-object
// values are carried as bare data.
func toMessage(v any) (protocol.Message, error) {
	if m, ok := v.(map[string]any); ok {
		return protocol.FromMap(m)
	}
	return protocol.Message{Data: v}, nil
}
