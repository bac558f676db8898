package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/dohr-michael/paperpool/internal/protocol"
)

var (
	ErrUnknownObject = errors.New("unknown object")
	ErrUnknownMethod = errors.New("unknown method")
)

// Method is a callable exposed to method-call envelopes.
type Method func(ctx context.Context, args ...any) (any, error)

// Object is a named set of methods.
type Object map[string]Method

// Resolver yields an object, possibly after waiting for it.
type Resolver interface {
	Resolve(ctx context.Context) (Object, error)
}

// Objects maps object names to their (possibly pending) instances.
type Objects map[string]Resolver

func (o Object) Resolve(context.Context) (Object, error) { return o, nil }

// Lazy is an object that becomes available asynchronously.
type Lazy struct {
	done chan struct{}
	obj  Object
	err  error
}

// Defer starts building an object in the background.
func Defer(ctx context.Context, build func(ctx context.Context) (Object, error)) *Lazy {
	l := &Lazy{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		l.obj, l.err = build(ctx)
	}()
	return l
}

// Resolve waits for the object.
func (l *Lazy) Resolve(ctx context.Context) (Object, error) {
	select {
	case <-l.done:
		return l.obj, l.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MethodGate accepts method calls whose object exists and either exposes the
// method or is still pending, and that pass the optional filter. Calls failing
// the gate are left for other listeners.
func MethodGate(objects Objects, filter Filter) Filter {
	return func(msg protocol.Message) bool {
		if !msg.IsMethodCall() {
			return false
		}
		name, method, ok := protocol.SplitMethodPath(msg.Name)
		if !ok {
			return false
		}
		r, ok := objects[name]
		if !ok || r == nil {
			return false
		}
		if obj, ok := r.(Object); ok {
			if _, has := obj[method]; !has {
				return false
			}
		}
		return filter == nil || filter(msg)
	}
}

// NewMethodDispatcher invokes the named method with the call's arguments and
// reports the outcome through the generic response adapter.
func NewMethodDispatcher(post PostFunc, objects Objects) Listener {
	return NewMessageHandler(post, func(ctx context.Context, msg protocol.Message) (any, error) {
		name, method, ok := protocol.SplitMethodPath(msg.Name)
		if !ok {
			return nil, fmt.Errorf("invalid method path %q", msg.Name)
		}
		r, ok := objects[name]
		if !ok || r == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownObject, name)
		}
		obj, err := r.Resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", name, err)
		}
		fn, ok := obj[method]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, msg.Name)
		}
		return fn(ctx, msg.Args...)
	})
}
