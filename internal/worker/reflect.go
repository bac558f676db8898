package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"
)

var (
	contextType = reflect.TypeFor[context.Context]()
	errorType   = reflect.TypeFor[error]()
)

// ObjectOf exposes the exported methods of v under lower-camel names, so a
// value with an Add method answers "obj.add" calls.
//
// A leading context.Context parameter receives the call context. Arguments
// are converted to the parameter types: numbers across numeric kinds, and
// anything else through a JSON round trip. A trailing error result becomes
// the call error; several other results are returned as a slice.
func ObjectOf(v any) Object {
	rv := reflect.ValueOf(v)
	rt := rv.Type()

	obj := make(Object, rt.NumMethod())
	for i := 0; i < rt.NumMethod(); i++ {
		m := rt.Method(i)
		if !m.IsExported() {
			continue
		}
		obj[lowerFirst(m.Name)] = reflectMethod(rv.Method(i))
	}
	return obj
}

func reflectMethod(fn reflect.Value) Method {
	ft := fn.Type()
	return func(ctx context.Context, args ...any) (any, error) {
		in := make([]reflect.Value, 0, ft.NumIn())
		offset := 0
		if ft.NumIn() > 0 && ft.In(0) == contextType {
			in = append(in, reflect.ValueOf(ctx))
			offset = 1
		}

		want := ft.NumIn() - offset
		if ft.IsVariadic() {
			if len(args) < want-1 {
				return nil, fmt.Errorf("expected at least %d arguments, got %d", want-1, len(args))
			}
		} else if len(args) != want {
			return nil, fmt.Errorf("expected %d arguments, got %d", want, len(args))
		}

		for i, a := range args {
			var pt reflect.Type
			if ft.IsVariadic() && i >= want-1 {
				pt = ft.In(ft.NumIn() - 1).Elem()
			} else {
				pt = ft.In(i + offset)
			}
			av, err := convertArg(a, pt)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			in = append(in, av)
		}

		return splitResults(ft, fn.Call(in))
	}
}

func convertArg(a any, t reflect.Type) (reflect.Value, error) {
	if a == nil {
		return reflect.Zero(t), nil
	}
	av := reflect.ValueOf(a)
	if av.Type().AssignableTo(t) {
		return av, nil
	}
	if isNumeric(av.Kind()) && isNumeric(t.Kind()) {
		return av.Convert(t), nil
	}

	b, err := json.Marshal(a)
	if err != nil {
		return reflect.Value{}, err
	}
	ptr := reflect.New(t)
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s: %w", a, t, err)
	}
	return ptr.Elem(), nil
}

func splitResults(ft reflect.Type, out []reflect.Value) (any, error) {
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errorType {
		if errVal := out[n-1]; !errVal.IsNil() {
			return nil, errVal.Interface().(error)
		}
		out = out[:n-1]
	}

	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0].Interface(), nil
	default:
		results := make([]any, len(out))
		for i, v := range out {
			results[i] = v.Interface()
		}
		return results, nil
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func lowerFirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToLower(r)) + s[size:]
}
