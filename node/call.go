package node

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"

	"proxy-rmi/attr"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errType     = reflect.TypeOf((*error)(nil)).Elem()
)

// callMethod invokes method on obj with already imported args. Exported
// funcs answer the method "Call". A method whose first parameter is a
// context.Context receives ctx. A trailing error result becomes the returned
// error; the other results are returned as nil, a single value, or []any.
// Panics are recovered into a *PanicError.
func callMethod(ctx context.Context, obj any, method string, args []any) (result any, err error) {
	if h, ok := obj.(*Handle); ok {
		return h.Invoke(method, args...)
	}

	rv := reflect.ValueOf(obj)
	if !rv.IsValid() {
		return nil, &MethodError{TypeName: "nil", Method: method}
	}
	var (
		fn reflect.Value
		pc uintptr
	)
	if rv.Kind() == reflect.Func && method == "Call" {
		fn = rv
		pc = rv.Pointer()
	} else {
		m, ok := rv.Type().MethodByName(method)
		if !ok {
			return nil, &MethodError{TypeName: attr.TypeName(obj), Method: method}
		}
		fn = rv.Method(m.Index)
		pc = m.Func.Pointer()
	}

	defer func() {
		if r := recover(); r != nil {
			pcs := make([]uintptr, 64)
			n := runtime.Callers(2, pcs)
			result, err = nil, &PanicError{Value: r, Trace: formatFrames(pcs[:n])}
		}
	}()
	in, err := buildArgs(ctx, fn.Type(), method, args)
	if err != nil {
		return nil, err
	}

	outs := fn.Call(in)

	ft := fn.Type()
	if n := ft.NumOut(); n > 0 && ft.Out(n-1) == errType {
		if e := outs[n-1]; !e.IsNil() {
			return nil, &invokeError{err: e.Interface().(error), trace: funcTrace(pc)}
		}
		outs = outs[:n-1]
	}
	switch len(outs) {
	case 0:
		return nil, nil
	case 1:
		return outs[0].Interface(), nil
	}
	list := make([]any, len(outs))
	for i, o := range outs {
		list[i] = o.Interface()
	}
	return list, nil
}

// invokeError carries an error returned by a method together with the
// method's own frame.
type invokeError struct {
	err   error
	trace []string
}

func (e *invokeError) Error() string { return e.err.Error() }

func (e *invokeError) Unwrap() error { return e.err }

func buildArgs(ctx context.Context, ft reflect.Type, method string, args []any) ([]reflect.Value, error) {
	var in []reflect.Value
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}
	fixed := ft.NumIn() - first
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, &ArgumentError{Method: method, Err: fmt.Errorf("got %d arguments, want at least %d", len(args), fixed)}
		}
	} else if len(args) != fixed {
		return nil, &ArgumentError{Method: method, Err: fmt.Errorf("got %d arguments, want %d", len(args), fixed)}
	}

	for i, a := range args {
		var t reflect.Type
		if i < fixed {
			t = ft.In(first + i)
		} else {
			t = ft.In(ft.NumIn() - 1).Elem()
		}
		v, err := convert(a, t, 0)
		if err != nil {
			return nil, &ArgumentError{Method: method, Err: fmt.Errorf("argument %d: %w", i, err)}
		}
		in = append(in, v)
	}
	return in, nil
}

func nilable(k reflect.Kind) bool {
	switch k {
	case reflect.Pointer, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
		return true
	}
	return false
}

// convert fits an imported value to parameter type t. Literals arrive in
// canonical form (int64, []any, map[string]any, ...) and are converted to the
// concrete numeric, slice, map and struct types; handles fit func parameters.
func convert(v any, t reflect.Type, depth int) (reflect.Value, error) {
	if depth > 64 {
		return reflect.Value{}, errors.New("value nested too deep")
	}
	if v == nil {
		if nilable(t.Kind()) {
			return reflect.Zero(t), nil
		}
		return reflect.Value{}, fmt.Errorf("nil does not fit %s", t)
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(t) {
		if t.Kind() == reflect.Interface {
			out := reflect.New(t).Elem()
			out.Set(rv)
			return out, nil
		}
		return rv, nil
	}

	if h, ok := v.(*Handle); ok && t.Kind() == reflect.Func {
		return h.asFunc(t), nil
	}

	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		var n int64
		switch x := v.(type) {
		case int64:
			n = x
		case uint64:
			if x > 1<<63-1 {
				return reflect.Value{}, fmt.Errorf("%d overflows %s", x, t)
			}
			n = int64(x)
		case float64:
			if x != float64(int64(x)) {
				return reflect.Value{}, fmt.Errorf("%v is not an integer", x)
			}
			n = int64(x)
		default:
			return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
		}
		out := reflect.New(t).Elem()
		if out.OverflowInt(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out.SetInt(n)
		return out, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		var n uint64
		switch x := v.(type) {
		case uint64:
			n = x
		case int64:
			if x < 0 {
				return reflect.Value{}, fmt.Errorf("%d does not fit %s", x, t)
			}
			n = uint64(x)
		default:
			return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
		}
		out := reflect.New(t).Elem()
		if out.OverflowUint(n) {
			return reflect.Value{}, fmt.Errorf("%d overflows %s", n, t)
		}
		out.SetUint(n)
		return out, nil
	case reflect.Float32, reflect.Float64:
		var f float64
		switch x := v.(type) {
		case float64:
			f = x
		case int64:
			f = float64(x)
		case uint64:
			f = float64(x)
		default:
			return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
		}
		out := reflect.New(t).Elem()
		out.SetFloat(f)
		return out, nil
	case reflect.Bool, reflect.String:
		if rv.Kind() != t.Kind() {
			return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
		}
		return rv.Convert(t), nil
	case reflect.Slice, reflect.Array:
		return convertList(v, t, depth)
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok || t.Key().Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
		}
		out := reflect.MakeMapWithSize(t, len(m))
		for k, e := range m {
			ev, err := convert(e, t.Elem(), depth+1)
			if err != nil {
				return reflect.Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(t.Key()), ev)
		}
		return out, nil
	case reflect.Struct:
		return convertStruct(v, t, depth)
	case reflect.Pointer:
		if t.Elem().Kind() == reflect.Struct {
			sv, err := convertStruct(v, t.Elem(), depth)
			if err != nil {
				return reflect.Value{}, err
			}
			out := reflect.New(t.Elem())
			out.Elem().Set(sv)
			return out, nil
		}
	}
	return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
}

func convertList(v any, t reflect.Type, depth int) (reflect.Value, error) {
	if b, ok := v.([]byte); ok && t.Elem().Kind() == reflect.Uint8 {
		if t.Kind() == reflect.Slice {
			return reflect.ValueOf(b).Convert(t), nil
		}
		out := reflect.New(t).Elem()
		reflect.Copy(out, reflect.ValueOf(b))
		return out, nil
	}
	list, ok := v.([]any)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
	}
	var out reflect.Value
	if t.Kind() == reflect.Array {
		if len(list) != t.Len() {
			return reflect.Value{}, fmt.Errorf("%d elements do not fit %s", len(list), t)
		}
		out = reflect.New(t).Elem()
	} else {
		out = reflect.MakeSlice(t, len(list), len(list))
	}
	for i, e := range list {
		ev, err := convert(e, t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("element %d: %w", i, err)
		}
		out.Index(i).Set(ev)
	}
	return out, nil
}

// convertStruct fills exported fields of t from a map keyed by field name,
// the form Copy-marked structs travel in.
func convertStruct(v any, t reflect.Type, depth int) (reflect.Value, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return reflect.Value{}, fmt.Errorf("%T does not fit %s", v, t)
	}
	out := reflect.New(t).Elem()
	for k, e := range m {
		f, ok := t.FieldByName(k)
		if !ok || !f.IsExported() {
			return reflect.Value{}, fmt.Errorf("%s has no field %s", t, k)
		}
		fv, err := convert(e, f.Type, depth+1)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", k, err)
		}
		dst, err := fieldByIndex(out, f.Index)
		if err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", k, err)
		}
		dst.Set(fv)
	}
	return out, nil
}

// fieldByIndex is reflect.Value.FieldByIndex that allocates nil embedded
// struct pointers on the way to a promoted field.
func fieldByIndex(v reflect.Value, index []int) (reflect.Value, error) {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Pointer {
			if v.IsNil() {
				if !v.CanSet() {
					return reflect.Value{}, fmt.Errorf("cannot allocate unexported embedded %s", v.Type())
				}
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	if !v.CanSet() {
		return reflect.Value{}, fmt.Errorf("field is not settable")
	}
	return v, nil
}
