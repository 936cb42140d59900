package message

import (
	"errors"
	"fmt"
	"reflect"

	"proxy-rmi/attr"
)

// MaxDepth bounds the nesting of literal values. Deeper (or cyclic) values are
// not copyable and get exported by reference instead.
const MaxDepth = 64

// ErrNotCopyable is returned by Normalize for values that must be proxied.
var ErrNotCopyable = errors.New("message: value is not copyable")

// Copyable reports whether v can be sent by value. Booleans, numbers, strings,
// nil, byte slices, and slices/arrays/string-keyed maps of copyable elements
// are copyable unless the registry marks their type NoCopy. Structs are
// copyable only when the registry marks them Copy.
func Copyable(v any, reg *attr.Registry) bool {
	return copyable(reflect.ValueOf(v), reg, 0)
}

func copyable(rv reflect.Value, reg *attr.Registry, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	if !rv.IsValid() {
		return true
	}
	t := rv.Type()
	flags := reg.TypeFlags(t)
	if flags&attr.NoCopy != 0 {
		return false
	}
	switch t.Kind() {
	case reflect.Bool, reflect.String, reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	case reflect.Interface:
		if rv.IsNil() {
			return true
		}
		// Unwrapping an interface adds no nesting level on the wire.
		return copyable(rv.Elem(), reg, depth)
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 && !reg.NoCopy(t.Elem()) {
			return true
		}
		for i := 0; i < rv.Len(); i++ {
			if !copyable(rv.Index(i), reg, depth+1) {
				return false
			}
		}
		return true
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return false
		}
		iter := rv.MapRange()
		for iter.Next() {
			if !copyable(iter.Value(), reg, depth+1) {
				return false
			}
		}
		return true
	case reflect.Struct:
		if flags&attr.Copy == 0 {
			return false
		}
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() && !copyable(rv.Field(i), reg, depth+1) {
				return false
			}
		}
		return true
	case reflect.Pointer:
		if flags&attr.Copy == 0 {
			return false
		}
		if rv.IsNil() {
			return true
		}
		return copyable(rv.Elem(), reg, depth+1)
	}
	return false
}

// Normalize converts a copyable value into its canonical wire form: nil, bool,
// int64, uint64, float64, string, []byte, []any or map[string]any. Structs
// marked Copy become maps of their exported fields.
func Normalize(v any, reg *attr.Registry) (any, error) {
	if !Copyable(v, reg) {
		return nil, fmt.Errorf("%w: %s", ErrNotCopyable, attr.TypeName(v))
	}
	return normalize(reflect.ValueOf(v)), nil
}

func normalize(rv reflect.Value) any {
	if !rv.IsValid() {
		return nil
	}
	t := rv.Type()
	switch t.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalize(rv.Elem())
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			out := make([]byte, rv.Len())
			for i := range out {
				out[i] = byte(rv.Index(i).Uint())
			}
			return out
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value())
		}
		return out
	case reflect.Struct:
		out := make(map[string]any, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				out[t.Field(i).Name] = normalize(rv.Field(i))
			}
		}
		return out
	}
	return nil
}
