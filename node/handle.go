package node

import (
	"fmt"
	"reflect"
	"sync/atomic"
)

// Handle is a reference to an object exported by the peer. Each handle owns
// one reference in the peer's exported table and gives it back with exactly
// one Release message, sent by Release or by closing the node.
//
// Handles are not released by the garbage collector: callers release them
// explicitly, typically with defer h.Release().
type Handle struct {
	node     *Node
	id       uint64
	typeName string
	released atomic.Bool
}

func (h *Handle) ID() uint64 { return h.id }

// TypeName is the peer's name for the type of the object.
func (h *Handle) TypeName() string { return h.typeName }

func (h *Handle) Node() *Node { return h.node }

func (h *Handle) Released() bool { return h.released.Load() }

func (h *Handle) String() string {
	return fmt.Sprintf("handle(%d %s)", h.id, h.typeName)
}

// Invoke calls method on the remote object.
func (h *Handle) Invoke(method string, args ...any) (any, error) {
	return h.node.Invoke(h, method, args, nil)
}

// InvokeWithCallback calls method on the remote object, passing callback as
// an extra last argument. callback is exported by reference unless copyable.
func (h *Handle) InvokeWithCallback(method string, callback any, args ...any) (any, error) {
	return h.node.Invoke(h, method, args, callback)
}

// Release gives the handle's reference back to the peer. Later calls, and
// calls after the node is closed, do nothing.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return nil
	}
	return h.node.releaseHandle(h)
}

// asFunc adapts the handle to a func type: every call invokes "Call" on the
// remote object. Results are fitted to the func's result types; an error
// result receives the invocation error, and funcs without one panic with it.
func (h *Handle) asFunc(t reflect.Type) reflect.Value {
	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		var args []any
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}
		res, err := h.Invoke("Call", args...)

		outs := make([]reflect.Value, t.NumOut())
		var values []reflect.Type
		errIndex := -1
		for i := 0; i < t.NumOut(); i++ {
			if t.Out(i) == errType {
				errIndex = i
				continue
			}
			values = append(values, t.Out(i))
		}
		if err != nil && errIndex < 0 {
			panic(err)
		}

		results := []any{res}
		if len(values) > 1 {
			list, _ := res.([]any)
			results = list
		}
		vi := 0
		for i := range outs {
			if i == errIndex {
				outs[i] = reflect.Zero(errType)
				if err != nil {
					outs[i] = reflect.ValueOf(&err).Elem()
				}
				continue
			}
			outs[i] = reflect.Zero(t.Out(i))
			if err == nil && vi < len(results) {
				if v, cerr := convert(results[vi], t.Out(i), 0); cerr == nil {
					outs[i] = v
				}
			}
			vi++
		}
		return outs
	})
}
