package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Front answers Fetch and ListExports requests. The empty name designates
// the catch-all front object, if there is one.
type Front interface {
	Lookup(name string) (any, bool)
	Names() []string
}

// Evaluator runs source text sent with an Eval request. It is consulted only
// when evaluation is enabled.
type Evaluator interface {
	Eval(ctx context.Context, src string) (any, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, src string) (any, error)

func (f EvaluatorFunc) Eval(ctx context.Context, src string) (any, error) { return f(ctx, src) }

var ErrDuplicateName = errors.New("server: name already exported")

// MapFront is a name table with an optional root object. Values of type
// func() any are called on every lookup, so a front can hand out a fresh
// object per Fetch.
type MapFront struct {
	mu     sync.RWMutex
	values map[string]any
	root   any
}

func NewMapFront() *MapFront {
	return &MapFront{values: make(map[string]any)}
}

// Register exports v under name.
func (f *MapFront) Register(name string, v any) error {
	if name == "" {
		return errors.New("server: empty export name")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	f.values[name] = v
	return nil
}

// RegisterService exports a pointer to a struct under its type name: &Arith{}
// becomes "Arith".
func (f *MapFront) RegisterService(rcvr any) (string, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return "", fmt.Errorf("server: service must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return "", fmt.Errorf("server: service must point to a struct, got %s", typ.Elem().Kind())
	}
	if typ.NumMethod() == 0 {
		return "", fmt.Errorf("server: %s has no exported methods", typ)
	}
	name := typ.Elem().Name()
	return name, f.Register(name, rcvr)
}

// SetRoot sets the object returned for the empty name.
func (f *MapFront) SetRoot(v any) {
	f.mu.Lock()
	f.root = v
	f.mu.Unlock()
}

func (f *MapFront) Remove(name string) {
	f.mu.Lock()
	delete(f.values, name)
	f.mu.Unlock()
}

func (f *MapFront) Lookup(name string) (any, bool) {
	f.mu.RLock()
	var (
		v  any
		ok bool
	)
	if name == "" {
		v, ok = f.root, f.root != nil
	} else {
		v, ok = f.values[name]
	}
	f.mu.RUnlock()
	if fn, isFunc := v.(func() any); ok && isFunc {
		return fn(), true
	}
	return v, ok
}

// Names returns the exported names in sorted order.
func (f *MapFront) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.values))
	for name := range f.values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
