// Package attr implements the attribute registry consulted by proxy nodes.
//
// Type attributes decide whether a value may travel by copy (NoCopy, Copy).
// Method attributes decide how an invocation is performed (NoReturn: send the
// Invoke and do not wait for a reply).
//
// Attributes set on an interface type are inherited by every concrete type that
// implements it, which is how a whole family of types is marked at once. A
// concrete type can opt out of inherited flags with RemoveInherited.
//
// A Registry is built once at startup and frozen when the first node is
// created from it; after that it is read-only and safe for concurrent use.
package attr

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Flags is a small set of attribute bits.
type Flags uint8

const (
	NoCopy   Flags = 1 << iota // never send values of the type by copy
	Copy                       // named type may be sent by copy
	NoReturn                   // invocation sends no reply; the caller does not wait
)

// Has reports whether every bit of g is set in f.
func (f Flags) Has(g Flags) bool { return f&g == g && g != 0 }

func (f Flags) String() string {
	s := ""
	for _, p := range []struct {
		bit  Flags
		name string
	}{{NoCopy, "nocopy"}, {Copy, "copy"}, {NoReturn, "noreturn"}} {
		if f&p.bit != 0 {
			if s != "" {
				s += "|"
			}
			s += p.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// ErrFrozen is returned when the registry is modified after Freeze.
var ErrFrozen = errors.New("attr: registry is frozen")

var errorType = reflect.TypeOf((*error)(nil)).Elem()

type ifaceFlags struct {
	iface reflect.Type
	flags Flags
}

// Registry maps types and (type name, method) pairs to attribute flags.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	types   map[reflect.Type]Flags
	negated map[reflect.Type]Flags
	ifaces  []ifaceFlags
	methods map[string]map[string]Flags
}

// New returns a registry with the default attributes: error values are never
// copied.
func New() *Registry {
	r := &Registry{
		types:   make(map[reflect.Type]Flags),
		negated: make(map[reflect.Type]Flags),
		methods: make(map[string]map[string]Flags),
	}
	r.ifaces = append(r.ifaces, ifaceFlags{iface: errorType, flags: NoCopy})
	return r
}

// SetType replaces the flags of t. When t is an interface type the flags are
// inherited by every type implementing it.
func (r *Registry) SetType(t reflect.Type, flags Flags) error {
	if t == nil {
		return errors.New("attr: nil type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if t.Kind() == reflect.Interface {
		for i := range r.ifaces {
			if r.ifaces[i].iface == t {
				r.ifaces[i].flags = flags
				return nil
			}
		}
		r.ifaces = append(r.ifaces, ifaceFlags{iface: t, flags: flags})
		return nil
	}
	r.types[t] = flags
	return nil
}

// RemoveInherited stops t from inheriting flags from the interfaces it
// implements. Flags set directly on t are unaffected.
func (r *Registry) RemoveInherited(t reflect.Type, flags Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	r.negated[t] = flags
	return nil
}

// SetMethod replaces the flags of a method on the type with the given name.
// Method attributes are keyed by name so that a client holding only a remote
// type name can consult them.
func (r *Registry) SetMethod(typeName, method string, flags Flags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	m, ok := r.methods[typeName]
	if !ok {
		m = make(map[string]Flags)
		r.methods[typeName] = m
	}
	m[method] = flags
	return nil
}

// SetMethodFor is SetMethod for a concrete type; it fails if t has no
// exported method of that name.
func (r *Registry) SetMethodFor(t reflect.Type, method string, flags Flags) error {
	if _, ok := t.MethodByName(method); !ok {
		return fmt.Errorf("attr: type %s has no method %q", t, method)
	}
	return r.SetMethod(t.String(), method, flags)
}

// TypeFlags returns the flags of t: its own flags plus those inherited from
// registered interfaces, minus removed inherited flags.
func (r *Registry) TypeFlags(t reflect.Type) Flags {
	if r == nil || t == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var inherited Flags
	for _, e := range r.ifaces {
		if t != e.iface && t.Implements(e.iface) {
			inherited |= e.flags
		}
	}
	return r.types[t] | inherited&^r.negated[t]
}

// NoCopy reports whether values of type t must never be sent by copy.
func (r *Registry) NoCopy(t reflect.Type) bool {
	return r.TypeFlags(t)&NoCopy != 0
}

// MethodFlags returns the flags of method on the type named typeName.
func (r *Registry) MethodFlags(typeName, method string) Flags {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods[typeName][method]
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// TypeOf returns the reflect.Type of T; for interface types it returns the
// interface itself rather than nil.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// TypeName is the name under which values are announced to the peer.
func TypeName(v any) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
