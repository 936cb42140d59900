package node

import (
	"reflect"
	"sync"
)

// entry is one exported object. It exists while refs > 0.
type entry struct {
	obj      any
	typeName string
	refs     int
	key      refKey
}

// refKey identifies an object by type and address, so exporting the same
// pointer twice reuses its id. Values without identity get a zero key and a
// fresh id on every export.
type refKey struct {
	t reflect.Type
	p uintptr
}

func identity(obj any) refKey {
	rv := reflect.ValueOf(obj)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		if rv.IsNil() {
			return refKey{}
		}
		return refKey{t: rv.Type(), p: rv.Pointer()}
	}
	return refKey{}
}

// table is the exported-object table of one node. Ids start at 1 and are
// never reused.
type table struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	byRef   map[refKey]uint64
}

func newTable() *table {
	return &table{
		entries: make(map[uint64]*entry),
		byRef:   make(map[refKey]uint64),
	}
}

// register adds one reference to obj and returns its id and whether a new
// entry was created.
func (t *table) register(obj any, typeName string) (uint64, bool) {
	key := identity(obj)
	t.mu.Lock()
	defer t.mu.Unlock()
	if key.t != nil {
		if id, ok := t.byRef[key]; ok {
			t.entries[id].refs++
			return id, false
		}
	}
	t.nextID++
	id := t.nextID
	t.entries[id] = &entry{obj: obj, typeName: typeName, refs: 1, key: key}
	if key.t != nil {
		t.byRef[key] = id
	}
	return id, true
}

func (t *table) lookup(id uint64) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// release drops one reference, or all of them, and reports the references
// left and whether id was known.
func (t *table) release(id uint64, all bool) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, false
	}
	e.refs--
	if all {
		e.refs = 0
	}
	if e.refs <= 0 {
		delete(t.entries, id)
		if e.key.t != nil {
			delete(t.byRef, e.key)
		}
		return 0, true
	}
	return e.refs, true
}

func (t *table) refs(id uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[id]; ok {
		return e.refs
	}
	return 0
}

func (t *table) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// clear drops every entry and returns how many there were.
func (t *table) clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	t.entries = make(map[uint64]*entry)
	t.byRef = make(map[refKey]uint64)
	return n
}
