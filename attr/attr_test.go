package attr

import (
	"errors"
	"reflect"
	"testing"
)

type Secret string

type closer interface{ Close() error }

type file struct{}

func (f *file) Close() error { return nil }
func (f *file) Read() string { return "" }

type socket struct{}

func (s *socket) Close() error { return nil }

func TestTypeFlags(t *testing.T) {
	r := New()
	if err := r.SetType(TypeOf[Secret](), NoCopy); err != nil {
		t.Fatal(err)
	}
	if !r.NoCopy(TypeOf[Secret]()) {
		t.Fatal("expect Secret to be nocopy")
	}
	if r.NoCopy(reflect.TypeOf("")) {
		t.Fatal("string must stay copyable")
	}
	if !r.NoCopy(reflect.TypeOf(errors.New("x"))) {
		t.Fatal("error values are nocopy by default")
	}
}

func TestInterfaceInheritance(t *testing.T) {
	r := New()
	if err := r.SetType(TypeOf[closer](), NoCopy); err != nil {
		t.Fatal(err)
	}
	if !r.NoCopy(reflect.TypeOf(&file{})) {
		t.Fatal("expect *file to inherit nocopy from closer")
	}
	if err := r.RemoveInherited(reflect.TypeOf(&socket{}), NoCopy); err != nil {
		t.Fatal(err)
	}
	if r.NoCopy(reflect.TypeOf(&socket{})) {
		t.Fatal("expect *socket to drop inherited nocopy")
	}
}

func TestMethodFlags(t *testing.T) {
	r := New()
	if err := r.SetMethodFor(reflect.TypeOf(&file{}), "Read", NoReturn); err != nil {
		t.Fatal(err)
	}
	if !r.MethodFlags("*attr.file", "Read").Has(NoReturn) {
		t.Fatalf("expect noreturn, got %s", r.MethodFlags("*attr.file", "Read"))
	}
	if r.MethodFlags("*attr.file", "Close") != 0 {
		t.Fatal("Close has no flags")
	}
	if err := r.SetMethodFor(reflect.TypeOf(&file{}), "Missing", NoReturn); err == nil {
		t.Fatal("expect error for missing method")
	}
}

func TestFreeze(t *testing.T) {
	r := New()
	r.Freeze()
	if err := r.SetType(TypeOf[Secret](), NoCopy); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expect ErrFrozen, got %v", err)
	}
	if err := r.SetMethod("x", "y", NoReturn); !errors.Is(err, ErrFrozen) {
		t.Fatalf("expect ErrFrozen, got %v", err)
	}
}

func TestNilRegistry(t *testing.T) {
	var r *Registry
	if r.NoCopy(reflect.TypeOf(1)) || r.MethodFlags("a", "b") != 0 {
		t.Fatal("nil registry has no attributes")
	}
	r.Freeze()
}
