package main

import (
	"context"
	"reflect"
	"testing"
)

func TestStore(t *testing.T) {
	s := newStore()
	s.Set("b", int64(2))
	s.Set("a", "one")

	if v, err := s.Get("a"); err != nil || v != "one" {
		t.Fatalf("Get(a) = %v, %v", v, err)
	}
	if _, err := s.Get("missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if got := s.Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Keys = %v", got)
	}

	var seen []string
	s.Each(func(k string, _ any) { seen = append(seen, k) })
	if !reflect.DeepEqual(seen, []string{"a", "b"}) {
		t.Fatalf("Each visited %v", seen)
	}
	if !s.Delete("a") || s.Delete("a") {
		t.Fatal("Delete should report presence once")
	}
}

func TestLookupEvaluator(t *testing.T) {
	e := lookupEvaluator{front: demoFront()}
	v, err := e.Eval(context.Background(), " Store ")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := v.(*Store); !ok {
		t.Fatalf("expected *Store, got %T", v)
	}
	if _, err := e.Eval(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for undefined name")
	}
}
