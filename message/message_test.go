package message

import (
	"errors"
	"reflect"
	"testing"

	"proxy-rmi/attr"
)

type Path []string

type Token string

type Point struct {
	X, Y int
	note string
}

type Counter struct{ n int }

type Octet uint8

type Level int16

type Labels map[string]Level

func TestCopyable(t *testing.T) {
	reg := attr.New()
	if err := reg.SetType(attr.TypeOf[Token](), attr.NoCopy); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name string
		v    any
		want bool
	}{
		{"nil", nil, true},
		{"bool", true, true},
		{"int", 42, true},
		{"float", 1.5, true},
		{"string", "hi", true},
		{"bytes", []byte("raw"), true},
		{"named slice", Path{"a", "b"}, true},
		{"nested", []any{1, map[string]any{"k": []string{"x"}}}, true},
		{"nocopy leaf", []any{1, map[string]any{"k": Token("t")}}, false},
		{"nocopy type", Token("t"), false},
		{"struct", Point{1, 2, ""}, false},
		{"pointer", &Counter{}, false},
		{"func", func() {}, false},
		{"error", errors.New("boom"), false},
		{"int keys", map[int]string{1: "a"}, false},
	}
	for _, tc := range cases {
		if got := Copyable(tc.v, reg); got != tc.want {
			t.Errorf("%s: Copyable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestCopyableCycle(t *testing.T) {
	s := make([]any, 1)
	s[0] = s
	if Copyable(s, nil) {
		t.Fatal("cyclic value must not be copyable")
	}
}

func TestNormalize(t *testing.T) {
	reg := attr.New()
	if err := reg.SetType(attr.TypeOf[Point](), attr.Copy); err != nil {
		t.Fatal(err)
	}

	got, err := Normalize(map[string]any{
		"path":  Path{"/bin", "/usr/bin"},
		"count": int32(3),
		"ratio": float32(0.5),
		"size":  uint8(7),
		"point": Point{X: 1, Y: 2, note: "hidden"},
	}, reg)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"path":  []any{"/bin", "/usr/bin"},
		"count": int64(3),
		"ratio": float64(0.5),
		"size":  uint64(7),
		"point": map[string]any{"X": int64(1), "Y": int64(2)},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Normalize = %#v, want %#v", got, want)
	}

	if _, err := Normalize(&Counter{}, reg); !errors.Is(err, ErrNotCopyable) {
		t.Fatalf("expect ErrNotCopyable, got %v", err)
	}
}

func TestCopyableDepthLimit(t *testing.T) {
	nest := func(depth int) any {
		var v any = "leaf"
		for i := 0; i < depth; i++ {
			v = []any{v}
		}
		return v
	}
	if !Copyable(nest(MaxDepth), nil) {
		t.Fatalf("%d levels must be copyable", MaxDepth)
	}
	if Copyable(nest(MaxDepth+1), nil) {
		t.Fatalf("%d levels must not be copyable", MaxDepth+1)
	}
}

func TestNormalizeNamedKinds(t *testing.T) {
	cases := []struct {
		name string
		v    any
		want any
	}{
		{"named byte slice", []Octet{1, 2, 255}, []byte{1, 2, 255}},
		{"empty named byte slice", []Octet{}, []byte{}},
		{"byte array", [3]byte{7, 8, 9}, []byte{7, 8, 9}},
		{"named byte array", [2]Octet{4, 5}, []byte{4, 5}},
		{"named int slice", []Level{-1, 2}, []any{int64(-1), int64(2)}},
		{"named map", Labels{"warn": 3}, map[string]any{"warn": int64(3)}},
		{"raw bytes", []byte("ab"), []byte("ab")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !Copyable(tc.v, nil) {
				t.Fatalf("%T must be copyable", tc.v)
			}
			got, err := Normalize(tc.v, nil)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("Normalize = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestRegisterType(t *testing.T) {
	if err := RegisterType(TypeEval, "again"); err == nil {
		t.Fatal("core tags are reserved")
	}
	if err := RegisterType(FirstExtension+1, "ping"); err != nil {
		t.Fatal(err)
	}
	if err := RegisterType(FirstExtension+1, "pong"); err == nil {
		t.Fatal("duplicate registration must fail")
	}
	if !Known(FirstExtension+1) || (FirstExtension + 1).String() != "ping" {
		t.Fatal("extension tag not registered")
	}
	if Known(FirstExtension + 2) {
		t.Fatal("unregistered tag reported as known")
	}
}

func TestIsReply(t *testing.T) {
	for _, typ := range []Type{TypeLiteral, TypeProxied, TypeLocal, TypeError} {
		if !typ.IsReply() {
			t.Errorf("%s should be a reply", typ)
		}
	}
	for _, typ := range []Type{TypeInvoke, TypeRelease, TypeBye, TypeFetch, TypeListExports} {
		if typ.IsReply() {
			t.Errorf("%s should not be a reply", typ)
		}
	}
}
