package value

import (
	"math"
	"testing"
)

func TestFalsey(t *testing.T) {
	cases := []struct {
		v    Value
		want bool
	}{
		{Nil(), true},
		{Bool(false), true},
		{Bool(true), false},
		{Number(0), false},
		{Obj(Ref{Index: 1, Gen: 1}), false},
	}
	for _, tc := range cases {
		if got := Falsey(tc.v); got != tc.want {
			t.Fatalf("Falsey(%#v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestEqual(t *testing.T) {
	r := Ref{Index: 3, Gen: 1}
	if !Equal(Obj(r), Obj(r)) {
		t.Fatalf("same ref must be equal")
	}
	if Equal(Obj(r), Obj(Ref{Index: 3, Gen: 2})) {
		t.Fatalf("different generations must not be equal")
	}
	if Equal(Number(1), Bool(true)) {
		t.Fatalf("different kinds must not be equal")
	}
	if Equal(Number(math.NaN()), Number(math.NaN())) {
		t.Fatalf("NaN must not equal itself")
	}
	if !Equal(Nil(), Nil()) {
		t.Fatalf("nil must equal nil")
	}
}

func TestFormatNumber(t *testing.T) {
	cases := map[float64]string{
		3:    "3",
		120:  "120",
		2.5:  "2.5",
		-0.5: "-0.5",
	}
	for in, want := range cases {
		if got := FormatNumber(in); got != want {
			t.Fatalf("FormatNumber(%v) = %q, want %q", in, got, want)
		}
	}
	if got := FormatNumber(math.Inf(1)); got != "inf" {
		t.Fatalf("expected inf, got %q", got)
	}
}

func TestZeroRefInvalid(t *testing.T) {
	var r Ref
	if r.Valid() {
		t.Fatalf("zero ref must be invalid")
	}
}
