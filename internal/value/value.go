package value

import (
	"fmt"
	"math"
	"strconv"
)

type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindNumber
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Ref is a generational handle to a heap object. Generation 0 is never
// issued, so the zero Ref never resolves.
type Ref struct {
	Index uint32
	Gen   uint32
}

// Valid reports whether r could refer to a live object.
func (r Ref) Valid() bool { return r.Gen != 0 }

func (r Ref) String() string {
	return fmt.Sprintf("#%d.%d", r.Index, r.Gen)
}

// Value is the tagged scalar every stack slot, constant and global holds.
// Objects are referenced, never owned.
type Value struct {
	Kind Kind
	B    bool
	Num  float64
	Ref  Ref
}

func Nil() Value { return Value{Kind: KindNil} }
func Bool(b bool) Value {
	return Value{Kind: KindBool, B: b}
}
func Number(n float64) Value {
	return Value{Kind: KindNumber, Num: n}
}
func Obj(r Ref) Value {
	return Value{Kind: KindObject, Ref: r}
}

func (v Value) IsNil() bool    { return v.Kind == KindNil }
func (v Value) IsBool() bool   { return v.Kind == KindBool }
func (v Value) IsNumber() bool { return v.Kind == KindNumber }
func (v Value) IsObject() bool { return v.Kind == KindObject }

// Falsey reports whether v counts as false in a condition: nil and false do,
// everything else does not.
func Falsey(v Value) bool {
	switch v.Kind {
	case KindNil:
		return true
	case KindBool:
		return !v.B
	default:
		return false
	}
}

func Truthy(v Value) bool { return !Falsey(v) }

// Equal compares nil/bool structurally, numbers by IEEE value and objects by
// handle identity. Strings are interned so identity is content equality.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil:
		return true
	case KindBool:
		return a.B == b.B
	case KindNumber:
		return a.Num == b.Num
	case KindObject:
		return a.Ref == b.Ref
	default:
		return false
	}
}

// FormatNumber renders n the way print shows it: integral values without a
// fraction, everything else in shortest form.
func FormatNumber(n float64) string {
	switch {
	case math.IsNaN(n):
		return "nan"
	case math.IsInf(n, 1):
		return "inf"
	case math.IsInf(n, -1):
		return "-inf"
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}
