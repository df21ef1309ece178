package heap

import (
	"hash/fnv"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/value"
)

type ObjType uint8

const (
	ObjString ObjType = iota + 1
	ObjFunction
	ObjNative
	ObjClosure
	ObjUpvalue
)

func (t ObjType) String() string {
	switch t {
	case ObjString:
		return "string"
	case ObjFunction:
		return "function"
	case ObjNative:
		return "native"
	case ObjClosure:
		return "closure"
	case ObjUpvalue:
		return "upvalue"
	default:
		return "invalid"
	}
}

// Object is implemented by every value the heap owns.
type Object interface {
	Type() ObjType
	size() int
	children(m *Marker)
}

// String is an interned, immutable character sequence.
type String struct {
	Chars string
	Hash  uint32
}

func (*String) Type() ObjType  { return ObjString }
func (s *String) size() int     { return 32 + len(s.Chars) }
func (*String) children(*Marker) {}

// HashString is the 32-bit FNV-1a hash used for interning.
func HashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Function is a compiled function body. Name is Nil for the top-level script.
type Function struct {
	Name         value.Value
	Arity        int
	UpvalueCount int
	Chunk        *bytecode.Chunk
}

// valueSize is the in-memory size of one value.Value constant.
const valueSize = 24

func (*Function) Type() ObjType { return ObjFunction }

// size counts the chunk's backing arrays as well as the header, so growing
// code and constant pools moves the collection threshold.
func (f *Function) size() int {
	n := 64
	if c := f.Chunk; c != nil {
		n += cap(c.Code) + 8*cap(c.Lines) + valueSize*cap(c.Consts)
	}
	return n
}

func (f *Function) children(m *Marker) {
	m.Mark(f.Name)
	if f.Chunk == nil {
		return
	}
	for _, c := range f.Chunk.Consts {
		m.Mark(c)
	}
}

// NativeFn is the host signature for natives. Returning an error aborts the
// running program with a runtime error wrapping it.
type NativeFn func(h *Heap, args []value.Value) (value.Value, error)

// Native wraps a host function. Arity -1 accepts any argument count.
type Native struct {
	Name  string
	Arity int
	Fn    NativeFn
}

func (*Native) Type() ObjType     { return ObjNative }
func (*Native) size() int         { return 48 }
func (*Native) children(*Marker) {}

// Closure pairs a function with the upvalues it captured.
type Closure struct {
	Function value.Ref
	Upvalues []value.Ref
}

func (*Closure) Type() ObjType { return ObjClosure }
func (c *Closure) size() int   { return 32 + 8*len(c.Upvalues) }

func (c *Closure) children(m *Marker) {
	m.MarkRef(c.Function)
	for _, uv := range c.Upvalues {
		m.MarkRef(uv)
	}
}

// Upvalue is a captured variable. While open it aliases a stack slot; Close
// moves the value into the upvalue and the transition never reverses.
type Upvalue struct {
	open   bool
	slot   int
	closed value.Value
}

func (*Upvalue) Type() ObjType { return ObjUpvalue }
func (*Upvalue) size() int     { return 40 }

func (u *Upvalue) children(m *Marker) {
	if !u.open {
		m.Mark(u.closed)
	}
}

// IsOpen reports whether the upvalue still refers to a stack slot.
func (u *Upvalue) IsOpen() bool { return u.open }

// Slot is the aliased stack slot; only meaningful while open.
func (u *Upvalue) Slot() int { return u.slot }

// Closed returns the owned value of a closed upvalue.
func (u *Upvalue) Closed() value.Value { return u.closed }

// SetClosed overwrites the owned value of a closed upvalue.
func (u *Upvalue) SetClosed(v value.Value) { u.closed = v }

// Close captures v and detaches the upvalue from its stack slot.
func (u *Upvalue) Close(v value.Value) {
	if !u.open {
		return
	}
	u.open = false
	u.closed = v
	u.slot = -1
}
