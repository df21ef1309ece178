// Package image serialises compiled script functions as canonical CBOR so a
// program can be built once and run without recompiling.
package image

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
)

const (
	Magic   = "CLOX"
	Version = 1
)

var (
	ErrBadMagic = errors.New("image: not a clox image")
	ErrVersion  = errors.New("image: unsupported version")
	ErrCorrupt  = errors.New("image: corrupt function table")
	// ErrUnsupportedConstant is returned for constants that have no image
	// encoding, such as closures or natives.
	ErrUnsupportedConstant = errors.New("image: unsupported constant")
)

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// File is the on-disk layout. Functions[0] is the top-level script; nested
// functions always follow the function that references them.
type File struct {
	Magic     string     `cbor:"1,keyasint"`
	Version   uint       `cbor:"2,keyasint"`
	Functions []Function `cbor:"3,keyasint"`
}

type Function struct {
	Name         string     `cbor:"1,keyasint,omitempty"`
	Arity        int        `cbor:"2,keyasint"`
	UpvalueCount int        `cbor:"3,keyasint"`
	Code         []byte     `cbor:"4,keyasint"`
	Lines        []int      `cbor:"5,keyasint"`
	Consts       []Constant `cbor:"6,keyasint,omitempty"`
}

type ConstKind uint8

const (
	ConstNil ConstKind = iota
	ConstBool
	ConstNumber
	ConstString
	ConstFunction
)

type Constant struct {
	Kind ConstKind `cbor:"1,keyasint"`
	Bool bool      `cbor:"2,keyasint,omitempty"`
	Num  float64   `cbor:"3,keyasint,omitempty"`
	Str  string    `cbor:"4,keyasint,omitempty"`
	// Fn indexes File.Functions.
	Fn int `cbor:"5,keyasint,omitempty"`
}

// Marshal encodes fn and every function reachable through its constants.
func Marshal(h *heap.Heap, fn value.Ref) ([]byte, error) {
	if h.AsFunction(fn) == nil {
		return nil, fmt.Errorf("image: marshal: %w", heap.ErrDanglingRef)
	}
	f := File{Magic: Magic, Version: Version}
	queue := []value.Ref{fn}
	index := map[value.Ref]int{fn: 0}
	for i := 0; i < len(queue); i++ {
		src := h.AsFunction(queue[i])
		out := Function{
			Name:         h.FunctionName(src),
			Arity:        src.Arity,
			UpvalueCount: src.UpvalueCount,
			Code:         src.Chunk.Code,
			Lines:        src.Chunk.Lines,
			Consts:       make([]Constant, len(src.Chunk.Consts)),
		}
		for j, c := range src.Chunk.Consts {
			switch {
			case c.IsNil():
				out.Consts[j] = Constant{Kind: ConstNil}
			case c.IsBool():
				out.Consts[j] = Constant{Kind: ConstBool, Bool: c.B}
			case c.IsNumber():
				out.Consts[j] = Constant{Kind: ConstNumber, Num: c.Num}
			case h.TypeOf(c) == heap.ObjString:
				out.Consts[j] = Constant{Kind: ConstString, Str: h.AsString(c.Ref).Chars}
			case h.TypeOf(c) == heap.ObjFunction:
				idx, seen := index[c.Ref]
				if !seen {
					idx = len(queue)
					index[c.Ref] = idx
					queue = append(queue, c.Ref)
				}
				out.Consts[j] = Constant{Kind: ConstFunction, Fn: idx}
			default:
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedConstant, h.TypeName(c))
			}
		}
		f.Functions = append(f.Functions, out)
	}
	return encMode.Marshal(&f)
}

// Sniff reports whether data looks like an image rather than source text.
func Sniff(data []byte) bool {
	var head struct {
		Magic string `cbor:"1,keyasint"`
	}
	if err := cbor.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Magic == Magic
}

// loader keeps partially built functions reachable while later allocations
// may trigger a collection.
type loader struct {
	refs []value.Ref
}

func (l *loader) MarkRoots(m *heap.Marker) {
	for _, r := range l.refs {
		m.MarkRef(r)
	}
}

// Unmarshal decodes an image into h and returns the script function.
func Unmarshal(h *heap.Heap, data []byte) (value.Ref, error) {
	var f File
	if err := cbor.Unmarshal(data, &f); err != nil {
		return value.Ref{}, fmt.Errorf("image: unmarshal: %w", err)
	}
	if f.Magic != Magic {
		return value.Ref{}, ErrBadMagic
	}
	if f.Version != Version {
		return value.Ref{}, fmt.Errorf("%w: %d", ErrVersion, f.Version)
	}
	if len(f.Functions) == 0 {
		return value.Ref{}, fmt.Errorf("%w: no functions", ErrCorrupt)
	}

	for i := range f.Functions {
		if err := verify(&f, i); err != nil {
			return value.Ref{}, err
		}
	}

	l := &loader{refs: make([]value.Ref, len(f.Functions))}
	h.AddRoots(l)
	defer h.RemoveRoots(l)

	// Children come after their parents, so build from the end.
	for i := len(f.Functions) - 1; i >= 0; i-- {
		src := f.Functions[i]
		ref := h.NewFunction()
		l.refs[i] = ref
		fn := h.AsFunction(ref)
		fn.Arity = src.Arity
		fn.UpvalueCount = src.UpvalueCount
		if src.Name != "" {
			fn.Name = value.Obj(h.Intern(src.Name))
		}
		fn.Chunk.Code = append(fn.Chunk.Code[:0], src.Code...)
		fn.Chunk.Lines = append(fn.Chunk.Lines[:0], src.Lines...)
		for _, c := range src.Consts {
			v, err := constant(h, l, i, c)
			if err != nil {
				return value.Ref{}, err
			}
			fn.Chunk.AddConstant(v)
		}
		h.Remeasure(ref)
	}
	return l.refs[0], nil
}

func constant(h *heap.Heap, l *loader, owner int, c Constant) (value.Value, error) {
	switch c.Kind {
	case ConstNil:
		return value.Nil(), nil
	case ConstBool:
		return value.Bool(c.Bool), nil
	case ConstNumber:
		return value.Number(c.Num), nil
	case ConstString:
		return value.Obj(h.Intern(c.Str)), nil
	case ConstFunction:
		if c.Fn <= owner || c.Fn >= len(l.refs) {
			return value.Nil(), fmt.Errorf("%w: function %d references %d", ErrCorrupt, owner, c.Fn)
		}
		return value.Obj(l.refs[c.Fn]), nil
	default:
		return value.Nil(), fmt.Errorf("%w: kind %d", ErrUnsupportedConstant, c.Kind)
	}
}
