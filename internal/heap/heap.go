package heap

import (
	"errors"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/value"
)

const (
	DefaultInitialThreshold = 1024 * 1024
	DefaultGrowthFactor     = 2
)

var ErrDanglingRef = errors.New("dangling object reference")

// Config tunes the collector. Zero fields take the defaults.
type Config struct {
	InitialThreshold int
	GrowthFactor     int
	// Stress collects before every allocation.
	Stress bool
	Logger zerolog.Logger
}

type slot struct {
	gen  uint32
	obj  Object
	size int // bytes charged to bytesAllocated
}

type internKey struct {
	hash  uint32
	chars string
}

// Heap owns every object reachable from a VM. Objects are addressed by
// generational refs; a freed slot bumps its generation so stale refs
// stop resolving.
type Heap struct {
	slots    []slot
	free     []uint32
	marks    *bitset.BitSet
	gray     []value.Ref
	interned map[internKey]value.Ref
	roots    []RootSource

	bytesAllocated   int
	nextGC           int
	initialThreshold int
	growthFactor     int
	stress           bool

	collections int
	freed       int
	live        int

	logger zerolog.Logger
}

// New creates an empty heap.
func New(cfg Config) *Heap {
	if cfg.InitialThreshold <= 0 {
		cfg.InitialThreshold = DefaultInitialThreshold
	}
	if cfg.GrowthFactor < 1 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	return &Heap{
		marks:            bitset.New(64),
		interned:         make(map[internKey]value.Ref),
		nextGC:           cfg.InitialThreshold,
		initialThreshold: cfg.InitialThreshold,
		growthFactor:     cfg.GrowthFactor,
		stress:           cfg.Stress,
		logger:           cfg.Logger,
	}
}

// SetStress toggles collecting on every allocation.
func (h *Heap) SetStress(on bool) { h.stress = on }

// SetLogger replaces the heap's logger.
func (h *Heap) SetLogger(l zerolog.Logger) { h.logger = l }

// alloc accounts for obj, collects if the threshold is crossed and then
// inserts it. obj is not yet in the arena while collecting, so its own
// children are treated as roots.
func (h *Heap) alloc(obj Object) value.Ref {
	size := obj.size()
	h.bytesAllocated += size
	if h.stress || h.bytesAllocated > h.nextGC {
		h.collect(obj)
	}
	var idx uint32
	if n := len(h.free); n > 0 {
		idx = h.free[n-1]
		h.free = h.free[:n-1]
	} else {
		idx = uint32(len(h.slots))
		h.slots = append(h.slots, slot{gen: 1})
	}
	h.slots[idx].obj = obj
	h.slots[idx].size = size
	h.live++
	return value.Ref{Index: idx, Gen: h.slots[idx].gen}
}

func (h *Heap) release(idx uint32) {
	s := &h.slots[idx]
	h.bytesAllocated -= s.size
	s.obj = nil
	s.size = 0
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	h.free = append(h.free, idx)
	h.live--
}

// Remeasure recharges r after it grew in place, such as a function whose
// chunk was written after allocation. It never collects; the next
// allocation sees the new total.
func (h *Heap) Remeasure(r value.Ref) {
	obj := h.Object(r)
	if obj == nil {
		return
	}
	s := &h.slots[r.Index]
	n := obj.size()
	h.bytesAllocated += n - s.size
	s.size = n
}

// Lookup resolves r, failing with ErrDanglingRef when the slot was freed or
// reused.
func (h *Heap) Lookup(r value.Ref) (Object, error) {
	if obj := h.Object(r); obj != nil {
		return obj, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrDanglingRef, r)
}

// Object resolves r or returns nil.
func (h *Heap) Object(r value.Ref) Object {
	if !r.Valid() || int(r.Index) >= len(h.slots) {
		return nil
	}
	s := h.slots[r.Index]
	if s.gen != r.Gen {
		return nil
	}
	return s.obj
}

// IsLive reports whether r still resolves to an object.
func (h *Heap) IsLive(r value.Ref) bool { return h.Object(r) != nil }

// Intern returns the canonical string object for s, allocating it on first
// use.
func (h *Heap) Intern(s string) value.Ref {
	key := internKey{hash: HashString(s), chars: s}
	if ref, ok := h.interned[key]; ok {
		return ref
	}
	ref := h.alloc(&String{Chars: s, Hash: key.hash})
	h.interned[key] = ref
	return ref
}

// FindInterned looks up s without allocating.
func (h *Heap) FindInterned(s string) (value.Ref, bool) {
	ref, ok := h.interned[internKey{hash: HashString(s), chars: s}]
	return ref, ok
}

// NewFunction allocates an empty function with a fresh chunk.
func (h *Heap) NewFunction() value.Ref {
	return h.alloc(&Function{Name: value.Nil(), Chunk: bytecode.NewChunk()})
}

// NewNative allocates a native wrapper.
func (h *Heap) NewNative(name string, arity int, fn NativeFn) value.Ref {
	return h.alloc(&Native{Name: name, Arity: arity, Fn: fn})
}

// NewClosure allocates a closure over fn with unset upvalue refs sized to the
// function's upvalue count.
func (h *Heap) NewClosure(fn value.Ref) value.Ref {
	n := 0
	if f := h.AsFunction(fn); f != nil {
		n = f.UpvalueCount
	}
	return h.alloc(&Closure{Function: fn, Upvalues: make([]value.Ref, n)})
}

// NewUpvalue allocates an open upvalue aliasing a stack slot.
func (h *Heap) NewUpvalue(stackSlot int) value.Ref {
	return h.alloc(&Upvalue{open: true, slot: stackSlot})
}

func (h *Heap) AsString(r value.Ref) *String {
	s, _ := h.Object(r).(*String)
	return s
}

func (h *Heap) AsFunction(r value.Ref) *Function {
	f, _ := h.Object(r).(*Function)
	return f
}

func (h *Heap) AsNative(r value.Ref) *Native {
	n, _ := h.Object(r).(*Native)
	return n
}

func (h *Heap) AsClosure(r value.Ref) *Closure {
	c, _ := h.Object(r).(*Closure)
	return c
}

func (h *Heap) AsUpvalue(r value.Ref) *Upvalue {
	u, _ := h.Object(r).(*Upvalue)
	return u
}

// StringValue returns the characters of v when it is a string object.
func (h *Heap) StringValue(v value.Value) (string, bool) {
	if !v.IsObject() {
		return "", false
	}
	s := h.AsString(v.Ref)
	if s == nil {
		return "", false
	}
	return s.Chars, true
}

// TypeOf reports the object type behind v, or 0 for non-objects and dangling
// refs.
func (h *Heap) TypeOf(v value.Value) ObjType {
	if !v.IsObject() {
		return 0
	}
	obj := h.Object(v.Ref)
	if obj == nil {
		return 0
	}
	return obj.Type()
}

// TypeName is the language-level type of v.
func (h *Heap) TypeName(v value.Value) string {
	switch v.Kind {
	case value.KindNil:
		return "nil"
	case value.KindBool:
		return "boolean"
	case value.KindNumber:
		return "number"
	}
	switch h.TypeOf(v) {
	case ObjString:
		return "string"
	case ObjFunction, ObjClosure:
		return "function"
	case ObjNative:
		return "native"
	case ObjUpvalue:
		return "upvalue"
	default:
		return "invalid"
	}
}

// FunctionName returns the display name of a function; the script has none.
func (h *Heap) FunctionName(f *Function) string {
	if f == nil || f.Name.IsNil() {
		return ""
	}
	name, _ := h.StringValue(f.Name)
	return name
}

// FormatValue renders v the way print shows it. It also serves as the
// disassembler's bytecode.ConstResolver.
func (h *Heap) FormatValue(v value.Value) string {
	switch v.Kind {
	case value.KindNil:
		return "nil"
	case value.KindBool:
		if v.B {
			return "true"
		}
		return "false"
	case value.KindNumber:
		return value.FormatNumber(v.Num)
	}
	switch obj := h.Object(v.Ref).(type) {
	case *String:
		return obj.Chars
	case *Function:
		return h.formatFunction(obj)
	case *Closure:
		return h.formatFunction(h.AsFunction(obj.Function))
	case *Native:
		return "<native fn>"
	case *Upvalue:
		return "upvalue"
	default:
		return "<dangling " + v.Ref.String() + ">"
	}
}

func (h *Heap) formatFunction(f *Function) string {
	name := h.FunctionName(f)
	if name == "" {
		return "<script>"
	}
	return "<fn " + name + ">"
}

// FunctionInfo implements bytecode.ConstResolver.
func (h *Heap) FunctionInfo(v value.Value) (bytecode.FunctionInfo, bool) {
	if !v.IsObject() {
		return bytecode.FunctionInfo{}, false
	}
	f := h.AsFunction(v.Ref)
	if f == nil {
		return bytecode.FunctionInfo{}, false
	}
	return bytecode.FunctionInfo{
		Name:         h.FunctionName(f),
		Arity:        f.Arity,
		UpvalueCount: f.UpvalueCount,
		Chunk:        f.Chunk,
	}, true
}

// Stats is a snapshot of allocator and collector counters.
type Stats struct {
	Live           int
	BytesAllocated int
	NextGC         int
	Collections    int
	Freed          int
	Interned       int
}

func (h *Heap) Stats() Stats {
	return Stats{
		Live:           h.live,
		BytesAllocated: h.bytesAllocated,
		NextGC:         h.nextGC,
		Collections:    h.collections,
		Freed:          h.freed,
		Interned:       len(h.interned),
	}
}
