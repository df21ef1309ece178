package image

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/compiler"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
)

const program = `
var greeting = "hi";
fun outer(a) {
  var n = 1.5;
  fun inner() { return a + n; }
  return inner;
}
print outer(2)();
print greeting;
print true;
`

type pin struct{ ref value.Ref }

func (p *pin) MarkRoots(m *heap.Marker) { m.MarkRef(p.ref) }

func compile(t *testing.T, h *heap.Heap, src string) value.Ref {
	t.Helper()
	fn, err := compiler.Compile(h, src)
	require.NoError(t, err)
	h.AddRoots(&pin{fn})
	return fn
}

func dump(t *testing.T, h *heap.Heap, fn value.Ref) string {
	t.Helper()
	info, ok := h.FunctionInfo(value.Obj(fn))
	require.True(t, ok)
	var buf bytes.Buffer
	require.NoError(t, bytecode.NewDisassembler(&buf, h).DisassembleFunction(info))
	return buf.String()
}

func TestRoundTripPreservesBytecode(t *testing.T) {
	src := heap.New(heap.Config{})
	fn := compile(t, src, program)

	data, err := Marshal(src, fn)
	require.NoError(t, err)

	dst := heap.New(heap.Config{Stress: true})
	loaded, err := Unmarshal(dst, data)
	require.NoError(t, err)

	assert.Equal(t, dump(t, src, fn), dump(t, dst, loaded))
	_, ok := dst.FindInterned("greeting")
	assert.True(t, ok, "strings are re-interned in the target heap")
}

func TestMarshalIsDeterministic(t *testing.T) {
	h := heap.New(heap.Config{})
	fn := compile(t, h, program)
	a, err := Marshal(h, fn)
	require.NoError(t, err)
	b, err := Marshal(h, fn)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestUnmarshalRejectsForeignData(t *testing.T) {
	h := heap.New(heap.Config{})

	bad, err := encMode.Marshal(&File{Magic: "NOPE", Version: Version, Functions: []Function{{}}})
	require.NoError(t, err)
	_, err = Unmarshal(h, bad)
	assert.ErrorIs(t, err, ErrBadMagic)

	future, err := encMode.Marshal(&File{Magic: Magic, Version: Version + 1, Functions: []Function{{}}})
	require.NoError(t, err)
	_, err = Unmarshal(h, future)
	assert.ErrorIs(t, err, ErrVersion)

	_, err = Unmarshal(h, []byte{0xff, 0x00})
	assert.Error(t, err)
}

func TestUnmarshalRejectsCorruptTables(t *testing.T) {
	h := heap.New(heap.Config{})
	cases := map[string]File{
		"empty": {Magic: Magic, Version: Version},
		"lines": {Magic: Magic, Version: Version, Functions: []Function{
			{Code: []byte{bytecode.OP_NIL, bytecode.OP_RETURN}, Lines: []int{1}},
		}},
		"self reference": {Magic: Magic, Version: Version, Functions: []Function{
			{Code: []byte{}, Lines: []int{}, Consts: []Constant{{Kind: ConstFunction, Fn: 0}}},
		}},
		"constant index": script([]byte{bytecode.OP_CONST, 9, bytecode.OP_PRINT, bytecode.OP_NIL, bytecode.OP_RETURN}),
		"truncated operand": script([]byte{bytecode.OP_NIL, bytecode.OP_CONST_LONG, 0}),
		"unknown opcode": script([]byte{0xEE, bytecode.OP_NIL, bytecode.OP_RETURN}),
		"missing return": script([]byte{bytecode.OP_NIL, bytecode.OP_POP}),
		"jump past end": script([]byte{bytecode.OP_JUMP, 0, 40, bytecode.OP_NIL, bytecode.OP_RETURN}),
		"jump mid instruction": script([]byte{bytecode.OP_JUMP, 0, 1, bytecode.OP_CONST, 0, bytecode.OP_RETURN}, Constant{Kind: ConstNil}),
		"loop before start": script([]byte{bytecode.OP_LOOP, 0, 9, bytecode.OP_NIL, bytecode.OP_RETURN}),
		"stack underflow": script([]byte{bytecode.OP_ADD, bytecode.OP_RETURN}),
		"local out of range": script([]byte{bytecode.OP_GET_LOCAL, 7, bytecode.OP_RETURN}),
		"upvalue out of range": script([]byte{bytecode.OP_GET_UPVALUE, 0, bytecode.OP_RETURN}),
		"global name": script([]byte{bytecode.OP_GET_GLOBAL, 0, bytecode.OP_RETURN}, Constant{Kind: ConstNumber, Num: 1}),
		"unbalanced branches": script([]byte{
			bytecode.OP_TRUE,
			bytecode.OP_JUMP_IF_FALSE, 0, 1,
			bytecode.OP_NIL,
			bytecode.OP_RETURN,
		}),
		"capture count": {Magic: Magic, Version: Version, Functions: []Function{
			{
				Code:   []byte{bytecode.OP_CLOSURE, 0, bytecode.OP_RETURN},
				Lines:  []int{1, 1, 1},
				Consts: []Constant{{Kind: ConstFunction, Fn: 1}},
			},
			{
				UpvalueCount: 1,
				Code:         []byte{bytecode.OP_NIL, bytecode.OP_RETURN},
				Lines:        []int{1, 1},
			},
		}},
	}
	for name, f := range cases {
		data, err := cbor.Marshal(&f)
		require.NoError(t, err, name)
		_, err = Unmarshal(h, data)
		assert.ErrorIs(t, err, ErrCorrupt, name)
	}
}

func TestUnmarshalAcceptsHandBuiltScript(t *testing.T) {
	h := heap.New(heap.Config{})
	f := script([]byte{
		bytecode.OP_CONST, 0,
		bytecode.OP_JUMP_IF_FALSE, 0, 2,
		bytecode.OP_POP,
		bytecode.OP_NIL,
		bytecode.OP_RETURN,
	}, Constant{Kind: ConstBool, Bool: true})
	data, err := cbor.Marshal(&f)
	require.NoError(t, err)
	_, err = Unmarshal(h, data)
	assert.NoError(t, err)
}

func script(code []byte, consts ...Constant) File {
	lines := make([]int, len(code))
	for i := range lines {
		lines[i] = 1
	}
	return File{Magic: Magic, Version: Version, Functions: []Function{
		{Code: code, Lines: lines, Consts: consts},
	}}
}

func TestMarshalRejectsRuntimeObjects(t *testing.T) {
	h := heap.New(heap.Config{})
	fn := compile(t, h, `print 1;`)
	f := h.AsFunction(fn)
	f.Chunk.AddConstant(value.Obj(h.NewClosure(fn)))
	_, err := Marshal(h, fn)
	assert.ErrorIs(t, err, ErrUnsupportedConstant)
}
