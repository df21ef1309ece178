package image

import (
	"fmt"

	"github.com/dcechano/clox/internal/bytecode"
)

const (
	maxArity    = 255
	maxUpvalues = 256
)

type capture struct {
	local bool
	index int
}

// instruction is one decoded opcode with its operand resolved: a constant
// index, a slot, an argument count or an absolute jump target.
type instruction struct {
	op       byte
	offset   int
	next     int
	operand  int
	captures []capture
}

// verify checks that function i of f can run without the VM reading past its
// code, constants, upvalues or stack. Stack heights must agree wherever
// control flow merges.
func verify(f *File, i int) error {
	fn := &f.Functions[i]
	corrupt := func(off int, format string, args ...interface{}) error {
		return fmt.Errorf("%w: function %d at %04d: %s", ErrCorrupt, i, off, fmt.Sprintf(format, args...))
	}
	if len(fn.Code) != len(fn.Lines) {
		return fmt.Errorf("%w: function %d has %d bytes but %d lines", ErrCorrupt, i, len(fn.Code), len(fn.Lines))
	}
	if fn.Arity < 0 || fn.Arity > maxArity {
		return corrupt(0, "arity %d", fn.Arity)
	}
	if fn.UpvalueCount < 0 || fn.UpvalueCount > maxUpvalues {
		return corrupt(0, "upvalue count %d", fn.UpvalueCount)
	}
	if len(fn.Code) == 0 {
		return corrupt(0, "empty code")
	}

	insts, err := decode(f, i, corrupt)
	if err != nil {
		return err
	}
	if last := insts[len(insts)-1]; last.op != bytecode.OP_RETURN {
		return corrupt(last.offset, "code does not end in OP_RETURN")
	}
	return checkStack(fn, insts, corrupt)
}

func decode(f *File, i int, corrupt func(int, string, ...interface{}) error) ([]instruction, error) {
	fn := &f.Functions[i]
	var insts []instruction
	r := bytecode.NewReader(fn.Code)
	for !r.Done() {
		in := instruction{offset: r.Offset()}
		in.op = r.ReadU8()
		short := func(n int) error {
			if r.Remaining() < n {
				return corrupt(in.offset, "truncated operand for 0x%02X", in.op)
			}
			return nil
		}
		constIndex := func() (int, error) {
			width := 1
			if bytecode.IsLong(in.op) {
				width = 3
			}
			if err := short(width); err != nil {
				return 0, err
			}
			idx := r.ReadIndex(bytecode.IsLong(in.op))
			if idx >= len(fn.Consts) {
				return 0, corrupt(in.offset, "constant %d out of range", idx)
			}
			return idx, nil
		}

		switch in.op {
		case bytecode.OP_NIL, bytecode.OP_TRUE, bytecode.OP_FALSE, bytecode.OP_POP,
			bytecode.OP_ADD, bytecode.OP_SUB, bytecode.OP_MUL, bytecode.OP_DIV,
			bytecode.OP_NEG, bytecode.OP_NOT, bytecode.OP_EQ, bytecode.OP_GT, bytecode.OP_LT,
			bytecode.OP_CLOSE_UPVALUE, bytecode.OP_PRINT, bytecode.OP_RETURN:

		case bytecode.OP_CONST, bytecode.OP_CONST_LONG:
			idx, err := constIndex()
			if err != nil {
				return nil, err
			}
			in.operand = idx

		case bytecode.OP_GET_GLOBAL, bytecode.OP_GET_GLOBAL_LONG,
			bytecode.OP_SET_GLOBAL, bytecode.OP_SET_GLOBAL_LONG,
			bytecode.OP_DEFINE_GLOBAL, bytecode.OP_DEFINE_GLOBAL_LONG:
			idx, err := constIndex()
			if err != nil {
				return nil, err
			}
			if fn.Consts[idx].Kind != ConstString {
				return nil, corrupt(in.offset, "global name %d is not a string", idx)
			}
			in.operand = idx

		case bytecode.OP_GET_LOCAL, bytecode.OP_SET_LOCAL, bytecode.OP_CALL:
			if err := short(1); err != nil {
				return nil, err
			}
			in.operand = int(r.ReadU8())

		case bytecode.OP_GET_UPVALUE, bytecode.OP_SET_UPVALUE:
			if err := short(1); err != nil {
				return nil, err
			}
			in.operand = int(r.ReadU8())
			if in.operand >= fn.UpvalueCount {
				return nil, corrupt(in.offset, "upvalue %d out of range", in.operand)
			}

		case bytecode.OP_JUMP, bytecode.OP_JUMP_IF_FALSE, bytecode.OP_LOOP:
			if err := short(2); err != nil {
				return nil, err
			}
			off := int(r.ReadU16())
			if in.op == bytecode.OP_LOOP {
				in.operand = r.Offset() - off
			} else {
				in.operand = r.Offset() + off
			}

		case bytecode.OP_CLOSURE, bytecode.OP_CLOSURE_LONG:
			idx, err := constIndex()
			if err != nil {
				return nil, err
			}
			c := fn.Consts[idx]
			if c.Kind != ConstFunction || c.Fn <= i || c.Fn >= len(f.Functions) {
				return nil, corrupt(in.offset, "closure constant %d is not a nested function", idx)
			}
			in.operand = idx
			count := f.Functions[c.Fn].UpvalueCount
			if count < 0 {
				return nil, corrupt(in.offset, "upvalue count %d", count)
			}
			if err := short(2 * count); err != nil {
				return nil, err
			}
			in.captures = make([]capture, count)
			for k := range in.captures {
				isLocal := r.ReadU8()
				index := int(r.ReadU8())
				if isLocal > 1 {
					return nil, corrupt(in.offset, "bad capture flag %d", isLocal)
				}
				if isLocal == 0 && index >= fn.UpvalueCount {
					return nil, corrupt(in.offset, "captured upvalue %d out of range", index)
				}
				in.captures[k] = capture{local: isLocal == 1, index: index}
			}

		default:
			return nil, corrupt(in.offset, "unknown opcode 0x%02X", in.op)
		}
		in.next = r.Offset()
		insts = append(insts, in)
	}
	return insts, nil
}

// stackEffect returns how many slots op needs on entry and how the height
// changes after it runs.
func stackEffect(in instruction) (need, delta int) {
	switch in.op {
	case bytecode.OP_CONST, bytecode.OP_CONST_LONG, bytecode.OP_NIL, bytecode.OP_TRUE,
		bytecode.OP_FALSE, bytecode.OP_GET_GLOBAL, bytecode.OP_GET_GLOBAL_LONG,
		bytecode.OP_GET_UPVALUE, bytecode.OP_CLOSURE, bytecode.OP_CLOSURE_LONG:
		return 0, 1
	case bytecode.OP_GET_LOCAL:
		return in.operand + 1, 1
	case bytecode.OP_SET_LOCAL:
		return in.operand + 1, 0
	case bytecode.OP_POP, bytecode.OP_DEFINE_GLOBAL, bytecode.OP_DEFINE_GLOBAL_LONG,
		bytecode.OP_CLOSE_UPVALUE, bytecode.OP_PRINT:
		return 1, -1
	case bytecode.OP_SET_GLOBAL, bytecode.OP_SET_GLOBAL_LONG, bytecode.OP_SET_UPVALUE,
		bytecode.OP_NOT, bytecode.OP_NEG, bytecode.OP_JUMP_IF_FALSE, bytecode.OP_RETURN:
		return 1, 0
	case bytecode.OP_EQ, bytecode.OP_GT, bytecode.OP_LT,
		bytecode.OP_ADD, bytecode.OP_SUB, bytecode.OP_MUL, bytecode.OP_DIV:
		return 2, -1
	case bytecode.OP_CALL:
		return in.operand + 1, -in.operand
	default:
		return 0, 0
	}
}

// checkStack walks every reachable instruction from the entry, where the
// callee and its arguments occupy the frame, and tracks the operand height.
func checkStack(fn *Function, insts []instruction, corrupt func(int, string, ...interface{}) error) error {
	at := make(map[int]int, len(insts))
	for k, in := range insts {
		at[in.offset] = k
	}
	heights := make([]int, len(insts))
	for k := range heights {
		heights[k] = -1
	}
	heights[0] = fn.Arity + 1
	work := []int{0}

	for len(work) > 0 {
		k := work[len(work)-1]
		work = work[:len(work)-1]
		in, h := insts[k], heights[k]

		need, delta := stackEffect(in)
		if h < need {
			return corrupt(in.offset, "stack underflow (height %d, need %d)", h, need)
		}
		for _, c := range in.captures {
			if c.local && c.index >= h {
				return corrupt(in.offset, "captured local %d out of range", c.index)
			}
		}
		next := h + delta

		var succ []int
		switch in.op {
		case bytecode.OP_RETURN:
		case bytecode.OP_JUMP, bytecode.OP_LOOP:
			succ = []int{in.operand}
		case bytecode.OP_JUMP_IF_FALSE:
			succ = []int{in.next, in.operand}
		default:
			succ = []int{in.next}
		}
		for _, off := range succ {
			t, ok := at[off]
			if !ok {
				return corrupt(in.offset, "jump to %d is not an instruction", off)
			}
			switch heights[t] {
			case -1:
				heights[t] = next
				work = append(work, t)
			case next:
			default:
				return corrupt(off, "stack height %d disagrees with %d", next, heights[t])
			}
		}
	}
	return nil
}
