package bytecode

import (
	"fmt"
	"io"
	"strings"

	"github.com/dcechano/clox/internal/value"
)

// FunctionInfo is the view of a compiled function the disassembler needs.
type FunctionInfo struct {
	Name         string
	Arity        int
	UpvalueCount int
	Chunk        *Chunk
}

// ConstResolver renders constants and exposes nested function constants.
// The heap implements it.
type ConstResolver interface {
	FormatValue(v value.Value) string
	FunctionInfo(v value.Value) (FunctionInfo, bool)
}

// Disassembler formats bytecode as a readable assembly-style dump.
type Disassembler struct {
	w        io.Writer
	resolver ConstResolver
	visited  map[*Chunk]bool
	printed  bool
}

// NewDisassembler constructs a disassembler that writes to w.
func NewDisassembler(w io.Writer, resolver ConstResolver) *Disassembler {
	return &Disassembler{
		w:        w,
		resolver: resolver,
		visited:  make(map[*Chunk]bool),
	}
}

// DisassembleFunction emits a readable dump for a function and any nested
// function constants.
func (d *Disassembler) DisassembleFunction(fn FunctionInfo) error {
	if fn.Chunk != nil && d.visited[fn.Chunk] {
		return nil
	}
	if err := d.DisassembleChunk(fn); err != nil {
		return err
	}
	if d.resolver == nil {
		return nil
	}
	for _, c := range fn.Chunk.Consts {
		child, ok := d.resolver.FunctionInfo(c)
		if !ok {
			continue
		}
		if err := d.DisassembleFunction(child); err != nil {
			return err
		}
	}
	return nil
}

// DisassembleChunk emits a single function without descending into nested
// function constants.
func (d *Disassembler) DisassembleChunk(fn FunctionInfo) error {
	if fn.Chunk == nil {
		return fmt.Errorf("nil chunk")
	}
	d.visited[fn.Chunk] = true
	d.startSection()
	name := fn.Name
	if name == "" {
		name = "<script>"
	}
	fmt.Fprintf(d.w, "== %s (arity=%d, upvalues=%d) ==\n", name, fn.Arity, fn.UpvalueCount)
	for offset := 0; offset < len(fn.Chunk.Code); {
		next, err := d.Instruction(fn.Chunk, offset)
		if err != nil {
			return err
		}
		offset = next
	}
	return nil
}

func (d *Disassembler) startSection() {
	if d.printed {
		fmt.Fprintln(d.w)
	}
	d.printed = true
}

// Instruction writes the instruction at offset and returns the offset of the
// next one.
func (d *Disassembler) Instruction(chunk *Chunk, offset int) (int, error) {
	if offset < 0 || offset >= len(chunk.Code) {
		return offset, fmt.Errorf("offset %d out of range", offset)
	}
	lineStr := fmt.Sprintf("%4d", chunk.LineAt(offset))
	if offset > 0 && chunk.LineAt(offset) == chunk.LineAt(offset-1) {
		lineStr = "   |"
	}
	op := chunk.Code[offset]
	ip := offset + 1
	operands, err := d.decodeOperands(op, chunk, offset, &ip)
	if err != nil {
		return ip, err
	}
	fmt.Fprintf(d.w, "%04d %s %-20s", offset, lineStr, OpName(op))
	if operands != "" {
		fmt.Fprintf(d.w, " %s", operands)
	}
	fmt.Fprintln(d.w)
	return ip, nil
}

func (d *Disassembler) decodeOperands(op byte, chunk *Chunk, offset int, ip *int) (string, error) {
	code := chunk.Code
	switch op {
	case OP_CONST, OP_CONST_LONG,
		OP_GET_GLOBAL, OP_GET_GLOBAL_LONG,
		OP_SET_GLOBAL, OP_SET_GLOBAL_LONG,
		OP_DEFINE_GLOBAL, OP_DEFINE_GLOBAL_LONG:
		idx, err := readIndex(code, ip, IsLong(op))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%4d '%s'", idx, d.formatConstRef(chunk, idx)), nil
	case OP_GET_LOCAL, OP_SET_LOCAL, OP_GET_UPVALUE, OP_SET_UPVALUE, OP_CALL:
		slot, err := readU8(code, ip)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%4d", slot), nil
	case OP_JUMP, OP_JUMP_IF_FALSE:
		off, err := readU16(code, ip)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%4d -> %d", offset, *ip+int(off)), nil
	case OP_LOOP:
		off, err := readU16(code, ip)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%4d -> %d", offset, *ip-int(off)), nil
	case OP_CLOSURE, OP_CLOSURE_LONG:
		idx, err := readIndex(code, ip, IsLong(op))
		if err != nil {
			return "", err
		}
		upcount := 0
		if d.resolver != nil && idx < len(chunk.Consts) {
			if info, ok := d.resolver.FunctionInfo(chunk.Consts[idx]); ok {
				upcount = info.UpvalueCount
			}
		}
		upvals := make([]string, 0, upcount)
		for i := 0; i < upcount; i++ {
			isLocal, err := readU8(code, ip)
			if err != nil {
				return "", err
			}
			slot, err := readU8(code, ip)
			if err != nil {
				return "", err
			}
			if isLocal == 1 {
				upvals = append(upvals, fmt.Sprintf("local %d", slot))
			} else {
				upvals = append(upvals, fmt.Sprintf("upvalue %d", slot))
			}
		}
		operand := fmt.Sprintf("%4d '%s'", idx, d.formatConstRef(chunk, idx))
		if len(upvals) > 0 {
			operand = operand + " [" + strings.Join(upvals, ", ") + "]"
		}
		return operand, nil
	default:
		return "", nil
	}
}

// OpName returns the mnemonic for op.
func OpName(op byte) string {
	switch op {
	case OP_CONST:
		return "OP_CONST"
	case OP_CONST_LONG:
		return "OP_CONST_LONG"
	case OP_NIL:
		return "OP_NIL"
	case OP_TRUE:
		return "OP_TRUE"
	case OP_FALSE:
		return "OP_FALSE"
	case OP_POP:
		return "OP_POP"
	case OP_ADD:
		return "OP_ADD"
	case OP_SUB:
		return "OP_SUB"
	case OP_MUL:
		return "OP_MUL"
	case OP_DIV:
		return "OP_DIV"
	case OP_NEG:
		return "OP_NEG"
	case OP_NOT:
		return "OP_NOT"
	case OP_EQ:
		return "OP_EQ"
	case OP_GT:
		return "OP_GT"
	case OP_LT:
		return "OP_LT"
	case OP_GET_GLOBAL:
		return "OP_GET_GLOBAL"
	case OP_GET_GLOBAL_LONG:
		return "OP_GET_GLOBAL_LONG"
	case OP_SET_GLOBAL:
		return "OP_SET_GLOBAL"
	case OP_SET_GLOBAL_LONG:
		return "OP_SET_GLOBAL_LONG"
	case OP_DEFINE_GLOBAL:
		return "OP_DEFINE_GLOBAL"
	case OP_DEFINE_GLOBAL_LONG:
		return "OP_DEFINE_GLOBAL_LONG"
	case OP_GET_LOCAL:
		return "OP_GET_LOCAL"
	case OP_SET_LOCAL:
		return "OP_SET_LOCAL"
	case OP_GET_UPVALUE:
		return "OP_GET_UPVALUE"
	case OP_SET_UPVALUE:
		return "OP_SET_UPVALUE"
	case OP_CLOSE_UPVALUE:
		return "OP_CLOSE_UPVALUE"
	case OP_JUMP:
		return "OP_JUMP"
	case OP_JUMP_IF_FALSE:
		return "OP_JUMP_IF_FALSE"
	case OP_LOOP:
		return "OP_LOOP"
	case OP_CALL:
		return "OP_CALL"
	case OP_RETURN:
		return "OP_RETURN"
	case OP_CLOSURE:
		return "OP_CLOSURE"
	case OP_CLOSURE_LONG:
		return "OP_CLOSURE_LONG"
	case OP_PRINT:
		return "OP_PRINT"
	default:
		return fmt.Sprintf("OP_0x%02X", op)
	}
}

func readU8(code []byte, ip *int) (byte, error) {
	if *ip >= len(code) {
		return 0, fmt.Errorf("unexpected end of bytecode")
	}
	val := code[*ip]
	*ip = *ip + 1
	return val, nil
}

func readU16(code []byte, ip *int) (uint16, error) {
	if *ip+1 >= len(code) {
		return 0, fmt.Errorf("unexpected end of bytecode")
	}
	hi := code[*ip]
	lo := code[*ip+1]
	*ip += 2
	return uint16(hi)<<8 | uint16(lo), nil
}

func readIndex(code []byte, ip *int, long bool) (int, error) {
	if !long {
		b, err := readU8(code, ip)
		return int(b), err
	}
	if *ip+2 >= len(code) {
		return 0, fmt.Errorf("unexpected end of bytecode")
	}
	idx := int(code[*ip])<<16 | int(code[*ip+1])<<8 | int(code[*ip+2])
	*ip += 3
	return idx, nil
}

func (d *Disassembler) formatConstRef(chunk *Chunk, idx int) string {
	if idx < 0 || idx >= len(chunk.Consts) {
		return "<invalid>"
	}
	v := chunk.Consts[idx]
	if d.resolver != nil {
		return d.resolver.FormatValue(v)
	}
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
	default:
		return v.Ref.String()
	}
}
