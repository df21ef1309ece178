package bytecode

// OpCode enumerates bytecode operations. Every *_LONG variant carries a
// 3-byte big-endian constant index where its short form carries one byte.
const (
	OP_CONST byte = iota
	OP_CONST_LONG
	OP_NIL
	OP_TRUE
	OP_FALSE
	OP_POP
	_ // reserved
	_ // reserved

	OP_ADD
	OP_SUB
	OP_MUL
	OP_DIV
	OP_NEG
	OP_NOT
	_ // reserved
	_ // reserved

	OP_EQ
	OP_GT
	OP_LT
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_GET_GLOBAL
	OP_GET_GLOBAL_LONG
	OP_SET_GLOBAL
	OP_SET_GLOBAL_LONG
	OP_DEFINE_GLOBAL
	OP_DEFINE_GLOBAL_LONG
	_ // reserved
	_ // reserved

	OP_GET_LOCAL
	OP_SET_LOCAL
	OP_GET_UPVALUE
	OP_SET_UPVALUE
	OP_CLOSE_UPVALUE
	_ // reserved
	_ // reserved
	_ // reserved

	OP_JUMP
	OP_JUMP_IF_FALSE
	OP_LOOP
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_CALL
	OP_RETURN
	OP_CLOSURE
	OP_CLOSURE_LONG
	_ // reserved
	_ // reserved
	_ // reserved
	_ // reserved

	OP_PRINT
)

// LongForm returns the 3-byte-index variant of a constant-indexed opcode.
func LongForm(op byte) (byte, bool) {
	switch op {
	case OP_CONST:
		return OP_CONST_LONG, true
	case OP_GET_GLOBAL:
		return OP_GET_GLOBAL_LONG, true
	case OP_SET_GLOBAL:
		return OP_SET_GLOBAL_LONG, true
	case OP_DEFINE_GLOBAL:
		return OP_DEFINE_GLOBAL_LONG, true
	case OP_CLOSURE:
		return OP_CLOSURE_LONG, true
	default:
		return 0, false
	}
}

// IsLong reports whether op carries a 3-byte constant index.
func IsLong(op byte) bool {
	switch op {
	case OP_CONST_LONG, OP_GET_GLOBAL_LONG, OP_SET_GLOBAL_LONG,
		OP_DEFINE_GLOBAL_LONG, OP_CLOSURE_LONG:
		return true
	default:
		return false
	}
}
