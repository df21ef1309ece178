package compiler

import "github.com/dcechano/clox/internal/bytecode"

const (
	OP_CONST          = bytecode.OP_CONST
	OP_NIL            = bytecode.OP_NIL
	OP_TRUE           = bytecode.OP_TRUE
	OP_FALSE          = bytecode.OP_FALSE
	OP_POP            = bytecode.OP_POP
	OP_ADD            = bytecode.OP_ADD
	OP_SUB            = bytecode.OP_SUB
	OP_MUL            = bytecode.OP_MUL
	OP_DIV            = bytecode.OP_DIV
	OP_NEG            = bytecode.OP_NEG
	OP_NOT            = bytecode.OP_NOT
	OP_EQ             = bytecode.OP_EQ
	OP_GT             = bytecode.OP_GT
	OP_LT             = bytecode.OP_LT
	OP_GET_GLOBAL     = bytecode.OP_GET_GLOBAL
	OP_SET_GLOBAL     = bytecode.OP_SET_GLOBAL
	OP_DEFINE_GLOBAL  = bytecode.OP_DEFINE_GLOBAL
	OP_GET_LOCAL      = bytecode.OP_GET_LOCAL
	OP_SET_LOCAL      = bytecode.OP_SET_LOCAL
	OP_GET_UPVALUE    = bytecode.OP_GET_UPVALUE
	OP_SET_UPVALUE    = bytecode.OP_SET_UPVALUE
	OP_CLOSE_UPVALUE  = bytecode.OP_CLOSE_UPVALUE
	OP_JUMP           = bytecode.OP_JUMP
	OP_JUMP_IF_FALSE  = bytecode.OP_JUMP_IF_FALSE
	OP_LOOP           = bytecode.OP_LOOP
	OP_CALL           = bytecode.OP_CALL
	OP_RETURN         = bytecode.OP_RETURN
	OP_CLOSURE        = bytecode.OP_CLOSURE
	OP_PRINT          = bytecode.OP_PRINT
	// Long forms are chosen by bytecode.Chunk.WriteIndexed.
)
