package compiler

import (
	"strconv"

	"github.com/dcechano/clox/internal/token"
	"github.com/dcechano/clox/internal/value"
)

type precedence int

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

type parseFn func(c *compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

var rules map[token.Type]parseRule

func init() {
	rules = map[token.Type]parseRule{
		token.LParen:       {(*compiler).grouping, (*compiler).call, precCall},
		token.Minus:        {(*compiler).unary, (*compiler).binary, precTerm},
		token.Plus:         {nil, (*compiler).binary, precTerm},
		token.Slash:        {nil, (*compiler).binary, precFactor},
		token.Star:         {nil, (*compiler).binary, precFactor},
		token.Bang:         {(*compiler).unary, nil, precNone},
		token.NotEqual:     {nil, (*compiler).binary, precEquality},
		token.Equal:        {nil, (*compiler).binary, precEquality},
		token.Greater:      {nil, (*compiler).binary, precComparison},
		token.GreaterEqual: {nil, (*compiler).binary, precComparison},
		token.Less:         {nil, (*compiler).binary, precComparison},
		token.LessEqual:    {nil, (*compiler).binary, precComparison},
		token.Ident:        {(*compiler).variable, nil, precNone},
		token.String:       {(*compiler).stringLit, nil, precNone},
		token.Number:       {(*compiler).number, nil, precNone},
		token.And:          {nil, (*compiler).and, precAnd},
		token.Or:           {nil, (*compiler).or, precOr},
		token.False:        {(*compiler).literal, nil, precNone},
		token.True:         {(*compiler).literal, nil, precNone},
		token.Nil:          {(*compiler).literal, nil, precNone},
	}
}

func getRule(t token.Type) parseRule {
	return rules[t]
}

func (c *compiler) expression() {
	c.parsePrecedence(precAssignment)
}

func (c *compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := getRule(c.previous.Type).prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}
	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= getRule(c.current.Type).prec {
		c.advance()
		getRule(c.previous.Type).infix(c, canAssign)
	}

	if canAssign && c.match(token.Assign) {
		c.error("Invalid assignment target.")
	}
}

func (c *compiler) number(bool) {
	n, err := strconv.ParseFloat(c.previous.Lexeme, 64)
	if err != nil {
		c.error("Invalid number literal.")
		return
	}
	c.emitConstant(value.Number(n))
}

func (c *compiler) stringLit(bool) {
	c.emitConstant(value.Obj(c.heap.Intern(c.previous.Lexeme)))
}

func (c *compiler) literal(bool) {
	switch c.previous.Type {
	case token.False:
		c.emitByte(OP_FALSE)
	case token.True:
		c.emitByte(OP_TRUE)
	case token.Nil:
		c.emitByte(OP_NIL)
	}
}

func (c *compiler) grouping(bool) {
	c.expression()
	c.consume(token.RParen, "Expect ')' after expression.")
}

func (c *compiler) unary(bool) {
	op := c.previous.Type
	c.parsePrecedence(precUnary)
	switch op {
	case token.Minus:
		c.emitByte(OP_NEG)
	case token.Bang:
		c.emitByte(OP_NOT)
	}
}

func (c *compiler) binary(bool) {
	op := c.previous.Type
	c.parsePrecedence(getRule(op).prec + 1)
	switch op {
	case token.Plus:
		c.emitByte(OP_ADD)
	case token.Minus:
		c.emitByte(OP_SUB)
	case token.Star:
		c.emitByte(OP_MUL)
	case token.Slash:
		c.emitByte(OP_DIV)
	case token.Equal:
		c.emitByte(OP_EQ)
	case token.NotEqual:
		c.emitBytes(OP_EQ, OP_NOT)
	case token.Greater:
		c.emitByte(OP_GT)
	case token.GreaterEqual:
		c.emitBytes(OP_LT, OP_NOT)
	case token.Less:
		c.emitByte(OP_LT)
	case token.LessEqual:
		c.emitBytes(OP_GT, OP_NOT)
	}
}

func (c *compiler) and(bool) {
	endJump := c.emitJump(OP_JUMP_IF_FALSE)
	c.emitByte(OP_POP)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func (c *compiler) or(bool) {
	elseJump := c.emitJump(OP_JUMP_IF_FALSE)
	endJump := c.emitJump(OP_JUMP)
	c.patchJump(elseJump)
	c.emitByte(OP_POP)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *compiler) call(bool) {
	argc := c.argumentList()
	c.emitBytes(OP_CALL, argc)
}

func (c *compiler) argumentList() byte {
	argc := 0
	if !c.check(token.RParen) {
		for {
			c.expression()
			if argc == 255 {
				c.error("Can't have more than 255 arguments.")
			}
			argc++
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RParen, "Expect ')' after arguments.")
	return byte(argc)
}

func (c *compiler) variable(canAssign bool) {
	c.namedVariable(c.previous.Lexeme, canAssign)
}

func (c *compiler) namedVariable(name string, canAssign bool) {
	var getOp, setOp byte
	arg := c.resolveLocal(c.fc, name)
	global := false
	switch {
	case arg != -1:
		getOp, setOp = OP_GET_LOCAL, OP_SET_LOCAL
	default:
		if arg = c.resolveUpvalue(c.fc, name); arg != -1 {
			getOp, setOp = OP_GET_UPVALUE, OP_SET_UPVALUE
		} else {
			arg = c.identifierConstant(name)
			getOp, setOp = OP_GET_GLOBAL, OP_SET_GLOBAL
			global = true
		}
	}

	op := getOp
	if canAssign && c.match(token.Assign) {
		c.expression()
		op = setOp
	}
	if global {
		c.emitIndexed(op, arg)
		return
	}
	c.emitBytes(op, byte(arg))
}
