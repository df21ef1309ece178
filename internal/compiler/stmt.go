package compiler

import (
	"github.com/dcechano/clox/internal/token"
	"github.com/dcechano/clox/internal/value"
)

func (c *compiler) declaration() {
	switch {
	case c.match(token.Fun):
		c.funDeclaration()
	case c.match(token.Var):
		c.varDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *compiler) statement() {
	switch {
	case c.match(token.Print):
		c.printStatement()
	case c.match(token.If):
		c.ifStatement()
	case c.match(token.Return):
		c.returnStatement()
	case c.match(token.While):
		c.whileStatement()
	case c.match(token.For):
		c.forStatement()
	case c.match(token.Switch):
		c.switchStatement()
	case c.match(token.LBrace):
		c.beginScope()
		c.block()
		c.endScope()
	case c.check(token.Class), c.check(token.This), c.check(token.Super):
		c.errorAtCurrent("Classes are not supported.")
		c.advance()
	default:
		c.expressionStatement()
	}
}

func (c *compiler) block() {
	for !c.check(token.RBrace) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RBrace, "Expect '}' after block.")
}

// parseVariable consumes an identifier and returns its name constant, or 0
// for locals which live on the stack.
func (c *compiler) parseVariable(msg string) int {
	c.consume(token.Ident, msg)
	c.declareVariable()
	if c.fc.depth > 0 {
		return 0
	}
	return c.identifierConstant(c.previous.Lexeme)
}

func (c *compiler) defineVariable(global int) {
	if c.fc.depth > 0 {
		c.markInitialized()
		return
	}
	c.emitIndexed(OP_DEFINE_GLOBAL, global)
}

func (c *compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(token.Assign) {
		c.expression()
	} else {
		c.emitByte(OP_NIL)
	}
	c.consume(token.Semicolon, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// A function may refer to itself, so it is usable before the body ends.
	c.markInitialized()
	c.function(kindFunction)
	c.defineVariable(global)
}

func (c *compiler) function(kind funcKind) {
	c.beginFunction(kind)
	c.beginScope()

	c.consume(token.LParen, "Expect '(' after function name.")
	if !c.check(token.RParen) {
		for {
			c.fc.function.Arity++
			if c.fc.function.Arity > 255 {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			param := c.parseVariable("Expect parameter name.")
			c.defineVariable(param)
			if !c.match(token.Comma) {
				break
			}
		}
	}
	c.consume(token.RParen, "Expect ')' after parameters.")
	c.consume(token.LBrace, "Expect '{' before function body.")
	c.block()

	upvalues := c.fc.upvalues
	fn := c.endFunction()
	c.emitIndexed(OP_CLOSURE, c.makeConstant(value.Obj(fn)))
	for _, uv := range upvalues {
		isLocal := byte(0)
		if uv.isLocal {
			isLocal = 1
		}
		c.emitBytes(isLocal, uv.index)
	}
}

func (c *compiler) expressionStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after expression.")
	c.emitByte(OP_POP)
}

func (c *compiler) printStatement() {
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after value.")
	c.emitByte(OP_PRINT)
}

func (c *compiler) returnStatement() {
	if c.fc.kind == kindScript {
		c.error("Can't return from top-level code.")
	}
	if c.match(token.Semicolon) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(token.Semicolon, "Expect ';' after return value.")
	c.emitByte(OP_RETURN)
}

func (c *compiler) ifStatement() {
	c.consume(token.LParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(token.RParen, "Expect ')' after condition.")

	thenJump := c.emitJump(OP_JUMP_IF_FALSE)
	c.emitByte(OP_POP) // pop condition before executing then branch
	c.statement()

	elseJump := c.emitJump(OP_JUMP)
	c.patchJump(thenJump)
	c.emitByte(OP_POP) // pop condition when skipping then branch

	if c.match(token.Else) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *compiler) whileStatement() {
	loopStart := c.chunk().Len()
	c.consume(token.LParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(token.RParen, "Expect ')' after condition.")

	exitJump := c.emitJump(OP_JUMP_IF_FALSE)
	c.emitByte(OP_POP)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitByte(OP_POP)
}

func (c *compiler) forStatement() {
	c.beginScope()
	c.consume(token.LParen, "Expect '(' after 'for'.")
	switch {
	case c.match(token.Semicolon):
		// no initializer
	case c.match(token.Var):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := c.chunk().Len()
	exitJump := -1
	if !c.match(token.Semicolon) {
		c.expression()
		c.consume(token.Semicolon, "Expect ';' after loop condition.")
		exitJump = c.emitJump(OP_JUMP_IF_FALSE)
		c.emitByte(OP_POP)
	}

	if !c.match(token.RParen) {
		bodyJump := c.emitJump(OP_JUMP)
		incrementStart := c.chunk().Len()
		c.expression()
		c.emitByte(OP_POP)
		c.consume(token.RParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitByte(OP_POP)
	}
	c.endScope()
}

// switchStatement compiles switch (e) { case v: ... default: ... }. The
// subject lives in a hidden local for the whole statement; the first matching
// case runs and control leaves the switch, there is no fallthrough.
func (c *compiler) switchStatement() {
	c.beginScope()
	c.consume(token.LParen, "Expect '(' after 'switch'.")
	c.expression()
	c.consume(token.RParen, "Expect ')' after switch value.")
	c.addLocal(" switch")
	c.markInitialized()
	subject := len(c.fc.locals) - 1

	c.consume(token.LBrace, "Expect '{' before switch cases.")

	var endJumps []int
	sawDefault := false
	for !c.check(token.RBrace) && !c.check(token.EOF) {
		switch {
		case c.match(token.Case):
			if sawDefault {
				c.error("Can't have a case after the default case.")
			}
			c.emitBytes(OP_GET_LOCAL, byte(subject))
			c.expression()
			c.consume(token.Colon, "Expect ':' after case value.")
			c.emitByte(OP_EQ)
			next := c.emitJump(OP_JUMP_IF_FALSE)
			c.emitByte(OP_POP)
			c.caseBody()
			endJumps = append(endJumps, c.emitJump(OP_JUMP))
			c.patchJump(next)
			c.emitByte(OP_POP)
		case c.match(token.Default):
			if sawDefault {
				c.error("Can't have more than one default case.")
			}
			sawDefault = true
			c.consume(token.Colon, "Expect ':' after 'default'.")
			c.caseBody()
		default:
			c.errorAtCurrent("Expect 'case' or 'default' in switch body.")
			c.advance()
		}
		if c.panicMode {
			c.synchronize()
		}
	}
	c.consume(token.RBrace, "Expect '}' after switch cases.")

	for _, j := range endJumps {
		c.patchJump(j)
	}
	c.endScope()
}

// caseBody compiles the statements of one arm in its own scope.
func (c *compiler) caseBody() {
	c.beginScope()
	for !c.check(token.Case) && !c.check(token.Default) &&
		!c.check(token.RBrace) && !c.check(token.EOF) {
		c.declaration()
	}
	c.endScope()
}
