package compiler

import (
	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
)

const (
	maxLocals   = 256
	maxUpvalues = 256
)

type funcKind int

const (
	kindScript funcKind = iota
	kindFunction
)

type local struct {
	name string
	// depth is -1 between declaration and the end of the initializer.
	depth    int
	captured bool
}

type upvalue struct {
	index   uint8
	isLocal bool
}

// funcCompiler tracks locals and upvalues for one function body.
type funcCompiler struct {
	enclosing *funcCompiler
	fn        value.Ref
	function  *heap.Function
	kind      funcKind
	locals    []local
	upvalues  []upvalue
	depth     int
}

func (c *compiler) beginFunction(kind funcKind) {
	ref := c.heap.NewFunction()
	fc := &funcCompiler{
		enclosing: c.fc,
		fn:        ref,
		function:  c.heap.AsFunction(ref),
		kind:      kind,
		locals:    make([]local, 0, 8),
	}
	c.fc = fc
	if kind != kindScript {
		fc.function.Name = value.Obj(c.heap.Intern(c.previous.Lexeme))
	}
	// slot 0 holds the callee
	fc.locals = append(fc.locals, local{name: "", depth: 0})
}

func (c *compiler) endFunction() value.Ref {
	c.emitReturn()
	fc := c.fc
	c.heap.Remeasure(fc.fn)
	c.functions++
	if c.opts.codeDump != nil && !c.hadError {
		info, _ := c.heap.FunctionInfo(value.Obj(fc.fn))
		dis := bytecode.NewDisassembler(c.opts.codeDump, c.heap)
		if err := dis.DisassembleChunk(info); err != nil {
			c.opts.logger.Warn().Err(err).Msg("code dump failed")
		}
	}
	c.fc = fc.enclosing
	return fc.fn
}

func (c *compiler) beginScope() {
	c.fc.depth++
}

// endScope discards the innermost scope's locals newest first. Captured
// locals are closed instead of popped.
func (c *compiler) endScope() {
	fc := c.fc
	fc.depth--
	for len(fc.locals) > 0 && fc.locals[len(fc.locals)-1].depth > fc.depth {
		if fc.locals[len(fc.locals)-1].captured {
			c.emitByte(OP_CLOSE_UPVALUE)
		} else {
			c.emitByte(OP_POP)
		}
		fc.locals = fc.locals[:len(fc.locals)-1]
	}
}

func (c *compiler) addLocal(name string) {
	if len(c.fc.locals) == maxLocals {
		c.error("Too many local variables in function.")
		return
	}
	c.fc.locals = append(c.fc.locals, local{name: name, depth: -1})
}

// declareVariable records a local in the current block. Globals are late
// bound and need no declaration.
func (c *compiler) declareVariable() {
	fc := c.fc
	if fc.depth == 0 {
		return
	}
	name := c.previous.Lexeme
	for i := len(fc.locals) - 1; i >= 0; i-- {
		l := fc.locals[i]
		if l.depth != -1 && l.depth < fc.depth {
			break
		}
		if l.name == name {
			c.error("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *compiler) markInitialized() {
	fc := c.fc
	if fc.depth == 0 {
		return
	}
	fc.locals[len(fc.locals)-1].depth = fc.depth
}

func (c *compiler) resolveLocal(fc *funcCompiler, name string) int {
	for i := len(fc.locals) - 1; i >= 0; i-- {
		if fc.locals[i].name == name {
			if fc.locals[i].depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue walks enclosing functions to find name, capturing it on the
// way back in. Repeated captures reuse the existing slot.
func (c *compiler) resolveUpvalue(fc *funcCompiler, name string) int {
	if fc.enclosing == nil {
		return -1
	}
	if slot := c.resolveLocal(fc.enclosing, name); slot != -1 {
		fc.enclosing.locals[slot].captured = true
		return c.addUpvalue(fc, uint8(slot), true)
	}
	if up := c.resolveUpvalue(fc.enclosing, name); up != -1 {
		return c.addUpvalue(fc, uint8(up), false)
	}
	return -1
}

func (c *compiler) addUpvalue(fc *funcCompiler, index uint8, isLocal bool) int {
	for i, uv := range fc.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return i
		}
	}
	if len(fc.upvalues) == maxUpvalues {
		c.error("Too many closure variables in function.")
		return 0
	}
	fc.upvalues = append(fc.upvalues, upvalue{index: index, isLocal: isLocal})
	fc.function.UpvalueCount = len(fc.upvalues)
	return len(fc.upvalues) - 1
}
