package compiler

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/lexer"
	"github.com/dcechano/clox/internal/token"
	"github.com/dcechano/clox/internal/value"
)

// Diagnostic is one compile error.
type Diagnostic struct {
	Line int
	// Where locates the error: " at 'x'", " at end", or empty for lexical
	// errors.
	Where   string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[line %d] Error%s: %s", d.Line, d.Where, d.Message)
}

// Error collects every diagnostic reported while compiling one source.
type Error struct {
	Diagnostics []Diagnostic
}

func (e *Error) Error() string {
	lines := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// Option configures a compilation.
type Option func(*options)

type options struct {
	logger   zerolog.Logger
	codeDump io.Writer
}

// WithLogger sets the logger used for compiler debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCodeDump disassembles every function to w as soon as it is compiled.
func WithCodeDump(w io.Writer) Option {
	return func(o *options) { o.codeDump = w }
}

type parser struct {
	lex       *lexer.Lexer
	current   token.Token
	previous  token.Token
	hadError  bool
	panicMode bool
	diags     []Diagnostic
}

type compiler struct {
	parser
	heap      *heap.Heap
	fc        *funcCompiler
	opts      options
	functions int
}

// Compile translates source into a top-level script function allocated in h.
// On failure it returns a *Error and no function.
func Compile(h *heap.Heap, source string, opts ...Option) (value.Ref, error) {
	c := &compiler{
		parser: parser{lex: lexer.New(source)},
		heap:   h,
		opts:   options{logger: zerolog.Nop()},
	}
	for _, opt := range opts {
		opt(&c.opts)
	}

	h.AddRoots(c)
	defer h.RemoveRoots(c)

	c.beginFunction(kindScript)
	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}
	fn := c.endFunction()

	if c.hadError {
		return value.Ref{}, &Error{Diagnostics: c.diags}
	}
	c.opts.logger.Debug().Int("functions", c.functions).Msg("compiled")
	return fn, nil
}

// MarkRoots keeps every function under construction alive.
func (c *compiler) MarkRoots(m *heap.Marker) {
	for fc := c.fc; fc != nil; fc = fc.enclosing {
		m.MarkRef(fc.fn)
	}
}

func (c *compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lex.NextToken()
		if c.current.Type != token.Error {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *compiler) consume(t token.Type, msg string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

func (c *compiler) check(t token.Type) bool {
	return c.current.Type == t
}

func (c *compiler) match(t token.Type) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *compiler) error(msg string) {
	c.errorAt(c.previous, msg)
}

func (c *compiler) errorAtCurrent(msg string) {
	c.errorAt(c.current, msg)
}

func (c *compiler) errorAt(tok token.Token, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true
	where := ""
	switch tok.Type {
	case token.EOF:
		where = " at end"
	case token.Error:
	default:
		where = fmt.Sprintf(" at '%s'", tok.Lexeme)
	}
	c.diags = append(c.diags, Diagnostic{Line: tok.Line, Where: where, Message: msg})
	c.hadError = true
}

// synchronize skips tokens until a likely statement boundary.
func (c *compiler) synchronize() {
	c.panicMode = false
	for c.current.Type != token.EOF {
		if c.previous.Type == token.Semicolon {
			return
		}
		switch c.current.Type {
		case token.Class, token.Fun, token.Var, token.For, token.If,
			token.While, token.Print, token.Return, token.Switch:
			return
		}
		c.advance()
	}
}

func (c *compiler) chunk() *Chunk {
	return c.fc.function.Chunk
}

func (c *compiler) emitByte(b byte) {
	c.chunk().Write(b, c.previous.Line)
}

func (c *compiler) emitBytes(b ...byte) {
	for _, x := range b {
		c.emitByte(x)
	}
}

func (c *compiler) emitReturn() {
	c.emitBytes(OP_NIL, OP_RETURN)
}

func (c *compiler) makeConstant(v value.Value) int {
	idx := c.chunk().AddConstant(v)
	if idx > bytecode.MaxLongConst {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return idx
}

// emitIndexed emits op with a constant operand, in long form when needed.
func (c *compiler) emitIndexed(op byte, idx int) {
	if err := c.chunk().WriteIndexed(op, idx, c.previous.Line); err != nil {
		c.error("Too many constants in one chunk.")
	}
}

func (c *compiler) emitConstant(v value.Value) {
	c.emitIndexed(OP_CONST, c.makeConstant(v))
}

func (c *compiler) emitJump(op byte) int {
	c.emitByte(op)
	// placeholder for u16
	c.emitByte(0xff)
	c.emitByte(0xff)
	return c.chunk().Len() - 2
}

func (c *compiler) patchJump(pos int) {
	// -2 adjusts for the operand itself
	jump := c.chunk().Len() - pos - 2
	if jump > math.MaxUint16 {
		c.error("Too much code to jump over.")
	}
	code := c.chunk().Code
	code[pos] = byte(jump >> 8)
	code[pos+1] = byte(jump)
}

func (c *compiler) emitLoop(start int) {
	c.emitByte(OP_LOOP)
	offset := c.chunk().Len() - start + 2
	if offset > math.MaxUint16 {
		c.error("Loop body too large.")
	}
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

func (c *compiler) identifierConstant(name string) int {
	return c.makeConstant(value.Obj(c.heap.Intern(name)))
}
