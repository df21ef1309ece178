package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/compiler"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/runtime"
	"github.com/dcechano/clox/internal/value"
)

const (
	DefaultMaxFrames = 64
	slotsPerFrame    = 256
)

// Result classifies the outcome of Interpret.
type Result int

const (
	ResultOK Result = iota
	ResultCompileError
	ResultRuntimeError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultCompileError:
		return "compile error"
	case ResultRuntimeError:
		return "runtime error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

type frame struct {
	closure *heap.Closure
	fn      *heap.Function
	r       bytecode.Reader
	base    int
	lastOp  int
}

// VM is a stack-based bytecode interpreter. It is not safe for concurrent use.
type VM struct {
	id           uuid.UUID
	heap         *heap.Heap
	stack        []value.Value
	frames       []frame
	globals      *Table
	openUpvalues []value.Ref
	maxFrames    int

	out      io.Writer
	errOut   io.Writer
	traceOut io.Writer
	codeDump io.Writer
	source   string
	logger   zerolog.Logger

	traceHook TraceHook
	instLimit int
	instCount int
}

// Option configures a VM.
type Option func(*VM)

// WithLogger sets the base logger; the VM adds its instance id.
func WithLogger(l zerolog.Logger) Option {
	return func(vm *VM) { vm.logger = l }
}

// WithOutput redirects print statements.
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithErrorOutput redirects compile and runtime diagnostics. nil silences
// them.
func WithErrorOutput(w io.Writer) Option {
	return func(vm *VM) { vm.errOut = w }
}

// WithMaxFrames bounds call depth.
func WithMaxFrames(n int) Option {
	return func(vm *VM) {
		if n > 0 {
			vm.maxFrames = n
		}
	}
}

// WithTraceOutput prints the stack and each instruction before it runs.
func WithTraceOutput(w io.Writer) Option {
	return func(vm *VM) { vm.traceOut = w }
}

// WithCodeDump disassembles every function as it is compiled.
func WithCodeDump(w io.Writer) Option {
	return func(vm *VM) { vm.codeDump = w }
}

// WithSourceName labels runtime errors with the script's origin.
func WithSourceName(name string) Option {
	return func(vm *VM) { vm.source = name }
}

// New constructs a VM over h and installs every registered native.
func New(h *heap.Heap, opts ...Option) *VM {
	vm := &VM{
		id:        uuid.New(),
		heap:      h,
		globals:   NewTable(),
		maxFrames: DefaultMaxFrames,
		out:       os.Stdout,
		errOut:    os.Stderr,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.logger = vm.logger.With().Str("vm", vm.id.String()).Logger()
	vm.stack = make([]value.Value, 0, vm.maxFrames*slotsPerFrame)
	vm.frames = make([]frame, 0, vm.maxFrames)
	h.AddRoots(vm)

	for _, spec := range runtime.All() {
		vm.DefineNative(spec.Name, spec.Arity, spec.Fn)
	}
	return vm
}

// ID identifies this VM in logs.
func (vm *VM) ID() uuid.UUID { return vm.id }

// Heap returns the heap the VM allocates from.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Close unregisters the VM from its heap's roots.
func (vm *VM) Close() {
	vm.heap.RemoveRoots(vm)
}

// SetTraceHook registers a callback for instruction-level tracing.
func (vm *VM) SetTraceHook(h TraceHook) {
	vm.traceHook = h
}

// SetInstructionLimit caps the number of instructions executed per run (0 for unlimited).
func (vm *VM) SetInstructionLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	vm.instLimit = limit
}

// ResetState clears transient execution state. Open upvalues are closed
// against the live stack first so escaped closures keep their values.
func (vm *VM) ResetState() {
	vm.closeUpvalues(0)
	vm.stack = vm.stack[:0]
	vm.frames = vm.frames[:0]
	vm.openUpvalues = vm.openUpvalues[:0]
	vm.instCount = 0
}

// SetSourceName labels subsequent runtime errors and trace events.
func (vm *VM) SetSourceName(name string) {
	vm.source = name
}

// StackDepth reports the number of live operand stack slots.
func (vm *VM) StackDepth() int { return len(vm.stack) }

// DefineNative binds a host function as a global.
func (vm *VM) DefineNative(name string, arity int, fn heap.NativeFn) {
	// Both objects stay on the stack until the table holds them.
	vm.push(value.Obj(vm.heap.Intern(name)))
	vm.push(value.Obj(vm.heap.NewNative(name, arity, fn)))
	vm.globals.Set(vm.stack[len(vm.stack)-2].Ref, vm.stack[len(vm.stack)-1])
	vm.pop()
	vm.pop()
}

// MarkRoots marks everything the running program can reach.
func (vm *VM) MarkRoots(m *heap.Marker) {
	for _, v := range vm.stack {
		m.Mark(v)
	}
	for i := range vm.frames {
		fr := &vm.frames[i]
		m.MarkRef(fr.closure.Function)
		for _, uv := range fr.closure.Upvalues {
			m.MarkRef(uv)
		}
	}
	for _, uv := range vm.openUpvalues {
		m.MarkRef(uv)
	}
	vm.globals.Each(func(k value.Ref, v value.Value) {
		m.MarkRef(k)
		m.Mark(v)
	})
}

// Compile compiles source with the VM's heap and debug settings.
func (vm *VM) Compile(source string) (value.Ref, error) {
	opts := []compiler.Option{compiler.WithLogger(vm.logger)}
	if vm.codeDump != nil {
		opts = append(opts, compiler.WithCodeDump(vm.codeDump))
	}
	return compiler.Compile(vm.heap, source, opts...)
}

// Interpret compiles and runs source. Diagnostics are written to the error
// output and also returned.
func (vm *VM) Interpret(source string) (Result, error) {
	fn, err := vm.Compile(source)
	if err != nil {
		if vm.errOut != nil {
			fmt.Fprintln(vm.errOut, err.Error())
		}
		return ResultCompileError, err
	}
	return vm.InterpretFunction(fn)
}

// InterpretFunction runs a compiled top-level function.
func (vm *VM) InterpretFunction(fn value.Ref) (Result, error) {
	if vm.heap.AsFunction(fn) == nil {
		return ResultRuntimeError, fmt.Errorf("interpret: %w", heap.ErrDanglingRef)
	}
	vm.ResetState()
	vm.push(value.Obj(fn))
	closure := vm.heap.NewClosure(fn)
	vm.pop()
	vm.push(value.Obj(closure))
	if err := vm.call(closure, 0); err != nil {
		return ResultRuntimeError, err
	}
	if _, err := vm.run(0); err != nil {
		return ResultRuntimeError, err
	}
	return ResultOK, nil
}

func (vm *VM) push(v value.Value) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() value.Value {
	n := len(vm.stack) - 1
	v := vm.stack[n]
	vm.stack = vm.stack[:n]
	return v
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[len(vm.stack)-1-distance]
}

func (vm *VM) currentFrame() *frame {
	return &vm.frames[len(vm.frames)-1]
}

func (vm *VM) call(closureRef value.Ref, argc int) error {
	clo := vm.heap.AsClosure(closureRef)
	fn := vm.heap.AsFunction(clo.Function)
	var caller *frame
	if len(vm.frames) > 0 {
		caller = vm.currentFrame()
	}
	if argc != fn.Arity {
		return vm.errorf(caller, "Expected %d arguments but got %d.", fn.Arity, argc)
	}
	if len(vm.frames) == vm.maxFrames {
		return vm.errorf(caller, "Stack overflow.")
	}
	vm.frames = append(vm.frames, frame{
		closure: clo,
		fn:      fn,
		r:       bytecode.NewReader(fn.Chunk.Code),
		base:    len(vm.stack) - argc - 1,
		lastOp:  -1,
	})
	return nil
}

func (vm *VM) callValue(callee value.Value, argc int) error {
	switch vm.heap.TypeOf(callee) {
	case heap.ObjClosure:
		return vm.call(callee.Ref, argc)
	case heap.ObjNative:
		native := vm.heap.AsNative(callee.Ref)
		fr := vm.currentFrame()
		if native.Arity >= 0 && argc != native.Arity {
			return vm.errorf(fr, "Expected %d arguments but got %d.", native.Arity, argc)
		}
		args := make([]value.Value, argc)
		copy(args, vm.stack[len(vm.stack)-argc:])
		result, err := native.Fn(vm.heap, args)
		if err != nil {
			return vm.wrapError(fr, fmt.Errorf("%s: %w", native.Name, err))
		}
		vm.stack = vm.stack[:len(vm.stack)-argc-1]
		vm.push(result)
		return nil
	default:
		return vm.errorf(vm.currentFrame(), "Can only call functions and closures.")
	}
}

func (vm *VM) binaryNumbers(fr *frame) (float64, float64, error) {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		return 0, 0, vm.errorf(fr, "Operands must be numbers.")
	}
	b := vm.pop().Num
	a := vm.pop().Num
	return a, b, nil
}

func (vm *VM) globalName(fr *frame, idx int) value.Value {
	return fr.fn.Chunk.Consts[idx]
}

// run executes until the frame stack drops back to depth and returns the
// value produced by the last return.
func (vm *VM) run(depth int) (value.Value, error) {
	fr := vm.currentFrame()
	for {
		fr.lastOp = fr.r.Offset()
		op := fr.r.ReadU8()
		vm.instCount++
		if vm.instLimit > 0 && vm.instCount > vm.instLimit {
			return value.Nil(), vm.errorf(fr, "instruction limit exceeded")
		}
		vm.trace(fr, op)

		switch op {
		case bytecode.OP_CONST, bytecode.OP_CONST_LONG:
			idx := fr.r.ReadIndex(bytecode.IsLong(op))
			vm.push(fr.fn.Chunk.Consts[idx])
		case bytecode.OP_NIL:
			vm.push(value.Nil())
		case bytecode.OP_TRUE:
			vm.push(value.Bool(true))
		case bytecode.OP_FALSE:
			vm.push(value.Bool(false))
		case bytecode.OP_POP:
			vm.pop()

		case bytecode.OP_GET_LOCAL:
			slot := int(fr.r.ReadU8())
			vm.push(vm.stack[fr.base+slot])
		case bytecode.OP_SET_LOCAL:
			slot := int(fr.r.ReadU8())
			vm.stack[fr.base+slot] = vm.peek(0)

		case bytecode.OP_GET_GLOBAL, bytecode.OP_GET_GLOBAL_LONG:
			name := vm.globalName(fr, fr.r.ReadIndex(bytecode.IsLong(op)))
			v, ok := vm.globals.Get(name.Ref)
			if !ok {
				return value.Nil(), vm.errorf(fr, "Undefined variable '%s'.", vm.heap.FormatValue(name))
			}
			vm.push(v)
		case bytecode.OP_DEFINE_GLOBAL, bytecode.OP_DEFINE_GLOBAL_LONG:
			name := vm.globalName(fr, fr.r.ReadIndex(bytecode.IsLong(op)))
			vm.globals.Set(name.Ref, vm.peek(0))
			vm.pop()
		case bytecode.OP_SET_GLOBAL, bytecode.OP_SET_GLOBAL_LONG:
			name := vm.globalName(fr, fr.r.ReadIndex(bytecode.IsLong(op)))
			if vm.globals.Set(name.Ref, vm.peek(0)) {
				vm.globals.Delete(name.Ref)
				return value.Nil(), vm.errorf(fr, "Undefined variable '%s'.", vm.heap.FormatValue(name))
			}

		case bytecode.OP_GET_UPVALUE:
			slot := fr.r.ReadU8()
			vm.push(vm.readUpvalue(fr.closure.Upvalues[slot]))
		case bytecode.OP_SET_UPVALUE:
			slot := fr.r.ReadU8()
			vm.writeUpvalue(fr.closure.Upvalues[slot], vm.peek(0))
		case bytecode.OP_CLOSE_UPVALUE:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case bytecode.OP_EQ:
			b := vm.pop()
			a := vm.pop()
			vm.push(value.Bool(value.Equal(a, b)))
		case bytecode.OP_GT:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Bool(a > b))
		case bytecode.OP_LT:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Bool(a < b))
		case bytecode.OP_ADD:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Number(a + b))
		case bytecode.OP_SUB:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Number(a - b))
		case bytecode.OP_MUL:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Number(a * b))
		case bytecode.OP_DIV:
			a, b, err := vm.binaryNumbers(fr)
			if err != nil {
				return value.Nil(), err
			}
			vm.push(value.Number(a / b))
		case bytecode.OP_NOT:
			vm.push(value.Bool(value.Falsey(vm.pop())))
		case bytecode.OP_NEG:
			if !vm.peek(0).IsNumber() {
				return value.Nil(), vm.errorf(fr, "Operand must be a number.")
			}
			vm.push(value.Number(-vm.pop().Num))

		case bytecode.OP_PRINT:
			fmt.Fprintln(vm.out, vm.heap.FormatValue(vm.pop()))

		case bytecode.OP_JUMP:
			off := fr.r.ReadU16()
			fr.r.Jump(int(off))
		case bytecode.OP_JUMP_IF_FALSE:
			off := fr.r.ReadU16()
			if value.Falsey(vm.peek(0)) {
				fr.r.Jump(int(off))
			}
		case bytecode.OP_LOOP:
			off := fr.r.ReadU16()
			fr.r.Loop(int(off))

		case bytecode.OP_CALL:
			argc := int(fr.r.ReadU8())
			if err := vm.callValue(vm.peek(argc), argc); err != nil {
				return value.Nil(), err
			}
			fr = vm.currentFrame()
		case bytecode.OP_CLOSURE, bytecode.OP_CLOSURE_LONG:
			fnVal := fr.fn.Chunk.Consts[fr.r.ReadIndex(bytecode.IsLong(op))]
			ref := vm.heap.NewClosure(fnVal.Ref)
			vm.push(value.Obj(ref))
			clo := vm.heap.AsClosure(ref)
			for i := range clo.Upvalues {
				isLocal := fr.r.ReadU8()
				index := int(fr.r.ReadU8())
				if isLocal == 1 {
					clo.Upvalues[i] = vm.captureUpvalue(fr.base + index)
				} else {
					clo.Upvalues[i] = fr.closure.Upvalues[index]
				}
			}
		case bytecode.OP_RETURN:
			result := vm.pop()
			vm.closeUpvalues(fr.base)
			vm.frames = vm.frames[:len(vm.frames)-1]
			vm.stack = vm.stack[:fr.base]
			if len(vm.frames) == depth {
				return result, nil
			}
			vm.push(result)
			fr = vm.currentFrame()

		default:
			return value.Nil(), vm.errorf(fr, "unknown opcode 0x%02X", op)
		}
	}
}
