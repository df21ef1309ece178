package clox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/dcechano/clox/internal/compiler"
	"github.com/dcechano/clox/internal/config"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/image"
	"github.com/dcechano/clox/internal/value"
	"github.com/dcechano/clox/internal/vm"

	_ "github.com/dcechano/clox/internal/builtins"
)

var (
	errorType = reflect.TypeOf((*error)(nil)).Elem()

	// ErrBusy is returned when an entry point is used while another call is
	// executing on the same VM.
	ErrBusy = errors.New("VM is busy; concurrent execution not allowed")
)

// ValueKind mirrors the runtime kinds for convenient inspection.
type ValueKind int

const (
	ValueNil ValueKind = iota
	ValueBool
	ValueNumber
	ValueString
	ValueFunction
)

func (k ValueKind) String() string {
	switch k {
	case ValueNil:
		return "nil"
	case ValueBool:
		return "boolean"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	case ValueFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Value is a host-side copy of a script value. Strings are copied out of the
// VM heap; functions are held through a handle.
type Value struct {
	kind ValueKind
	b    bool
	num  float64
	str  string
	fn   *FunctionHandle
}

// Nil returns the nil value.
func Nil() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: ValueBool, b: b} }

// Number wraps a number.
func Number(n float64) Value { return Value{kind: ValueNumber, num: n} }

// String wraps a string. It is interned when passed into a VM.
func String(s string) Value { return Value{kind: ValueString, str: s} }

// NewValue marshals a Go value. Supported: nil, bool, every integer and
// float kind, string and *FunctionHandle.
func NewValue(val any) (Value, error) {
	if val == nil {
		return Nil(), nil
	}
	if v, ok := val.(Value); ok {
		return v, nil
	}
	if h, ok := val.(*FunctionHandle); ok {
		return Value{kind: ValueFunction, fn: h}, nil
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	default:
		return Nil(), fmt.Errorf("unsupported type %T", val)
	}
}

// MustValue marshals and panics on error (convenience for tests/examples).
func MustValue(val any) Value {
	v, err := NewValue(val)
	if err != nil {
		panic(err)
	}
	return v
}

// Kind reports the underlying value kind.
func (v Value) Kind() ValueKind { return v.kind }

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.kind == ValueNil }

// Bool returns the boolean value when the kind matches.
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == ValueBool
}

// Number returns the numeric value when the kind matches.
func (v Value) Number() (float64, bool) {
	return v.num, v.kind == ValueNumber
}

// String returns the string value when the kind matches.
func (v Value) String() (string, bool) {
	return v.str, v.kind == ValueString
}

// Function returns the callable handle when the kind matches.
func (v Value) Function() (*FunctionHandle, bool) {
	return v.fn, v.kind == ValueFunction
}

// Raw returns a Go representation of the value: nil, bool, float64, string
// or *FunctionHandle.
func (v Value) Raw() any {
	switch v.kind {
	case ValueBool:
		return v.b
	case ValueNumber:
		return v.num
	case ValueString:
		return v.str
	case ValueFunction:
		return v.fn
	default:
		return nil
	}
}

// ArgError represents a typed argument validation error for host functions.
type ArgError struct {
	Index int
	Want  string
	Got   string
}

func (e ArgError) Error() string {
	if e.Got != "" {
		return fmt.Sprintf("argument %d: want %s, got %s", e.Index, e.Want, e.Got)
	}
	return fmt.Sprintf("argument %d: want %s", e.Index, e.Want)
}

// HostArgs provides typed accessors for host function arguments.
type HostArgs struct {
	args []Value
}

// NewHostArgs wraps positional arguments for typed access.
func NewHostArgs(args []Value) HostArgs {
	return HostArgs{args: args}
}

// Len reports the number of arguments.
func (a HostArgs) Len() int { return len(a.args) }

// Value returns the raw argument at i.
func (a HostArgs) Value(i int) (Value, error) {
	if i < 0 || i >= len(a.args) {
		return Value{}, ArgError{Index: i, Want: "present"}
	}
	return a.args[i], nil
}

// Number returns the numeric argument at i.
func (a HostArgs) Number(i int) (float64, error) {
	v, err := a.Value(i)
	if err != nil {
		return 0, err
	}
	if n, ok := v.Number(); ok {
		return n, nil
	}
	return 0, ArgError{Index: i, Want: "number", Got: v.Kind().String()}
}

// String returns the string argument at i.
func (a HostArgs) String(i int) (string, error) {
	v, err := a.Value(i)
	if err != nil {
		return "", err
	}
	if s, ok := v.String(); ok {
		return s, nil
	}
	return "", ArgError{Index: i, Want: "string", Got: v.Kind().String()}
}

// Bool returns the boolean argument at i.
func (a HostArgs) Bool(i int) (bool, error) {
	v, err := a.Value(i)
	if err != nil {
		return false, err
	}
	if b, ok := v.Bool(); ok {
		return b, nil
	}
	return false, ArgError{Index: i, Want: "boolean", Got: v.Kind().String()}
}

// FunctionHandler is the Go-side implementation of a native function.
type FunctionHandler func(args HostArgs) (Value, error)

// HostFunction describes a host-provided function. Arity -1 accepts any
// number of arguments.
type HostFunction struct {
	Arity   int
	Handler FunctionHandler
}

// NewFunction creates a host function from an arity and handler.
func NewFunction(arity int, handler FunctionHandler) *HostFunction {
	return &HostFunction{Arity: arity, Handler: handler}
}

// MarshalFunction wraps an arbitrary Go function. Supported signatures:
//
//	func(...) T
//	func(...) (T, error)
//	func(...) error
//	func(...), which returns nil
//
// Where every parameter and T are types supported by NewValue.
func MarshalFunction(fn any) (*HostFunction, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	rv := reflect.ValueOf(fn)
	rt := rv.Type()
	if rt.Kind() != reflect.Func {
		return nil, fmt.Errorf("value of type %T is not a function", fn)
	}
	if rt.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	}
	if rt.NumOut() > 2 {
		return nil, errors.New("too many return values (max 2)")
	}
	retValIndex := -1
	retErrIndex := -1
	switch rt.NumOut() {
	case 0:
	case 1:
		if rt.Out(0) == errorType {
			retErrIndex = 0
		} else {
			retValIndex = 0
		}
	case 2:
		if rt.Out(1) != errorType {
			return nil, errors.New("second return value must be error")
		}
		retValIndex = 0
		retErrIndex = 1
	}

	handler := func(args HostArgs) (Value, error) {
		inputs := make([]reflect.Value, rt.NumIn())
		for i := range inputs {
			arg, err := args.Value(i)
			if err != nil {
				return Value{}, err
			}
			in, err := convertValue(arg, rt.In(i))
			if err != nil {
				return Value{}, ArgError{Index: i, Want: rt.In(i).String(), Got: arg.Kind().String()}
			}
			inputs[i] = in
		}
		results := rv.Call(inputs)
		if retErrIndex >= 0 && !results[retErrIndex].IsNil() {
			return Value{}, results[retErrIndex].Interface().(error)
		}
		if retValIndex >= 0 {
			return NewValue(results[retValIndex].Interface())
		}
		return Nil(), nil
	}
	return &HostFunction{Arity: rt.NumIn(), Handler: handler}, nil
}

func convertValue(v Value, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		b, ok := v.Bool()
		if !ok {
			return out, errors.New("not a boolean")
		}
		out.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, ok := v.Number()
		if !ok {
			return out, errors.New("not a number")
		}
		out.SetInt(int64(n))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, ok := v.Number()
		if !ok || n < 0 {
			return out, errors.New("not an unsigned number")
		}
		out.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		n, ok := v.Number()
		if !ok {
			return out, errors.New("not a number")
		}
		out.SetFloat(n)
	case reflect.String:
		s, ok := v.String()
		if !ok {
			return out, errors.New("not a string")
		}
		out.SetString(s)
	case reflect.Interface:
		if raw := v.Raw(); raw != nil {
			rv := reflect.ValueOf(raw)
			if !rv.Type().AssignableTo(t) {
				return out, errors.New("not assignable")
			}
			out.Set(rv)
		}
	default:
		if t == reflect.TypeOf(Value{}) {
			out.Set(reflect.ValueOf(v))
			break
		}
		return out, fmt.Errorf("unsupported parameter type %s", t)
	}
	return out, nil
}

// FrameTrace describes a single frame in a runtime error or trace.
type FrameTrace struct {
	Function string
	Source   string
	Line     int
	IP       int
}

// RuntimeError is a source-aware execution error surfaced from the VM.
type RuntimeError struct {
	Message string
	Frame   FrameTrace
	Stack   []FrameTrace
	Cause   error
}

func (e *RuntimeError) Error() string {
	parts := []string{}
	if e.Frame.Source != "" {
		if e.Frame.Line > 0 {
			parts = append(parts, fmt.Sprintf("%s:%d", e.Frame.Source, e.Frame.Line))
		} else {
			parts = append(parts, e.Frame.Source)
		}
	} else if e.Frame.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Frame.Line))
	}
	if e.Frame.Function != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Frame.Function))
	}
	loc := strings.Join(parts, " ")
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying cause (if any) for errors.Is/As.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// Diagnostic is a single compile error.
type Diagnostic struct {
	Line    int
	Where   string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("[line %d] Error%s: %s", d.Line, d.Where, d.Message)
}

// CompileError carries every diagnostic reported for one source.
type CompileError struct {
	Diagnostics []Diagnostic
}

func (e *CompileError) Error() string {
	lines := make([]string, len(e.Diagnostics))
	for i, d := range e.Diagnostics {
		lines[i] = d.String()
	}
	return strings.Join(lines, "\n")
}

// TraceInfo captures execution steps for debug hooks.
type TraceInfo struct {
	Op       byte
	Function string
	Source   string
	Line     int
	IP       int
}

// TraceHook observes instruction dispatch for debugging/profiling.
type TraceHook func(TraceInfo)

func convertError(err error) error {
	if err == nil {
		return nil
	}
	var rte *vm.RuntimeError
	if errors.As(err, &rte) {
		return &RuntimeError{
			Message: rte.Message,
			Frame:   frameTraceFromVM(rte.Frame),
			Stack:   stackTraceFromVM(rte.Stack),
			Cause:   rte.Cause,
		}
	}
	var ce *compiler.Error
	if errors.As(err, &ce) {
		out := &CompileError{Diagnostics: make([]Diagnostic, len(ce.Diagnostics))}
		for i, d := range ce.Diagnostics {
			out.Diagnostics[i] = Diagnostic{Line: d.Line, Where: d.Where, Message: d.Message}
		}
		return out
	}
	return err
}

func frameTraceFromVM(info vm.FrameInfo) FrameTrace {
	return FrameTrace{
		Function: info.Function,
		Source:   info.Source,
		Line:     info.Line,
		IP:       info.IP,
	}
}

func stackTraceFromVM(stack []vm.FrameInfo) []FrameTrace {
	if len(stack) == 0 {
		return nil
	}
	out := make([]FrameTrace, len(stack))
	for i, fr := range stack {
		out[i] = frameTraceFromVM(fr)
	}
	return out
}

// Option configures NewVM.
type Option func(*options)

type options struct {
	heap      heap.Config
	vm        []vm.Option
	instLimit int
	printCode bool
	trace     bool
	stdout    io.Writer
	stderr    io.Writer
	logger    zerolog.Logger
}

// WithStdout redirects print statements.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr redirects diagnostics. nil silences them.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithLogger sets the logger for the heap, compiler and VM.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithGC tunes the collector.
func WithGC(initialThreshold, growthFactor int, stress bool) Option {
	return func(o *options) {
		o.heap.InitialThreshold = initialThreshold
		o.heap.GrowthFactor = growthFactor
		o.heap.Stress = stress
	}
}

// WithMaxFrames bounds call depth.
func WithMaxFrames(n int) Option {
	return func(o *options) { o.vm = append(o.vm, vm.WithMaxFrames(n)) }
}

// WithTrace prints the stack and every instruction to w as it runs.
func WithTrace(w io.Writer) Option {
	return func(o *options) { o.vm = append(o.vm, vm.WithTraceOutput(w)) }
}

// WithCodeDump disassembles each function to w as it is compiled.
func WithCodeDump(w io.Writer) Option {
	return func(o *options) { o.vm = append(o.vm, vm.WithCodeDump(w)) }
}

// WithConfig applies a loaded clox.toml. Debug output goes to the
// configured stdout.
func WithConfig(c *config.Config) Option {
	return func(o *options) {
		o.heap.InitialThreshold = c.GC.InitialThreshold
		o.heap.GrowthFactor = c.GC.GrowthFactor
		o.heap.Stress = c.GC.Stress
		o.instLimit = c.VM.MaxInstructions
		o.vm = append(o.vm, vm.WithMaxFrames(c.VM.MaxFrames))
		o.printCode = c.Debug.PrintCode
		o.trace = c.Debug.Trace
	}
}

// VM is the host-facing interpreter. Globals persist across Interpret and
// Run calls. It rejects overlapping executions.
type VM struct {
	core *vm.VM
	heap *heap.Heap

	mu     sync.Mutex
	busy   bool
	pinned map[value.Ref]int
}

// NewVM constructs a VM with its own heap.
func NewVM(opts ...Option) *VM {
	o := options{
		stdout: os.Stdout,
		stderr: os.Stderr,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.heap.Logger = o.logger
	h := heap.New(o.heap)
	vmOpts := append([]vm.Option{
		vm.WithLogger(o.logger),
		vm.WithOutput(o.stdout),
		vm.WithErrorOutput(o.stderr),
	}, o.vm...)
	if o.printCode {
		vmOpts = append(vmOpts, vm.WithCodeDump(o.stdout))
	}
	if o.trace {
		vmOpts = append(vmOpts, vm.WithTraceOutput(o.stdout))
	}
	vmc := &VM{
		core:   vm.New(h, vmOpts...),
		heap:   h,
		pinned: make(map[value.Ref]int),
	}
	vmc.core.SetInstructionLimit(o.instLimit)
	h.AddRoots(vmc)
	return vmc
}

// MarkRoots keeps every handed-out function alive.
func (vmc *VM) MarkRoots(m *heap.Marker) {
	vmc.mu.Lock()
	defer vmc.mu.Unlock()
	for r := range vmc.pinned {
		m.MarkRef(r)
	}
}

func (vmc *VM) pin(r value.Ref) {
	vmc.mu.Lock()
	vmc.pinned[r]++
	vmc.mu.Unlock()
}

func (vmc *VM) unpin(r value.Ref) {
	vmc.mu.Lock()
	defer vmc.mu.Unlock()
	if n := vmc.pinned[r]; n > 1 {
		vmc.pinned[r] = n - 1
		return
	}
	delete(vmc.pinned, r)
}

// acquire claims the VM for one entry point. mu only guards the flag and
// the pin counts, so it is never held while the heap can collect.
func (vmc *VM) acquire() error {
	vmc.mu.Lock()
	defer vmc.mu.Unlock()
	if vmc.busy {
		return ErrBusy
	}
	vmc.busy = true
	return nil
}

func (vmc *VM) release() {
	vmc.mu.Lock()
	vmc.busy = false
	vmc.mu.Unlock()
}

// exclusive runs f while holding the VM.
func (vmc *VM) exclusive(f func() error) error {
	if err := vmc.acquire(); err != nil {
		return err
	}
	defer vmc.release()
	return f()
}

// Function is a compiled top-level script, ready to Run.
type Function struct {
	owner *VM
	ref   value.Ref
}

// Release lets the collector reclaim the function once nothing else holds it.
func (f *Function) Release() {
	if f == nil || f.owner == nil {
		return
	}
	f.owner.unpin(f.ref)
	f.owner = nil
}

func (vmc *VM) newFunction(ref value.Ref) *Function {
	vmc.pin(ref)
	return &Function{owner: vmc, ref: ref}
}

// Compile compiles source without running it.
func (vmc *VM) Compile(source string) (*Function, error) {
	var fn *Function
	err := vmc.exclusive(func() (err error) {
		fn, err = vmc.compile(source)
		return err
	})
	return fn, err
}

func (vmc *VM) compile(source string) (*Function, error) {
	ref, err := vmc.core.Compile(source)
	if err != nil {
		return nil, convertError(err)
	}
	return vmc.newFunction(ref), nil
}

// Run executes a compiled script.
func (vmc *VM) Run(fn *Function) error {
	if fn == nil || fn.owner != vmc {
		return errors.New("function does not belong to this VM")
	}
	if err := vmc.acquire(); err != nil {
		return err
	}
	defer vmc.release()
	_, err := vmc.core.InterpretFunction(fn.ref)
	return convertError(err)
}

// Interpret compiles and runs source. Diagnostics are written to the
// configured stderr and returned as *CompileError or *RuntimeError.
func (vmc *VM) Interpret(source string) error {
	if err := vmc.acquire(); err != nil {
		return err
	}
	defer vmc.release()
	_, err := vmc.core.Interpret(source)
	return convertError(err)
}

// LoadFile reads a source file or a bytecode image and returns the compiled
// script. Runtime errors from the result are labelled with path.
func (vmc *VM) LoadFile(path string) (*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fn *Function
	err = vmc.exclusive(func() (err error) {
		vmc.core.SetSourceName(path)
		if image.Sniff(data) {
			fn, err = vmc.unmarshal(data)
		} else {
			fn, err = vmc.compile(string(data))
		}
		return err
	})
	return fn, err
}

// WriteImage serialises fn as a bytecode image.
func (vmc *VM) WriteImage(w io.Writer, fn *Function) error {
	if fn == nil || fn.owner != vmc {
		return errors.New("function does not belong to this VM")
	}
	var data []byte
	err := vmc.exclusive(func() (err error) {
		data, err = image.Marshal(vmc.heap, fn.ref)
		return err
	})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// LoadImage reads a bytecode image written by WriteImage.
func (vmc *VM) LoadImage(r io.Reader) (*Function, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var fn *Function
	err = vmc.exclusive(func() (err error) {
		fn, err = vmc.unmarshal(data)
		return err
	})
	return fn, err
}

func (vmc *VM) unmarshal(data []byte) (*Function, error) {
	ref, err := image.Unmarshal(vmc.heap, data)
	if err != nil {
		return nil, err
	}
	return vmc.newFunction(ref), nil
}

// Disassemble writes fn's bytecode, or every global function when fn is nil.
func (vmc *VM) Disassemble(w io.Writer, fn *Function) error {
	if fn != nil && fn.owner != vmc {
		return errors.New("function does not belong to this VM")
	}
	return vmc.exclusive(func() error {
		if fn == nil {
			return vmc.core.DisassembleGlobals(w)
		}
		return vmc.core.Disassemble(w, fn.ref)
	})
}

// SetGlobalFunction binds a host function to a global name.
func (vmc *VM) SetGlobalFunction(name string, fn *HostFunction) error {
	if fn == nil || fn.Handler == nil {
		return errors.New("nil function")
	}
	native := func(h *heap.Heap, args []value.Value) (value.Value, error) {
		hostArgs := make([]Value, len(args))
		for i, a := range args {
			hostArgs[i] = vmc.fromInternal(a)
		}
		res, err := fn.Handler(NewHostArgs(hostArgs))
		if err != nil {
			return value.Nil(), err
		}
		return vmc.toInternal(res)
	}
	return vmc.exclusive(func() error {
		vmc.core.DefineNative(name, fn.Arity, native)
		return nil
	})
}

// SetGlobal defines a global variable.
func (vmc *VM) SetGlobal(name string, v Value) error {
	return vmc.exclusive(func() error {
		iv, err := vmc.toInternal(v)
		if err != nil {
			return err
		}
		vmc.core.SetGlobal(name, iv)
		return nil
	})
}

// Global reads a global variable. It reports false while another call is
// executing on the VM.
func (vmc *VM) Global(name string) (Value, bool) {
	var (
		res   Value
		found bool
	)
	_ = vmc.exclusive(func() error {
		v, ok := vmc.core.GetGlobal(name)
		if ok {
			res, found = vmc.fromInternal(v), true
		}
		return nil
	})
	return res, found
}

// HasFunction reports whether a callable global exists with the given name.
// It reports false while another call is executing on the VM.
func (vmc *VM) HasFunction(name string) bool {
	var found bool
	_ = vmc.exclusive(func() error {
		v, ok := vmc.core.GetGlobal(name)
		if ok {
			t := vmc.heap.TypeOf(v)
			found = t == heap.ObjClosure || t == heap.ObjNative
		}
		return nil
	})
	return found
}

// SetInstructionLimit caps the number of instructions a single run may
// execute (0 for unlimited).
func (vmc *VM) SetInstructionLimit(limit int) error {
	return vmc.exclusive(func() error {
		vmc.core.SetInstructionLimit(limit)
		return nil
	})
}

// SetTraceHook attaches a debug hook that observes instruction dispatch.
func (vmc *VM) SetTraceHook(h TraceHook) error {
	var hook vm.TraceHook
	if h != nil {
		hook = func(info vm.TraceInfo) {
			h(TraceInfo{
				Op:       info.Op,
				Function: info.Function,
				Source:   info.Source,
				Line:     info.Line,
				IP:       info.IP,
			})
		}
	}
	return vmc.exclusive(func() error {
		vmc.core.SetTraceHook(hook)
		return nil
	})
}

// Close detaches the VM from its heap. The VM must not be used afterwards;
// Close does nothing while a call is still executing.
func (vmc *VM) Close() {
	_ = vmc.exclusive(func() error {
		vmc.heap.RemoveRoots(vmc)
		vmc.core.Close()
		return nil
	})
}

// Stats is a snapshot of heap and VM counters.
type Stats struct {
	Live           int
	BytesAllocated int
	NextGC         int
	Collections    int
	Freed          int
	Interned       int
	Globals        int
}

func (s Stats) String() string {
	return fmt.Sprintf("objects=%d allocated=%s next_gc=%s collections=%d freed=%d interned=%d globals=%d",
		s.Live, humanize.Bytes(uint64(s.BytesAllocated)), humanize.Bytes(uint64(s.NextGC)),
		s.Collections, s.Freed, s.Interned, s.Globals)
}

// Stats reports allocator and collector counters.
func (vmc *VM) Stats() (Stats, error) {
	var s Stats
	err := vmc.exclusive(func() error {
		hs := vmc.heap.Stats()
		s = Stats{
			Live:           hs.Live,
			BytesAllocated: hs.BytesAllocated,
			NextGC:         hs.NextGC,
			Collections:    hs.Collections,
			Freed:          hs.Freed,
			Interned:       hs.Interned,
			Globals:        len(vmc.core.GlobalNames()),
		}
		return nil
	})
	return s, err
}

// FunctionHandle is a script or native function held by the host.
type FunctionHandle struct {
	owner *VM
	ref   value.Ref
	name  string
}

// Name is the function's declared name.
func (h *FunctionHandle) Name() string { return h.name }

// Release lets the collector reclaim the function once nothing else holds it.
func (h *FunctionHandle) Release() {
	if h == nil || h.owner == nil {
		return
	}
	h.owner.unpin(h.ref)
	h.owner = nil
}

// Call invokes the function on its owning VM.
func (h *FunctionHandle) Call(ctx context.Context, args ...Value) (Value, error) {
	if h == nil || h.owner == nil {
		return Value{}, errors.New("released function handle")
	}
	ref := h.ref
	return h.owner.callValue(ctx, func() (value.Value, error) {
		return value.Obj(ref), nil
	}, args)
}

// Call resolves a global function by name and invokes it.
func (vmc *VM) Call(ctx context.Context, name string, args ...Value) (Value, error) {
	return vmc.callValue(ctx, func() (value.Value, error) {
		callee, ok := vmc.core.GetGlobal(name)
		if !ok {
			return value.Nil(), fmt.Errorf("call %s: undefined function", name)
		}
		return callee, nil
	}, args)
}

// callValue resolves the callee only once the VM is held, since globals may
// change under a running script.
func (vmc *VM) callValue(ctx context.Context, resolve func() (value.Value, error), args []Value) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}
	if err := vmc.acquire(); err != nil {
		return Value{}, err
	}
	defer vmc.release()
	callee, err := resolve()
	if err != nil {
		return Value{}, err
	}
	// Converted arguments stay pinned until the call returns; interning a
	// later one may collect.
	argVals := make([]value.Value, len(args))
	defer func() {
		for _, a := range argVals {
			if a.IsObject() {
				vmc.unpin(a.Ref)
			}
		}
	}()
	for i, a := range args {
		v, err := vmc.toInternal(a)
		if err != nil {
			return Value{}, err
		}
		if v.IsObject() {
			vmc.pin(v.Ref)
		}
		argVals[i] = v
	}
	res, err := vmc.core.CallValue(callee, argVals...)
	if err != nil {
		return Value{}, convertError(err)
	}
	return vmc.fromInternal(res), nil
}

// CallFuture represents an in-flight VM call.
type CallFuture struct {
	ch <-chan CallResult
}

// CallResult is the outcome of a VM call.
type CallResult struct {
	Value Value
	Err   error
}

// Await waits for completion or context cancellation.
func (f CallFuture) Await(ctx context.Context) (Value, error) {
	select {
	case <-ctx.Done():
		return Value{}, ctx.Err()
	case res := <-f.ch:
		return res.Value, res.Err
	}
}

// CallAsync runs Call on a separate goroutine.
func (vmc *VM) CallAsync(ctx context.Context, name string, args ...Value) CallFuture {
	ch := make(chan CallResult, 1)
	go func() {
		defer close(ch)
		v, err := vmc.Call(ctx, name, args...)
		ch <- CallResult{Value: v, Err: err}
	}()
	return CallFuture{ch: ch}
}

func (vmc *VM) fromInternal(v value.Value) Value {
	switch {
	case v.IsNil():
		return Nil()
	case v.IsBool():
		return Bool(v.B)
	case v.IsNumber():
		return Number(v.Num)
	}
	switch vmc.heap.TypeOf(v) {
	case heap.ObjString:
		return String(vmc.heap.AsString(v.Ref).Chars)
	case heap.ObjClosure:
		fn := vmc.heap.AsFunction(vmc.heap.AsClosure(v.Ref).Function)
		vmc.pin(v.Ref)
		return Value{kind: ValueFunction, fn: &FunctionHandle{owner: vmc, ref: v.Ref, name: vmc.heap.FunctionName(fn)}}
	case heap.ObjNative:
		vmc.pin(v.Ref)
		return Value{kind: ValueFunction, fn: &FunctionHandle{owner: vmc, ref: v.Ref, name: vmc.heap.AsNative(v.Ref).Name}}
	default:
		return Nil()
	}
}

func (vmc *VM) toInternal(v Value) (value.Value, error) {
	switch v.kind {
	case ValueBool:
		return value.Bool(v.b), nil
	case ValueNumber:
		return value.Number(v.num), nil
	case ValueString:
		return value.Obj(vmc.heap.Intern(v.str)), nil
	case ValueFunction:
		if v.fn == nil || v.fn.owner != vmc {
			return value.Nil(), errors.New("function belongs to another VM")
		}
		return value.Obj(v.fn.ref), nil
	default:
		return value.Nil(), nil
	}
}
