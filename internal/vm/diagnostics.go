package vm

import (
	"fmt"
	"strings"

	"github.com/dcechano/clox/internal/bytecode"
)

// TraceInfo describes a single instruction dispatch for debugging/tracing.
type TraceInfo struct {
	Op       byte
	Function string
	Source   string
	Line     int
	IP       int
}

// TraceHook observes instruction dispatch for debugging/profiling.
type TraceHook func(TraceInfo)

// FrameInfo captures the call frame at the time of an error or trace event.
type FrameInfo struct {
	Function string
	Source   string
	Line     int
	IP       int
}

// RuntimeError carries source/stack information for VM failures.
type RuntimeError struct {
	Message string
	Frame   FrameInfo
	// Stack lists active frames innermost first.
	Stack []FrameInfo
	Cause error
}

func (e *RuntimeError) Error() string {
	locParts := []string{}
	if e.Frame.Source != "" {
		if e.Frame.Line > 0 {
			locParts = append(locParts, fmt.Sprintf("%s:%d", e.Frame.Source, e.Frame.Line))
		} else {
			locParts = append(locParts, e.Frame.Source)
		}
	} else if e.Frame.Line > 0 {
		locParts = append(locParts, fmt.Sprintf("line %d", e.Frame.Line))
	}
	if e.Frame.Function != "" {
		locParts = append(locParts, fmt.Sprintf("in %s", e.Frame.Function))
	}
	loc := strings.Join(locParts, " ")
	if loc != "" {
		return fmt.Sprintf("%s: %s", loc, e.Message)
	}
	return e.Message
}

// Unwrap exposes the original error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// Report renders the message followed by one line per frame, innermost
// first, in the form written to the error stream.
func (e *RuntimeError) Report() string {
	var b strings.Builder
	b.WriteString(e.Message)
	b.WriteByte('\n')
	for _, fr := range e.Stack {
		if fr.Function == scriptName {
			fmt.Fprintf(&b, "[line %d] in script\n", fr.Line)
		} else {
			fmt.Fprintf(&b, "[line %d] in %s()\n", fr.Line, fr.Function)
		}
	}
	return b.String()
}

const scriptName = "script"

func (vm *VM) errorf(fr *frame, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return vm.fail(vm.newRuntimeError(fr, vm.offsetForFrame(fr), msg, nil))
}

func (vm *VM) wrapError(fr *frame, err error) error {
	if err == nil {
		return nil
	}
	rerr, ok := err.(*RuntimeError)
	if !ok {
		rerr = vm.newRuntimeError(fr, vm.offsetForFrame(fr), err.Error(), err)
	}
	return vm.fail(rerr)
}

// fail reports err and unwinds: the stack, frames and open upvalues are
// discarded so the VM is ready for the next program.
func (vm *VM) fail(err *RuntimeError) error {
	if vm.errOut != nil {
		fmt.Fprint(vm.errOut, err.Report())
	}
	vm.logger.Debug().Str("error", err.Message).Int("line", err.Frame.Line).Msg("runtime error")
	vm.ResetState()
	return err
}

func (vm *VM) newRuntimeError(fr *frame, offset int, msg string, cause error) *RuntimeError {
	frameInfo := vm.frameInfo(fr, offset)
	stack := vm.stackTrace(fr, offset)
	return &RuntimeError{
		Message: msg,
		Frame:   frameInfo,
		Stack:   stack,
		Cause:   cause,
	}
}

func (vm *VM) trace(fr *frame, op byte) {
	if vm.traceOut != nil {
		vm.traceInstruction(fr)
	}
	if vm.traceHook == nil {
		return
	}
	info := vm.frameInfo(fr, vm.offsetForFrame(fr))
	vm.traceHook(TraceInfo{
		Op:       op,
		Function: info.Function,
		Source:   info.Source,
		Line:     info.Line,
		IP:       info.IP,
	})
}

// traceInstruction prints the operand stack and the instruction about to run.
func (vm *VM) traceInstruction(fr *frame) {
	var b strings.Builder
	b.WriteString("          ")
	for _, v := range vm.stack {
		fmt.Fprintf(&b, "[ %s ]", vm.heap.FormatValue(v))
	}
	fmt.Fprintln(vm.traceOut, b.String())
	dis := bytecode.NewDisassembler(vm.traceOut, vm.heap)
	if _, err := dis.Instruction(fr.fn.Chunk, fr.lastOp); err != nil {
		vm.logger.Warn().Err(err).Msg("trace failed")
	}
}

func (vm *VM) stackTrace(current *frame, offset int) []FrameInfo {
	if len(vm.frames) == 0 {
		return nil
	}
	trace := make([]FrameInfo, 0, len(vm.frames))
	for i := len(vm.frames) - 1; i >= 0; i-- {
		fr := &vm.frames[i]
		off := fr.lastOp
		if fr == current && offset >= 0 {
			off = offset
		}
		trace = append(trace, vm.frameInfo(fr, off))
	}
	return trace
}

func (vm *VM) frameInfo(fr *frame, offset int) FrameInfo {
	if fr == nil || fr.fn == nil {
		return FrameInfo{}
	}
	name := vm.heap.FunctionName(fr.fn)
	if name == "" {
		name = scriptName
	}
	return FrameInfo{
		Function: name,
		Source:   vm.source,
		Line:     fr.fn.Chunk.LineAt(offset),
		IP:       offset,
	}
}

func (vm *VM) offsetForFrame(fr *frame) int {
	if fr == nil {
		return -1
	}
	if fr.lastOp >= 0 {
		return fr.lastOp
	}
	return fr.r.Offset()
}
