package vm

import (
	"fmt"
	"io"

	"github.com/dcechano/clox/internal/bytecode"
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
)

// Disassemble writes fn and every function nested in its constants.
func (vm *VM) Disassemble(w io.Writer, fn value.Ref) error {
	if w == nil {
		return fmt.Errorf("nil writer")
	}
	info, ok := vm.heap.FunctionInfo(value.Obj(fn))
	if !ok {
		return fmt.Errorf("disassemble: %w", heap.ErrDanglingRef)
	}
	return bytecode.NewDisassembler(w, vm.heap).DisassembleFunction(info)
}

// DisassembleGlobals emits bytecode for every global function, by name.
// Natives are listed without a body.
func (vm *VM) DisassembleGlobals(w io.Writer) error {
	if w == nil {
		return fmt.Errorf("nil writer")
	}
	dis := bytecode.NewDisassembler(w, vm.heap)
	for _, name := range vm.GlobalNames() {
		v, _ := vm.GetGlobal(name)
		switch vm.heap.TypeOf(v) {
		case heap.ObjNative:
			fmt.Fprintf(w, "== %s <native fn> ==\n\n", name)
		case heap.ObjClosure:
			info, _ := vm.heap.FunctionInfo(value.Obj(vm.heap.AsClosure(v.Ref).Function))
			if err := dis.DisassembleFunction(info); err != nil {
				return err
			}
		}
	}
	return nil
}
