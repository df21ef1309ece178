package vm

import "github.com/dcechano/clox/internal/value"

// captureUpvalue returns the open upvalue for a stack slot, creating it if
// no closure has captured that slot yet. openUpvalues stays sorted by slot.
func (vm *VM) captureUpvalue(slot int) value.Ref {
	i := len(vm.openUpvalues)
	for i > 0 {
		uv := vm.heap.AsUpvalue(vm.openUpvalues[i-1])
		if uv.Slot() == slot {
			return vm.openUpvalues[i-1]
		}
		if uv.Slot() < slot {
			break
		}
		i--
	}
	ref := vm.heap.NewUpvalue(slot)
	vm.openUpvalues = append(vm.openUpvalues, value.Ref{})
	copy(vm.openUpvalues[i+1:], vm.openUpvalues[i:])
	vm.openUpvalues[i] = ref
	return ref
}

// closeUpvalues closes every open upvalue at or above last.
func (vm *VM) closeUpvalues(last int) {
	for n := len(vm.openUpvalues); n > 0; n = len(vm.openUpvalues) {
		ref := vm.openUpvalues[n-1]
		uv := vm.heap.AsUpvalue(ref)
		if uv.Slot() < last {
			return
		}
		uv.Close(vm.stack[uv.Slot()])
		vm.openUpvalues = vm.openUpvalues[:n-1]
	}
}

func (vm *VM) readUpvalue(ref value.Ref) value.Value {
	uv := vm.heap.AsUpvalue(ref)
	if uv.IsOpen() {
		return vm.stack[uv.Slot()]
	}
	return uv.Closed()
}

func (vm *VM) writeUpvalue(ref value.Ref, v value.Value) {
	uv := vm.heap.AsUpvalue(ref)
	if uv.IsOpen() {
		vm.stack[uv.Slot()] = v
		return
	}
	uv.SetClosed(v)
}
