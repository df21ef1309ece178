package vm

import (
	"fmt"
	"sort"

	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/value"
)

// GetGlobal reads a global by name.
func (vm *VM) GetGlobal(name string) (value.Value, bool) {
	key, ok := vm.heap.FindInterned(name)
	if !ok {
		return value.Nil(), false
	}
	return vm.globals.Get(key)
}

// SetGlobal defines or overwrites a global. Object values must belong to the
// VM's heap.
func (vm *VM) SetGlobal(name string, v value.Value) {
	vm.push(v)
	key := vm.heap.Intern(name)
	vm.globals.Set(key, v)
	vm.pop()
}

// GlobalNames returns the names of all defined globals, sorted.
func (vm *VM) GlobalNames() []string {
	names := make([]string, 0, vm.globals.Len())
	vm.globals.Each(func(k value.Ref, _ value.Value) {
		if s := vm.heap.AsString(k); s != nil {
			names = append(names, s.Chars)
		}
	})
	sort.Strings(names)
	return names
}

// Call invokes the global function name with args and returns its result.
// The VM must not be running.
func (vm *VM) Call(name string, args ...value.Value) (value.Value, error) {
	callee, ok := vm.GetGlobal(name)
	if !ok {
		return value.Nil(), fmt.Errorf("call %s: undefined function", name)
	}
	res, err := vm.CallValue(callee, args...)
	if err != nil {
		if _, isRuntime := err.(*RuntimeError); !isRuntime {
			return res, fmt.Errorf("call %s: %w", name, err)
		}
	}
	return res, err
}

// CallValue invokes a closure or native with args.
func (vm *VM) CallValue(callee value.Value, args ...value.Value) (value.Value, error) {
	vm.ResetState()
	defer vm.ResetState()
	vm.push(callee)
	for _, a := range args {
		vm.push(a)
	}
	switch vm.heap.TypeOf(callee) {
	case heap.ObjClosure:
		if err := vm.call(callee.Ref, len(args)); err != nil {
			return value.Nil(), err
		}
		return vm.run(0)
	case heap.ObjNative:
		native := vm.heap.AsNative(callee.Ref)
		if native.Arity >= 0 && len(args) != native.Arity {
			return value.Nil(), fmt.Errorf("expected %d arguments but got %d", native.Arity, len(args))
		}
		return native.Fn(vm.heap, args)
	default:
		return value.Nil(), fmt.Errorf("%s is not callable", vm.heap.TypeName(callee))
	}
}
