package str

import (
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/runtime"
	"github.com/dcechano/clox/internal/value"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:  "str",
		Arity: 1,
		Fn:    runStr,
	})
}

// runStr converts any value to the string print would show for it.
func runStr(h *heap.Heap, args []value.Value) (value.Value, error) {
	if args[0].IsObject() && h.TypeOf(args[0]) == heap.ObjString {
		return args[0], nil
	}
	return value.Obj(h.Intern(h.FormatValue(args[0]))), nil
}
