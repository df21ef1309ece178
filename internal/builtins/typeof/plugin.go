package typeof

import (
	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/runtime"
	"github.com/dcechano/clox/internal/value"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:  "typeof",
		Arity: 1,
		Fn:    runTypeof,
	})
}

func runTypeof(h *heap.Heap, args []value.Value) (value.Value, error) {
	return value.Obj(h.Intern(h.TypeName(args[0]))), nil
}
