package errorbuiltin

import (
	"errors"

	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/runtime"
	"github.com/dcechano/clox/internal/value"
)

func init() {
	runtime.Register(runtime.Spec{
		Name:  "error",
		Arity: 1,
		Fn:    runError,
	})
}

// runError aborts the running program with the given message.
func runError(h *heap.Heap, args []value.Value) (value.Value, error) {
	msg, ok := h.StringValue(args[0])
	if !ok {
		return value.Nil(), errors.New("error expects string")
	}
	return value.Nil(), errors.New(msg)
}
