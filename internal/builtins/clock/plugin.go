package clock

import (
	"time"

	"github.com/dcechano/clox/internal/heap"
	"github.com/dcechano/clox/internal/runtime"
	"github.com/dcechano/clox/internal/value"
)

var start = time.Now()

func init() {
	runtime.Register(runtime.Spec{
		Name:  "clock",
		Arity: 0,
		Fn:    runClock,
	})
}

// runClock returns seconds elapsed since the process started.
func runClock(_ *heap.Heap, _ []value.Value) (value.Value, error) {
	return value.Number(time.Since(start).Seconds()), nil
}
