package runtime

import (
	"fmt"
	"sort"

	"github.com/dcechano/clox/internal/heap"
)

// Spec describes a native function installed as a global in every VM.
type Spec struct {
	Name string
	// Arity is the exact argument count, or -1 for variadic natives.
	Arity int
	Fn    heap.NativeFn
}

var byName = map[string]Spec{}

// Register installs a native. Plugins call it from init.
func Register(spec Spec) {
	if spec.Fn == nil {
		panic(fmt.Sprintf("builtin %s has nil handler", spec.Name))
	}
	if spec.Name == "" {
		panic("builtin registered without a name")
	}
	if _, exists := byName[spec.Name]; exists {
		panic(fmt.Sprintf("builtin %s already registered", spec.Name))
	}
	byName[spec.Name] = spec
}

// LookupByName finds a builtin by its script-visible name.
func LookupByName(name string) (Spec, bool) {
	spec, ok := byName[name]
	return spec, ok
}

// All returns all registered builtins ordered by name.
func All() []Spec {
	out := make([]Spec, 0, len(byName))
	for _, spec := range byName {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
