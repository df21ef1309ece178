// Package builtins links every native plugin into the binary.
package builtins

import (
	_ "github.com/dcechano/clox/internal/builtins/clock"
	_ "github.com/dcechano/clox/internal/builtins/error"
	_ "github.com/dcechano/clox/internal/builtins/str"
	_ "github.com/dcechano/clox/internal/builtins/typeof"
)
