package compiler

import "github.com/dcechano/clox/internal/bytecode"

type Chunk = bytecode.Chunk
