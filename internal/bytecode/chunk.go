package bytecode

import (
	"errors"

	"github.com/dcechano/clox/internal/value"
)

const (
	// MaxShortConst is the largest constant index encodable in one byte.
	MaxShortConst = 0xff
	// MaxLongConst is the largest constant index encodable in three bytes.
	MaxLongConst = 1<<24 - 1

	minCapacity = 8
)

var ErrTooManyConstants = errors.New("too many constants in one chunk")

// Chunk is a compiled bytecode sequence with its constant pool.
// Lines holds one entry per byte of Code.
type Chunk struct {
	Code   []byte
	Lines  []int
	Consts []value.Value
}

// NewChunk returns an empty chunk.
func NewChunk() *Chunk {
	return &Chunk{}
}

func growCapacity(capacity int) int {
	if capacity < minCapacity {
		return minCapacity
	}
	return capacity * 2
}

// Write appends a byte and the source line that produced it.
func (c *Chunk) Write(b byte, line int) {
	if len(c.Code) == cap(c.Code) {
		newCap := growCapacity(cap(c.Code))
		code := make([]byte, len(c.Code), newCap)
		copy(code, c.Code)
		c.Code = code
		lines := make([]int, len(c.Lines), newCap)
		copy(lines, c.Lines)
		c.Lines = lines
	}
	c.Code = append(c.Code, b)
	c.Lines = append(c.Lines, line)
}

// AddConstant appends v to the pool and returns its index, which stays valid
// for the lifetime of the chunk. Duplicates are not merged.
func (c *Chunk) AddConstant(v value.Value) int {
	c.Consts = append(c.Consts, v)
	return len(c.Consts) - 1
}

// WriteConstant adds v to the pool and emits the instruction that loads it.
func (c *Chunk) WriteConstant(v value.Value, line int) (int, error) {
	idx := c.AddConstant(v)
	if err := c.WriteIndexed(OP_CONST, idx, line); err != nil {
		return idx, err
	}
	return idx, nil
}

// WriteIndexed emits op with a constant index operand, escalating to the
// long form when idx does not fit in a byte.
func (c *Chunk) WriteIndexed(op byte, idx int, line int) error {
	if idx < 0 || idx > MaxLongConst {
		return ErrTooManyConstants
	}
	if idx <= MaxShortConst {
		c.Write(op, line)
		c.Write(byte(idx), line)
		return nil
	}
	long, ok := LongForm(op)
	if !ok {
		return ErrTooManyConstants
	}
	c.Write(long, line)
	c.Write(byte(idx>>16), line)
	c.Write(byte(idx>>8), line)
	c.Write(byte(idx), line)
	return nil
}

// LineAt returns the source line of the byte at offset, or 0 when out of range.
func (c *Chunk) LineAt(offset int) int {
	if offset < 0 || offset >= len(c.Lines) {
		return 0
	}
	return c.Lines[offset]
}

// Len returns the number of bytes in the chunk.
func (c *Chunk) Len() int {
	return len(c.Code)
}

// Free drops the code, line and constant buffers. Objects referenced by the
// constants belong to the heap and are untouched.
func (c *Chunk) Free() {
	c.Code = nil
	c.Lines = nil
	c.Consts = nil
}
