package bytecode

// Reader is a cursor over a chunk's code exposing typed operand reads.
// It is a value type so call frames can embed it directly.
type Reader struct {
	code []byte
	ip   int
}

// NewReader positions a cursor at the start of code.
func NewReader(code []byte) Reader {
	return Reader{code: code}
}

// Offset is the position of the next byte to be read.
func (r *Reader) Offset() int { return r.ip }

// Remaining is the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.code) - r.ip }

// Done reports whether the cursor has consumed all code.
func (r *Reader) Done() bool { return r.ip >= len(r.code) }

// ReadU8 reads a 1-byte operand or opcode.
func (r *Reader) ReadU8() byte {
	b := r.code[r.ip]
	r.ip++
	return b
}

// ReadU16 reads a 2-byte big-endian operand.
func (r *Reader) ReadU16() uint16 {
	hi := r.code[r.ip]
	lo := r.code[r.ip+1]
	r.ip += 2
	return uint16(hi)<<8 | uint16(lo)
}

// ReadU24 reads a 3-byte big-endian operand.
func (r *Reader) ReadU24() int {
	b0 := r.code[r.ip]
	b1 := r.code[r.ip+1]
	b2 := r.code[r.ip+2]
	r.ip += 3
	return int(b0)<<16 | int(b1)<<8 | int(b2)
}

// ReadIndex reads a constant index in the width implied by long.
func (r *Reader) ReadIndex(long bool) int {
	if long {
		return r.ReadU24()
	}
	return int(r.ReadU8())
}

// Jump moves the cursor forward by n bytes.
func (r *Reader) Jump(n int) { r.ip += n }

// Loop moves the cursor backward by n bytes.
func (r *Reader) Loop(n int) { r.ip -= n }
