// Package asm provides the code stream that compiled functions and their
// metadata tables are written into.
package asm

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Instruction encodings
// ---------------------------------------------------------------------------

// Only the handful of encodings the code generator needs are modelled.
const (
	OpNop  byte = 0x90 // single-byte no-op, also used as alignment filler
	OpCall byte = 0xE8 // call rel32
	OpJump byte = 0xE9 // jmp rel32
	OpRet  byte = 0xC3 // ret
)

// CallSize is the length of a call or jump instruction.
const CallSize = 5

// Comment annotates an offset in the code stream (for disassembly).
type Comment struct {
	Offset int
	Text   string
}

// ---------------------------------------------------------------------------
// Assembler
// ---------------------------------------------------------------------------

// Assembler is a growable code buffer. Offsets are relative to the start of
// the buffer, which becomes the instruction start of the code object.
type Assembler struct {
	buf      []byte
	comments []Comment
}

// New creates an empty assembler.
func New() *Assembler {
	return &Assembler{buf: make([]byte, 0, 256)}
}

// Bytes returns the assembled bytes.
func (a *Assembler) Bytes() []byte {
	return a.buf
}

// Len returns the number of bytes emitted.
func (a *Assembler) Len() int {
	return len(a.buf)
}

// PCOffset returns the offset of the next byte to be emitted.
func (a *Assembler) PCOffset() int {
	return len(a.buf)
}

// PCOffsetForSafepoint returns the pc recorded for a safepoint defined now,
// which is the return address of the call just emitted.
func (a *Assembler) PCOffsetForSafepoint() int {
	return len(a.buf)
}

// DB emits a single byte.
func (a *Assembler) DB(b byte) {
	a.buf = append(a.buf, b)
}

// DD emits a little-endian 32-bit word.
func (a *Assembler) DD(v uint32) {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
}

// DQ emits a little-endian 64-bit word.
func (a *Assembler) DQ(v uint64) {
	a.buf = binary.LittleEndian.AppendUint64(a.buf, v)
}

// Emit appends raw bytes.
func (a *Assembler) Emit(data ...byte) {
	a.buf = append(a.buf, data...)
}

// Nop emits a one-byte no-op.
func (a *Assembler) Nop() {
	a.DB(OpNop)
}

// Ret emits a return.
func (a *Assembler) Ret() {
	a.DB(OpRet)
}

// Call emits a call to the absolute code offset target and returns the
// return address offset.
func (a *Assembler) Call(target int) int {
	a.emitRel32(OpCall, target)
	return a.PCOffset()
}

// Jump emits a jump to the absolute code offset target.
func (a *Assembler) Jump(target int) {
	a.emitRel32(OpJump, target)
}

func (a *Assembler) emitRel32(op byte, target int) {
	next := a.PCOffset() + CallSize
	a.DB(op)
	a.DD(uint32(int32(target - next)))
}

// PadTo emits no-ops until the next byte would be at offset.
// Panics if the stream is already past offset.
func (a *Assembler) PadTo(offset int) {
	if offset < a.PCOffset() {
		panic(fmt.Sprintf("Assembler.PadTo: offset %d is behind pc %d", offset, a.PCOffset()))
	}
	for a.PCOffset() < offset {
		a.Nop()
	}
}

// Align pads the stream with no-ops to a multiple of n, a power of two.
func (a *Assembler) Align(n int) {
	if n <= 0 || n&(n-1) != 0 {
		panic(fmt.Sprintf("Assembler.Align: %d is not a power of two", n))
	}
	for len(a.buf)&(n-1) != 0 {
		a.Nop()
	}
}

// RecordComment attaches text to the current offset.
func (a *Assembler) RecordComment(text string) {
	a.comments = append(a.comments, Comment{Offset: a.PCOffset(), Text: text})
}

// Comments returns the recorded comments in emission order.
func (a *Assembler) Comments() []Comment {
	return a.comments
}
