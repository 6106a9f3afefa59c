// Package code holds installed compiled functions: their instruction bytes,
// the metadata emitted after them, and the code space that maps program
// counters back to functions.
package code

import (
	"fmt"

	"github.com/chazu/sptab/safepoint"
)

// Address is an absolute address in a code space.
type Address = safepoint.Address

// Desc describes a finished compilation, ready to be installed.
type Desc struct {
	Name string

	// Body holds the instructions followed by metadata (the safepoint
	// table). Offsets below are relative to the start of Body.
	Body                 []byte
	InstructionSize      int
	SafepointTableOffset int

	// TaggedSlots is the size of the tagged stack region the table was
	// emitted for, after trimming.
	TaggedSlots int

	// DeoptReasons maps deoptimization indexes to reasons.
	DeoptReasons []string
}

// Validate checks that the offsets in d are consistent with Body.
func (d *Desc) Validate() error {
	if d.InstructionSize < 0 || d.InstructionSize > len(d.Body) {
		return fmt.Errorf("code %q: instruction size %d outside body of %d bytes", d.Name, d.InstructionSize, len(d.Body))
	}
	if d.SafepointTableOffset < d.InstructionSize || d.SafepointTableOffset+8 > len(d.Body) {
		return fmt.Errorf("code %q: safepoint table offset %d invalid", d.Name, d.SafepointTableOffset)
	}
	t := safepoint.NewTableAt(d.Body, 0, 0, Address(d.SafepointTableOffset))
	if t.Length() > 0 && t.PCSize() == 0 {
		return fmt.Errorf("code %q: safepoint table has %d entries without pcs", d.Name, t.Length())
	}
	if end := d.SafepointTableOffset + t.ByteSize(); end > len(d.Body) {
		return fmt.Errorf("code %q: safepoint table ends at %d, past body of %d bytes", d.Name, end, len(d.Body))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Code
// ---------------------------------------------------------------------------

// Code is an installed compiled function. Its bytes are immutable once
// installed, so any number of goroutines may read its safepoint table.
type Code struct {
	name                 string
	base                 Address
	body                 []byte
	instructionSize      int
	safepointTableOffset int
	taggedSlots          int
	deoptReasons         []string
}

// New installs d at base.
func New(d Desc, base Address) *Code {
	return &Code{
		name:                 d.Name,
		base:                 base,
		body:                 d.Body,
		instructionSize:      d.InstructionSize,
		safepointTableOffset: d.SafepointTableOffset,
		taggedSlots:          d.TaggedSlots,
		deoptReasons:         d.DeoptReasons,
	}
}

// Name returns the function name.
func (c *Code) Name() string {
	return c.name
}

// Base returns the address of the first body byte.
func (c *Code) Base() Address {
	return c.base
}

// Memory returns the body bytes, mapped at Base.
func (c *Code) Memory() []byte {
	return c.body
}

// Size returns the total body size including metadata.
func (c *Code) Size() int {
	return len(c.body)
}

// InstructionStart returns the address pc offsets are relative to.
func (c *Code) InstructionStart() Address {
	return c.base
}

// InstructionEnd returns the address just past the last instruction.
func (c *Code) InstructionEnd() Address {
	return c.base + Address(c.instructionSize)
}

// InstructionSize returns the size of the instruction area.
func (c *Code) InstructionSize() int {
	return c.instructionSize
}

// Contains reports whether pc lies in the instruction area.
func (c *Code) Contains(pc Address) bool {
	return pc >= c.InstructionStart() && pc < c.InstructionEnd()
}

// SafepointTableOffset returns the table offset from the body start.
func (c *Code) SafepointTableOffset() int {
	return c.safepointTableOffset
}

// SafepointTableAddress returns the absolute address of the table header.
func (c *Code) SafepointTableAddress() Address {
	return c.base + Address(c.safepointTableOffset)
}

// SafepointTable returns a reader over the function's table. Readers are
// cheap and not cached.
func (c *Code) SafepointTable() *safepoint.Table {
	return safepoint.NewTable(c)
}

// TaggedSlots returns the size of the tagged stack region.
func (c *Code) TaggedSlots() int {
	return c.taggedSlots
}

// DeoptCount returns the number of deoptimization reasons.
func (c *Code) DeoptCount() int {
	return len(c.deoptReasons)
}

// DeoptReason returns the reason registered for a deoptimization index.
func (c *Code) DeoptReason(index int) (string, bool) {
	if index < 0 || index >= len(c.deoptReasons) {
		return "", false
	}
	return c.deoptReasons[index], true
}

// Desc returns a description that reinstalls c elsewhere.
func (c *Code) Desc() Desc {
	return Desc{
		Name:                 c.name,
		Body:                 c.body,
		InstructionSize:      c.instructionSize,
		SafepointTableOffset: c.safepointTableOffset,
		TaggedSlots:          c.taggedSlots,
		DeoptReasons:         c.deoptReasons,
	}
}
