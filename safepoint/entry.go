package safepoint

import (
	"bytes"
	"math/bits"
)

// Entry is a decoded safepoint table record. It is a read-only view: the
// tagged slot bitmap aliases the table's backing memory.
type Entry struct {
	valid                 bool
	pc                    int
	deoptIndex            int
	trampolinePC          int
	taggedRegisterIndexes uint32
	taggedSlots           []byte
}

func newEntry(pc, deoptIndex, trampolinePC int, registers uint32, slots []byte) Entry {
	return Entry{
		valid:                 true,
		pc:                    pc,
		deoptIndex:            deoptIndex,
		trampolinePC:          trampolinePC,
		taggedRegisterIndexes: registers,
		taggedSlots:           slots,
	}
}

// IsValid reports whether e was produced by a table lookup.
func (e Entry) IsValid() bool {
	return e.valid
}

// Reset clears e back to the invalid zero entry.
func (e *Entry) Reset() {
	*e = Entry{}
}

// PC returns the pc offset of the entry from the instruction start.
func (e Entry) PC() int {
	return e.pc
}

// HasDeoptimizationIndex reports whether the entry carries deopt data.
func (e Entry) HasDeoptimizationIndex() bool {
	return e.deoptIndex != NoDeoptIndex
}

// DeoptimizationIndex returns the deoptimization index.
// Panics if the entry has none.
func (e Entry) DeoptimizationIndex() int {
	if !e.HasDeoptimizationIndex() {
		invariantf("Entry.DeoptimizationIndex", "entry at pc %d has no deoptimization index", e.pc)
	}
	return e.deoptIndex
}

// TrampolinePC returns the trampoline offset, or NoTrampolinePC.
func (e Entry) TrampolinePC() int {
	return e.trampolinePC
}

// TaggedRegisterIndexes returns the bitmask of registers holding tagged
// values; bit n set means register code n.
func (e Entry) TaggedRegisterIndexes() uint32 {
	return e.taggedRegisterIndexes
}

// HasTaggedRegister reports whether register code holds a tagged value.
func (e Entry) HasTaggedRegister(code int) bool {
	if code < 0 || code >= 32 {
		return false
	}
	return e.taggedRegisterIndexes&(1<<uint(code)) != 0
}

// TaggedSlots returns the raw tagged-slot bitmap. Bit b of byte i covers
// the slot i*8+b words above the start of the tagged region (sp side).
func (e Entry) TaggedSlots() []byte {
	return e.taggedSlots
}

// IsTaggedSlotOffset reports whether the slot spOffset words into the
// tagged region holds a tagged value.
func (e Entry) IsTaggedSlotOffset(spOffset int) bool {
	if spOffset < 0 || spOffset >= len(e.taggedSlots)*bitsPerByte {
		return false
	}
	return e.taggedSlots[spOffset/bitsPerByte]&(1<<uint(spOffset%bitsPerByte)) != 0
}

// TaggedSlotOffsets returns the sp-relative offsets of all tagged slots in
// increasing order.
func (e Entry) TaggedSlotOffsets() []int {
	var offsets []int
	for i, b := range e.taggedSlots {
		for b != 0 {
			bit := bits.TrailingZeros8(b)
			b &^= 1 << uint(bit)
			offsets = append(offsets, i*bitsPerByte+bit)
		}
	}
	return offsets
}

// SlotIndexes maps the bitmap back to the slot indexes the builder was
// given, for a tagged region of taggedSlotsSize slots (after trimming).
// Indexes are returned in increasing order.
func (e Entry) SlotIndexes(taggedSlotsSize int) []int {
	offsets := e.TaggedSlotOffsets()
	indexes := make([]int, 0, len(offsets))
	for i := len(offsets) - 1; i >= 0; i-- {
		indexes = append(indexes, taggedSlotsSize-1-offsets[i])
	}
	return indexes
}

// Equal reports whether two entries describe the same safepoint.
func (e Entry) Equal(other Entry) bool {
	return e.valid == other.valid &&
		e.pc == other.pc &&
		e.deoptIndex == other.deoptIndex &&
		e.trampolinePC == other.trampolinePC &&
		e.taggedRegisterIndexes == other.taggedRegisterIndexes &&
		bytes.Equal(e.taggedSlots, other.taggedSlots)
}
