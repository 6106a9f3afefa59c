package safepoint

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical encoding so equal tables encode identically.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("safepoint: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// TableSnapshot is a decoded copy of a table for external tooling.
type TableSnapshot struct {
	InstructionStart    uint64          `cbor:"instruction_start"`
	ByteSize            int             `cbor:"byte_size"`
	HasDeoptData        bool            `cbor:"has_deopt_data"`
	RegisterIndexesSize int             `cbor:"register_indexes_size"`
	PCSize              int             `cbor:"pc_size"`
	DeoptIndexSize      int             `cbor:"deopt_index_size"`
	TaggedSlotsBytes    int             `cbor:"tagged_slots_bytes"`
	Entries             []EntrySnapshot `cbor:"entries"`
}

// EntrySnapshot is one decoded entry.
type EntrySnapshot struct {
	PC           int    `cbor:"pc"`
	DeoptIndex   int    `cbor:"deopt_index"`
	TrampolinePC int    `cbor:"trampoline_pc"`
	Registers    uint32 `cbor:"registers"`
	TaggedSlots  []byte `cbor:"tagged_slots"`
	SlotOffsets  []int  `cbor:"slot_offsets,omitempty"`
}

// Snapshot decodes every entry of t.
func (t *Table) Snapshot() *TableSnapshot {
	s := &TableSnapshot{
		InstructionStart:    uint64(t.instructionStart),
		ByteSize:            t.ByteSize(),
		HasDeoptData:        t.HasDeoptData(),
		RegisterIndexesSize: t.RegisterIndexesSize(),
		PCSize:              t.PCSize(),
		DeoptIndexSize:      t.DeoptIndexSize(),
		TaggedSlotsBytes:    t.TaggedSlotsBytes(),
		Entries:             make([]EntrySnapshot, 0, t.length),
	}
	for i := 0; i < t.length; i++ {
		e := t.GetEntry(i)
		s.Entries = append(s.Entries, EntrySnapshot{
			PC:           e.PC(),
			DeoptIndex:   e.deoptIndex,
			TrampolinePC: e.TrampolinePC(),
			Registers:    e.TaggedRegisterIndexes(),
			TaggedSlots:  append([]byte(nil), e.TaggedSlots()...),
			SlotOffsets:  e.TaggedSlotOffsets(),
		})
	}
	return s
}

// MarshalSnapshot serializes a TableSnapshot to CBOR bytes.
func MarshalSnapshot(s *TableSnapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a TableSnapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*TableSnapshot, error) {
	var s TableSnapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("safepoint: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
