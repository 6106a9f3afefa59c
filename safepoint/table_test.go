package safepoint

import (
	"bytes"
	"math/rand"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/chazu/sptab/asm"
)

// deoptTable has an ordinary entry at pc 20 after a deoptimizable call at
// pc 10 whose trampoline sits at 1000.
func deoptTable(t *testing.T) *Table {
	t.Helper()
	b := NewBuilder(WithChecks(true))
	b.DefineSafepointAt(10)
	b.DefineSafepointAt(20).DefineTaggedRegister(0)
	b.UpdateDeoptimizationInfo(10, 1000, 0, 0)
	table, _ := emitTable(t, b, 0)
	return table
}

func scenarioTable(t *testing.T) *Table {
	t.Helper()
	b := NewBuilder()
	s := b.DefineSafepointAt(0)
	s.DefineTaggedStackSlot(0)
	s.DefineTaggedStackSlot(2)
	s = b.DefineSafepointAt(5)
	s.DefineTaggedStackSlot(0)
	s.DefineTaggedStackSlot(2)
	s.DefineTaggedRegister(1)
	b.DefineSafepointAt(9)
	table, _ := emitTable(t, b, 3)
	return table
}

func TestTrampolinePrecedence(t *testing.T) {
	table := deoptTable(t)
	if !table.HasDeoptData() {
		t.Fatal("has deopt data = false, want true")
	}

	tests := []struct {
		offset    int
		wantPC    int
		wantDeopt bool
	}{
		{10, 10, true},
		{15, 10, true},
		{20, 20, false},
		{999, 20, false},
		// A linear scan would pick pc 20; the trampoline wins.
		{1000, 10, true},
		{1004, 10, true},
	}
	for _, tt := range tests {
		e := table.FindEntry(testBase + Address(tt.offset))
		if e.PC() != tt.wantPC {
			t.Errorf("FindEntry(%d).PC() = %d, want %d", tt.offset, e.PC(), tt.wantPC)
		}
		if e.HasDeoptimizationIndex() != tt.wantDeopt {
			t.Errorf("FindEntry(%d).HasDeoptimizationIndex() = %v, want %v", tt.offset, e.HasDeoptimizationIndex(), tt.wantDeopt)
		}
	}

	if got := table.PCSize(); got != 2 {
		t.Errorf("pc size = %d, want 2 (trampoline 1000)", got)
	}
	if got := table.GetEntry(1).TrampolinePC(); got != NoTrampolinePC {
		t.Errorf("entry 1 trampoline = %d, want %d", got, NoTrampolinePC)
	}
}

func TestFindReturnPC(t *testing.T) {
	table := deoptTable(t)
	tests := []struct {
		offset, want int
	}{
		{1000, 10},
		{10, 10},
		{20, 20},
	}
	for _, tt := range tests {
		if got := table.FindReturnPC(tt.offset); got != tt.want {
			t.Errorf("FindReturnPC(%d) = %d, want %d", tt.offset, got, tt.want)
		}
	}
	expectInvariant(t, func() { table.FindReturnPC(999) })
}

func TestLookupContract(t *testing.T) {
	table := deoptTable(t)
	expectInvariant(t, func() { table.FindEntry(testBase + 5) })
	expectInvariant(t, func() { table.GetEntry(2) })
	expectInvariant(t, func() { table.GetEntry(-1) })
	expectInvariant(t, func() { table.GetEntry(1).DeoptimizationIndex() })

	empty, _ := emitTable(t, NewBuilder(), 0)
	expectInvariant(t, func() { empty.FindEntry(testBase) })
}

func TestPrint(t *testing.T) {
	tests := []struct {
		name  string
		table *Table
		want  string
	}{
		{
			name:  "slots and registers",
			table: scenarioTable(t),
			want: "Safepoints (entries = 3, byte size = 17)\n" +
				"0x1000      0  slots (sp->fp): 10100000\n" +
				"0x1005      5  slots (sp->fp): 10100000  registers: 10\n" +
				"0x1009      9  slots (sp->fp): 00000000\n",
		},
		{
			name:  "deopt",
			table: deoptTable(t),
			want: "Safepoints (entries = 2, byte size = 20)\n" +
				"0x100a      a  deopt      0 trampoline:    3e8\n" +
				"0x1014     14  registers: 1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf strings.Builder
			if err := tt.table.Print(&buf); err != nil {
				t.Fatalf("Print: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("Print output:\n%s\nwant:\n%s", buf.String(), tt.want)
			}
		})
	}
}

func TestEntryView(t *testing.T) {
	table := scenarioTable(t)
	e := table.GetEntry(1)
	if !e.IsValid() {
		t.Fatal("entry from table is not valid")
	}
	// Slot 2 of 3 is the word nearest sp.
	if !e.IsTaggedSlotOffset(0) || e.IsTaggedSlotOffset(1) || !e.IsTaggedSlotOffset(2) {
		t.Errorf("tagged slot offsets = %v, want [0 2]", e.TaggedSlotOffsets())
	}
	if e.IsTaggedSlotOffset(8) || e.IsTaggedSlotOffset(-1) {
		t.Error("offsets outside the bitmap reported as tagged")
	}
	if !e.Equal(table.FindEntry(testBase + 7)) {
		t.Error("GetEntry(1) differs from FindEntry(pc 7)")
	}
	if e.Equal(table.GetEntry(0)) {
		t.Error("entries 0 and 1 compare equal")
	}
	e.Reset()
	if e.IsValid() {
		t.Error("reset entry is still valid")
	}
}

func TestEntryConfiguration(t *testing.T) {
	total := taggedSlotsBytesField.shift + taggedSlotsBytesField.size
	if total != 32 {
		t.Fatalf("configuration fields use %d bits, want 32", total)
	}

	c := makeEntryConfiguration(true, 4, 3, 2, taggedSlotsBytesField.max())
	if !c.hasDeoptData() || c.registerIndexesSize() != 4 || c.pcSize() != 3 || c.deoptIndexSize() != 2 {
		t.Errorf("decoded configuration %#x = (%v, %d, %d, %d)", uint32(c), c.hasDeoptData(), c.registerIndexesSize(), c.pcSize(), c.deoptIndexSize())
	}
	if c.taggedSlotsBytes() != taggedSlotsBytesField.max() {
		t.Errorf("tagged slots bytes = %d, want %d", c.taggedSlotsBytes(), taggedSlotsBytesField.max())
	}
	if c.entrySize() != 3+4+2+3 {
		t.Errorf("entry size = %d, want 12", c.entrySize())
	}
}

type modelEntry struct {
	pc         int
	slots      []int
	registers  uint32
	deoptIndex int
	trampoline int
}

func TestRandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		size := rng.Intn(40)
		model := randomModel(rng, size)

		b := NewBuilder(WithChecks(true))
		for _, m := range model {
			s := b.DefineSafepointAt(m.pc)
			for _, slot := range m.slots {
				s.DefineTaggedStackSlot(slot)
			}
			for reg := 0; reg < 32; reg++ {
				if m.registers&(1<<uint(reg)) != 0 {
					s.DefineTaggedRegister(reg)
				}
			}
		}
		cursor := 0
		for _, m := range model {
			if m.deoptIndex != NoDeoptIndex {
				cursor = b.UpdateDeoptimizationInfo(m.pc, m.trampoline, cursor, m.deoptIndex)
			}
		}
		table, a := emitTable(t, b, size)

		trim := size
		for _, m := range model {
			for _, slot := range m.slots {
				trim = min(trim, slot)
			}
		}
		if b.TaggedSlotsSize() != size-trim {
			t.Fatalf("iter %d: tagged slots size = %d, want %d", iter, b.TaggedSlotsSize(), size-trim)
		}
		if table.ByteSize() != a.Len()-b.Offset() {
			t.Fatalf("iter %d: byte size = %d, emitted %d", iter, table.ByteSize(), a.Len()-b.Offset())
		}

		for _, m := range model {
			e := table.FindEntry(testBase + Address(m.pc))
			if e.TaggedRegisterIndexes() != m.registers {
				t.Fatalf("iter %d pc %d: registers = %b, want %b", iter, m.pc, e.TaggedRegisterIndexes(), m.registers)
			}
			got := e.SlotIndexes(b.TaggedSlotsSize())
			for i := range got {
				got[i] += trim
			}
			want := slices.Clone(m.slots)
			slices.Sort(want)
			want = slices.Compact(want)
			if !slices.Equal(got, want) {
				t.Fatalf("iter %d pc %d: slots = %v, want %v", iter, m.pc, got, want)
			}
			if m.deoptIndex == NoDeoptIndex {
				if e.HasDeoptimizationIndex() {
					t.Fatalf("iter %d pc %d: unexpected deopt index %d", iter, m.pc, e.DeoptimizationIndex())
				}
				continue
			}
			if e.PC() != m.pc || e.DeoptimizationIndex() != m.deoptIndex {
				t.Fatalf("iter %d pc %d: got pc %d deopt %d, want deopt %d", iter, m.pc, e.PC(), e.DeoptimizationIndex(), m.deoptIndex)
			}
			te := table.FindEntry(testBase + Address(m.trampoline))
			if !te.Equal(e) {
				t.Fatalf("iter %d: trampoline %d resolves to pc %d, want %d", iter, m.trampoline, te.PC(), m.pc)
			}
			if rpc := table.FindReturnPC(m.trampoline); rpc != m.pc {
				t.Fatalf("iter %d: FindReturnPC(%d) = %d, want %d", iter, m.trampoline, rpc, m.pc)
			}
		}

		for i := 0; i+1 < table.Length(); i++ {
			lo, hi := table.GetEntry(i).PC(), table.GetEntry(i+1).PC()
			if lo >= hi {
				t.Fatalf("iter %d: entry pcs %d, %d not increasing", iter, lo, hi)
			}
			off := lo + rng.Intn(hi-lo)
			if !table.FindEntry(testBase + Address(off)).Equal(table.GetEntry(i)) {
				t.Fatalf("iter %d: FindEntry(%d) is not entry %d", iter, off, i)
			}
		}
	}
}

// randomModel generates up to 20 safepoints with increasing pcs, biased
// towards runs of identical entries, and deoptimization data on about a
// third of them.
func randomModel(rng *rand.Rand, size int) []modelEntry {
	n := rng.Intn(20)
	model := make([]modelEntry, 0, n)
	pc := 0
	for i := 0; i < n; i++ {
		pc += 1 + rng.Intn(300)
		m := modelEntry{pc: pc, deoptIndex: NoDeoptIndex, trampoline: NoTrampolinePC}
		switch {
		case i > 0 && rng.Intn(3) == 0:
			prev := model[i-1]
			m.slots = slices.Clone(prev.slots)
			m.registers = prev.registers
		default:
			if size > 0 {
				for j := rng.Intn(4); j > 0; j-- {
					m.slots = append(m.slots, rng.Intn(size))
				}
			}
			if rng.Intn(2) == 0 {
				m.registers = uint32(rng.Intn(1 << 16))
			}
		}
		model = append(model, m)
	}

	trampoline := pc + asm.CallSize
	deoptIndex := 0
	for i := range model {
		if rng.Intn(3) != 0 {
			continue
		}
		model[i].trampoline = trampoline
		model[i].deoptIndex = deoptIndex
		trampoline += asm.CallSize
		deoptIndex++
	}
	return model
}

func TestSnapshotRoundTrip(t *testing.T) {
	table := scenarioTable(t)
	s := table.Snapshot()
	if len(s.Entries) != 3 || s.Entries[1].Registers != 2 {
		t.Fatalf("snapshot entries = %+v", s.Entries)
	}
	if !slices.Equal(s.Entries[0].SlotOffsets, []int{0, 2}) {
		t.Errorf("entry 0 slot offsets = %v, want [0 2]", s.Entries[0].SlotOffsets)
	}

	data, err := MarshalSnapshot(s)
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	again, err := MarshalSnapshot(table.Snapshot())
	if err != nil {
		t.Fatalf("MarshalSnapshot: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("snapshot encoding is not deterministic")
	}

	got, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot: %v", err)
	}
	if !reflect.DeepEqual(got, s) {
		t.Errorf("round trip = %+v, want %+v", got, s)
	}

	if _, err := UnmarshalSnapshot([]byte{0xff}); err == nil {
		t.Error("UnmarshalSnapshot of garbage succeeded")
	}
}
