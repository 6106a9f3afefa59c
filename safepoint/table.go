package safepoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
)

// Address is an absolute address in a code space.
type Address uint64

// Code is the compiled-code view a Table is read from. Memory returns the
// bytes of the code object, mapped starting at Base.
type Code interface {
	Memory() []byte
	Base() Address
	InstructionStart() Address
	SafepointTableAddress() Address
}

// Table reads a serialized safepoint table. Construction decodes only the
// header; entries are decoded on access. The underlying bytes must not
// change while a Table is in use.
type Table struct {
	mem              []byte
	base             Address
	instructionStart Address
	tableAddress     Address

	length int
	config entryConfiguration
}

// NewTable returns a reader for the safepoint table of c.
func NewTable(c Code) *Table {
	return NewTableAt(c.Memory(), c.Base(), c.InstructionStart(), c.SafepointTableAddress())
}

// NewTableAt returns a reader for the table at tableAddress, where mem holds
// the code bytes mapped at base.
func NewTableAt(mem []byte, base, instructionStart, tableAddress Address) *Table {
	t := &Table{
		mem:              mem,
		base:             base,
		instructionStart: instructionStart,
		tableAddress:     tableAddress,
	}
	off := t.offset(tableAddress)
	t.length = int(binary.LittleEndian.Uint32(mem[off+lengthOffset:]))
	t.config = entryConfiguration(binary.LittleEndian.Uint32(mem[off+entryConfigurationOffset:]))
	return t
}

func (t *Table) offset(addr Address) int {
	return int(addr - t.base)
}

// Length returns the number of entries.
func (t *Table) Length() int {
	return t.length
}

// HasDeoptData reports whether entries carry deopt index and trampoline
// fields.
func (t *Table) HasDeoptData() bool {
	return t.config.hasDeoptData()
}

// RegisterIndexesSize returns the byte width of the register mask field.
func (t *Table) RegisterIndexesSize() int {
	return t.config.registerIndexesSize()
}

// PCSize returns the byte width of the pc and trampoline fields.
func (t *Table) PCSize() int {
	return t.config.pcSize()
}

// DeoptIndexSize returns the byte width of the deopt index field.
func (t *Table) DeoptIndexSize() int {
	return t.config.deoptIndexSize()
}

// TaggedSlotsBytes returns the byte size of one tagged-slot bitmap.
func (t *Table) TaggedSlotsBytes() int {
	return t.config.taggedSlotsBytes()
}

// EntrySize returns the byte size of one entry record.
func (t *Table) EntrySize() int {
	return t.config.entrySize()
}

// ByteSize returns the total size of the serialized table.
func (t *Table) ByteSize() int {
	return headerSize + t.length*(t.EntrySize()+t.TaggedSlotsBytes())
}

// InstructionStart returns the address pc offsets are relative to.
func (t *Table) InstructionStart() Address {
	return t.instructionStart
}

// Address returns the address of the table header.
func (t *Table) Address() Address {
	return t.tableAddress
}

func (t *Table) readBytes(pos *int, n int) int {
	var v uint64
	for i := 0; i < n; i++ {
		v |= uint64(t.mem[*pos+i]) << (8 * uint(i))
	}
	*pos += n
	return int(v)
}

// GetEntry decodes the entry at index.
func (t *Table) GetEntry(index int) Entry {
	if index < 0 || index >= t.length {
		invariantf("Table.GetEntry", "index %d out of range [0, %d)", index, t.length)
	}
	entrySize := t.EntrySize()
	start := t.offset(t.tableAddress) + headerSize
	pos := start + index*entrySize

	pc := t.readBytes(&pos, t.PCSize())
	deoptIndex := NoDeoptIndex
	trampolinePC := NoTrampolinePC
	if t.HasDeoptData() {
		deoptIndex = t.readBytes(&pos, t.DeoptIndexSize()) - 1
		trampolinePC = t.readBytes(&pos, t.PCSize()) - 1
	}
	registers := uint32(t.readBytes(&pos, t.RegisterIndexesSize()))

	slotsBytes := t.TaggedSlotsBytes()
	bitmap := start + t.length*entrySize + index*slotsBytes
	return newEntry(pc, deoptIndex, trampolinePC, registers, t.mem[bitmap:bitmap+slotsBytes:bitmap+slotsBytes])
}

// FindEntry returns the entry describing pc. A pc inside a deoptimization
// trampoline resolves to the entry owning the trampoline; any other pc
// resolves to the last entry at or before it.
func (t *Table) FindEntry(pc Address) Entry {
	pcOffset := int(pc - t.instructionStart)

	if t.HasDeoptData() {
		// Trampolines are increasing in entry order, so stop at the first
		// one past pcOffset.
		candidate := -1
		for i := 0; i < t.length; i++ {
			trampolinePC := t.GetEntry(i).TrampolinePC()
			if trampolinePC != NoTrampolinePC && trampolinePC <= pcOffset {
				candidate = i
			}
			if trampolinePC > pcOffset {
				break
			}
		}
		if candidate != -1 {
			return t.GetEntry(candidate)
		}
	}

	for i := 0; i < t.length; i++ {
		if i == t.length-1 || t.GetEntry(i+1).PC() > pcOffset {
			e := t.GetEntry(i)
			if e.PC() > pcOffset {
				break
			}
			return e
		}
	}
	invariantf("Table.FindEntry", "no safepoint covers pc offset %d", pcOffset)
	return Entry{}
}

// FindReturnPC maps a pc offset that is either an entry's pc or its
// trampoline back to the entry's pc.
func (t *Table) FindReturnPC(pcOffset int) int {
	for i := 0; i < t.length; i++ {
		e := t.GetEntry(i)
		if e.TrampolinePC() == pcOffset || e.PC() == pcOffset {
			return e.PC()
		}
	}
	invariantf("Table.FindReturnPC", "no safepoint or trampoline at pc offset %d", pcOffset)
	return -1
}

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

// Print writes a human-readable listing of the table to w.
func (t *Table) Print(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Safepoints (entries = %d, byte size = %d)\n", t.length, t.ByteSize()); err != nil {
		return err
	}
	for i := 0; i < t.length; i++ {
		if _, err := io.WriteString(w, t.formatEntry(t.GetEntry(i))); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) formatEntry(e Entry) string {
	line := fmt.Sprintf("%#x %6x", uint64(t.instructionStart)+uint64(e.PC()), e.PC())

	if len(e.TaggedSlots()) > 0 {
		line += "  slots (sp->fp): "
		for _, b := range e.TaggedSlots() {
			for bit := 0; bit < bitsPerByte; bit++ {
				line += fmt.Sprint((b >> uint(bit)) & 1)
			}
		}
	}

	if regs := e.TaggedRegisterIndexes(); regs != 0 {
		line += "  registers: "
		for j := bits.Len32(regs) - 1; j >= 0; j-- {
			line += fmt.Sprint((regs >> uint(j)) & 1)
		}
	}

	if e.HasDeoptimizationIndex() {
		line += fmt.Sprintf("  deopt %6d trampoline: %6x", e.DeoptimizationIndex(), e.TrampolinePC())
	}
	return line + "\n"
}
