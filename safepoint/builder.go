package safepoint

import (
	"slices"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sptab.safepoint")

// DefaultMetadataAlignment is the alignment of the table start inside the
// code stream unless WithAlignment overrides it.
const DefaultMetadataAlignment = 8

// PCSource supplies the pc offset of the next safepoint.
type PCSource interface {
	PCOffsetForSafepoint() int
}

// Emitter is the code stream a table is serialized into.
type Emitter interface {
	PCOffset() int
	Align(n int)
	RecordComment(text string)
	DB(b byte)
	DD(v uint32)
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

type entryBuilder struct {
	pc              int
	deoptIndex      int
	trampoline      int
	registerIndexes uint32
	stackIndexes    []int
}

// Builder accumulates the safepoints of one function during code
// generation and serializes them with Emit. A Builder belongs to a single
// compilation and is discarded after Emit.
type Builder struct {
	entries   []entryBuilder
	offset    int
	slots     int // tagged region size after trimming
	emitted   bool
	checks    bool
	alignment int
	log       commonlog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithChecks enables validation of the caller contract (ordering,
// trampoline placement, slot ranges). Violations panic with an
// InvariantError. Capacity checks in Emit are always on.
func WithChecks(enabled bool) Option {
	return func(b *Builder) { b.checks = enabled }
}

// WithAlignment sets the metadata alignment applied before the header.
func WithAlignment(n int) Option {
	return func(b *Builder) { b.alignment = n }
}

// WithLogger replaces the package logger.
func WithLogger(l commonlog.Logger) Option {
	return func(b *Builder) { b.log = l }
}

// NewBuilder creates an empty table builder.
func NewBuilder(opts ...Option) *Builder {
	b := &Builder{
		offset:    -1,
		alignment: DefaultMetadataAlignment,
		log:       log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the number of safepoints defined so far.
func (b *Builder) Len() int {
	return len(b.entries)
}

// Offset returns the offset of the emitted table in the code stream, or -1
// before Emit.
func (b *Builder) Offset() int {
	return b.offset
}

// TaggedSlotsSize returns the tagged region size the table was emitted
// with, after trimming. Only meaningful after Emit.
func (b *Builder) TaggedSlotsSize() int {
	return b.slots
}

// Safepoint is the handle returned by DefineSafepoint. It stays valid while
// more safepoints are defined, and until Emit.
type Safepoint struct {
	b     *Builder
	index int
}

// Index returns the position of the safepoint in definition order.
func (s Safepoint) Index() int {
	return s.index
}

// DefineTaggedStackSlot marks the stack slot index as holding a tagged
// value at this safepoint.
func (s Safepoint) DefineTaggedStackSlot(index int) {
	s.b.checkOpen("Safepoint.DefineTaggedStackSlot")
	if s.b.checks && index < 0 {
		invariantf("Safepoint.DefineTaggedStackSlot", "negative slot index %d", index)
	}
	e := &s.b.entries[s.index]
	e.stackIndexes = append(e.stackIndexes, index)
}

// DefineTaggedRegister marks the register with the given code as holding a
// tagged value at this safepoint.
func (s Safepoint) DefineTaggedRegister(code int) {
	s.b.checkOpen("Safepoint.DefineTaggedRegister")
	if code < 0 || code >= 32 {
		invariantf("Safepoint.DefineTaggedRegister", "register code %d out of range", code)
	}
	s.b.entries[s.index].registerIndexes |= 1 << uint(code)
}

// DefineSafepoint records a safepoint at the current pc of the code stream.
func (b *Builder) DefineSafepoint(src PCSource) Safepoint {
	return b.DefineSafepointAt(src.PCOffsetForSafepoint())
}

// DefineSafepointAt records a safepoint at pcOffset. Offsets must not
// decrease between calls.
func (b *Builder) DefineSafepointAt(pcOffset int) Safepoint {
	b.checkOpen("Builder.DefineSafepoint")
	if b.checks {
		if pcOffset < 0 {
			invariantf("Builder.DefineSafepoint", "negative pc offset %d", pcOffset)
		}
		if n := len(b.entries); n > 0 && b.entries[n-1].pc > pcOffset {
			invariantf("Builder.DefineSafepoint", "pc %d after pc %d", pcOffset, b.entries[n-1].pc)
		}
	}
	b.entries = append(b.entries, entryBuilder{
		pc:         pcOffset,
		deoptIndex: NoDeoptIndex,
		trampoline: NoTrampolinePC,
	})
	return Safepoint{b: b, index: len(b.entries) - 1}
}

// UpdateDeoptimizationInfo attaches a trampoline and deoptimization index
// to the first entry at or after start whose pc equals pc, and returns that
// entry's index. Callers pass the previous result as start so a pc-ordered
// pass over all trampolines is linear overall.
func (b *Builder) UpdateDeoptimizationInfo(pc, trampoline, start, deoptIndex int) int {
	b.checkOpen("Builder.UpdateDeoptimizationInfo")
	if b.checks {
		if start < 0 {
			invariantf("Builder.UpdateDeoptimizationInfo", "negative start index %d", start)
		}
		if trampoline == NoTrampolinePC {
			invariantf("Builder.UpdateDeoptimizationInfo", "missing trampoline for pc %d", pc)
		}
		if deoptIndex == NoDeoptIndex {
			invariantf("Builder.UpdateDeoptimizationInfo", "missing deopt index for pc %d", pc)
		}
	}
	if start < 0 {
		start = 0
	}
	for i := start; i < len(b.entries); i++ {
		if b.entries[i].pc == pc {
			b.entries[i].trampoline = trampoline
			b.entries[i].deoptIndex = deoptIndex
			return i
		}
	}
	invariantf("Builder.UpdateDeoptimizationInfo", "no safepoint at pc %d from index %d", pc, start)
	return -1
}

// checkOpen rejects use of the builder after Emit when checks are on.
// Emit compacts and trims the entries in place, so neither handles nor a
// second Emit see the safepoints as defined.
func (b *Builder) checkOpen(op string) {
	if b.checks && b.emitted {
		invariantf(op, "table already emitted")
	}
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// Emit finalizes the table and appends it to a. taggedSlotsSize is the
// number of stack slots in the function's tagged region; every defined slot
// index must be below it.
//
// Emit panics with a CapacityError when a field does not fit the header,
// regardless of WithChecks.
func (b *Builder) Emit(a Emitter, taggedSlotsSize int) {
	b.checkOpen("Builder.Emit")
	if b.checks {
		b.validate(taggedSlotsSize)
	}
	defined := len(b.entries)
	for i := range b.entries {
		b.entries[i].stackIndexes = normalizeIndexes(b.entries[i].stackIndexes)
	}
	b.removeDuplicates()
	trimmed := b.trimEntries(&taggedSlotsSize)

	a.Align(b.alignment)
	a.RecordComment(";;; Safepoint table.")
	b.offset = a.PCOffset()

	var usedRegisterIndexes uint32
	maxPC := int64(NoTrampolinePC)
	maxDeoptIndex := int64(NoDeoptIndex)
	for _, e := range b.entries {
		usedRegisterIndexes |= e.registerIndexes
		maxPC = max(maxPC, int64(e.pc), int64(e.trampoline))
		maxDeoptIndex = max(maxDeoptIndex, int64(e.deoptIndex))
	}

	hasDeoptData := maxDeoptIndex != NoDeoptIndex
	registerIndexesSize := bytesFor(int64(usedRegisterIndexes))
	// Biased by one so the -1 sentinels encode as zero.
	pcSize := bytesFor(maxPC + 1)
	deoptIndexSize := bytesFor(maxDeoptIndex + 1)
	taggedSlotsBytes := (taggedSlotsSize + bitsPerByte - 1) / bitsPerByte

	checkCapacity("register index size", registerIndexesSize, registerIndexesSizeField)
	checkCapacity("pc size", pcSize, pcSizeField)
	checkCapacity("deopt index size", deoptIndexSize, deoptIndexSizeField)
	if !taggedSlotsBytesField.isValid(taggedSlotsBytes) {
		panic(&CapacityError{Field: "tagged slots bytes", Value: taggedSlotsBytes, Max: taggedSlotsBytesField.max()})
	}

	config := makeEntryConfiguration(hasDeoptData, registerIndexesSize, pcSize, deoptIndexSize, taggedSlotsBytes)

	a.DD(uint32(len(b.entries)))
	a.DD(uint32(config))

	emitBytes := func(value uint64, n int) {
		for ; n > 0; n, value = n-1, value>>8 {
			a.DB(byte(value))
		}
	}
	for _, e := range b.entries {
		emitBytes(uint64(e.pc), pcSize)
		if hasDeoptData {
			emitBytes(uint64(e.deoptIndex+1), deoptIndexSize)
			emitBytes(uint64(e.trampoline+1), pcSize)
		}
		emitBytes(uint64(e.registerIndexes), registerIndexesSize)
	}

	bitmap := make([]byte, taggedSlotsBytes)
	for _, e := range b.entries {
		clear(bitmap)
		for _, idx := range e.stackIndexes {
			index := taggedSlotsSize - 1 - idx
			bitmap[index/bitsPerByte] |= 1 << uint(index%bitsPerByte)
		}
		for _, by := range bitmap {
			a.DB(by)
		}
	}
	b.slots = taggedSlotsSize
	b.emitted = true

	b.log.Debugf("emitted safepoint table at %d: %d entries (%d defined), trimmed %d slots, sizes pc=%d deopt=%d regs=%d bitmap=%d",
		b.offset, len(b.entries), defined, trimmed, pcSize, deoptIndexSize, registerIndexesSize, taggedSlotsBytes)
}

func checkCapacity(name string, size int, f bitField) {
	if size > maxFieldBytes || !f.isValid(size) {
		panic(&CapacityError{Field: name, Value: size, Max: maxFieldBytes})
	}
}

// validate checks the ordering contract on the defined entries.
func (b *Builder) validate(taggedSlotsSize int) {
	lastPC := -1
	lastTrampoline := -1
	for _, e := range b.entries {
		if e.pc <= lastPC {
			invariantf("Builder.Emit", "pc %d not after pc %d", e.pc, lastPC)
		}
		lastPC = e.pc
		if e.trampoline != NoTrampolinePC {
			if e.trampoline <= lastTrampoline {
				invariantf("Builder.Emit", "trampoline %d not after trampoline %d", e.trampoline, lastTrampoline)
			}
			if last := b.entries[len(b.entries)-1].pc; e.trampoline <= last {
				invariantf("Builder.Emit", "trampoline %d not after last pc %d", e.trampoline, last)
			}
			lastTrampoline = e.trampoline
		}
		if (e.trampoline == NoTrampolinePC) != (e.deoptIndex == NoDeoptIndex) {
			invariantf("Builder.Emit", "pc %d has only one of trampoline and deopt index", e.pc)
		}
		for _, idx := range e.stackIndexes {
			if idx < 0 || idx >= taggedSlotsSize {
				invariantf("Builder.Emit", "slot index %d at pc %d outside tagged region of %d", idx, e.pc, taggedSlotsSize)
			}
		}
	}
}

// normalizeIndexes sorts and deduplicates a slot index list so that set
// equality is slice equality.
func normalizeIndexes(indexes []int) []int {
	slices.Sort(indexes)
	return slices.Compact(indexes)
}

func identicalExceptForPC(e1, e2 *entryBuilder) bool {
	if e1.deoptIndex != e2.deoptIndex {
		return false
	}
	return e1.registerIndexes == e2.registerIndexes &&
		slices.Equal(e1.stackIndexes, e2.stackIndexes)
}

// removeDuplicates collapses every run of adjacent entries that differ only
// in pc to the first entry of the run. Lookup takes the last entry whose pc
// is not above the queried offset, which lands on the run's survivor.
func (b *Builder) removeDuplicates() {
	if len(b.entries) < 2 {
		return
	}
	remaining := 0
	for i := 0; i < len(b.entries); {
		b.entries[remaining] = b.entries[i]
		i++
		for i < len(b.entries) && identicalExceptForPC(&b.entries[i], &b.entries[remaining]) {
			i++
		}
		remaining++
	}
	clear(b.entries[remaining:])
	b.entries = b.entries[:remaining]
}

// trimEntries drops the low range of slot indexes that no entry uses,
// shrinking *taggedSlotsSize to match. It returns the number of slots
// removed.
func (b *Builder) trimEntries(taggedSlotsSize *int) int {
	minIndex := *taggedSlotsSize
	if minIndex == 0 {
		return 0
	}
	for _, e := range b.entries {
		for _, idx := range e.stackIndexes {
			if idx >= minIndex {
				continue
			}
			if idx == 0 {
				return 0
			}
			minIndex = idx
		}
	}
	*taggedSlotsSize -= minIndex
	for _, e := range b.entries {
		for i := range e.stackIndexes {
			e.stackIndexes[i] -= minIndex
		}
	}
	return minIndex
}
