package safepoint

// ---------------------------------------------------------------------------
// Table header layout
// ---------------------------------------------------------------------------

// Header offsets. The header is two little-endian 32-bit words: the entry
// count followed by the packed entry configuration.
const (
	lengthOffset             = 0
	entryConfigurationOffset = 4
	headerSize               = 8
)

const bitsPerByte = 8

// Sentinels stored in an Entry when no deoptimization data is attached.
const (
	NoDeoptIndex   = -1
	NoTrampolinePC = -1
)

// bitField describes a run of bits inside the 32-bit configuration word.
type bitField struct {
	shift uint
	size  uint
}

// next returns the field of the given size that immediately follows f.
func (f bitField) next(size uint) bitField {
	return bitField{shift: f.shift + f.size, size: size}
}

func (f bitField) max() int {
	return 1<<f.size - 1
}

func (f bitField) mask() uint32 {
	return uint32(f.max()) << f.shift
}

func (f bitField) isValid(v int) bool {
	return v >= 0 && v <= f.max()
}

func (f bitField) encode(v int) uint32 {
	return uint32(v) << f.shift & f.mask()
}

func (f bitField) decode(word uint32) int {
	return int((word & f.mask()) >> f.shift)
}

// Configuration word fields, least significant first. Each size field
// holds a byte count in 0..4, so it needs three bits.
var (
	hasDeoptDataField        = bitField{shift: 0, size: 1}
	registerIndexesSizeField = hasDeoptDataField.next(3)
	pcSizeField              = registerIndexesSizeField.next(3)
	deoptIndexSizeField      = pcSizeField.next(3)
	taggedSlotsBytesField    = deoptIndexSizeField.next(22)
)

// entryConfiguration is the packed second header word.
type entryConfiguration uint32

func makeEntryConfiguration(hasDeoptData bool, registerIndexesSize, pcSize, deoptIndexSize, taggedSlotsBytes int) entryConfiguration {
	deopt := 0
	if hasDeoptData {
		deopt = 1
	}
	return entryConfiguration(hasDeoptDataField.encode(deopt) |
		registerIndexesSizeField.encode(registerIndexesSize) |
		pcSizeField.encode(pcSize) |
		deoptIndexSizeField.encode(deoptIndexSize) |
		taggedSlotsBytesField.encode(taggedSlotsBytes))
}

func (c entryConfiguration) hasDeoptData() bool {
	return hasDeoptDataField.decode(uint32(c)) != 0
}

func (c entryConfiguration) registerIndexesSize() int {
	return registerIndexesSizeField.decode(uint32(c))
}

func (c entryConfiguration) pcSize() int {
	return pcSizeField.decode(uint32(c))
}

func (c entryConfiguration) deoptIndexSize() int {
	return deoptIndexSizeField.decode(uint32(c))
}

func (c entryConfiguration) taggedSlotsBytes() int {
	return taggedSlotsBytesField.decode(uint32(c))
}

// entrySize is the byte size of one fixed-width entry record.
func (c entryConfiguration) entrySize() int {
	size := c.pcSize() + c.registerIndexesSize()
	if c.hasDeoptData() {
		size += c.deoptIndexSize() + c.pcSize()
	}
	return size
}

// maxFieldBytes is the widest encoding of a single record field.
const maxFieldBytes = 4

// bytesFor returns the number of bytes needed to hold the non-negative
// value v. Zero needs no bytes at all.
func bytesFor(v int64) int {
	switch {
	case v == 0:
		return 0
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	case v <= 0xffffffff:
		return 4
	default:
		return 5
	}
}
