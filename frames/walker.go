// Package frames walks suspended stack frames of compiled functions and
// reports the tagged values a garbage collector has to visit.
package frames

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/sptab/code"
	"github.com/chazu/sptab/safepoint"
)

var log = commonlog.GetLogger("sptab.frames")

// ErrUnknownPC is returned for a frame whose pc is not inside any
// installed code object.
var ErrUnknownPC = errors.New("pc outside compiled code")

// Frame is a suspended activation of a compiled function.
type Frame struct {
	PC Address

	// Slots holds the tagged stack region, sp side first: Slots[0] is the
	// word bit 0 of the safepoint bitmap describes.
	Slots []uint64

	// Registers holds spilled register values indexed by register code.
	Registers []uint64
}

// Address is an absolute code address.
type Address = code.Address

// RootKind tells where a root lives.
type RootKind int

const (
	SlotRoot RootKind = iota
	RegisterRoot
)

func (k RootKind) String() string {
	switch k {
	case SlotRoot:
		return "slot"
	case RegisterRoot:
		return "register"
	default:
		return fmt.Sprintf("RootKind(%d)", int(k))
	}
}

// Root is one tagged value found in a frame.
type Root struct {
	Kind  RootKind
	Index int // slot offset from sp, or register code
	Value uint64
}

// FrameInfo is the decoded safepoint state of one frame.
type FrameInfo struct {
	Code  *code.Code
	Entry safepoint.Entry

	// ReturnPC is the call-site pc offset, with a trampoline pc mapped back
	// to the call it belongs to.
	ReturnPC int

	// Deoptimizing is set when the frame returns into a trampoline.
	Deoptimizing bool
	DeoptReason  string

	Roots []Root
}

// Walker resolves frames against a code space.
type Walker struct {
	space *code.Space
}

// NewWalker creates a walker over space.
func NewWalker(space *code.Space) *Walker {
	return &Walker{space: space}
}

// Inspect decodes the safepoint state of f.
func (w *Walker) Inspect(f Frame) (*FrameInfo, error) {
	c := w.space.Lookup(f.PC)
	if c == nil {
		return nil, fmt.Errorf("%w: %#x", ErrUnknownPC, uint64(f.PC))
	}

	table := c.SafepointTable()
	entry := table.FindEntry(f.PC)
	pcOffset := int(f.PC - c.InstructionStart())

	info := &FrameInfo{
		Code:     c,
		Entry:    entry,
		ReturnPC: entry.PC(),
	}
	if entry.HasDeoptimizationIndex() && pcOffset >= entry.TrampolinePC() {
		info.Deoptimizing = true
		info.ReturnPC = table.FindReturnPC(entry.TrampolinePC())
	}
	if entry.HasDeoptimizationIndex() {
		info.DeoptReason, _ = c.DeoptReason(entry.DeoptimizationIndex())
	}

	for _, off := range entry.TaggedSlotOffsets() {
		if off >= len(f.Slots) {
			return nil, fmt.Errorf("%s+%#x: tagged slot %d beyond frame of %d slots", c.Name(), pcOffset, off, len(f.Slots))
		}
		info.Roots = append(info.Roots, Root{Kind: SlotRoot, Index: off, Value: f.Slots[off]})
	}
	regs := entry.TaggedRegisterIndexes()
	for reg := 0; regs != 0; reg++ {
		if regs&1 != 0 {
			if reg >= len(f.Registers) {
				return nil, fmt.Errorf("%s+%#x: tagged register %d not saved", c.Name(), pcOffset, reg)
			}
			info.Roots = append(info.Roots, Root{Kind: RegisterRoot, Index: reg, Value: f.Registers[reg]})
		}
		regs >>= 1
	}

	log.Debugf("frame %s+%#x: entry pc %#x, %d roots", c.Name(), pcOffset, entry.PC(), len(info.Roots))
	return info, nil
}

// VisitRoots calls visit for every tagged root of every frame, innermost
// frame first. It stops at the first error.
func (w *Walker) VisitRoots(frames []Frame, visit func(Frame, Root) error) error {
	for _, f := range frames {
		info, err := w.Inspect(f)
		if err != nil {
			return err
		}
		for _, r := range info.Roots {
			if err := visit(f, r); err != nil {
				return err
			}
		}
	}
	return nil
}
