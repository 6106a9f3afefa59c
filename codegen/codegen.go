// Package codegen turns function descriptions into code objects: it lays
// out call sites, registers their safepoints, emits deoptimization
// trampolines and finally the safepoint table.
package codegen

import (
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/sptab/asm"
	"github.com/chazu/sptab/code"
	"github.com/chazu/sptab/config"
	"github.com/chazu/sptab/safepoint"
)

var log = commonlog.GetLogger("sptab.codegen")

// DeoptimizerEntry is the offset, relative to a function's instruction
// start, that trampolines call. The deoptimizer builtin is placed below the
// code space, so the offset is negative.
const DeoptimizerEntry = -0x1000

// CallTarget is the offset that ordinary call sites call.
const CallTarget = -0x2000

type deoptSite struct {
	pc    int
	index int
}

// Compile generates code for fn. A table too large to describe is
// reported as an error; invariant violations still panic.
func Compile(fn *config.Function, cfg *config.Config) (desc code.Desc, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := fn.Validate(); err != nil {
		return code.Desc{}, err
	}
	defer safepoint.Recover(&err)

	a := asm.New()
	b := safepoint.NewBuilder(
		safepoint.WithChecks(cfg.ChecksEnabled()),
		safepoint.WithAlignment(cfg.Target.MetadataAlignment),
		safepoint.WithLogger(log),
	)

	var reasons []string
	var sites []deoptSite
	for i, sp := range fn.Safepoints {
		callStart := sp.PC - asm.CallSize
		if callStart < a.PCOffset() {
			return code.Desc{}, fmt.Errorf("function %s: safepoint %d at pc %d leaves no room for a call after pc %d", fn.Name, i, sp.PC, a.PCOffset())
		}
		a.PadTo(callStart)
		a.Call(CallTarget)

		s := b.DefineSafepoint(a)
		for _, slot := range sp.Slots {
			s.DefineTaggedStackSlot(slot)
		}
		for _, name := range sp.Registers {
			reg, ok := cfg.RegisterCode(name)
			if !ok {
				return code.Desc{}, fmt.Errorf("function %s: safepoint %d: unknown register %q", fn.Name, i, name)
			}
			s.DefineTaggedRegister(reg)
		}
		if sp.Deopt != "" {
			sites = append(sites, deoptSite{pc: sp.PC, index: len(reasons)})
			reasons = append(reasons, sp.Deopt)
		}
	}
	a.PadTo(fn.Size)
	a.Ret()

	// Trampolines follow the body in pc order, so each search resumes where
	// the previous one stopped.
	cursor := 0
	for _, site := range sites {
		trampoline := a.PCOffset()
		a.RecordComment(fmt.Sprintf(";;; deopt trampoline %d", site.index))
		a.Call(DeoptimizerEntry)
		cursor = b.UpdateDeoptimizationInfo(site.pc, trampoline, cursor, site.index)
	}

	instructionSize := a.PCOffset()
	b.Emit(a, fn.TaggedSlots)

	log.Debugf("compiled %s: %d instruction bytes, %d safepoints, table at %d", fn.Name, instructionSize, b.Len(), b.Offset())

	return code.Desc{
		Name:                 fn.Name,
		Body:                 a.Bytes(),
		InstructionSize:      instructionSize,
		SafepointTableOffset: b.Offset(),
		TaggedSlots:          b.TaggedSlotsSize(),
		DeoptReasons:         reasons,
	}, nil
}
