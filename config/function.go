package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Function describes a function to compile: its size, tagged stack region
// and safepoints. It is the input format of `sptab build`:
//
//	name = "Point>>x"
//	size = 64
//	tagged-slots = 4
//
//	[[safepoint]]
//	pc = 10
//	slots = [0, 2]
//	registers = ["rbx"]
//	deopt = "wrong map"
type Function struct {
	Name        string      `toml:"name"`
	Size        int         `toml:"size"`
	TaggedSlots int         `toml:"tagged-slots"`
	Safepoints  []Safepoint `toml:"safepoint"`
}

// Safepoint is one call site in a Function.
type Safepoint struct {
	PC        int      `toml:"pc"`
	Slots     []int    `toml:"slots"`
	Registers []string `toml:"registers"`
	// Deopt, when set, gives the call site a deoptimization trampoline
	// with this reason.
	Deopt string `toml:"deopt"`
}

// LoadFunction parses a function description file.
func LoadFunction(path string) (*Function, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	return ParseFunction(string(data))
}

// ParseFunction parses a function description from TOML source.
func ParseFunction(src string) (*Function, error) {
	var fn Function
	if _, err := toml.Decode(src, &fn); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if err := fn.Validate(); err != nil {
		return nil, err
	}
	return &fn, nil
}

// Validate checks the description for problems the code generator would
// otherwise turn into invariant panics.
func (fn *Function) Validate() error {
	if fn.Name == "" {
		return fmt.Errorf("function has no name")
	}
	if fn.Size <= 0 {
		return fmt.Errorf("function %s: size must be positive", fn.Name)
	}
	if fn.TaggedSlots < 0 {
		return fmt.Errorf("function %s: negative tagged-slots", fn.Name)
	}
	last := -1
	for i, sp := range fn.Safepoints {
		if sp.PC <= last {
			return fmt.Errorf("function %s: safepoint %d at pc %d is not after pc %d", fn.Name, i, sp.PC, last)
		}
		if sp.PC > fn.Size {
			return fmt.Errorf("function %s: safepoint %d at pc %d is past the end (%d)", fn.Name, i, sp.PC, fn.Size)
		}
		for _, slot := range sp.Slots {
			if slot < 0 || slot >= fn.TaggedSlots {
				return fmt.Errorf("function %s: safepoint %d slot %d outside tagged region of %d", fn.Name, i, slot, fn.TaggedSlots)
			}
		}
		last = sp.PC
	}
	return nil
}
