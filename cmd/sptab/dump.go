package main

import (
	"fmt"
	"io"
	"os"

	"github.com/chazu/sptab/code"
	"github.com/chazu/sptab/config"
)

// handleDumpCommand processes the `sptab dump` subcommand.
func handleDumpCommand(args []string, cfg *config.Config) error {
	if len(args) == 0 {
		return fmt.Errorf("dump: no object files given")
	}
	for _, path := range args {
		obj, err := code.ReadObjectFile(path)
		if err != nil {
			return err
		}
		if err := dumpCode(os.Stdout, obj.Code(), cfg); err != nil {
			return err
		}
	}
	return nil
}

func dumpCode(w io.Writer, c *code.Code, cfg *config.Config) error {
	fmt.Fprintf(w, "code %s at %#x (instructions %d bytes, tagged slots %d)\n",
		c.Name(), uint64(c.InstructionStart()), c.InstructionSize(), c.TaggedSlots())

	table := c.SafepointTable()
	if err := table.Print(w); err != nil {
		return err
	}

	// Name the registers used anywhere in the table.
	var used uint32
	for i := 0; i < table.Length(); i++ {
		used |= table.GetEntry(i).TaggedRegisterIndexes()
	}
	for reg := 0; used != 0; reg, used = reg+1, used>>1 {
		if used&1 != 0 {
			fmt.Fprintf(w, "  register %d = %s\n", reg, cfg.RegisterName(reg))
		}
	}
	for i := 0; i < c.DeoptCount(); i++ {
		reason, _ := c.DeoptReason(i)
		fmt.Fprintf(w, "  deopt %d: %s\n", i, reason)
	}
	fmt.Fprintln(w)
	return nil
}
