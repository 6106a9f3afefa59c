package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/chazu/sptab/code"
	"github.com/chazu/sptab/safepoint"
)

// handleExportCommand processes the `sptab export` subcommand, writing the
// decoded table as CBOR.
func handleExportCommand(args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	out := fs.String("o", "", "Output file (default stdout)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("export: expected one object file")
	}
	obj, err := code.ReadObjectFile(fs.Arg(0))
	if err != nil {
		return err
	}
	data, err := safepoint.MarshalSnapshot(obj.Code().SafepointTable().Snapshot())
	if err != nil {
		return err
	}

	if *out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(*out, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", *out, err)
	}
	return nil
}
