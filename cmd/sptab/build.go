package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chazu/sptab/code"
	"github.com/chazu/sptab/codegen"
	"github.com/chazu/sptab/config"
)

// handleBuildCommand processes the `sptab build` subcommand.
// Usage:
//
//	sptab build fn.toml...          # writes fn.spto next to each input
//	sptab build -o out fn.toml...   # writes into out/
func handleBuildCommand(args []string, cfg *config.Config) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	outDir := fs.String("o", "", "Output directory for .spto files")
	fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("build: no function descriptions given")
	}
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	space := code.NewSpace(code.Address(cfg.Target.CodeBase), cfg.Target.CodeAlignment)
	for _, path := range fs.Args() {
		fn, err := config.LoadFunction(path)
		if err != nil {
			return err
		}
		desc, err := codegen.Compile(fn, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		c, err := space.Install(desc)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}

		out := objectPath(path, *outDir)
		if err := code.WriteObjectFile(out, c); err != nil {
			return err
		}
		fmt.Printf("%s -> %s (%d bytes, table %d bytes)\n", fn.Name, out, c.Size(), c.SafepointTable().ByteSize())
	}
	return nil
}

// objectPath derives the .spto path for a description file.
func objectPath(src, outDir string) string {
	base := filepath.Base(src)
	base = strings.TrimSuffix(base, ".toml")
	base = strings.TrimSuffix(base, ".fn")
	dir := outDir
	if dir == "" {
		dir = filepath.Dir(src)
	}
	return filepath.Join(dir, base+".spto")
}
