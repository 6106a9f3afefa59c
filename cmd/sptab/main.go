// sptab CLI - builds, dumps and measures safepoint tables
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tliron/commonlog"

	"github.com/chazu/sptab/config"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbosity := flag.Int("v", 0, "Log verbosity (-4 silent .. 2 debug)")
	configDir := flag.String("config", ".", "Directory to search for sptab.toml")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sptab [options] <command> [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  build [-o dir] fn.toml...   Compile function descriptions to .spto objects\n")
		fmt.Fprintf(os.Stderr, "  dump obj.spto...            Print the safepoint tables of objects\n")
		fmt.Fprintf(os.Stderr, "  export [-o file] obj.spto   Write a CBOR snapshot of an object's table\n")
		fmt.Fprintf(os.Stderr, "  stats obj.spto...           Summarize table sizes\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	v := cfg.Log.Verbosity
	if *verbosity != 0 {
		v = *verbosity
	}
	commonlog.Initialize(v, cfg.Log.Path)

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	args := flag.Args()[1:]
	switch cmd := flag.Arg(0); cmd {
	case "build":
		err = handleBuildCommand(args, cfg)
	case "dump":
		err = handleDumpCommand(args, cfg)
	case "export":
		err = handleExportCommand(args)
	case "stats":
		err = handleStatsCommand(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", cmd)
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig finds sptab.toml from dir upwards, falling back to defaults.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.FindAndLoad(dir)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}
