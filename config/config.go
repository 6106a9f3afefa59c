// Package config handles sptab.toml tool configuration and the TOML
// function descriptions the build command compiles.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file looked up by FindAndLoad.
const FileName = "sptab.toml"

// Config represents an sptab.toml configuration.
type Config struct {
	Target  Target  `toml:"target"`
	Builder Builder `toml:"builder"`
	Log     Log     `toml:"log"`

	// Dir is the directory containing the sptab.toml file (set at load time).
	Dir string `toml:"-"`
}

// Target describes the code layout of the host.
type Target struct {
	MetadataAlignment int      `toml:"metadata-alignment"`
	CodeAlignment     int      `toml:"code-alignment"`
	CodeBase          uint64   `toml:"code-base"`
	Registers         []string `toml:"registers"`
}

// Builder configures safepoint table builders.
type Builder struct {
	Checks *bool `toml:"checks"`
}

// Log configures logging.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Defaults
const (
	DefaultMetadataAlignment = 8
	DefaultCodeAlignment     = 32
	DefaultCodeBase          = 0x10000
)

// DefaultRegisters are the register names used when none are configured.
var DefaultRegisters = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// Default returns the configuration used without an sptab.toml.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Target.MetadataAlignment == 0 {
		c.Target.MetadataAlignment = DefaultMetadataAlignment
	}
	if c.Target.CodeAlignment == 0 {
		c.Target.CodeAlignment = DefaultCodeAlignment
	}
	if c.Target.CodeBase == 0 {
		c.Target.CodeBase = DefaultCodeBase
	}
	if len(c.Target.Registers) == 0 {
		c.Target.Registers = DefaultRegisters
	}
}

// Validate checks the configured values.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.Target.MetadataAlignment) {
		return fmt.Errorf("metadata-alignment %d is not a power of two", c.Target.MetadataAlignment)
	}
	if !isPowerOfTwo(c.Target.CodeAlignment) {
		return fmt.Errorf("code-alignment %d is not a power of two", c.Target.CodeAlignment)
	}
	if len(c.Target.Registers) > 32 {
		return fmt.Errorf("%d registers configured, at most 32 fit a register mask", len(c.Target.Registers))
	}
	return nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ChecksEnabled reports whether builders validate the caller contract.
// Checks default to on.
func (c *Config) ChecksEnabled() bool {
	return c.Builder.Checks == nil || *c.Builder.Checks
}

// RegisterName returns the configured name of a register code.
func (c *Config) RegisterName(code int) string {
	if code >= 0 && code < len(c.Target.Registers) {
		return c.Target.Registers[code]
	}
	return fmt.Sprintf("r%d", code)
}

// RegisterCode returns the code of a named register.
func (c *Config) RegisterCode(name string) (int, bool) {
	for i, r := range c.Target.Registers {
		if r == name {
			return i, true
		}
	}
	return 0, false
}

// Load parses an sptab.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find an sptab.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}
