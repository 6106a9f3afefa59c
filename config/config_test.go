package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[target]
metadata-alignment = 16
code-base = 0x200000
registers = ["a0", "a1", "a2"]

[builder]
checks = false

[log]
verbosity = 1
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Target.MetadataAlignment != 16 {
		t.Errorf("metadata alignment = %d, want 16", c.Target.MetadataAlignment)
	}
	if c.Target.CodeAlignment != DefaultCodeAlignment {
		t.Errorf("code alignment = %d, want default %d", c.Target.CodeAlignment, DefaultCodeAlignment)
	}
	if c.Target.CodeBase != 0x200000 {
		t.Errorf("code base = %#x, want 0x200000", c.Target.CodeBase)
	}
	if c.ChecksEnabled() {
		t.Error("checks enabled, want disabled")
	}
	if c.Log.Verbosity != 1 {
		t.Errorf("verbosity = %d, want 1", c.Log.Verbosity)
	}
	if code, ok := c.RegisterCode("a2"); !ok || code != 2 {
		t.Errorf("RegisterCode(a2) = %d, %v", code, ok)
	}
	if _, ok := c.RegisterCode("rax"); ok {
		t.Error("RegisterCode(rax) found a register not in the configured set")
	}
	if got := c.RegisterName(7); got != "r7" {
		t.Errorf("RegisterName(7) = %q, want r7", got)
	}
	abs, _ := filepath.Abs(dir)
	if c.Dir != abs {
		t.Errorf("dir = %q, want %q", c.Dir, abs)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if !c.ChecksEnabled() {
		t.Error("checks disabled by default")
	}
	if c.Target.MetadataAlignment != 8 || c.Target.CodeBase != 0x10000 {
		t.Errorf("defaults = %+v", c.Target)
	}
	if got := c.RegisterName(3); got != "rbx" {
		t.Errorf("RegisterName(3) = %q, want rbx", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", "[target\n", "parse error"},
		{"alignment", "[target]\nmetadata-alignment = 12\n", "not a power of two"},
		{"registers", "[target]\nregisters = [" + strings.Repeat(`"r", `, 33) + "]\n", "at most 32"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load error = %v, want containing %q", err, tt.want)
			}
		})
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load of a directory without sptab.toml succeeded")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[target]\ncode-alignment = 64\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad: %v", err)
	}
	if c == nil || c.Target.CodeAlignment != 64 {
		t.Fatalf("FindAndLoad = %+v, want config from %s", c, root)
	}
}

// ---------------------------------------------------------------------------
// Function descriptions
// ---------------------------------------------------------------------------

func TestParseFunction(t *testing.T) {
	fn, err := ParseFunction(`
name = "Point>>x"
size = 64
tagged-slots = 4

[[safepoint]]
pc = 10
slots = [0, 2]

[[safepoint]]
pc = 20
slots = [2]
registers = ["rbx"]
deopt = "wrong map"
`)
	if err != nil {
		t.Fatalf("ParseFunction: %v", err)
	}
	if fn.Name != "Point>>x" || fn.Size != 64 || fn.TaggedSlots != 4 {
		t.Errorf("function = %+v", fn)
	}
	if len(fn.Safepoints) != 2 {
		t.Fatalf("safepoints = %d, want 2", len(fn.Safepoints))
	}
	sp := fn.Safepoints[1]
	if sp.PC != 20 || sp.Deopt != "wrong map" || len(sp.Registers) != 1 || sp.Registers[0] != "rbx" {
		t.Errorf("safepoint 1 = %+v", sp)
	}
}

func TestFunctionValidate(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"no name", "size = 8\n", "no name"},
		{"no size", "name = \"f\"\n", "size must be positive"},
		{"pc order", "name = \"f\"\nsize = 30\n[[safepoint]]\npc = 10\n[[safepoint]]\npc = 10\n", "not after pc 10"},
		{"pc past end", "name = \"f\"\nsize = 8\n[[safepoint]]\npc = 9\n", "past the end"},
		{"slot range", "name = \"f\"\nsize = 8\ntagged-slots = 2\n[[safepoint]]\npc = 5\nslots = [2]\n", "outside tagged region"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFunction(tt.src)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseFunction error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadFunction(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.toml")
	if err := os.WriteFile(path, []byte("name = \"f\"\nsize = 8\n"), 0644); err != nil {
		t.Fatal(err)
	}
	fn, err := LoadFunction(path)
	if err != nil {
		t.Fatalf("LoadFunction: %v", err)
	}
	if fn.Name != "f" {
		t.Errorf("name = %q, want f", fn.Name)
	}
}
