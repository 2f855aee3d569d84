package cmds

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/kcide/kcdap/cmd/kcdap/cmds/helphelpers"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestMapCommand(t *testing.T) {
	dir := t.TempDir()
	mapFile := filepath.Join(dir, "prog.map")
	writeFile(t, mapFile, "/workspace/main.asm:3:4096\n/workspace/lib/io.asm:10:0x2000\n")
	cfg := filepath.Join(dir, "config.yml")
	writeFile(t, cfg, "map-path-prefix: /workspace/\n")

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"files", []string{mapFile}, "2 addresses in 2 files\nlib/io.asm\nmain.asm\n", false},
		{"address", []string{mapFile, "0x1000", "$2000"}, "0x1000\tmain.asm:3\n$2000\tlib/io.asm:10\n", false},
		{"line", []string{mapFile, "main.asm:3"}, "main.asm:3\t0x1000\n", false},
		{"prefix flag", []string{"--prefix", "/", mapFile, "workspace/main.asm:3"}, "workspace/main.asm:3\t0x1000\n", false},
		{"unmapped address", []string{mapFile, "0x1001"}, "", true},
		{"no code", []string{mapFile, "main.asm:4"}, "", true},
		{"bad line", []string{mapFile, "main.asm:x"}, "", true},
		{"missing map", []string{filepath.Join(dir, "missing.map")}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			root := New()
			root.SetOut(&out)
			root.SetErr(io.Discard)
			root.SetArgs(append([]string{"--config", cfg, "map"}, tt.args...))
			err := root.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && out.String() != tt.want {
				t.Errorf("got %q, want %q", out.String(), tt.want)
			}
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	root := New()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yml"), "map", "x.map"})
	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestPrepareHidesServerFlags(t *testing.T) {
	root := New()
	var mapCommand *cobra.Command
	for _, c := range root.Commands() {
		if c.Name() == "map" {
			mapCommand = c
		}
	}
	if mapCommand == nil {
		t.Fatal("map command not found")
	}
	helphelpers.Prepare(mapCommand)
	for _, name := range []string{"listen", "target", "log"} {
		if f := root.PersistentFlags().Lookup(name); f == nil || !f.Hidden {
			t.Errorf("flag %q is not hidden", name)
		}
	}
	if f := root.PersistentFlags().Lookup("config"); f == nil || f.Hidden {
		t.Error("flag \"config\" should stay visible for map")
	}
	if f := mapCommand.Flags().Lookup("prefix"); f == nil || f.Hidden {
		t.Error("flag \"prefix\" should stay visible for map")
	}
}
