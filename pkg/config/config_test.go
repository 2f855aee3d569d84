package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := decode(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if c.GetTargetListen() != DefaultTargetListen ||
		c.GetReadyTimeout() != DefaultReadyTimeout ||
		c.GetReadyInterval() != DefaultReadyInterval ||
		c.GetQueryTimeout() != DefaultQueryTimeout ||
		c.GetMapPathPrefix() != DefaultMapPathPrefix ||
		!c.GetAutoOpenDisassembly() ||
		c.GetDisassemblyCacheSize() != DefaultDisassemblyCacheSize ||
		c.GetTargetVersionConstraint() != "" {
		t.Errorf("default config does not produce the defaults: %+v", c)
	}
}

func TestNilConfig(t *testing.T) {
	var c *Config
	if c.GetReadyTimeout() != DefaultReadyTimeout || !c.GetAutoOpenDisassembly() {
		t.Error("nil config does not produce the defaults")
	}
}

func TestLoadConfigFile(t *testing.T) {
	const text = `
target-listen: ":9000"
ready-timeout: 2s
ready-interval: 50ms
query-timeout: 1m
map-path-prefix: ""
auto-open-disassembly: false
disassembly-cache-size: 0
check-target-version: true
target-version: "^1.2"
aliases:
  mem: ["x", "examine"]
`
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(text), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name      string
		got, want interface{}
	}{
		{"target-listen", c.GetTargetListen(), ":9000"},
		{"ready-timeout", c.GetReadyTimeout(), 2 * time.Second},
		{"ready-interval", c.GetReadyInterval(), 50 * time.Millisecond},
		{"query-timeout", c.GetQueryTimeout(), time.Minute},
		{"map-path-prefix", c.GetMapPathPrefix(), ""},
		{"auto-open-disassembly", c.GetAutoOpenDisassembly(), false},
		{"disassembly-cache-size", c.GetDisassemblyCacheSize(), 0},
		{"target-version", c.GetTargetVersionConstraint(), "^1.2"},
		{"aliases", c.Aliases, map[string][]string{"mem": {"x", "examine"}}},
	}
	for _, tc := range tests {
		if !reflect.DeepEqual(tc.got, tc.want) {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}

	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("expected error for missing file")
	}
}
