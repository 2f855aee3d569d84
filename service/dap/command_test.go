package dap

import (
	"fmt"
	"testing"
)

func TestHexDump(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	tests := []struct {
		addr uint16
		data []byte
		want string
	}{
		{0x1000, nil, ""},
		{0x1000, []byte{0xA9, 0x01}, "1000: A9 01\n"},
		{0x2000, data, "2000: 00 01 02 03 04 05 06 07 08 09 0A 0B 0C 0D 0E 0F\n2010: 10 11 12 13\n"},
	}
	for _, tt := range tests {
		if got := hexDump(tt.addr, tt.data); got != tt.want {
			t.Errorf("hexDump(%#x, % x) = %q, want %q", tt.addr, tt.data, got, tt.want)
		}
	}
}

func TestCommandAliases(t *testing.T) {
	s := &Session{}
	s.cmds = newCommands(s, map[string][]string{"mem": {"dump"}, "nosuchcommand": {"y"}})

	tests := []struct {
		name  string
		found bool
	}{
		{"mem", true},
		{"x", true},
		{"dump", true},
		{"h", true},
		{"y", false},
		{"nosuchcommand", false},
	}
	for _, tt := range tests {
		if _, ok := s.cmds.find(tt.name); ok != tt.found {
			t.Errorf("find(%q) = %v, want %v", tt.name, ok, tt.found)
		}
	}

	// Merging again replaces the aliases of the config file.
	s.cmds.Merge(map[string][]string{"regs": {"r"}})
	if _, ok := s.cmds.find("dump"); ok {
		t.Error("alias dump survived the merge")
	}
	if _, ok := s.cmds.find("r"); !ok {
		t.Error("alias r not found after the merge")
	}
	if got := fmt.Sprint(s.cmds.complete("d")); got != "[]" {
		t.Errorf("complete(d) = %s, want []", got)
	}
	if got := fmt.Sprint(s.cmds.complete("r")); got != "[r regs reset]" {
		t.Errorf("complete(r) = %s, want [r regs reset]", got)
	}
}

func TestCallErrors(t *testing.T) {
	s := &Session{}
	s.cmds = newCommands(s, nil)
	for _, cmdstr := range []string{"", "   ", "nope", "help nope", "addr", "addr main.asm", "loc 0xZZ", "mem 0x10 -1"} {
		if _, err := s.cmds.call(cmdstr); err == nil {
			t.Errorf("call(%q) succeeded, want error", cmdstr)
		}
	}
	out, err := s.cmds.call("help addr")
	if err != nil || out != msgAddr {
		t.Errorf("help addr = %q, %v", out, err)
	}
}
