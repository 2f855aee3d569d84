package regs

import (
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want State
	}{
		{"z80", `{"type":"Z80","z80":{"af":4660,"pc":512,"af2":1,"ir":258,"iff":3,"im":1}}`,
			Z80{AF: 0x1234, PC: 0x200, AF2: 1, IR: 0x102, IFF: 3, IM: 1}},
		{"6502", `{"type":"6502","m6502":{"a":1,"x":2,"y":3,"s":253,"p":36,"pc":49152}}`,
			M6502{A: 1, X: 2, Y: 3, S: 0xfd, P: 0x24, PC: 0xc000}},
		{"unknown", `{"type":"unknown"}`, Unknown{}},
		{"missing registers", `{"type":"Z80"}`, Unknown{}},
		{"garbage", `not json`, Unknown{}},
		{"out of range", `{"type":"6502","m6502":{"a":300}}`, Unknown{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decode([]byte(tc.in)); got != tc.want {
				t.Errorf("Decode() = %#v, want %#v", got, tc.want)
			}
		})
	}
}

func TestFormatZ80(t *testing.T) {
	s := Z80{AF: 0x12C1, BC: 0xBEEF, PC: 0x0200, AF2: 0xFF, IR: 0x3F7A, IM: 2, IFF: 1}
	regs := Format(s)
	names := []string{"AF", "BC", "DE", "HL", "IX", "IY", "SP", "PC", "AF'", "BC'", "DE'", "HL'", "I", "R", "IM", "IFF1", "IFF2", "Flags"}
	if len(regs) != len(names) {
		t.Fatalf("got %d registers, want %d", len(regs), len(names))
	}
	for i, name := range names {
		if regs[i].Name != name {
			t.Errorf("register %d is %q, want %q", i, regs[i].Name, name)
		}
	}
	want := map[string]string{
		"AF":    "12C1",
		"BC":    "BEEF",
		"PC":    "0200",
		"AF'":   "00FF",
		"I":     "3F",
		"R":     "7A",
		"IM":    "2",
		"IFF1":  "true",
		"IFF2":  "false",
		"Flags": "SZ-----C",
	}
	for _, r := range regs {
		if v, ok := want[r.Name]; ok && r.Value != v {
			t.Errorf("%s = %q, want %q", r.Name, r.Value, v)
		}
	}
}

func TestFormat6502(t *testing.T) {
	regs := Format(M6502{A: 0x0A, S: 0xFD, P: 0xA5, PC: 0xC000})
	want := []Register{
		{"A", "0A", "uint8"},
		{"X", "00", "uint8"},
		{"Y", "00", "uint8"},
		{"S", "FD", "uint8"},
		{"P", "A5", "uint8"},
		{"PC", "C000", "uint16"},
		{"Flags", "N-X--I-C", "flags"},
	}
	if len(regs) != len(want) {
		t.Fatalf("got %v", regs)
	}
	for i := range want {
		if regs[i] != want[i] {
			t.Errorf("register %d = %v, want %v", i, regs[i], want[i])
		}
	}
}

func TestFormatUnknown(t *testing.T) {
	if regs := Format(Unknown{}); regs == nil || len(regs) != 0 {
		t.Errorf("Format(Unknown) = %v", regs)
	}
	if regs := Format(nil); len(regs) != 0 {
		t.Errorf("Format(nil) = %v", regs)
	}
}

func TestFlags(t *testing.T) {
	tests := []struct {
		names string
		v     uint8
		want  string
	}{
		{z80Flags, 0x00, "--------"},
		{z80Flags, 0xFF, "SZYHXPNC"},
		{z80Flags, 0x40, "-Z------"},
		{m6502Flags, 0x30, "--XB----"},
	}
	for _, tc := range tests {
		if got := Flags(tc.names, tc.v); got != tc.want {
			t.Errorf("Flags(%q, %#x) = %q, want %q", tc.names, tc.v, got, tc.want)
		}
	}
}
