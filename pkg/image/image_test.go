package image

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func kccHeader(name string, numAddr byte, load, end, entry uint16) []byte {
	data := make([]byte, kccHeaderSize)
	copy(data, name)
	data[16] = numAddr
	data[17], data[18] = byte(load), byte(load>>8)
	data[19], data[20] = byte(end), byte(end>>8)
	data[21], data[22] = byte(entry), byte(entry>>8)
	return data
}

func TestParseKCC(t *testing.T) {
	data := append(kccHeader("HELLO", 3, 0x200, 0x210, 0x203), make([]byte, 16)...)
	img, err := Parse(KCC, data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Name != "HELLO" || img.Load != 0x200 || img.End != 0x210 || img.Entry != 0x203 || !img.HasEntry {
		t.Errorf("unexpected image %+v", img)
	}
	if img.CPU != "Z80" {
		t.Errorf("CPU = %q", img.CPU)
	}
	if err := img.CheckStart(); err != nil {
		t.Errorf("CheckStart() = %v", err)
	}
	if s := img.String(); s != "KCC HELLO 0x0200-0x0210 entry 0x0203" {
		t.Errorf("String() = %q", s)
	}
}

func TestParseKCCErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"short", make([]byte, 20)},
		{"no addresses", kccHeader("X", 0, 0x200, 0x210, 0)},
		{"end before load", kccHeader("X", 3, 0x300, 0x200, 0x300)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse(KCC, tc.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNoEntry(t *testing.T) {
	img, err := Parse(KCC, kccHeader("X", 2, 0x200, 0x210, 0))
	if err != nil {
		t.Fatal(err)
	}
	if err := img.CheckStart(); !errors.Is(err, ErrNoEntry) {
		t.Errorf("CheckStart() = %v, want ErrNoEntry", err)
	}
}

func TestParsePRG(t *testing.T) {
	img, err := Parse(PRG, []byte{0x01, 0x08, 0xa9, 0x00, 0x60})
	if err != nil {
		t.Fatal(err)
	}
	if img.Load != 0x801 || img.End != 0x804 || img.Entry != 0x801 || img.CPU != "6502" {
		t.Errorf("unexpected image %+v", img)
	}
	if _, err := Parse(PRG, []byte{1}); err == nil {
		t.Error("expected error for short PRG")
	}
	if _, err := Parse(PRG, []byte{0xff, 0xff, 1, 2}); err == nil {
		t.Error("expected error for PRG past the end of memory")
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	kcc := filepath.Join(dir, "game.kcc")
	if err := os.WriteFile(kcc, kccHeader("", 3, 0x200, 0x200, 0x200), 0o600); err != nil {
		t.Fatal(err)
	}
	img, err := Open(kcc)
	if err != nil {
		t.Fatal(err)
	}
	if img.Format != KCC || img.Name != "game" {
		t.Errorf("unexpected image %+v", img)
	}

	if _, err := Open(filepath.Join(dir, "game.bin")); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("Open(.bin) = %v, want ErrUnknownFormat", err)
	}
	if _, err := Open(filepath.Join(dir, "missing.prg")); err == nil {
		t.Error("expected error for missing file")
	}
}
