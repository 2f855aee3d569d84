package dap

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kcide/kcdap/pkg/logflags"
)

func TestFileWatcher(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "main.prg")
	other := filepath.Join(dir, "other.prg")
	for _, path := range []string{prog, other} {
		if err := os.WriteFile(path, []byte{0x00, 0x10}, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	changed := make(chan string, 8)
	fw, err := newFileWatcher(logflags.SessionLogger(), func(path string) { changed <- path }, prog)
	if err != nil {
		t.Fatal(err)
	}
	defer fw.Close()

	// Files that are not watched are not reported.
	if err := os.WriteFile(other, []byte{0x00, 0x20}, 0o600); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := os.WriteFile(prog, []byte{0x00, 0x20, byte(i)}, 0o600); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case path := <-changed:
		if path != prog {
			t.Errorf("got change of %s, want %s", path, prog)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("change not reported")
	}
	// Each file is reported once.
	select {
	case path := <-changed:
		t.Errorf("unexpected change of %s", path)
	case <-time.After(200 * time.Millisecond):
	}
}
