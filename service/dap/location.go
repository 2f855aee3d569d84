package dap

import (
	"path/filepath"
	"strings"

	"github.com/google/go-dap"

	"github.com/kcide/kcdap/pkg/addrmap"
)

// locator translates between target addresses and the source files the
// client knows about. Paths in the address map are relative to root,
// paths exchanged with the client are absolute.
type locator struct {
	amap *addrmap.Map
	root string
}

func (l *locator) resolve(addr uint16) (addrmap.Location, bool) {
	return l.amap.Location(addr)
}

func (l *locator) addressOf(clientPath string, line int) (uint16, bool) {
	return l.amap.Address(l.relativePath(clientPath), line)
}

// clientPath converts a map-relative path to the path the client uses.
func (l *locator) clientPath(rel string) string {
	if l.root == "" {
		return rel
	}
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// relativePath converts a client path to a map-relative path. Paths
// outside of the project root are returned unchanged and will not
// resolve.
func (l *locator) relativePath(clientPath string) string {
	if l.root == "" || !filepath.IsAbs(clientPath) {
		return filepath.ToSlash(clientPath)
	}
	rel, err := filepath.Rel(l.root, clientPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(clientPath)
	}
	return filepath.ToSlash(rel)
}

// source returns the DAP source for a map location.
func (l *locator) source(loc addrmap.Location) *dap.Source {
	path := l.clientPath(loc.Path)
	return &dap.Source{Name: filepath.Base(path), Path: path}
}

// unknownSource is shown for frames outside of mapped source.
func unknownSource() *dap.Source {
	return &dap.Source{Name: "unknown source", PresentationHint: "deemphasize"}
}

// openDisassemblyEvent asks the client to show the disassembly view, the
// kcdap client extension opens it at Address.
type openDisassemblyEvent struct {
	dap.Event
	Body openDisassemblyEventBody `json:"body"`
}

type openDisassemblyEventBody struct {
	Address string `json:"address"`
}

// openDisassembly sends the openDisassembly event. The event is a hint for
// the user interface, failures are logged and otherwise ignored.
func (s *Session) openDisassembly(addr uint16) {
	defer func() {
		if ierr := recover(); ierr != nil {
			s.log.Debugf("could not open disassembly view: %v", ierr)
		}
	}()
	s.send(&openDisassemblyEvent{
		Event: *newEvent("kcdap.openDisassembly"),
		Body:  openDisassemblyEventBody{Address: formatAddr(addr)},
	})
}
