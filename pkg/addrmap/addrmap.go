// Package addrmap implements the bidirectional index between assembler
// source lines and 16-bit memory addresses.
//
// The index is built from the map file written by the assembler, a text
// file with one record per executable source line:
//
//	/workspace/src/main.asm:12:512
//
// The file is parsed once per debug session and is read-only afterwards.
package addrmap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// DefaultPathPrefix is the root of the sandbox filesystem the assembler
// runs in. It is stripped from every path found in the map file.
const DefaultPathPrefix = "/workspace/"

// Location is a position in a source file, the path is relative to the
// project root.
type Location struct {
	Path string
	Line int
}

func (loc Location) String() string {
	return fmt.Sprintf("%s:%d", loc.Path, loc.Line)
}

// Map is the address map of a single program.
type Map struct {
	sourceToAddr map[string]map[int]uint16
	addrToSource map[uint16]Location
}

// Load reads and parses the map file at path.
func Load(path, prefix string) (*Map, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open map file: %w", err)
	}
	defer f.Close()
	return Parse(f, prefix)
}

// Parse reads map records from r. Records that do not have exactly three
// fields, or whose line or address can not be parsed, are skipped.
// If the same source line appears more than once the first address wins,
// if the same address appears more than once the last record wins.
func Parse(r io.Reader, prefix string) (*Map, error) {
	m := &Map{
		sourceToAddr: make(map[string]map[int]uint16),
		addrToSource: make(map[uint16]Location),
	}
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		path, line, addr, ok := parseRecord(scan.Text(), prefix)
		if !ok {
			continue
		}
		lines := m.sourceToAddr[path]
		if lines == nil {
			lines = make(map[int]uint16)
			m.sourceToAddr[path] = lines
		}
		if _, dup := lines[line]; !dup {
			lines[line] = addr
		}
		m.addrToSource[addr] = Location{Path: path, Line: line}
	}
	if err := scan.Err(); err != nil {
		return nil, fmt.Errorf("could not read map file: %w", err)
	}
	return m, nil
}

func parseRecord(text, prefix string) (path string, line int, addr uint16, ok bool) {
	parts := strings.Split(strings.TrimSpace(text), ":")
	if len(parts) != 3 {
		return "", 0, 0, false
	}
	path = strings.TrimPrefix(parts[0], prefix)
	if path == "" {
		return "", 0, 0, false
	}
	line, err := strconv.Atoi(parts[1])
	if err != nil || line < 0 {
		return "", 0, 0, false
	}
	addr, err = ParseAddress(parts[2])
	if err != nil {
		return "", 0, 0, false
	}
	return path, line, addr, true
}

// ParseAddress parses a 16-bit address written in decimal, or in
// hexadecimal with a "0x" or "$" prefix.
func ParseAddress(s string) (uint16, error) {
	s = strings.TrimSpace(s)
	base := 10
	switch {
	case strings.HasPrefix(s, "0x"), strings.HasPrefix(s, "0X"):
		s, base = s[2:], 16
	case strings.HasPrefix(s, "$"):
		s, base = s[1:], 16
	}
	v, err := strconv.ParseUint(s, base, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return uint16(v), nil
}

// Address returns the address of the first instruction generated for
// the given source line.
func (m *Map) Address(path string, line int) (uint16, bool) {
	if m == nil {
		return 0, false
	}
	addr, ok := m.sourceToAddr[path][line]
	return addr, ok
}

// Location returns the source line that generated the instruction at addr.
func (m *Map) Location(addr uint16) (Location, bool) {
	if m == nil {
		return Location{}, false
	}
	loc, ok := m.addrToSource[addr]
	return loc, ok
}

// Len returns the number of mapped addresses.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.addrToSource)
}

// Files returns the relative paths of all source files in the map, sorted.
func (m *Map) Files() []string {
	if m == nil {
		return nil
	}
	r := make([]string, 0, len(m.sourceToAddr))
	for path := range m.sourceToAddr {
		r = append(r, path)
	}
	sort.Strings(r)
	return r
}
