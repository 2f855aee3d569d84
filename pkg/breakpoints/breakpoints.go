// Package breakpoints keeps track of the breakpoints of a debug session
// and computes the add/remove batches that bring the breakpoints
// installed on the execution target in line with them.
//
// There are two independent kinds of breakpoints: source breakpoints,
// which are set per source file, and instruction breakpoints, which are
// always replaced as a whole. Both kinds resolve to 16-bit addresses.
// Several breakpoints can resolve to the same address, the target only
// sees the address once.
package breakpoints

import (
	"fmt"
	"sort"

	"github.com/kcide/kcdap/pkg/addrmap"
)

// Breakpoint is either a *SourceBreakpoint or an *InstructionBreakpoint.
type Breakpoint interface {
	fmt.Stringer
	BreakpointID() int
}

// SourceBreakpoint is a breakpoint set on a line of a source file.
type SourceBreakpoint struct {
	ID int
	// Path is the path of the file as sent by the client, it identifies
	// the owner of the breakpoint.
	Path string
	// RelPath is Path relative to the project root, as used by the
	// address map.
	RelPath string
	Line    int
	// Addr is only meaningful if Verified is true.
	Addr     uint16
	Verified bool
}

func (bp *SourceBreakpoint) BreakpointID() int { return bp.ID }

func (bp *SourceBreakpoint) String() string {
	if !bp.Verified {
		return fmt.Sprintf("Breakpoint %d at %s:%d (unverified)", bp.ID, bp.RelPath, bp.Line)
	}
	return fmt.Sprintf("Breakpoint %d at %s:%d (0x%04X)", bp.ID, bp.RelPath, bp.Line, bp.Addr)
}

// InstructionRef is an instruction breakpoint as requested by the client:
// a memory reference plus a byte offset.
type InstructionRef struct {
	Reference string
	Offset    int
}

// InstructionBreakpoint is a breakpoint set directly on an address.
type InstructionBreakpoint struct {
	ID        int
	Reference string
	Offset    int
	// Addr is only meaningful if Verified is true.
	Addr     uint16
	Verified bool
	// Location is the source line at Addr, nil if the address is not
	// part of the address map.
	Location *addrmap.Location
	// Message explains why the breakpoint could not be verified.
	Message string
}

func (bp *InstructionBreakpoint) BreakpointID() int { return bp.ID }

func (bp *InstructionBreakpoint) String() string {
	if !bp.Verified {
		return fmt.Sprintf("Instruction breakpoint %d at %s%+d (%s)", bp.ID, bp.Reference, bp.Offset, bp.Message)
	}
	if bp.Location != nil {
		return fmt.Sprintf("Instruction breakpoint %d at 0x%04X (%s)", bp.ID, bp.Addr, bp.Location)
	}
	return fmt.Sprintf("Instruction breakpoint %d at 0x%04X", bp.ID, bp.Addr)
}

// Registry holds all breakpoints of a session.
// It is not safe for concurrent use.
type Registry struct {
	amap        *addrmap.Map
	nextID      int
	source      map[string][]*SourceBreakpoint
	instruction []*InstructionBreakpoint
	// installed counts the breakpoints resolved to each address that is
	// currently installed on the target.
	installed map[uint16]int
}

// New returns an empty registry resolving source lines with amap.
func New(amap *addrmap.Map) *Registry {
	return &Registry{
		amap:      amap,
		nextID:    1,
		source:    make(map[string][]*SourceBreakpoint),
		installed: make(map[uint16]int),
	}
}

// Update is a planned change to the registry. The addresses in Removed
// and Added must be sent to the target before the update is committed.
// An update that is not committed leaves the registry unchanged.
// Only one update may be outstanding at a time.
type Update struct {
	r           *Registry
	path        string
	source      []*SourceBreakpoint
	instruction []*InstructionBreakpoint
	isSource    bool
	installed   map[uint16]int
	removed     []uint16
	added       []uint16
}

// Removed returns the addresses no breakpoint resolves to after the update.
func (u *Update) Removed() []uint16 { return u.removed }

// Added returns the addresses that were not installed before the update.
func (u *Update) Added() []uint16 { return u.added }

// Source returns the new source breakpoints of the updated file.
func (u *Update) Source() []*SourceBreakpoint { return u.source }

// Instruction returns the new set of instruction breakpoints.
func (u *Update) Instruction() []*InstructionBreakpoint { return u.instruction }

// Empty reports whether the update requires no target command.
func (u *Update) Empty() bool { return len(u.removed) == 0 && len(u.added) == 0 }

// Commit applies the update to the registry.
func (u *Update) Commit() {
	r := u.r
	if u.isSource {
		if len(u.source) == 0 {
			delete(r.source, u.path)
		} else {
			r.source[u.path] = u.source
		}
	} else {
		r.instruction = u.instruction
	}
	r.installed = u.installed
}

// ReplaceSource plans the replacement of all breakpoints of the file at
// path with one breakpoint per line. Breakpoints of other files are not
// affected.
func (r *Registry) ReplaceSource(path, relPath string, lines []int) *Update {
	bps := make([]*SourceBreakpoint, 0, len(lines))
	for _, line := range lines {
		bp := &SourceBreakpoint{ID: r.newID(), Path: path, RelPath: relPath, Line: line}
		bp.Addr, bp.Verified = r.amap.Address(relPath, line)
		bps = append(bps, bp)
	}
	var oldAddrs, newAddrs []uint16
	for _, bp := range r.source[path] {
		if bp.Verified {
			oldAddrs = append(oldAddrs, bp.Addr)
		}
	}
	for _, bp := range bps {
		if bp.Verified {
			newAddrs = append(newAddrs, bp.Addr)
		}
	}
	u := &Update{r: r, path: path, source: bps, isSource: true}
	u.diff(oldAddrs, newAddrs)
	return u
}

// ReplaceInstruction plans the replacement of the whole set of
// instruction breakpoints. The address of each breakpoint is its
// reference plus its offset, wrapped to 16 bits.
func (r *Registry) ReplaceInstruction(refs []InstructionRef) *Update {
	bps := make([]*InstructionBreakpoint, 0, len(refs))
	for _, ref := range refs {
		bp := &InstructionBreakpoint{ID: r.newID(), Reference: ref.Reference, Offset: ref.Offset}
		base, err := addrmap.ParseAddress(ref.Reference)
		if err != nil {
			bp.Message = err.Error()
		} else {
			bp.Addr = uint16(int(base) + ref.Offset)
			bp.Verified = true
			if loc, ok := r.amap.Location(bp.Addr); ok {
				bp.Location = &loc
			}
		}
		bps = append(bps, bp)
	}
	var oldAddrs, newAddrs []uint16
	for _, bp := range r.instruction {
		if bp.Verified {
			oldAddrs = append(oldAddrs, bp.Addr)
		}
	}
	for _, bp := range bps {
		if bp.Verified {
			newAddrs = append(newAddrs, bp.Addr)
		}
	}
	u := &Update{r: r, instruction: bps}
	u.diff(oldAddrs, newAddrs)
	return u
}

// diff computes the installed counts after the update and the addresses
// whose installed state changes.
func (u *Update) diff(oldAddrs, newAddrs []uint16) {
	u.installed = make(map[uint16]int, len(u.r.installed)+len(newAddrs))
	for addr, n := range u.r.installed {
		u.installed[addr] = n
	}
	touched := make(map[uint16]bool)
	for _, addr := range oldAddrs {
		u.installed[addr]--
		touched[addr] = true
	}
	for _, addr := range newAddrs {
		u.installed[addr]++
		touched[addr] = true
	}
	for addr := range touched {
		before, after := u.r.installed[addr], u.installed[addr]
		switch {
		case before > 0 && after <= 0:
			u.removed = append(u.removed, addr)
		case before <= 0 && after > 0:
			u.added = append(u.added, addr)
		}
		if after <= 0 {
			delete(u.installed, addr)
		}
	}
	sortAddrs(u.removed)
	sortAddrs(u.added)
}

func (r *Registry) newID() int {
	id := r.nextID
	r.nextID++
	return id
}

// Lookup returns the ids of all verified breakpoints at addr.
func (r *Registry) Lookup(addr uint16) []int {
	var ids []int
	for _, bp := range r.Source() {
		if bp.Verified && bp.Addr == addr {
			ids = append(ids, bp.ID)
		}
	}
	for _, bp := range r.instruction {
		if bp.Verified && bp.Addr == addr {
			ids = append(ids, bp.ID)
		}
	}
	return ids
}

// Installed returns the addresses that should be installed on the target,
// in ascending order.
func (r *Registry) Installed() []uint16 {
	addrs := make([]uint16, 0, len(r.installed))
	for addr := range r.installed {
		addrs = append(addrs, addr)
	}
	sortAddrs(addrs)
	return addrs
}

// Source returns all source breakpoints ordered by id.
func (r *Registry) Source() []*SourceBreakpoint {
	var bps []*SourceBreakpoint
	for _, v := range r.source {
		bps = append(bps, v...)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].ID < bps[j].ID })
	return bps
}

// Instruction returns all instruction breakpoints ordered by id.
func (r *Registry) Instruction() []*InstructionBreakpoint {
	return r.instruction
}

// All returns every breakpoint of the session ordered by id.
func (r *Registry) All() []Breakpoint {
	var bps []Breakpoint
	for _, bp := range r.Source() {
		bps = append(bps, bp)
	}
	for _, bp := range r.instruction {
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].BreakpointID() < bps[j].BreakpointID() })
	return bps
}

func sortAddrs(addrs []uint16) {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
}
