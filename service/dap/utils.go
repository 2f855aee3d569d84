package dap

import (
	"fmt"
	"strings"
)

// formatAddr formats a target address as a DAP memory reference.
func formatAddr(addr uint16) string {
	return fmt.Sprintf("0x%04X", addr)
}

// wrapAddr reduces base+offset to the 16-bit address space.
func wrapAddr(base uint16, offset int) uint16 {
	return uint16((int(base) + offset) & 0xFFFF)
}

// formatBytes renders instruction bytes the way disassemblers do,
// e.g. "3E 01".
func formatBytes(b []byte) string {
	var buf strings.Builder
	for i, c := range b {
		if i > 0 {
			buf.WriteByte(' ')
		}
		fmt.Fprintf(&buf, "%02X", c)
	}
	return buf.String()
}
