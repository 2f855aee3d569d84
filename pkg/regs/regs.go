// Package regs decodes the CPU state reported by the execution target and
// renders it as a list of named registers.
package regs

import (
	"encoding/json"
	"fmt"
	"strings"
)

// State is the register state of the target CPU. It is one of Z80, M6502
// or Unknown.
type State interface {
	cpu() string
}

// Z80 is the register file of a Z80 CPU. The shadow registers are the
// ones exchanged by EX AF,AF' and EXX.
type Z80 struct {
	AF, BC, DE, HL uint16
	IX, IY         uint16
	SP, PC         uint16

	AF2, BC2, DE2, HL2 uint16

	IM uint8
	// IR holds the interrupt vector register in the high byte and the
	// refresh register in the low byte.
	IR uint16
	// IFF holds IFF1 in bit 0 and IFF2 in bit 1.
	IFF uint8
}

// M6502 is the register file of a 6502 CPU.
type M6502 struct {
	A, X, Y, S, P uint8
	PC            uint16
}

// Unknown is reported by targets that could not identify their CPU.
type Unknown struct{}

func (Z80) cpu() string     { return "Z80" }
func (M6502) cpu() string   { return "6502" }
func (Unknown) cpu() string { return "unknown" }

// CPU returns the name of the CPU of s.
func CPU(s State) string {
	if s == nil {
		return Unknown{}.cpu()
	}
	return s.cpu()
}

type wireState struct {
	Type string `json:"type"`
	Z80  *struct {
		AF  uint16 `json:"af"`
		BC  uint16 `json:"bc"`
		DE  uint16 `json:"de"`
		HL  uint16 `json:"hl"`
		IX  uint16 `json:"ix"`
		IY  uint16 `json:"iy"`
		SP  uint16 `json:"sp"`
		PC  uint16 `json:"pc"`
		AF2 uint16 `json:"af2"`
		BC2 uint16 `json:"bc2"`
		DE2 uint16 `json:"de2"`
		HL2 uint16 `json:"hl2"`
		IM  uint8  `json:"im"`
		IR  uint16 `json:"ir"`
		IFF uint8  `json:"iff"`
	} `json:"z80"`
	M6502 *struct {
		A  uint8  `json:"a"`
		X  uint8  `json:"x"`
		Y  uint8  `json:"y"`
		S  uint8  `json:"s"`
		P  uint8  `json:"p"`
		PC uint16 `json:"pc"`
	} `json:"m6502"`
}

// Decode decodes the CPU state sent by the target. Any state that can not
// be decoded, or whose register block is missing, is Unknown.
func Decode(data []byte) State {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return Unknown{}
	}
	switch w.Type {
	case "Z80":
		if w.Z80 == nil {
			return Unknown{}
		}
		r := w.Z80
		return Z80{
			AF: r.AF, BC: r.BC, DE: r.DE, HL: r.HL,
			IX: r.IX, IY: r.IY, SP: r.SP, PC: r.PC,
			AF2: r.AF2, BC2: r.BC2, DE2: r.DE2, HL2: r.HL2,
			IM: r.IM, IR: r.IR, IFF: r.IFF,
		}
	case "6502":
		if w.M6502 == nil {
			return Unknown{}
		}
		r := w.M6502
		return M6502{A: r.A, X: r.X, Y: r.Y, S: r.S, P: r.P, PC: r.PC}
	}
	return Unknown{}
}

// Register is a formatted register value.
type Register struct {
	Name  string
	Value string
	Type  string
}

const (
	z80Flags   = "SZYHXPNC"
	m6502Flags = "NVXBDIZC"
)

// Format renders the registers of s. Unknown states and states that fail
// to format produce an empty list.
func Format(s State) (regs []Register) {
	defer func() {
		if ierr := recover(); ierr != nil {
			regs = []Register{}
		}
	}()
	switch s := s.(type) {
	case Z80:
		return formatZ80(s)
	case M6502:
		return format6502(s)
	}
	return []Register{}
}

func formatZ80(s Z80) []Register {
	return []Register{
		reg16("AF", s.AF),
		reg16("BC", s.BC),
		reg16("DE", s.DE),
		reg16("HL", s.HL),
		reg16("IX", s.IX),
		reg16("IY", s.IY),
		reg16("SP", s.SP),
		reg16("PC", s.PC),
		reg16("AF'", s.AF2),
		reg16("BC'", s.BC2),
		reg16("DE'", s.DE2),
		reg16("HL'", s.HL2),
		reg8("I", uint8(s.IR>>8)),
		reg8("R", uint8(s.IR)),
		{Name: "IM", Value: fmt.Sprintf("%d", s.IM), Type: "int"},
		regBool("IFF1", s.IFF&1 != 0),
		regBool("IFF2", s.IFF&2 != 0),
		{Name: "Flags", Value: Flags(z80Flags, uint8(s.AF)), Type: "flags"},
	}
}

func format6502(s M6502) []Register {
	return []Register{
		reg8("A", s.A),
		reg8("X", s.X),
		reg8("Y", s.Y),
		reg8("S", s.S),
		reg8("P", s.P),
		reg16("PC", s.PC),
		{Name: "Flags", Value: Flags(m6502Flags, s.P), Type: "flags"},
	}
}

func reg16(name string, v uint16) Register {
	return Register{Name: name, Value: fmt.Sprintf("%04X", v), Type: "uint16"}
}

func reg8(name string, v uint8) Register {
	return Register{Name: name, Value: fmt.Sprintf("%02X", v), Type: "uint8"}
}

func regBool(name string, v bool) Register {
	return Register{Name: name, Value: fmt.Sprintf("%t", v), Type: "bool"}
}

// Flags renders v one letter per bit, from bit 7 down to bit 0, using the
// letters in names for set bits and '-' for clear bits.
func Flags(names string, v uint8) string {
	var s strings.Builder
	for i := 0; i < 8; i++ {
		if v&(0x80>>uint(i)) != 0 {
			s.WriteByte(names[i])
		} else {
			s.WriteByte('-')
		}
	}
	return s.String()
}
