// Package image reads the program images produced by the assembler.
//
// Two formats are supported:
//
//	KCC  KC85 tape/disk image: a 128 byte header followed by the program.
//	     bytes 0..15   name, zero padded
//	     byte  16      number of addresses in the header (2 or 3)
//	     bytes 17..18  load address, little endian
//	     bytes 19..20  end address (exclusive), little endian
//	     bytes 21..22  entry address, little endian, only if numAddr >= 3
//	PRG  C64 program: a 2 byte little endian load address followed by the
//	     program, execution starts at the load address.
package image

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Format is the file format of an image.
type Format string

const (
	KCC Format = "KCC"
	PRG Format = "PRG"
)

const kccHeaderSize = 128

var (
	// ErrNoEntry is returned when an image that has to be started does not
	// declare an entry address.
	ErrNoEntry = errors.New("image has no entry address")
	// ErrUnknownFormat is returned for files that are neither KCC nor PRG.
	ErrUnknownFormat = errors.New("unknown image format")
)

// Image is a program image.
type Image struct {
	Format Format
	// CPU is the CPU the image was built for, "Z80" or "6502".
	CPU      string
	Name     string
	Load     uint16
	End      uint16
	Entry    uint16
	HasEntry bool
	// Data is the complete file, header included.
	Data []byte
}

func (img *Image) String() string {
	name := img.Name
	if name == "" {
		name = "<unnamed>"
	}
	if img.HasEntry {
		return fmt.Sprintf("%s %s 0x%04X-0x%04X entry 0x%04X", img.Format, name, img.Load, img.End, img.Entry)
	}
	return fmt.Sprintf("%s %s 0x%04X-0x%04X", img.Format, name, img.Load, img.End)
}

// CheckStart returns ErrNoEntry if the image can not be started.
func (img *Image) CheckStart() error {
	if !img.HasEntry {
		return ErrNoEntry
	}
	return nil
}

// Open reads the image at path, the format is selected by file extension.
func Open(path string) (*Image, error) {
	var format Format
	switch strings.ToLower(filepath.Ext(path)) {
	case ".kcc":
		format = KCC
	case ".prg":
		format = PRG
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read program: %w", err)
	}
	img, err := Parse(format, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if format == KCC && img.Name == "" {
		img.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return img, nil
}

// Parse decodes data as an image of the given format.
func Parse(format Format, data []byte) (*Image, error) {
	switch format {
	case KCC:
		return parseKCC(data)
	case PRG:
		return parsePRG(data)
	}
	return nil, ErrUnknownFormat
}

func parseKCC(data []byte) (*Image, error) {
	if len(data) < kccHeaderSize {
		return nil, fmt.Errorf("KCC header too short: %d bytes", len(data))
	}
	img := &Image{
		Format: KCC,
		CPU:    "Z80",
		Name:   string(bytes.TrimRight(data[:16], "\x00 ")),
		Load:   binary.LittleEndian.Uint16(data[17:]),
		End:    binary.LittleEndian.Uint16(data[19:]),
		Data:   data,
	}
	numAddr := data[16]
	if numAddr < 2 {
		return nil, fmt.Errorf("invalid KCC address count %d", numAddr)
	}
	if img.End < img.Load {
		return nil, fmt.Errorf("KCC end address 0x%04X before load address 0x%04X", img.End, img.Load)
	}
	if numAddr >= 3 {
		img.Entry = binary.LittleEndian.Uint16(data[21:])
		img.HasEntry = true
	}
	return img, nil
}

func parsePRG(data []byte) (*Image, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("PRG header too short: %d bytes", len(data))
	}
	load := binary.LittleEndian.Uint16(data)
	end := int(load) + len(data) - 2
	if end > 0xFFFF {
		return nil, fmt.Errorf("PRG does not fit into memory: 0x%04X-0x%X", load, end)
	}
	return &Image{
		Format:   PRG,
		CPU:      "6502",
		Load:     load,
		End:      uint16(end),
		Entry:    load,
		HasEntry: true,
		Data:     data,
	}, nil
}
