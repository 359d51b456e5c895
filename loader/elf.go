// Package loader reads guest images into emulator memory.
package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/sarchlab/x86sim/emu"
)

// SegmentFlags represents memory protection flags for a segment.
type SegmentFlags uint32

const (
	// SegmentFlagExecute indicates the segment is executable.
	SegmentFlagExecute SegmentFlags = 1 << iota
	// SegmentFlagWrite indicates the segment is writable.
	SegmentFlagWrite
	// SegmentFlagRead indicates the segment is readable.
	SegmentFlagRead
)

// Segment represents a loadable region of an image.
type Segment struct {
	// Addr is the linear address the segment is loaded at.
	Addr uint32
	// Data contains the segment contents from the file.
	Data []byte
	// MemSize is the size in memory (may be larger than len(Data) for BSS).
	MemSize uint32
	Flags   SegmentFlags
}

// Program represents a loaded image ready for execution.
type Program struct {
	// EntryPoint is the linear address where execution should begin.
	EntryPoint uint32
	Segments   []Segment
}

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

// LoadFile loads an ELF image, or a flat binary placed at addr when the
// file does not start with the ELF magic.
func LoadFile(path string, addr uint32) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	if bytes.HasPrefix(data, elfMagic) {
		return LoadELF(bytes.NewReader(data))
	}
	return Flat(data, addr), nil
}

// Load parses a 32-bit x86 ELF executable.
func Load(path string) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	return LoadELF(f)
}

// LoadELF parses a 32-bit x86 ELF executable from r.
func LoadELF(r io.ReaderAt) (*Program, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ELF file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if f.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("not a 32-bit ELF file")
	}
	if f.Machine != elf.EM_386 {
		return nil, fmt.Errorf("not an i386 ELF file (machine type: %v)", f.Machine)
	}

	prog := &Program{EntryPoint: uint32(f.Entry)}

	for _, phdr := range f.Progs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.Filesz > phdr.Memsz {
			return nil, fmt.Errorf("segment at 0x%x has file size 0x%x above memory size 0x%x",
				phdr.Vaddr, phdr.Filesz, phdr.Memsz)
		}

		data := make([]byte, phdr.Filesz)
		if phdr.Filesz > 0 {
			n, err := phdr.ReadAt(data, 0)
			if err != nil && err != io.EOF {
				return nil, fmt.Errorf("failed to read segment at 0x%x: %w", phdr.Vaddr, err)
			}
			if uint64(n) != phdr.Filesz {
				return nil, fmt.Errorf("short read for segment at 0x%x: got %d bytes, expected %d",
					phdr.Vaddr, n, phdr.Filesz)
			}
		}

		var flags SegmentFlags
		if phdr.Flags&elf.PF_X != 0 {
			flags |= SegmentFlagExecute
		}
		if phdr.Flags&elf.PF_W != 0 {
			flags |= SegmentFlagWrite
		}
		if phdr.Flags&elf.PF_R != 0 {
			flags |= SegmentFlagRead
		}

		prog.Segments = append(prog.Segments, Segment{
			Addr:    uint32(phdr.Vaddr),
			Data:    data,
			MemSize: uint32(phdr.Memsz),
			Flags:   flags,
		})
	}

	return prog, nil
}

// Flat wraps a raw binary as a single executable segment at addr whose
// first byte is the entry point.
func Flat(data []byte, addr uint32) *Program {
	return &Program{
		EntryPoint: addr,
		Segments: []Segment{{
			Addr:    addr,
			Data:    data,
			MemSize: uint32(len(data)),
			Flags:   SegmentFlagRead | SegmentFlagWrite | SegmentFlagExecute,
		}},
	}
}

// LoadInto copies every segment into mem and zero-fills the BSS tails.
func (p *Program) LoadInto(mem *emu.Memory) {
	for _, seg := range p.Segments {
		mem.LoadProgram(seg.Addr, seg.Data)
		for off := uint32(len(seg.Data)); off < seg.MemSize; off++ {
			mem.Write8(seg.Addr+off, 0)
		}
	}
}

// Break returns the end of the highest segment rounded up to a page, the
// initial program break.
func (p *Program) Break() uint32 {
	var end uint32
	for _, seg := range p.Segments {
		if e := seg.Addr + seg.MemSize; e > end {
			end = e
		}
	}
	return (end + emu.PageSize - 1) &^ (emu.PageSize - 1)
}

// Start loads the program into the emulator and points CS:EIP at the
// entry point.
func (p *Program) Start(e *emu.Emulator) {
	p.LoadInto(e.Memory())
	e.SetEntry(p.EntryPoint)
}
