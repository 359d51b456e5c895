package emu

import "encoding/binary"

// PageSize is the granularity of memory allocation and of self-modifying
// code tracking.
const PageSize = 4096

const pageShift = 12

// Memory is a sparse, byte-addressable 4 GiB linear address space. Pages
// are allocated on first write; unwritten memory reads as zero.
type Memory struct {
	pages map[uint32]*[PageSize]byte

	// limit is the size of installed memory, or zero for the full space.
	// Reads above it return zero and writes are dropped.
	limit   uint64
	scratch [PageSize]byte

	// code holds the pages that back cached blocks.
	code        map[uint32]struct{}
	onCodeWrite func(page uint32)
}

// NewMemory creates an empty memory.
func NewMemory() *Memory {
	return &Memory{
		pages: make(map[uint32]*[PageSize]byte),
		code:  make(map[uint32]struct{}),
	}
}

// SetLimit sets the amount of installed memory in bytes, rounded up to a
// whole page. Zero installs the full 4 GiB.
func (m *Memory) SetLimit(size uint64) {
	m.limit = (size + PageSize - 1) &^ (PageSize - 1)
}

// Limit returns the installed memory size, or zero for the full space.
func (m *Memory) Limit() uint64 {
	return m.limit
}

func (m *Memory) installed(addr uint32) bool {
	return m.limit == 0 || uint64(addr) < m.limit
}

// SetCodeWriteHook registers fn to be called the first time a watched
// code page is written. The page stops being watched before fn runs.
func (m *Memory) SetCodeWriteHook(fn func(page uint32)) {
	m.onCodeWrite = fn
}

// WatchCode marks the pages covering [addr, addr+n) as holding code.
func (m *Memory) WatchCode(addr, n uint32) {
	if n == 0 {
		n = 1
	}
	first := addr >> pageShift
	last := (addr + n - 1) >> pageShift
	for p := first; ; p++ {
		m.code[p] = struct{}{}
		if p == last {
			break
		}
	}
}

// IsCodePage reports whether the page holding addr is watched.
func (m *Memory) IsCodePage(addr uint32) bool {
	_, ok := m.code[addr>>pageShift]
	return ok
}

// Reset drops all contents and watches.
func (m *Memory) Reset() {
	m.pages = make(map[uint32]*[PageSize]byte)
	m.code = make(map[uint32]struct{})
}

func (m *Memory) page(addr uint32) *[PageSize]byte {
	if !m.installed(addr) {
		return nil
	}
	return m.pages[addr>>pageShift]
}

func (m *Memory) pageForWrite(addr uint32) *[PageSize]byte {
	if !m.installed(addr) {
		return &m.scratch
	}

	n := addr >> pageShift
	if _, ok := m.code[n]; ok {
		delete(m.code, n)
		if m.onCodeWrite != nil {
			m.onCodeWrite(n)
		}
	}

	p := m.pages[n]
	if p == nil {
		p = new([PageSize]byte)
		m.pages[n] = p
	}
	return p
}

// Read8 reads a byte.
func (m *Memory) Read8(addr uint32) uint8 {
	p := m.page(addr)
	if p == nil {
		return 0
	}
	return p[addr&(PageSize-1)]
}

// Write8 writes a byte.
func (m *Memory) Write8(addr uint32, value uint8) {
	m.pageForWrite(addr)[addr&(PageSize-1)] = value
}

// Read16 reads a little-endian word.
func (m *Memory) Read16(addr uint32) uint16 {
	if off := addr & (PageSize - 1); off <= PageSize-2 {
		if p := m.page(addr); p != nil {
			return binary.LittleEndian.Uint16(p[off:])
		}
		return 0
	}
	return uint16(m.Read8(addr)) | uint16(m.Read8(addr+1))<<8
}

// Write16 writes a little-endian word.
func (m *Memory) Write16(addr uint32, value uint16) {
	if off := addr & (PageSize - 1); off <= PageSize-2 {
		binary.LittleEndian.PutUint16(m.pageForWrite(addr)[off:], value)
		return
	}
	m.Write8(addr, uint8(value))
	m.Write8(addr+1, uint8(value>>8))
}

// Read32 reads a little-endian doubleword.
func (m *Memory) Read32(addr uint32) uint32 {
	if off := addr & (PageSize - 1); off <= PageSize-4 {
		if p := m.page(addr); p != nil {
			return binary.LittleEndian.Uint32(p[off:])
		}
		return 0
	}
	return uint32(m.Read16(addr)) | uint32(m.Read16(addr+2))<<16
}

// Write32 writes a little-endian doubleword.
func (m *Memory) Write32(addr uint32, value uint32) {
	if off := addr & (PageSize - 1); off <= PageSize-4 {
		binary.LittleEndian.PutUint32(m.pageForWrite(addr)[off:], value)
		return
	}
	m.Write16(addr, uint16(value))
	m.Write16(addr+2, uint16(value>>16))
}

// Read64 reads a little-endian quadword.
func (m *Memory) Read64(addr uint32) uint64 {
	return uint64(m.Read32(addr)) | uint64(m.Read32(addr+4))<<32
}

// Write64 writes a little-endian quadword.
func (m *Memory) Write64(addr uint32, value uint64) {
	m.Write32(addr, uint32(value))
	m.Write32(addr+4, uint32(value>>32))
}

// ReadBytes copies n bytes starting at addr.
func (m *Memory) ReadBytes(addr uint32, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = m.Read8(addr + uint32(i))
	}
	return out
}

// LoadProgram copies data into memory at addr.
func (m *Memory) LoadProgram(addr uint32, data []byte) {
	for i, b := range data {
		m.Write8(addr+uint32(i), b)
	}
}
