// Package insts provides x86 instruction definitions and decoding.
package insts

import (
	"encoding/binary"
	"errors"
)

// MaxInstructionLen is the architectural limit on encoded length.
const MaxInstructionLen = 15

// Decode errors. They never reach the guest directly; the block builder
// turns them into handlers that fault when executed.
var (
	// ErrTruncated means the byte stream ended inside an instruction.
	ErrTruncated = errors.New("truncated instruction")
	// ErrTooLong means the encoding exceeded MaxInstructionLen bytes.
	ErrTooLong = errors.New("instruction longer than 15 bytes")
	// ErrUnsupported means the bytes do not form an instruction this
	// package implements.
	ErrUnsupported = errors.New("unsupported instruction")
)

// Cursor reads an instruction byte stream. Reads past the end return zero
// and leave the cursor in a sticky truncated state reported by Err.
type Cursor struct {
	buf  []byte
	pos  int
	addr uint32
	err  error
}

// NewCursor creates a cursor over buf whose first byte sits at addr.
func NewCursor(buf []byte, addr uint32) *Cursor {
	return &Cursor{buf: buf, addr: addr}
}

// Read8 reads one byte.
func (c *Cursor) Read8() uint8 {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

// Read16 reads a little-endian word.
func (c *Cursor) Read16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

// Read32 reads a little-endian doubleword.
func (c *Cursor) Read32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

// ReadN reads a little-endian value of width w.
func (c *Cursor) ReadN(w Width) uint32 {
	switch w {
	case Width8:
		return uint32(c.Read8())
	case Width16:
		return uint32(c.Read16())
	default:
		return c.Read32()
	}
}

func (c *Cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.pos = len(c.buf)
		c.err = ErrTruncated
		return false
	}
	return true
}

// Seek moves the cursor by delta bytes relative to the current position.
// Seeking backwards clears a truncation error.
func (c *Cursor) Seek(delta int) {
	p := c.pos + delta
	if p < 0 {
		p = 0
	}
	if p > len(c.buf) {
		p = len(c.buf)
	}
	c.pos = p
	if delta < 0 {
		c.err = nil
	}
}

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int {
	return c.pos
}

// Addr returns the linear address of the current position.
func (c *Cursor) Addr() uint32 {
	return c.addr + uint32(c.pos)
}

// Remaining returns the unread bytes.
func (c *Cursor) Remaining() []byte {
	return c.buf[c.pos:]
}

// Err returns ErrTruncated once a read ran past the end of the stream.
func (c *Cursor) Err() error {
	return c.err
}

// Prefixes holds the legacy prefix state preceding an opcode.
type Prefixes struct {
	OpSize   bool // 0x66
	AddrSize bool // 0x67
	Seg      Seg
	Rep      Rep
	Lock     bool
	Count    int
}

// ReadPrefixes consumes legacy prefix bytes and stops at the first opcode
// byte, leaving the cursor on it.
func ReadPrefixes(c *Cursor) Prefixes {
	p := Prefixes{Seg: SegDefault}
	for {
		b := c.Read8()
		if c.Err() != nil {
			return p
		}
		switch b {
		case 0x26:
			p.Seg = SegES
		case 0x2E:
			p.Seg = SegCS
		case 0x36:
			p.Seg = SegSS
		case 0x3E:
			p.Seg = SegDS
		case 0x64:
			p.Seg = SegFS
		case 0x65:
			p.Seg = SegGS
		case 0x66:
			p.OpSize = true
		case 0x67:
			p.AddrSize = true
		case 0xF0:
			p.Lock = true
		case 0xF2:
			p.Rep = RepNE
		case 0xF3:
			p.Rep = RepE
		default:
			c.Seek(-1)
			return p
		}
		p.Count++
	}
}

// Sizes returns the operand- and address-size attributes for code running
// with the given default size.
func (p Prefixes) Sizes(code Width) (op, addr Width) {
	op, addr = code, code
	if p.OpSize {
		op = toggleSize(op)
	}
	if p.AddrSize {
		addr = toggleSize(addr)
	}
	return op, addr
}

func toggleSize(w Width) Width {
	if w == Width16 {
		return Width32
	}
	return Width16
}

// Decoder turns the bytes under a cursor into an Instruction. On success
// the cursor is left after the instruction.
type Decoder interface {
	Decode(c *Cursor, code Width) (*Instruction, error)
}
