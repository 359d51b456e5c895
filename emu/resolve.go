package emu

import "github.com/sarchlab/x86sim/insts"

// Access is the kind of memory access an operand is resolved for.
type Access uint8

// Access kinds.
const (
	AccessRead Access = 1 << iota
	AccessWrite

	AccessRW = AccessRead | AccessWrite
)

// Ref is a resolved operand. Resolution performs every segment check for
// the full operand width, so Get and Set never fault.
type Ref struct {
	c     *CPU
	kind  insts.OperandKind
	width insts.Width
	reg   uint8
	addr  uint32
	imm   uint32
}

// Resolve binds an operand to a location.
func (c *CPU) Resolve(op *insts.Operand, acc Access) (Ref, error) {
	return c.ResolveAt(op, 0, acc)
}

// ResolveAt binds an operand whose memory offset is displaced by delta
// bytes. Register and immediate operands ignore delta.
func (c *CPU) ResolveAt(op *insts.Operand, delta int32, acc Access) (Ref, error) {
	r := Ref{c: c, kind: op.Kind, width: op.Width, reg: op.Reg}

	switch op.Kind {
	case insts.OperandImm:
		r.imm = op.Imm
	case insts.OperandMem:
		off := c.EffectiveAddress(&op.Mem) + uint32(delta)
		if op.Mem.AddrSize == insts.Width16 {
			off &= 0xFFFF
		}
		lin, err := c.linear(memSeg(&op.Mem), off, op.Width.Bytes(), acc)
		if err != nil {
			return Ref{}, err
		}
		r.addr = lin
	case insts.OperandNone:
		panic("emu: resolving an empty operand")
	}

	return r, nil
}

// EffectiveAddress computes the offset of a memory operand, wrapped to its
// address size.
func (c *CPU) EffectiveAddress(m *insts.MemRef) uint32 {
	off := m.Disp
	if m.Base != insts.RegNone {
		off += c.Regs.Read(m.Base, m.AddrSize)
	}
	if m.Index != insts.RegNone {
		off += c.Regs.Read(m.Index, m.AddrSize) << m.Scale
	}
	if m.AddrSize == insts.Width16 {
		off &= 0xFFFF
	}
	return off
}

func memSeg(m *insts.MemRef) insts.Seg {
	if m.Seg == insts.SegDefault {
		return insts.SegDS
	}
	return m.Seg
}

// linear checks an access of size bytes at seg:off and returns its linear
// address.
func (c *CPU) linear(s insts.Seg, off, size uint32, acc Access) (uint32, error) {
	sr := &c.Segs[s]
	last := uint64(off) + uint64(size) - 1

	if !c.Protected() {
		if last > uint64(sr.Limit) {
			return 0, segmentFault(s)
		}
		return sr.Base + off, nil
	}

	if !sr.Valid {
		return 0, segmentFault(s)
	}
	if acc&AccessWrite != 0 && !sr.Writable() {
		return 0, faultGP(0)
	}
	if acc&AccessRead != 0 && !sr.Readable() {
		return 0, faultGP(0)
	}

	if sr.ExpandDown() {
		upper := uint64(0xFFFF)
		if sr.DB {
			upper = 0xFFFFFFFF
		}
		if uint64(off) <= uint64(sr.Limit) || last > upper {
			return 0, segmentFault(s)
		}
	} else if last > uint64(sr.Limit) {
		return 0, segmentFault(s)
	}

	return sr.Base + off, nil
}

func segmentFault(s insts.Seg) *Fault {
	if s == insts.SegSS {
		return faultCode(VectorSS, 0)
	}
	return faultGP(0)
}

// Get reads the operand.
func (r Ref) Get() uint32 {
	switch r.kind {
	case insts.OperandReg:
		return r.c.Regs.Read(r.reg, r.width)
	case insts.OperandMem:
		return r.c.load(r.addr, r.width)
	case insts.OperandImm:
		return r.imm
	case insts.OperandSeg:
		return uint32(r.c.Segs[r.reg].Selector)
	case insts.OperandCR:
		return r.c.CR[r.reg]
	}
	panic("emu: reading an empty operand")
}

// Set writes the operand. Segment registers are written only through
// LoadSegment.
func (r Ref) Set(v uint32) {
	switch r.kind {
	case insts.OperandReg:
		r.c.Regs.Write(r.reg, r.width, v)
	case insts.OperandMem:
		r.c.store(r.addr, r.width, v)
	case insts.OperandCR:
		r.c.CR[r.reg] = v
	default:
		panic("emu: writing a read-only operand")
	}
}

// Width returns the operand width.
func (r Ref) Width() insts.Width {
	return r.width
}

// IsMem reports whether the operand is in memory.
func (r Ref) IsMem() bool {
	return r.kind == insts.OperandMem
}

// Linear returns the linear address of a memory operand.
func (r Ref) Linear() uint32 {
	return r.addr
}

func (c *CPU) load(addr uint32, w insts.Width) uint32 {
	switch w {
	case insts.Width8:
		return uint32(c.mem.Read8(addr))
	case insts.Width16:
		return uint32(c.mem.Read16(addr))
	case insts.Width32:
		return c.mem.Read32(addr)
	}
	panic(badWidth(w))
}

func (c *CPU) store(addr uint32, w insts.Width, v uint32) {
	switch w {
	case insts.Width8:
		c.mem.Write8(addr, uint8(v))
	case insts.Width16:
		c.mem.Write16(addr, uint16(v))
	case insts.Width32:
		c.mem.Write32(addr, v)
	default:
		panic(badWidth(w))
	}
}

// StringPtr is the memory operand of a string instruction: a segment and an
// index register that steps after each element.
type StringPtr struct {
	c     *CPU
	seg   insts.Seg
	reg   uint8
	addr  insts.Width
	width insts.Width
}

func (c *CPU) stringPtr(s insts.Seg, reg uint8, in *insts.Instruction) StringPtr {
	return StringPtr{c: c, seg: s, reg: reg, addr: in.AddrSize, width: in.Width}
}

// Resolve binds the element under the index register.
func (p StringPtr) Resolve(acc Access) (Ref, error) {
	off := p.c.Regs.Read(p.reg, p.addr)
	lin, err := p.c.linear(p.seg, off, p.width.Bytes(), acc)
	if err != nil {
		return Ref{}, err
	}
	return Ref{c: p.c, kind: insts.OperandMem, width: p.width, addr: lin}, nil
}

// Step advances the index register by one element in the direction
// selected by DF.
func (p StringPtr) Step() {
	n := p.width.Bytes()
	v := p.c.Regs.Read(p.reg, p.addr)
	if p.c.Flags.DF() {
		v -= n
	} else {
		v += n
	}
	p.c.Regs.Write(p.reg, p.addr, v)
}
