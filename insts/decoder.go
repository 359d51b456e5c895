// Package insts provides x86 instruction definitions and decoding.
package insts

// FastDecoder decodes x86 machine code straight from the byte stream. Each
// opcode reads only the operand fields it needs.
type FastDecoder struct{}

// NewFastDecoder creates a new raw-stream decoder.
func NewFastDecoder() *FastDecoder {
	return &FastDecoder{}
}

var aluOps = [8]Op{OpADD, OpOR, OpADC, OpSBB, OpAND, OpSUB, OpXOR, OpCMP}

var shiftOps = [8]Op{OpROL, OpROR, OpRCL, OpRCR, OpSHL, OpSHR, OpSAL, OpSAR}

// Decode decodes one instruction, prefixes included, for code whose
// default operand and address size is code.
func (d *FastDecoder) Decode(c *Cursor, code Width) (*Instruction, error) {
	start := c.Pos()
	p := ReadPrefixes(c)

	inst, err := DecodeWithPrefixes(c, p, code)
	if err != nil {
		return nil, err
	}

	n := c.Pos() - start
	if n > MaxInstructionLen {
		return nil, ErrTooLong
	}
	inst.Len = uint8(n)

	return inst, nil
}

// DecodeWithPrefixes decodes the opcode under c given prefix state already
// consumed from the stream. The returned instruction's Len is not set.
func DecodeWithPrefixes(c *Cursor, p Prefixes, code Width) (*Instruction, error) {
	opSize, addrSize := p.Sizes(code)
	f := &fast{
		c:    c,
		p:    p,
		op:   opSize,
		addr: addrSize,
		inst: &Instruction{OpSize: opSize, AddrSize: addrSize},
	}

	ok := f.decode()
	if c.Err() != nil {
		return nil, c.Err()
	}
	if !ok {
		return nil, ErrUnsupported
	}

	normalize(f.inst, p.Seg, p.Rep)

	return f.inst, nil
}

type fast struct {
	c    *Cursor
	p    Prefixes
	op   Width
	addr Width
	inst *Instruction

	modrm     uint8
	haveModRM bool
}

func (f *fast) modRM() (mod, reg, rm uint8) {
	if !f.haveModRM {
		f.modrm = f.c.Read8()
		f.haveModRM = true
	}
	return f.modrm >> 6, (f.modrm >> 3) & 7, f.modrm & 7
}

// rm returns the ModRM r/m operand, reading any SIB and displacement.
func (f *fast) rm(w Width) Operand {
	mod, _, rm := f.modRM()
	if mod == 3 {
		return RegOperand(rm, w)
	}
	return f.mem(mod, rm, w)
}

// rmMem is rm for forms that only accept a memory operand.
func (f *fast) rmMem(w Width) (Operand, bool) {
	mod, _, _ := f.modRM()
	if mod == 3 {
		return Operand{}, false
	}
	return f.rm(w), true
}

// rmMemOr16 is the operand of SLDT, STR, SMSW and MOV r/m, Sreg: a
// register of the operand size, or a 16-bit memory word.
func (f *fast) rmMemOr16() Operand {
	mod, _, _ := f.modRM()
	if mod == 3 {
		return f.rm(f.op)
	}
	return f.rm(Width16)
}

func (f *fast) reg(w Width) Operand {
	_, reg, _ := f.modRM()
	return RegOperand(reg, w)
}

func (f *fast) imm(w Width) Operand {
	return ImmOperand(f.c.ReadN(w), w)
}

// immSX8 reads an 8-bit immediate sign-extended to w.
func (f *fast) immSX8(w Width) Operand {
	return ImmOperand(uint32(int32(int8(f.c.Read8()))), w)
}

func (f *fast) rel8() int32 {
	return int32(int8(f.c.Read8()))
}

func (f *fast) relOp() int32 {
	if f.op == Width16 {
		return int32(int16(f.c.Read16()))
	}
	return int32(f.c.Read32())
}

func (f *fast) segFor(def Seg) Seg {
	if f.p.Seg != SegDefault {
		return f.p.Seg
	}
	return def
}

func (f *fast) mem(mod, rm uint8, w Width) Operand {
	m := MemRef{Base: RegNone, Index: RegNone, AddrSize: f.addr}
	def := SegDS

	if f.addr == Width16 {
		switch rm {
		case 0:
			m.Base, m.Index = RegEBX, RegESI
		case 1:
			m.Base, m.Index = RegEBX, RegEDI
		case 2:
			m.Base, m.Index = RegEBP, RegESI
			def = SegSS
		case 3:
			m.Base, m.Index = RegEBP, RegEDI
			def = SegSS
		case 4:
			m.Base = RegESI
		case 5:
			m.Base = RegEDI
		case 6:
			if mod != 0 {
				m.Base = RegEBP
				def = SegSS
			}
		case 7:
			m.Base = RegEBX
		}

		switch {
		case mod == 0 && rm == 6:
			m.Disp = uint32(f.c.Read16())
		case mod == 1:
			m.Disp = uint32(int32(int8(f.c.Read8()))) & 0xFFFF
		case mod == 2:
			m.Disp = uint32(f.c.Read16())
		}
	} else {
		noBase := false
		switch {
		case rm == 4:
			sib := f.c.Read8()
			scale, index, base := sib>>6, (sib>>3)&7, sib&7
			if index != 4 {
				m.Index = index
				m.Scale = scale
			}
			if base == 5 && mod == 0 {
				noBase = true
			} else {
				m.Base = base
			}
		case rm == 5 && mod == 0:
			noBase = true
		default:
			m.Base = rm
		}
		if m.Base == RegESP || m.Base == RegEBP {
			def = SegSS
		}

		switch {
		case noBase:
			m.Disp = f.c.Read32()
		case mod == 1:
			m.Disp = uint32(int32(int8(f.c.Read8())))
		case mod == 2:
			m.Disp = f.c.Read32()
		}
	}

	m.Seg = f.segFor(def)

	return Operand{Kind: OperandMem, Width: w, Mem: m}
}

// moffs builds the direct-address operand of the A0-A3 MOV forms.
func (f *fast) moffs(w Width) Operand {
	m := MemRef{
		Seg:      f.segFor(SegDS),
		Base:     RegNone,
		Index:    RegNone,
		Disp:     f.c.ReadN(f.addr),
		AddrSize: f.addr,
	}
	return Operand{Kind: OperandMem, Width: w, Mem: m}
}

// byteOr returns Width8 for the even (byte) member of an opcode pair and
// the operand size for the odd one.
func (f *fast) byteOr(b uint8) Width {
	if b&1 == 0 {
		return Width8
	}
	return f.op
}

func (f *fast) set(op Op, w Width, dst, src Operand) bool {
	f.inst.Op = op
	f.inst.Width = w
	f.inst.Dst = dst
	f.inst.Src = src
	return true
}

func (f *fast) branch(op Op, rel int32) bool {
	f.inst.Op = op
	f.inst.Width = f.op
	f.inst.Rel = rel
	return true
}

func (f *fast) plain(op Op, w Width) bool {
	f.inst.Op = op
	f.inst.Width = w
	return true
}

//nolint:gocyclo // opcode map
func (f *fast) decode() bool {
	b := f.c.Read8()
	in := f.inst

	switch {
	case b < 0x40 && b&7 < 6:
		return f.decodeALU(aluOps[b>>3], b&7)
	case b >= 0x40 && b <= 0x47:
		return f.set(OpINC, f.op, RegOperand(b&7, f.op), Operand{})
	case b >= 0x48 && b <= 0x4F:
		return f.set(OpDEC, f.op, RegOperand(b&7, f.op), Operand{})
	case b >= 0x50 && b <= 0x57:
		return f.set(OpPUSH, f.op, Operand{}, RegOperand(b&7, f.op))
	case b >= 0x58 && b <= 0x5F:
		return f.set(OpPOP, f.op, RegOperand(b&7, f.op), Operand{})
	case b >= 0x70 && b <= 0x7F:
		in.Cond = Cond(b & 0xF)
		return f.branch(OpJcc, f.rel8())
	case b >= 0x91 && b <= 0x97:
		return f.set(OpXCHG, f.op, RegOperand(b&7, f.op), RegOperand(RegEAX, f.op))
	case b >= 0xB0 && b <= 0xB7:
		return f.set(OpMOV, Width8, RegOperand(b&7, Width8), f.imm(Width8))
	case b >= 0xB8 && b <= 0xBF:
		return f.set(OpMOV, f.op, RegOperand(b&7, f.op), f.imm(f.op))
	}

	switch b {
	case 0x0F:
		return f.decode0F()
	case 0x06, 0x0E, 0x16, 0x1E:
		return f.set(OpPUSH, f.op, Operand{}, SegOperand(Seg(b>>3)))
	case 0x07, 0x17, 0x1F:
		return f.set(OpPOP, f.op, SegOperand(Seg(b>>3)), Operand{})
	case 0x60:
		return f.plain(OpPUSHA, f.op)
	case 0x61:
		return f.plain(OpPOPA, f.op)
	case 0x62:
		dst := f.reg(f.op)
		src, ok := f.rmMem(f.op)
		return ok && f.set(OpBOUND, f.op, dst, src)
	case 0x68:
		return f.set(OpPUSH, f.op, Operand{}, f.imm(f.op))
	case 0x6A:
		return f.set(OpPUSH, f.op, Operand{}, f.immSX8(f.op))
	case 0x69, 0x6B:
		src := f.rm(f.op)
		f.set(OpIMUL2, f.op, f.reg(f.op), src)
		if b == 0x69 {
			in.Aux = f.imm(f.op)
		} else {
			in.Aux = f.immSX8(f.op)
		}
		return true
	case 0x6C, 0x6D:
		return f.plain(OpINS, f.byteOr(b))
	case 0x6E, 0x6F:
		return f.plain(OpOUTS, f.byteOr(b))
	case 0x80, 0x82:
		_, reg, _ := f.modRM()
		dst := f.rm(Width8)
		return f.set(aluOps[reg], Width8, dst, f.imm(Width8))
	case 0x81:
		_, reg, _ := f.modRM()
		dst := f.rm(f.op)
		return f.set(aluOps[reg], f.op, dst, f.imm(f.op))
	case 0x83:
		_, reg, _ := f.modRM()
		dst := f.rm(f.op)
		return f.set(aluOps[reg], f.op, dst, f.immSX8(f.op))
	case 0x84, 0x85:
		w := f.byteOr(b)
		return f.set(OpTEST, w, f.rm(w), f.reg(w))
	case 0x86, 0x87:
		w := f.byteOr(b)
		return f.set(OpXCHG, w, f.rm(w), f.reg(w))
	case 0x88, 0x89:
		w := f.byteOr(b)
		return f.set(OpMOV, w, f.rm(w), f.reg(w))
	case 0x8A, 0x8B:
		w := f.byteOr(b)
		src := f.rm(w)
		return f.set(OpMOV, w, f.reg(w), src)
	case 0x8C:
		_, reg, _ := f.modRM()
		if reg > uint8(SegGS) {
			return false
		}
		dst := f.rmMemOr16()
		return f.set(OpMOV, dst.Width, dst, SegOperand(Seg(reg)))
	case 0x8D:
		src, ok := f.rmMem(f.op)
		return ok && f.set(OpLEA, f.op, f.reg(f.op), src)
	case 0x8E:
		_, reg, _ := f.modRM()
		if reg > uint8(SegGS) || Seg(reg) == SegCS {
			return false
		}
		return f.set(OpMOV, Width16, SegOperand(Seg(reg)), f.rm(Width16))
	case 0x8F:
		_, reg, _ := f.modRM()
		if reg != 0 {
			return false
		}
		return f.set(OpPOP, f.op, f.rm(f.op), Operand{})
	case 0x90:
		return f.plain(OpNOP, f.op)
	case 0x98:
		return f.plain(OpCBW, f.op)
	case 0x99:
		return f.plain(OpCWD, f.op)
	case 0x9A, 0xEA:
		in.FarOff = f.c.ReadN(f.op)
		in.FarSel = f.c.Read16()
		if b == 0x9A {
			return f.plain(OpCALLFar, f.op)
		}
		return f.plain(OpJMPFar, f.op)
	case 0x9C:
		return f.plain(OpPUSHF, f.op)
	case 0x9D:
		return f.plain(OpPOPF, f.op)
	case 0x9E:
		return f.plain(OpSAHF, Width8)
	case 0x9F:
		return f.plain(OpLAHF, Width8)
	case 0xA0, 0xA1:
		w := f.byteOr(b)
		return f.set(OpMOV, w, RegOperand(RegEAX, w), f.moffs(w))
	case 0xA2, 0xA3:
		w := f.byteOr(b)
		return f.set(OpMOV, w, f.moffs(w), RegOperand(RegEAX, w))
	case 0xA4, 0xA5:
		return f.plain(OpMOVS, f.byteOr(b))
	case 0xA6, 0xA7:
		return f.plain(OpCMPS, f.byteOr(b))
	case 0xA8, 0xA9:
		w := f.byteOr(b)
		return f.set(OpTEST, w, RegOperand(RegEAX, w), f.imm(w))
	case 0xAA, 0xAB:
		return f.plain(OpSTOS, f.byteOr(b))
	case 0xAC, 0xAD:
		return f.plain(OpLODS, f.byteOr(b))
	case 0xAE, 0xAF:
		return f.plain(OpSCAS, f.byteOr(b))
	case 0xC0, 0xC1:
		_, reg, _ := f.modRM()
		w := f.byteOr(b)
		dst := f.rm(w)
		return f.set(shiftOps[reg], w, dst, f.imm(Width8))
	case 0xD0, 0xD1:
		_, reg, _ := f.modRM()
		w := f.byteOr(b)
		return f.set(shiftOps[reg], w, f.rm(w), ImmOperand(1, Width8))
	case 0xD2, 0xD3:
		_, reg, _ := f.modRM()
		w := f.byteOr(b)
		return f.set(shiftOps[reg], w, f.rm(w), RegOperand(RegECX, Width8))
	case 0xC2:
		return f.set(OpRET, f.op, Operand{}, f.imm(Width16))
	case 0xC3:
		return f.plain(OpRET, f.op)
	case 0xCA:
		return f.set(OpRETF, f.op, Operand{}, f.imm(Width16))
	case 0xCB:
		return f.plain(OpRETF, f.op)
	case 0xC6, 0xC7:
		_, reg, _ := f.modRM()
		if reg != 0 {
			return false
		}
		w := f.byteOr(b)
		dst := f.rm(w)
		return f.set(OpMOV, w, dst, f.imm(w))
	case 0xC9:
		return f.plain(OpLEAVE, f.op)
	case 0xCC:
		return f.plain(OpINT3, f.op)
	case 0xCD:
		return f.set(OpINT, f.op, Operand{}, f.imm(Width8))
	case 0xCE:
		return f.plain(OpINTO, f.op)
	case 0xCF:
		return f.plain(OpIRET, f.op)
	case 0xE0:
		return f.branch(OpLOOPNE, f.rel8())
	case 0xE1:
		return f.branch(OpLOOPE, f.rel8())
	case 0xE2:
		return f.branch(OpLOOP, f.rel8())
	case 0xE3:
		return f.branch(OpJCXZ, f.rel8())
	case 0xE4, 0xE5:
		w := f.byteOr(b)
		return f.set(OpIN, w, RegOperand(RegEAX, w), f.imm(Width8))
	case 0xE6, 0xE7:
		w := f.byteOr(b)
		return f.set(OpOUT, w, f.imm(Width8), RegOperand(RegEAX, w))
	case 0xEC, 0xED:
		w := f.byteOr(b)
		return f.set(OpIN, w, RegOperand(RegEAX, w), RegOperand(RegEDX, Width16))
	case 0xEE, 0xEF:
		w := f.byteOr(b)
		return f.set(OpOUT, w, RegOperand(RegEDX, Width16), RegOperand(RegEAX, w))
	case 0xE8:
		return f.branch(OpCALL, f.relOp())
	case 0xE9:
		return f.branch(OpJMP, f.relOp())
	case 0xEB:
		return f.branch(OpJMP, f.rel8())
	case 0xF4:
		return f.plain(OpHLT, f.op)
	case 0xF5:
		return f.plain(OpCMC, f.op)
	case 0xF6, 0xF7:
		return f.decodeGroup3(f.byteOr(b))
	case 0xF8:
		return f.plain(OpCLC, f.op)
	case 0xF9:
		return f.plain(OpSTC, f.op)
	case 0xFA:
		return f.plain(OpCLI, f.op)
	case 0xFB:
		return f.plain(OpSTI, f.op)
	case 0xFC:
		return f.plain(OpCLD, f.op)
	case 0xFD:
		return f.plain(OpSTD, f.op)
	case 0xFE:
		_, reg, _ := f.modRM()
		switch reg {
		case 0:
			return f.set(OpINC, Width8, f.rm(Width8), Operand{})
		case 1:
			return f.set(OpDEC, Width8, f.rm(Width8), Operand{})
		}
		return false
	case 0xFF:
		return f.decodeGroup5()
	}

	return false
}

func (f *fast) decodeALU(op Op, form uint8) bool {
	switch form {
	case 0, 1:
		w := f.byteOr(form)
		return f.set(op, w, f.rm(w), f.reg(w))
	case 2, 3:
		w := f.byteOr(form)
		src := f.rm(w)
		return f.set(op, w, f.reg(w), src)
	case 4:
		return f.set(op, Width8, RegOperand(RegEAX, Width8), f.imm(Width8))
	default:
		return f.set(op, f.op, RegOperand(RegEAX, f.op), f.imm(f.op))
	}
}

func (f *fast) decodeGroup3(w Width) bool {
	_, reg, _ := f.modRM()
	switch reg {
	case 0, 1:
		dst := f.rm(w)
		return f.set(OpTEST, w, dst, f.imm(w))
	case 2:
		return f.set(OpNOT, w, f.rm(w), Operand{})
	case 3:
		return f.set(OpNEG, w, f.rm(w), Operand{})
	case 4:
		return f.set(OpMUL, w, Operand{}, f.rm(w))
	case 5:
		return f.set(OpIMUL, w, Operand{}, f.rm(w))
	case 6:
		return f.set(OpDIV, w, Operand{}, f.rm(w))
	default:
		return f.set(OpIDIV, w, Operand{}, f.rm(w))
	}
}

func (f *fast) decodeGroup5() bool {
	_, reg, _ := f.modRM()
	switch reg {
	case 0:
		return f.set(OpINC, f.op, f.rm(f.op), Operand{})
	case 1:
		return f.set(OpDEC, f.op, f.rm(f.op), Operand{})
	case 2:
		return f.set(OpCALLInd, f.op, Operand{}, f.rm(f.op))
	case 3:
		src, ok := f.rmMem(f.op)
		return ok && f.set(OpCALLFarInd, f.op, Operand{}, src)
	case 4:
		return f.set(OpJMPInd, f.op, Operand{}, f.rm(f.op))
	case 5:
		src, ok := f.rmMem(f.op)
		return ok && f.set(OpJMPFarInd, f.op, Operand{}, src)
	case 6:
		return f.set(OpPUSH, f.op, Operand{}, f.rm(f.op))
	}
	return false
}

//nolint:gocyclo // opcode map
func (f *fast) decode0F() bool {
	b := f.c.Read8()
	in := f.inst

	switch {
	case b >= 0x80 && b <= 0x8F:
		in.Cond = Cond(b & 0xF)
		return f.branch(OpJcc, f.relOp())
	case b >= 0x90 && b <= 0x9F:
		in.Cond = Cond(b & 0xF)
		return f.set(OpSETcc, Width8, f.rm(Width8), Operand{})
	}

	switch b {
	case 0x00:
		return f.decodeGroup6()
	case 0x01:
		return f.decodeGroup7()
	case 0x06:
		return f.plain(OpCLTS, f.op)
	case 0x0B:
		return f.plain(OpUD2, f.op)
	case 0x1F:
		if _, reg, _ := f.modRM(); reg != 0 {
			return false
		}
		f.rm(f.op)
		return f.plain(OpNOP, f.op)
	case 0x20, 0x22:
		_, reg, rm := f.modRM()
		if reg == 1 || reg > 4 {
			return false
		}
		if b == 0x20 {
			return f.set(OpMOVCR, Width32, RegOperand(rm, Width32), CROperand(reg))
		}
		return f.set(OpMOVCR, Width32, CROperand(reg), RegOperand(rm, Width32))
	case 0x30:
		return f.plain(OpWRMSR, f.op)
	case 0x32:
		return f.plain(OpRDMSR, f.op)
	case 0xA2:
		return f.plain(OpCPUID, f.op)
	case 0xA0, 0xA8:
		return f.set(OpPUSH, f.op, Operand{}, SegOperand(SegFS+Seg((b>>3)&1)))
	case 0xA1, 0xA9:
		return f.set(OpPOP, f.op, SegOperand(SegFS+Seg((b>>3)&1)), Operand{})
	case 0xA3:
		return f.set(OpBT, f.op, f.rm(f.op), f.reg(f.op))
	case 0xAB:
		return f.set(OpBTS, f.op, f.rm(f.op), f.reg(f.op))
	case 0xB3:
		return f.set(OpBTR, f.op, f.rm(f.op), f.reg(f.op))
	case 0xBB:
		return f.set(OpBTC, f.op, f.rm(f.op), f.reg(f.op))
	case 0xBA:
		_, reg, _ := f.modRM()
		if reg < 4 {
			return false
		}
		dst := f.rm(f.op)
		return f.set([4]Op{OpBT, OpBTS, OpBTR, OpBTC}[reg-4], f.op, dst, f.imm(Width8))
	case 0xA4, 0xAC:
		dst := f.rm(f.op)
		op := OpSHLD
		if b == 0xAC {
			op = OpSHRD
		}
		f.set(op, f.op, dst, f.reg(f.op))
		in.Aux = f.imm(Width8)
		return true
	case 0xA5, 0xAD:
		op := OpSHLD
		if b == 0xAD {
			op = OpSHRD
		}
		f.set(op, f.op, f.rm(f.op), f.reg(f.op))
		in.Aux = RegOperand(RegECX, Width8)
		return true
	case 0xAF:
		src := f.rm(f.op)
		return f.set(OpIMUL2, f.op, f.reg(f.op), src)
	case 0xB6, 0xB7, 0xBE, 0xBF:
		sw := Width8
		if b&1 == 1 {
			sw = Width16
		}
		op := OpMOVZX
		if b >= 0xBE {
			op = OpMOVSX
		}
		src := f.rm(sw)
		return f.set(op, f.op, f.reg(f.op), src)
	}

	return false
}

func (f *fast) decodeGroup6() bool {
	_, reg, _ := f.modRM()
	switch reg {
	case 0:
		dst := f.rmMemOr16()
		return f.set(OpSLDT, dst.Width, dst, Operand{})
	case 1:
		dst := f.rmMemOr16()
		return f.set(OpSTR, dst.Width, dst, Operand{})
	case 2:
		return f.set(OpLLDT, Width16, Operand{}, f.rm(Width16))
	case 3:
		return f.set(OpLTR, Width16, Operand{}, f.rm(Width16))
	case 4:
		return f.set(OpVERR, Width16, Operand{}, f.rm(Width16))
	case 5:
		return f.set(OpVERW, Width16, Operand{}, f.rm(Width16))
	}
	return false
}

func (f *fast) decodeGroup7() bool {
	mod, reg, _ := f.modRM()
	switch reg {
	case 4:
		dst := f.rmMemOr16()
		return f.set(OpSMSW, dst.Width, dst, Operand{})
	case 6:
		return f.set(OpLMSW, Width16, Operand{}, f.rm(Width16))
	}
	if mod == 3 {
		return false
	}
	switch reg {
	case 0:
		return f.set(OpSGDT, f.op, f.rm(f.op), Operand{})
	case 1:
		return f.set(OpSIDT, f.op, f.rm(f.op), Operand{})
	case 2:
		return f.set(OpLGDT, f.op, Operand{}, f.rm(f.op))
	case 3:
		return f.set(OpLIDT, f.op, Operand{}, f.rm(f.op))
	}
	return false
}

// normalize applies the rules both decoders share once the opcode-specific
// fields are set.
func normalize(in *Instruction, seg Seg, rep Rep) {
	in.Seg = SegDefault
	in.Rep = RepNone

	switch in.Op {
	case OpMOVS, OpCMPS, OpLODS, OpOUTS:
		in.Seg = seg
		in.Rep = rep
	case OpSTOS, OpSCAS, OpINS:
		in.Rep = rep
	case OpLEA:
		in.Src.Width = in.Dst.Width
		in.Src.Mem.Seg = SegDefault
	case OpLGDT, OpLIDT:
		in.Src.Width = in.OpSize
	case OpSGDT, OpSIDT:
		in.Dst.Width = in.OpSize
	case OpCALLFarInd, OpJMPFarInd:
		in.Src.Width = in.OpSize
	case OpBOUND:
		in.Src.Width = in.OpSize
	}
}
