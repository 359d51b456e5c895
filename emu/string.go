package emu

import "github.com/sarchlab/x86sim/insts"

// execString runs one element of a string instruction. A repeated form
// executes a single iteration per call and reports FlowTaken with EIP
// left on itself while iterations remain, so the driver re-enters it.
func execString(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	rep := in.IsRep()

	if rep && c.Regs.Read(ECX, in.AddrSize) == 0 {
		c.EIP = h.Next(c)
		return insts.FlowNotTaken, nil
	}

	if err := c.stringElement(in); err != nil {
		return insts.FlowFault, err
	}
	if !rep {
		return insts.FlowNone, nil
	}

	count := (c.Regs.Read(ECX, in.AddrSize) - 1) & in.AddrSize.Mask()
	c.Regs.Write(ECX, in.AddrSize, count)

	more := count != 0
	if in.Op == insts.OpCMPS || in.Op == insts.OpSCAS {
		if in.Rep == insts.RepE {
			more = more && c.Flags.ZF()
		} else {
			more = more && !c.Flags.ZF()
		}
	}

	if more {
		c.EIP = h.IP(c)
		return insts.FlowTaken, nil
	}
	c.EIP = h.Next(c)
	return insts.FlowNotTaken, nil
}

func (c *CPU) stringElement(in *insts.Instruction) error {
	srcSeg := in.Seg
	if srcSeg == insts.SegDefault {
		srcSeg = insts.SegDS
	}
	src := c.stringPtr(srcSeg, ESI, in)
	dst := c.stringPtr(insts.SegES, EDI, in)
	w := in.Width

	switch in.Op {
	case insts.OpMOVS:
		s, err := src.Resolve(AccessRead)
		if err != nil {
			return err
		}
		d, err := dst.Resolve(AccessWrite)
		if err != nil {
			return err
		}
		d.Set(s.Get())
		src.Step()
		dst.Step()

	case insts.OpCMPS:
		s, err := src.Resolve(AccessRead)
		if err != nil {
			return err
		}
		d, err := dst.Resolve(AccessRead)
		if err != nil {
			return err
		}
		a, b := s.Get(), d.Get()
		c.Flags.Record(a, b, (a-b)&w.Mask(), FlagsSub, w)
		src.Step()
		dst.Step()

	case insts.OpSTOS:
		d, err := dst.Resolve(AccessWrite)
		if err != nil {
			return err
		}
		d.Set(c.Regs.Read(EAX, w))
		dst.Step()

	case insts.OpLODS:
		s, err := src.Resolve(AccessRead)
		if err != nil {
			return err
		}
		c.Regs.Write(EAX, w, s.Get())
		src.Step()

	case insts.OpSCAS:
		d, err := dst.Resolve(AccessRead)
		if err != nil {
			return err
		}
		a, b := c.Regs.Read(EAX, w), d.Get()
		c.Flags.Record(a, b, (a-b)&w.Mask(), FlagsSub, w)
		dst.Step()

	case insts.OpINS:
		port := c.Regs.Read16(EDX)
		if err := c.checkIO(port, w); err != nil {
			return err
		}
		d, err := dst.Resolve(AccessWrite)
		if err != nil {
			return err
		}
		d.Set(c.io.In(port, w))
		dst.Step()

	case insts.OpOUTS:
		port := c.Regs.Read16(EDX)
		if err := c.checkIO(port, w); err != nil {
			return err
		}
		s, err := src.Resolve(AccessRead)
		if err != nil {
			return err
		}
		c.io.Out(port, w, s.Get())
		src.Step()
	}
	return nil
}

func execIn(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	port, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	p := uint16(port.Get())
	if err := c.checkIO(p, in.Width); err != nil {
		return insts.FlowFault, err
	}
	c.Regs.Write(EAX, in.Width, c.io.In(p, in.Width))
	return insts.FlowNone, nil
}

func execOut(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	port, err := c.Resolve(&in.Dst, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	p := uint16(port.Get())
	if err := c.checkIO(p, in.Width); err != nil {
		return insts.FlowFault, err
	}
	c.io.Out(p, in.Width, c.Regs.Read(EAX, in.Width))
	return insts.FlowNone, nil
}

// tssIOMapBase is the offset of the I/O map base field in a 32-bit TSS.
const tssIOMapBase = 0x66

// checkIO allows a port access when CPL <= IOPL, otherwise consults the
// I/O permission bitmap of the current TSS. Every bit covering the access
// must be clear.
func (c *CPU) checkIO(port uint16, w insts.Width) error {
	if !c.Protected() || c.cpl <= c.IOPL() {
		return nil
	}

	tr := &c.TR
	if !tr.Valid || tr.S || (tr.Type != typeTSS32 && tr.Type != typeTSS32Busy) ||
		tr.Limit < tssIOMapBase+1 {
		return faultGP(0)
	}

	base := uint32(c.mem.Read16(tr.Base + tssIOMapBase))
	off := base + uint32(port)/8
	if off+1 > tr.Limit {
		return faultGP(0)
	}

	bitmap := uint32(c.mem.Read16(tr.Base + off))
	mask := (uint32(1)<<w.Bytes() - 1) << (port & 7)
	if bitmap&mask != 0 {
		return faultGP(0)
	}
	return nil
}
