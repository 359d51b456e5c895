package emu

import "github.com/sarchlab/x86sim/insts"

// execMul implements one-operand MUL and IMUL. The product of the
// accumulator and the source goes to AX, DX:AX or EDX:EAX.
func execMul(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width

	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	a, b := c.Regs.Read(EAX, w), src.Get()
	var p uint64
	kind := FlagsMul
	if in.Op == insts.OpIMUL {
		p = uint64(int64(signExtend(a, w)) * int64(signExtend(b, w)))
		kind = FlagsImul
	} else {
		p = uint64(a) * uint64(b)
	}

	m := w.Mask()
	lo := uint32(p) & m
	hi := uint32(p>>uint32(w)) & m

	if w == insts.Width8 {
		c.Regs.Write16(EAX, uint16(p))
	} else {
		c.Regs.Write(EAX, w, lo)
		c.Regs.Write(EDX, w, hi)
	}
	c.Flags.Record(hi, 0, lo, kind, w)
	return insts.FlowNone, nil
}

// execImul2 implements the two- and three-operand IMUL forms, which keep
// only the low half of the product.
func execImul2(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width

	a, err := c.Resolve(&in.Dst, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	b, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	if in.Aux.Kind != insts.OperandNone {
		a = b
		if b, err = c.Resolve(&in.Aux, AccessRead); err != nil {
			return insts.FlowFault, err
		}
	}

	p := uint64(int64(signExtend(a.Get(), w)) * int64(signExtend(b.Get(), w)))
	m := w.Mask()
	lo := uint32(p) & m
	hi := uint32(p>>uint32(w)) & m

	c.Regs.Write(in.Dst.Reg, w, lo)
	c.Flags.Record(hi, 0, lo, FlagsImul, w)
	return insts.FlowNone, nil
}

// execDiv implements DIV and IDIV. A zero divisor or a quotient that does
// not fit raises #DE before any register is written.
func execDiv(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width

	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	d := src.Get()
	if d == 0 {
		return insts.FlowFault, fault(VectorDE)
	}

	var n uint64
	if w == insts.Width8 {
		n = uint64(c.Regs.Read16(EAX))
	} else {
		n = uint64(c.Regs.Read(EDX, w))<<uint32(w) | uint64(c.Regs.Read(EAX, w))
	}

	var q, r uint32
	if in.Op == insts.OpDIV {
		qq := n / uint64(d)
		if qq > uint64(w.Mask()) {
			return insts.FlowFault, fault(VectorDE)
		}
		q, r = uint32(qq), uint32(n%uint64(d))
	} else {
		nn := signExtendDividend(n, w)
		dd := int64(signExtend(d, w))
		qq := nn / dd
		lim := int64(w.SignBit())
		if qq < -lim || qq > lim-1 {
			return insts.FlowFault, fault(VectorDE)
		}
		q, r = uint32(qq), uint32(nn%dd)
	}

	m := w.Mask()
	if w == insts.Width8 {
		c.Regs.Write8(AL, uint8(q))
		c.Regs.Write8(AH, uint8(r))
	} else {
		c.Regs.Write(EAX, w, q&m)
		c.Regs.Write(EDX, w, r&m)
	}
	return insts.FlowNone, nil
}

// signExtendDividend widens a 2w-bit dividend to int64.
func signExtendDividend(n uint64, w insts.Width) int64 {
	switch w {
	case insts.Width8:
		return int64(int16(n))
	case insts.Width16:
		return int64(int32(n))
	}
	return int64(n)
}
