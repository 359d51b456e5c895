package emu

import (
	"math/bits"

	"github.com/sarchlab/x86sim/insts"
)

func execArith(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	acc := AccessRW
	if in.Op == insts.OpCMP {
		acc = AccessRead
	}

	dst, err := c.Resolve(&in.Dst, acc)
	if err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	a, b := dst.Get(), src.Get()
	w := in.Width
	m := w.Mask()
	var res uint32

	switch in.Op {
	case insts.OpADD:
		res = (a + b) & m
		c.Flags.Record(a, b, res, FlagsAdd, w)
	case insts.OpADC:
		kind := FlagsAdd
		res = a + b
		if c.Flags.CF() {
			kind = FlagsAdc
			res++
		}
		res &= m
		c.Flags.Record(a, b, res, kind, w)
	case insts.OpSUB, insts.OpCMP:
		res = (a - b) & m
		c.Flags.Record(a, b, res, FlagsSub, w)
	case insts.OpSBB:
		kind := FlagsSub
		res = a - b
		if c.Flags.CF() {
			kind = FlagsSbb
			res--
		}
		res &= m
		c.Flags.Record(a, b, res, kind, w)
	case insts.OpAND:
		res = a & b
		c.logicFlags(res, w)
	case insts.OpOR:
		res = a | b
		c.logicFlags(res, w)
	case insts.OpXOR:
		res = a ^ b
		c.logicFlags(res, w)
	}

	if in.Op != insts.OpCMP {
		dst.Set(res)
	}
	return insts.FlowNone, nil
}

// logicFlags records a bitwise result. CF, OF and AF are cleared.
func (c *CPU) logicFlags(res uint32, w insts.Width) {
	c.Flags.Record(0, 0, res, FlagsLogic, w)
	c.Flags.Force(FlagCF, false)
	c.Flags.Force(FlagOF, false)
	c.Flags.Force(FlagAF, false)
}

func execTest(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	c.logicFlags(dst.Get()&src.Get(), in.Width)
	return insts.FlowNone, nil
}

func execIncDec(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}

	v := dst.Get()
	var res uint32
	if in.Op == insts.OpINC {
		res = (v + 1) & in.Width.Mask()
		c.Flags.Record(v, 1, res, FlagsInc, in.Width)
	} else {
		res = (v - 1) & in.Width.Mask()
		c.Flags.Record(v, 1, res, FlagsDec, in.Width)
	}
	dst.Set(res)
	return insts.FlowNone, nil
}

func execNeg(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}

	v := dst.Get()
	res := -v & in.Width.Mask()
	c.Flags.Record(0, v, res, FlagsSub, in.Width)
	dst.Set(res)
	return insts.FlowNone, nil
}

func execNot(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}
	dst.Set(^dst.Get())
	return insts.FlowNone, nil
}

func execMov(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	if in.Dst.Kind == insts.OperandSeg {
		if err := c.LoadSegment(insts.Seg(in.Dst.Reg), uint16(src.Get())); err != nil {
			return insts.FlowFault, err
		}
		return insts.FlowNone, nil
	}

	dst, err := c.Resolve(&in.Dst, AccessWrite)
	if err != nil {
		return insts.FlowFault, err
	}
	dst.Set(src.Get())
	return insts.FlowNone, nil
}

func execMovExtend(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	v := src.Get()
	if in.Op == insts.OpMOVSX {
		v = uint32(signExtend(v, in.Src.Width))
	}
	c.Regs.Write(in.Dst.Reg, in.Dst.Width, v)
	return insts.FlowNone, nil
}

func execLea(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	c.Regs.Write(in.Dst.Reg, in.Dst.Width, c.EffectiveAddress(&in.Src.Mem))
	return insts.FlowNone, nil
}

func execXchg(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&in.Src, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}

	a, b := dst.Get(), src.Get()
	dst.Set(b)
	src.Set(a)
	return insts.FlowNone, nil
}

func execCbw(c *CPU, h *Handler) (insts.Flow, error) {
	if h.Inst.OpSize == insts.Width16 {
		c.Regs.Write16(EAX, uint16(int16(int8(c.Regs.Read8(AL)))))
	} else {
		c.Regs.Write32(EAX, uint32(int32(int16(c.Regs.Read16(EAX)))))
	}
	return insts.FlowNone, nil
}

func execCwd(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize
	fill := uint32(0)
	if c.Regs.Read(EAX, w)&w.SignBit() != 0 {
		fill = w.Mask()
	}
	c.Regs.Write(EDX, w, fill)
	return insts.FlowNone, nil
}

func execSetcc(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	dst, err := c.Resolve(&in.Dst, AccessWrite)
	if err != nil {
		return insts.FlowFault, err
	}

	var v uint32
	if c.Flags.Cond(in.Cond) {
		v = 1
	}
	dst.Set(v)
	return insts.FlowNone, nil
}

// execBitTest implements BT, BTS, BTR and BTC. A register bit offset with a
// memory operand addresses memory outside the operand: the offset is signed
// and selects the containing word or doubleword.
func execBitTest(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width

	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	off := src.Get()

	acc := AccessRW
	if in.Op == insts.OpBT {
		acc = AccessRead
	}

	var dst Ref
	if in.Dst.IsMem() && in.Src.Kind == insts.OperandReg {
		signed := signExtend(off, w)
		shift := bits.TrailingZeros32(uint32(w))
		delta := (signed >> shift) * int32(w.Bytes())
		dst, err = c.ResolveAt(&in.Dst, delta, acc)
	} else {
		dst, err = c.Resolve(&in.Dst, acc)
	}
	if err != nil {
		return insts.FlowFault, err
	}

	bit := uint32(1) << (off & (uint32(w) - 1))
	v := dst.Get()
	c.Flags.Force(FlagCF, v&bit != 0)

	switch in.Op {
	case insts.OpBTS:
		dst.Set(v | bit)
	case insts.OpBTR:
		dst.Set(v &^ bit)
	case insts.OpBTC:
		dst.Set(v ^ bit)
	}
	return insts.FlowNone, nil
}

func execFlagOp(c *CPU, h *Handler) (insts.Flow, error) {
	switch h.Inst.Op {
	case insts.OpCLC:
		c.Flags.Force(FlagCF, false)
	case insts.OpSTC:
		c.Flags.Force(FlagCF, true)
	case insts.OpCMC:
		c.Flags.Force(FlagCF, !c.Flags.CF())
	case insts.OpCLD:
		c.Flags.Force(FlagDF, false)
	case insts.OpSTD:
		c.Flags.Force(FlagDF, true)
	}
	return insts.FlowNone, nil
}

func execLahf(c *CPU, _ *Handler) (insts.Flow, error) {
	c.Regs.Write8(AH, uint8(c.Flags.Value()))
	return insts.FlowNone, nil
}

func execSahf(c *CPU, _ *Handler) (insts.Flow, error) {
	ah := uint32(c.Regs.Read8(AH))
	for _, bit := range []uint32{FlagSF, FlagZF, FlagAF, FlagPF, FlagCF} {
		c.Flags.Force(bit, ah&bit != 0)
	}
	return insts.FlowNone, nil
}
