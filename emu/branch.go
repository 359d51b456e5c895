package emu

import "github.com/sarchlab/x86sim/insts"

// jumpNear moves EIP within the current code segment. Targets beyond the
// segment limit raise #GP(0) and leave EIP unchanged.
func (c *CPU) jumpNear(in *insts.Instruction, target uint32) error {
	target &= operandMask(in)
	if err := c.checkCodeOffset(target); err != nil {
		return err
	}
	c.EIP = target
	return nil
}

func relTarget(c *CPU, h *Handler) uint32 {
	return h.Next(c) + uint32(h.Inst.Rel)
}

func execJmp(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	target := relTarget(c, h)
	if in.Op == insts.OpJMPInd {
		src, err := c.Resolve(&in.Src, AccessRead)
		if err != nil {
			return insts.FlowFault, err
		}
		target = src.Get()
	}

	if err := c.jumpNear(in, target); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowJump, nil
}

func execCall(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	target := relTarget(c, h)
	if in.Op == insts.OpCALLInd {
		src, err := c.Resolve(&in.Src, AccessRead)
		if err != nil {
			return insts.FlowFault, err
		}
		target = src.Get()
	}

	target &= operandMask(in)
	if err := c.checkCodeOffset(target); err != nil {
		return insts.FlowFault, err
	}
	if err := c.Push(in.OpSize, h.Next(c)); err != nil {
		return insts.FlowFault, err
	}
	c.EIP = target
	return insts.FlowCall, nil
}

// stackImm returns the byte count RET imm16 releases.
func stackImm(in *insts.Instruction) uint32 {
	if in.Src.Kind == insts.OperandImm {
		return in.Src.Imm
	}
	return 0
}

func execRet(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.OpSize

	v, err := c.peek(0, w)
	if err != nil {
		return insts.FlowFault, err
	}
	target := v & operandMask(in)
	if err := c.checkCodeOffset(target); err != nil {
		return insts.FlowFault, err
	}

	c.release(w.Bytes() + stackImm(in))
	c.EIP = target
	return insts.FlowReturn, nil
}

func execJcc(c *CPU, h *Handler) (insts.Flow, error) {
	if !c.Flags.Cond(h.Inst.Cond) {
		c.EIP = h.Next(c)
		return insts.FlowNotTaken, nil
	}
	if err := c.jumpNear(h.Inst, relTarget(c, h)); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowTaken, nil
}

// execLoop decrements the count register selected by the address size and
// branches while it is non-zero and the condition holds.
func execLoop(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	count := (c.Regs.Read(ECX, in.AddrSize) - 1) & in.AddrSize.Mask()

	taken := count != 0
	switch in.Op {
	case insts.OpLOOPE:
		taken = taken && c.Flags.ZF()
	case insts.OpLOOPNE:
		taken = taken && !c.Flags.ZF()
	}

	if !taken {
		c.Regs.Write(ECX, in.AddrSize, count)
		c.EIP = h.Next(c)
		return insts.FlowNotTaken, nil
	}

	target := relTarget(c, h) & operandMask(in)
	if err := c.checkCodeOffset(target); err != nil {
		return insts.FlowFault, err
	}
	c.Regs.Write(ECX, in.AddrSize, count)
	c.EIP = target
	return insts.FlowTaken, nil
}

func execJcxz(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	if c.Regs.Read(ECX, in.AddrSize) != 0 {
		c.EIP = h.Next(c)
		return insts.FlowNotTaken, nil
	}
	if err := c.jumpNear(in, relTarget(c, h)); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowTaken, nil
}

// farPointer reads the selector and offset of a far transfer.
func (c *CPU) farPointer(in *insts.Instruction) (uint16, uint32, error) {
	if in.Op == insts.OpJMPFar || in.Op == insts.OpCALLFar {
		return in.FarSel, in.FarOff, nil
	}

	off, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return 0, 0, err
	}
	selOp := in.Src
	selOp.Width = insts.Width16
	sel, err := c.ResolveAt(&selOp, int32(in.OpSize.Bytes()), AccessRead)
	if err != nil {
		return 0, 0, err
	}
	return uint16(sel.Get()), off.Get(), nil
}

// execFarTransfer implements far JMP and CALL to a code segment. All
// checks, including stack room for CALL, happen before CS, EIP or the
// stack change.
func execFarTransfer(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.OpSize
	call := in.Op == insts.OpCALLFar || in.Op == insts.OpCALLFarInd

	sel, off, err := c.farPointer(in)
	if err != nil {
		return insts.FlowFault, err
	}
	off &= w.Mask()

	var (
		cs       SegReg
		descAddr uint32
	)
	if c.Protected() {
		cs, descAddr, err = c.checkFarTarget(sel, off)
		if err != nil {
			return insts.FlowFault, err
		}
	} else {
		cs = realSegment(c.Segs[insts.SegCS], sel)
		if off > cs.Limit {
			return insts.FlowFault, faultGP(0)
		}
	}

	if call {
		if err := c.pushAll(w, uint32(c.Segs[insts.SegCS].Selector), h.Next(c)); err != nil {
			return insts.FlowFault, err
		}
	}

	c.setCS(cs, descAddr, c.cpl)
	c.EIP = off

	if call {
		return insts.FlowCall, nil
	}
	return insts.FlowJump, nil
}

// outerStack is the stack pointer and segment popped by a return to a
// less privileged level.
type outerStack struct {
	ss       SegReg
	descAddr uint32
	esp      uint32
}

// popOuterStack validates the SS:ESP pair stored at SP+delta for a return
// to privilege level rpl.
func (c *CPU) popOuterStack(delta uint32, w insts.Width, rpl uint8) (outerStack, error) {
	esp, err := c.peek(delta, w)
	if err != nil {
		return outerStack{}, err
	}
	sel, err := c.peek(delta+w.Bytes(), w)
	if err != nil {
		return outerStack{}, err
	}
	ss, addr, err := c.checkDataSegment(insts.SegSS, uint16(sel), rpl)
	if err != nil {
		return outerStack{}, err
	}
	return outerStack{ss: ss, descAddr: addr, esp: esp}, nil
}

func (c *CPU) switchStack(o outerStack) {
	c.setAccessed(o.descAddr)
	c.Segs[insts.SegSS] = o.ss
	c.setSP(o.esp)
}

func execRetf(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.OpSize
	n := w.Bytes()
	imm := stackImm(in)

	off, err := c.peek(0, w)
	if err != nil {
		return insts.FlowFault, err
	}
	v, err := c.peek(n, w)
	if err != nil {
		return insts.FlowFault, err
	}
	sel := uint16(v)
	off &= w.Mask()

	if !c.Protected() {
		cs := realSegment(c.Segs[insts.SegCS], sel)
		if off > cs.Limit {
			return insts.FlowFault, faultGP(0)
		}
		c.release(2*n + imm)
		c.setCS(cs, 0, 0)
		c.EIP = off
		return insts.FlowReturn, nil
	}

	cs, descAddr, err := c.checkReturnTarget(sel, off)
	if err != nil {
		return insts.FlowFault, err
	}
	rpl := uint8(sel & 3)

	if rpl == c.cpl {
		c.release(2*n + imm)
		c.setCS(cs, descAddr, rpl)
		c.EIP = off
		return insts.FlowReturn, nil
	}

	outer, err := c.popOuterStack(2*n+imm, w, rpl)
	if err != nil {
		return insts.FlowFault, err
	}
	c.setCS(cs, descAddr, rpl)
	c.switchStack(outer)
	c.release(imm)
	c.dropInaccessibleSegments()
	c.EIP = off
	return insts.FlowReturn, nil
}

// execIret returns from an interrupt to the same or an outer privilege
// level. Task returns (NT set) and returns to virtual-8086 mode are not
// supported and raise #GP(0).
func execIret(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize
	n := w.Bytes()

	off, err := c.peek(0, w)
	if err != nil {
		return insts.FlowFault, err
	}
	v, err := c.peek(n, w)
	if err != nil {
		return insts.FlowFault, err
	}
	flags, err := c.peek(2*n, w)
	if err != nil {
		return insts.FlowFault, err
	}
	sel := uint16(v)
	off &= w.Mask()

	if !c.Protected() {
		cs := realSegment(c.Segs[insts.SegCS], sel)
		if off > cs.Limit {
			return insts.FlowFault, faultGP(0)
		}
		c.release(3 * n)
		c.setCS(cs, 0, 0)
		c.writeFlags(flags, w)
		c.EIP = off
		return insts.FlowReturn, nil
	}

	if c.Flags.Value()&FlagNT != 0 {
		return insts.FlowFault, faultGP(0)
	}
	if w == insts.Width32 && flags&FlagVM != 0 {
		return insts.FlowFault, faultGP(0)
	}

	cs, descAddr, err := c.checkReturnTarget(sel, off)
	if err != nil {
		return insts.FlowFault, err
	}
	rpl := uint8(sel & 3)

	if rpl == c.cpl {
		c.writeFlags(flags, w)
		c.release(3 * n)
		c.setCS(cs, descAddr, rpl)
		c.EIP = off
		return insts.FlowReturn, nil
	}

	outer, err := c.popOuterStack(3*n, w, rpl)
	if err != nil {
		return insts.FlowFault, err
	}
	c.writeFlags(flags, w)
	c.setCS(cs, descAddr, rpl)
	c.switchStack(outer)
	c.dropInaccessibleSegments()
	c.EIP = off
	return insts.FlowReturn, nil
}

// execInt raises software interrupts as traps. INTO traps only when OF is
// set.
func execInt(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	var f *Fault

	switch in.Op {
	case insts.OpINT:
		f = &Fault{Vector: Vector(in.Src.Imm), Software: true}
	case insts.OpINT3:
		f = fault(VectorBP)
	case insts.OpINTO:
		if !c.Flags.OF() {
			return insts.FlowNone, nil
		}
		f = fault(VectorOF)
	}

	f.Trap = true
	return insts.FlowFault, f
}

// execBound raises #BR when the signed index lies outside the inclusive
// bounds stored at the memory operand.
func execBound(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.OpSize

	idx, err := c.Resolve(&in.Dst, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	lower, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	upper, err := c.ResolveAt(&in.Src, int32(w.Bytes()), AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	i := signExtend(idx.Get(), w)
	if i < signExtend(lower.Get(), w) || i > signExtend(upper.Get(), w) {
		return insts.FlowFault, fault(VectorBR)
	}
	return insts.FlowNone, nil
}
