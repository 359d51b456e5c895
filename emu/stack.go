package emu

import "github.com/sarchlab/x86sim/insts"

// SP returns the stack pointer under the current stack size.
func (c *CPU) SP() uint32 {
	return c.Regs.Read(ESP, c.StackSize())
}

func (c *CPU) setSP(v uint32) {
	c.Regs.Write(ESP, c.StackSize(), v)
}

// stackSlot checks a w-sized access at SS:SP+delta and returns its linear
// address.
func (c *CPU) stackSlot(delta uint32, w insts.Width, acc Access) (uint32, error) {
	off := (c.SP() + delta) & c.StackSize().Mask()
	return c.linear(insts.SegSS, off, w.Bytes(), acc)
}

// checkStackRoom verifies that n pushes of width w would succeed.
func (c *CPU) checkStackRoom(n int, w insts.Width) error {
	size := w.Bytes()
	for i := 1; i <= n; i++ {
		if _, err := c.stackSlot(-uint32(i)*size, w, AccessWrite); err != nil {
			return err
		}
	}
	return nil
}

// pushAll pushes vals in order. It checks that every slot is writable
// first, so a fault leaves the stack pointer and memory untouched.
func (c *CPU) pushAll(w insts.Width, vals ...uint32) error {
	if err := c.checkStackRoom(len(vals), w); err != nil {
		return err
	}
	for _, v := range vals {
		if err := c.Push(w, v); err != nil {
			return err
		}
	}
	return nil
}

// Push stores v below the stack pointer and moves it down. Nothing changes
// if the store would fault.
func (c *CPU) Push(w insts.Width, v uint32) error {
	n := w.Bytes()
	addr, err := c.stackSlot(-n, w, AccessWrite)
	if err != nil {
		return err
	}
	c.store(addr, w, v)
	c.setSP(c.SP() - n)
	return nil
}

// peek reads the w-sized value at SP+delta without popping it.
func (c *CPU) peek(delta uint32, w insts.Width) (uint32, error) {
	addr, err := c.stackSlot(delta, w, AccessRead)
	if err != nil {
		return 0, err
	}
	return c.load(addr, w), nil
}

// Pop reads the value at the stack pointer and moves it up.
func (c *CPU) Pop(w insts.Width) (uint32, error) {
	v, err := c.peek(0, w)
	if err != nil {
		return 0, err
	}
	c.release(w.Bytes())
	return v, nil
}

func (c *CPU) release(n uint32) {
	c.setSP(c.SP() + n)
}

func execPush(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	if err := c.Push(in.OpSize, src.Get()); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowNone, nil
}

// execPop pops into a register, memory or a segment register. A memory
// destination is addressed with the stack pointer already incremented.
func execPop(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.OpSize

	v, err := c.peek(0, w)
	if err != nil {
		return insts.FlowFault, err
	}

	if in.Dst.Kind == insts.OperandSeg {
		if err := c.LoadSegment(insts.Seg(in.Dst.Reg), uint16(v)); err != nil {
			return insts.FlowFault, err
		}
		c.release(w.Bytes())
		return insts.FlowNone, nil
	}

	old := c.Regs.Read32(ESP)
	c.release(w.Bytes())
	dst, err := c.Resolve(&in.Dst, AccessWrite)
	if err != nil {
		c.Regs.Write32(ESP, old)
		return insts.FlowFault, err
	}
	dst.Set(v)
	return insts.FlowNone, nil
}

var pushaOrder = [8]uint8{EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}

func execPusha(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize

	var vals [8]uint32
	for i, r := range pushaOrder {
		vals[i] = c.Regs.Read(r, w)
	}
	if err := c.pushAll(w, vals[:]...); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowNone, nil
}

// execPopa restores the registers PUSHA saved. The saved stack pointer is
// discarded.
func execPopa(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize
	n := w.Bytes()

	var vals [8]uint32
	for i := range vals {
		v, err := c.peek(uint32(i)*n, w)
		if err != nil {
			return insts.FlowFault, err
		}
		vals[i] = v
	}

	for i, v := range vals {
		r := pushaOrder[7-i]
		if r != ESP {
			c.Regs.Write(r, w, v)
		}
	}
	c.release(8 * n)
	return insts.FlowNone, nil
}

func execPushf(c *CPU, h *Handler) (insts.Flow, error) {
	v := c.Flags.Value() &^ (FlagVM | FlagRF)
	if err := c.Push(h.Inst.OpSize, v); err != nil {
		return insts.FlowFault, err
	}
	return insts.FlowNone, nil
}

func execPopf(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize
	v, err := c.peek(0, w)
	if err != nil {
		return insts.FlowFault, err
	}
	c.writeFlags(v, w)
	c.release(w.Bytes())
	return insts.FlowNone, nil
}

// writeFlags loads EFLAGS as POPF and IRET do. IOPL changes only at CPL 0
// and IF only when CPL <= IOPL. VM and RF are never loaded.
func (c *CPU) writeFlags(v uint32, w insts.Width) {
	mask := StatusFlags | FlagTF | FlagDF | FlagNT
	if w == insts.Width32 {
		mask |= FlagAC | FlagID
	}
	if !c.Protected() || c.cpl == 0 {
		mask |= FlagIOPL
	}
	if !c.Protected() || c.cpl <= c.IOPL() {
		mask |= FlagIF
	}
	mask &= w.Mask()

	old := c.Flags.Value()
	c.Flags.SetValue(old&^mask | v&mask)
}

func execLeave(c *CPU, h *Handler) (insts.Flow, error) {
	w := h.Inst.OpSize
	ss := c.StackSize()

	frame := c.Regs.Read(EBP, ss)
	addr, err := c.linear(insts.SegSS, frame, w.Bytes(), AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	v := c.load(addr, w)

	c.Regs.Write(ESP, ss, frame+w.Bytes())
	c.Regs.Write(EBP, w, v)
	return insts.FlowNone, nil
}
