package emu

import "github.com/sarchlab/x86sim/insts"

// requireRing0 faults unless the processor runs at CPL 0. Privileged
// handlers call it before touching any state.
func (c *CPU) requireRing0() error {
	if c.Protected() && c.cpl != 0 {
		return faultGP(0)
	}
	return nil
}

// requireProtected raises #UD for instructions that only exist in
// protected mode.
func (c *CPU) requireProtected() error {
	if !c.Protected() {
		return faultUD()
	}
	return nil
}

func execInterruptFlag(c *CPU, h *Handler) (insts.Flow, error) {
	if c.Protected() && c.cpl > c.IOPL() {
		return insts.FlowFault, faultGP(0)
	}
	c.Flags.Force(FlagIF, h.Inst.Op == insts.OpSTI)
	return insts.FlowNone, nil
}

func execHlt(c *CPU, h *Handler) (insts.Flow, error) {
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}
	c.Halted = true
	c.EIP = h.Next(c)
	return insts.FlowJump, nil
}

// tableOperands returns the limit and base parts of a pseudo-descriptor
// operand.
func (c *CPU) tableOperands(op *insts.Operand, acc Access) (limit, base Ref, err error) {
	limOp := *op
	limOp.Width = insts.Width16
	if limit, err = c.Resolve(&limOp, acc); err != nil {
		return Ref{}, Ref{}, err
	}
	baseOp := *op
	baseOp.Width = insts.Width32
	if base, err = c.ResolveAt(&baseOp, 2, acc); err != nil {
		return Ref{}, Ref{}, err
	}
	return limit, base, nil
}

func execLoadTable(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}
	limit, base, err := c.tableOperands(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	t := TableReg{Base: base.Get(), Limit: uint16(limit.Get())}
	if in.OpSize == insts.Width16 {
		t.Base &= 0x00FFFFFF
	}
	if in.Op == insts.OpLGDT {
		c.GDTR = t
	} else {
		c.IDTR = t
	}
	return insts.FlowNone, nil
}

func execStoreTable(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	limit, base, err := c.tableOperands(&in.Dst, AccessWrite)
	if err != nil {
		return insts.FlowFault, err
	}

	t := c.GDTR
	if in.Op == insts.OpSIDT {
		t = c.IDTR
	}
	limit.Set(uint32(t.Limit))
	base.Set(t.Base)
	return insts.FlowNone, nil
}

func execStoreSystemSelector(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	if err := c.requireProtected(); err != nil {
		return insts.FlowFault, err
	}
	dst, err := c.Resolve(&in.Dst, AccessWrite)
	if err != nil {
		return insts.FlowFault, err
	}

	sel := c.LDTR.Selector
	if in.Op == insts.OpSTR {
		sel = c.TR.Selector
	}
	dst.Set(uint32(sel))
	return insts.FlowNone, nil
}

// systemSelector reads the selector operand of LLDT and LTR after the mode
// and privilege checks.
func (c *CPU) systemSelector(in *insts.Instruction) (uint16, error) {
	if err := c.requireProtected(); err != nil {
		return 0, err
	}
	if err := c.requireRing0(); err != nil {
		return 0, err
	}
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return 0, err
	}
	return uint16(src.Get()), nil
}

func execLldt(c *CPU, h *Handler) (insts.Flow, error) {
	sel, err := c.systemSelector(h.Inst)
	if err != nil {
		return insts.FlowFault, err
	}
	if sel&^3 == 0 {
		c.LDTR = SegReg{Selector: sel}
		return insts.FlowNone, nil
	}
	if sel&4 != 0 {
		return insts.FlowFault, faultGP(selectorCode(sel))
	}

	d, _, err := c.readDescriptor(sel)
	if err != nil {
		return insts.FlowFault, err
	}
	if d.S || d.Type != typeLDT {
		return insts.FlowFault, faultGP(selectorCode(sel))
	}
	if !d.Present {
		return insts.FlowFault, faultCode(VectorNP, selectorCode(sel))
	}

	c.LDTR = SegReg{Selector: sel, Descriptor: d, Valid: true}
	return insts.FlowNone, nil
}

// execLtr loads the task register and marks the TSS descriptor busy.
func execLtr(c *CPU, h *Handler) (insts.Flow, error) {
	sel, err := c.systemSelector(h.Inst)
	if err != nil {
		return insts.FlowFault, err
	}
	if sel&^3 == 0 {
		return insts.FlowFault, faultGP(0)
	}
	if sel&4 != 0 {
		return insts.FlowFault, faultGP(selectorCode(sel))
	}

	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return insts.FlowFault, err
	}
	if d.S || (d.Type != typeTSS32 && d.Type != typeTSS16) {
		return insts.FlowFault, faultGP(selectorCode(sel))
	}
	if !d.Present {
		return insts.FlowFault, faultCode(VectorNP, selectorCode(sel))
	}

	d.Type |= typeTSSBusy
	c.mem.Write64(addr, d.Encode())
	c.TR = SegReg{Selector: sel, Descriptor: d, Valid: true}
	return insts.FlowNone, nil
}

// execVerify sets ZF when the selector names a segment readable (VERR) or
// writable (VERW) at the current privilege level. It never faults on the
// selector itself.
func execVerify(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	if err := c.requireProtected(); err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	ok := c.verify(uint16(src.Get()), in.Op == insts.OpVERW)
	c.Flags.Force(FlagZF, ok)
	return insts.FlowNone, nil
}

func (c *CPU) verify(sel uint16, write bool) bool {
	if sel&^3 == 0 {
		return false
	}
	d, _, err := c.readDescriptor(sel)
	if err != nil || !d.S {
		return false
	}
	if write && !d.Writable() || !write && !d.Readable() {
		return false
	}
	if !d.Conforming() && max(c.cpl, uint8(sel&3)) > d.DPL {
		return false
	}
	return true
}

func execSmsw(c *CPU, h *Handler) (insts.Flow, error) {
	dst, err := c.Resolve(&h.Inst.Dst, AccessWrite)
	if err != nil {
		return insts.FlowFault, err
	}
	dst.Set(c.CR[0])
	return insts.FlowNone, nil
}

// execLmsw loads the low four bits of CR0. It can set PE but never clear
// it.
func execLmsw(c *CPU, h *Handler) (insts.Flow, error) {
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&h.Inst.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	cr0 := c.CR[0]
	c.CR[0] = cr0&^0xE | src.Get()&0xF | cr0&CR0PE
	c.EIP = h.Next(c)
	return insts.FlowJump, nil
}

func execClts(c *CPU, _ *Handler) (insts.Flow, error) {
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}
	c.CR[0] &^= CR0TS
	return insts.FlowNone, nil
}

// execMovCR moves between a general register and CR0, CR2, CR3 or CR4. A
// write ends the block since it may change the processor mode.
func execMovCR(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}

	if in.Src.Kind == insts.OperandCR {
		n := in.Src.Reg
		if n == 1 || n > 4 {
			return insts.FlowFault, faultUD()
		}
		c.Regs.Write32(in.Dst.Reg, c.CR[n])
		return insts.FlowNone, nil
	}

	n := in.Dst.Reg
	if n == 1 || n > 4 {
		return insts.FlowFault, faultUD()
	}
	v := c.Regs.Read32(in.Src.Reg)
	if n == 0 {
		if v&CR0PG != 0 && v&CR0PE == 0 {
			return insts.FlowFault, faultGP(0)
		}
		v |= CR0ET
		if v&CR0PE == 0 {
			c.cpl = 0
		}
	}
	c.CR[n] = v
	c.EIP = h.Next(c)
	return insts.FlowJump, nil
}

func execMSR(c *CPU, h *Handler) (insts.Flow, error) {
	if err := c.requireRing0(); err != nil {
		return insts.FlowFault, err
	}

	n := c.Regs.Read32(ECX)
	if h.Inst.Op == insts.OpRDMSR {
		v, ok := c.ReadMSR(n)
		if !ok {
			return insts.FlowFault, faultGP(0)
		}
		c.Regs.Write32(EAX, uint32(v))
		c.Regs.Write32(EDX, uint32(v>>32))
		return insts.FlowNone, nil
	}

	v := uint64(c.Regs.Read32(EDX))<<32 | uint64(c.Regs.Read32(EAX))
	if !c.WriteMSR(n, v) {
		return insts.FlowFault, faultGP(0)
	}
	return insts.FlowNone, nil
}

// CPUID identification values.
const (
	cpuidSignature = 0x00000480 // family 4, model 8
	cpuidFeatures  = 1 << 5     // MSR
)

func execCpuid(c *CPU, _ *Handler) (insts.Flow, error) {
	var a, b, cc, d uint32
	switch c.Regs.Read32(EAX) {
	case 0:
		a = 1
		b, d, cc = 0x756E6547, 0x49656E69, 0x6C65746E // "GenuineIntel"
	case 1:
		a = cpuidSignature
		d = cpuidFeatures
	}
	c.Regs.Write32(EAX, a)
	c.Regs.Write32(EBX, b)
	c.Regs.Write32(ECX, cc)
	c.Regs.Write32(EDX, d)
	return insts.FlowNone, nil
}
