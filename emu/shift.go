package emu

import "github.com/sarchlab/x86sim/insts"

// execShift implements the shift and rotate group. The count is masked to
// five bits; a masked count of zero still writes the destination back but
// leaves its value and the flags unchanged.
func execShift(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width

	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}
	count, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	v := dst.Get()
	n := count.Get() & 0x1F
	if n == 0 {
		dst.Set(v)
		return insts.FlowNone, nil
	}

	m := w.Mask()
	size := uint32(w)
	var res uint32

	switch in.Op {
	case insts.OpSHL, insts.OpSAL:
		res = uint32(uint64(v)<<n) & m
		c.Flags.Record(v, n, res, FlagsShl, w)
	case insts.OpSHR:
		res = v >> n
		c.Flags.Record(v, n, res, FlagsShr, w)
	case insts.OpSAR:
		res = uint32(signExtend(v, w)>>n) & m
		c.Flags.Record(v, n, res, FlagsSar, w)
	case insts.OpROL:
		r := n % size
		res = (v<<r | v>>(size-r)) & m
		c.Flags.Record(v, n, res, FlagsRol, w)
	case insts.OpROR:
		r := n % size
		res = (v>>r | v<<(size-r)) & m
		c.Flags.Record(v, n, res, FlagsRor, w)
	case insts.OpRCL, insts.OpRCR:
		r := n % (size + 1)
		if r == 0 {
			dst.Set(v)
			return insts.FlowNone, nil
		}
		res = c.rotateThroughCarry(in.Op, v, r, w)
	}

	dst.Set(res)
	return insts.FlowNone, nil
}

// rotateThroughCarry rotates the (w+1)-bit value CF:v by r and writes CF
// and OF directly.
func (c *CPU) rotateThroughCarry(op insts.Op, v, r uint32, w insts.Width) uint32 {
	size := uint32(w)
	wide := uint64(1)<<(size+1) - 1

	x := uint64(v)
	if c.Flags.CF() {
		x |= 1 << size
	}
	if op == insts.OpRCL {
		x = (x<<r | x>>(size+1-r)) & wide
	} else {
		x = (x>>r | x<<(size+1-r)) & wide
	}

	res := uint32(x) & w.Mask()
	cf := x>>size&1 != 0
	msb := res&w.SignBit() != 0

	c.Flags.Force(FlagCF, cf)
	if op == insts.OpRCL {
		c.Flags.Force(FlagOF, msb != cf)
	} else {
		c.Flags.Force(FlagOF, msb != (res&(w.SignBit()>>1) != 0))
	}
	return res
}

// execShiftDouble implements SHLD and SHRD. Bits shifted in come from the
// source register.
func execShiftDouble(c *CPU, h *Handler) (insts.Flow, error) {
	in := h.Inst
	w := in.Width
	size := uint32(w)

	dst, err := c.Resolve(&in.Dst, AccessRW)
	if err != nil {
		return insts.FlowFault, err
	}
	src, err := c.Resolve(&in.Src, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}
	count, err := c.Resolve(&in.Aux, AccessRead)
	if err != nil {
		return insts.FlowFault, err
	}

	v, s := dst.Get(), src.Get()
	n := count.Get() & 0x1F
	if n == 0 {
		dst.Set(v)
		return insts.FlowNone, nil
	}

	var res uint32
	if in.Op == insts.OpSHLD {
		x := uint64(v)<<size | uint64(s)
		res = uint32(x<<n>>size) & w.Mask()
		c.Flags.Record(v, n, res, FlagsShl, w)
	} else {
		x := uint64(s)<<size | uint64(v)
		res = uint32(x>>n) & w.Mask()
		c.Flags.Record(v, n, res, FlagsShr, w)
	}

	dst.Set(res)
	return insts.FlowNone, nil
}
