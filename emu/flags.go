// Package emu provides functional x86 emulation.
package emu

import (
	"math/bits"

	"github.com/sarchlab/x86sim/insts"
)

// EFLAGS bits.
const (
	FlagCF   uint32 = 1 << 0
	FlagPF   uint32 = 1 << 2
	FlagAF   uint32 = 1 << 4
	FlagZF   uint32 = 1 << 6
	FlagSF   uint32 = 1 << 7
	FlagTF   uint32 = 1 << 8
	FlagIF   uint32 = 1 << 9
	FlagDF   uint32 = 1 << 10
	FlagOF   uint32 = 1 << 11
	FlagIOPL uint32 = 3 << 12
	FlagNT   uint32 = 1 << 14
	FlagRF   uint32 = 1 << 16
	FlagVM   uint32 = 1 << 17
	FlagAC   uint32 = 1 << 18
	FlagVIF  uint32 = 1 << 19
	FlagVIP  uint32 = 1 << 20
	FlagID   uint32 = 1 << 21

	// StatusFlags are the arithmetic flags computed by the lazy engine.
	StatusFlags = FlagCF | FlagPF | FlagAF | FlagZF | FlagSF | FlagOF

	flagsFixed    uint32 = 1 << 1
	flagsReserved uint32 = 1<<3 | 1<<5 | 1<<15 | 0xFFC00000
)

// FlagKind selects the formula used to derive status flags from a record.
type FlagKind uint8

// Flag formulas.
const (
	FlagsNone FlagKind = iota
	FlagsAdd
	FlagsAdc // add with a carry-in of one
	FlagsSub
	FlagsSbb // subtract with a borrow-in of one
	FlagsInc
	FlagsDec
	FlagsLogic
	FlagsShl
	FlagsShr
	FlagsSar
	FlagsRol
	FlagsRor
	FlagsMul
	FlagsImul
)

// affects returns the flags a formula defines.
func (k FlagKind) affects() uint32 {
	switch k {
	case FlagsInc, FlagsDec:
		return StatusFlags &^ FlagCF
	case FlagsLogic:
		return FlagZF | FlagSF | FlagPF
	case FlagsRol, FlagsRor:
		return FlagCF | FlagOF
	case FlagsNone:
		return 0
	}
	return StatusFlags
}

// FlagRecord holds the inputs of the last flag-affecting operation. For
// shifts Op2 is the masked count; for multiplies Op1 is the high half of
// the product.
type FlagRecord struct {
	Op1    uint32
	Op2    uint32
	Result uint32
	Kind   FlagKind
	Width  insts.Width
}

// Flags is the EFLAGS register with lazily evaluated status flags. Bits in
// the stale mask are derived from the pending record when read.
type Flags struct {
	bits  uint32
	stale uint32
	rec   FlagRecord
}

// Record stores a new pending record. Stale flags the new formula does not
// define are materialized from the old record first, so they keep their
// values.
func (f *Flags) Record(op1, op2, result uint32, kind FlagKind, w insts.Width) {
	affected := kind.affects()
	if leftover := f.stale &^ affected; leftover != 0 {
		f.materialize(leftover)
	}

	m := w.Mask()
	f.rec = FlagRecord{Op1: op1 & m, Op2: op2, Result: result & m, Kind: kind, Width: w}
	f.stale = affected
}

// Pending returns the current record and the mask of flags still derived
// from it.
func (f *Flags) Pending() (FlagRecord, uint32) {
	return f.rec, f.stale
}

// Get reads one flag bit, evaluating its formula if it is stale.
func (f *Flags) Get(bit uint32) bool {
	if f.stale&bit != 0 {
		v := f.rec.eval(bit)
		f.put(bit, v)
		f.stale &^= bit
		return v
	}
	return f.bits&bit != 0
}

// Force sets a flag directly and drops it from the stale mask.
func (f *Flags) Force(bit uint32, v bool) {
	f.put(bit, v)
	f.stale &^= bit
}

// Value returns the full EFLAGS image.
func (f *Flags) Value() uint32 {
	f.materialize(f.stale)
	return f.bits&^flagsReserved | flagsFixed
}

// SetValue replaces the whole register.
func (f *Flags) SetValue(v uint32) {
	f.bits = v&^flagsReserved | flagsFixed
	f.stale = 0
}

func (f *Flags) materialize(mask uint32) {
	f.stale &^= mask
	for mask != 0 {
		bit := mask & -mask
		f.put(bit, f.rec.eval(bit))
		mask &^= bit
	}
}

func (f *Flags) put(bit uint32, v bool) {
	if v {
		f.bits |= bit
	} else {
		f.bits &^= bit
	}
}

// CF returns the carry flag.
func (f *Flags) CF() bool { return f.Get(FlagCF) }

// ZF returns the zero flag.
func (f *Flags) ZF() bool { return f.Get(FlagZF) }

// SF returns the sign flag.
func (f *Flags) SF() bool { return f.Get(FlagSF) }

// OF returns the overflow flag.
func (f *Flags) OF() bool { return f.Get(FlagOF) }

// PF returns the parity flag.
func (f *Flags) PF() bool { return f.Get(FlagPF) }

// AF returns the auxiliary carry flag.
func (f *Flags) AF() bool { return f.Get(FlagAF) }

// DF returns the direction flag.
func (f *Flags) DF() bool { return f.bits&FlagDF != 0 }

// IF returns the interrupt enable flag.
func (f *Flags) IF() bool { return f.bits&FlagIF != 0 }

// IOPL returns the I/O privilege level.
func (f *Flags) IOPL() uint8 { return uint8(f.bits&FlagIOPL>>12) }

// Cond evaluates a condition code.
func (f *Flags) Cond(c insts.Cond) bool {
	var r bool
	switch c &^ 1 {
	case insts.CondO:
		r = f.OF()
	case insts.CondB:
		r = f.CF()
	case insts.CondE:
		r = f.ZF()
	case insts.CondBE:
		r = f.CF() || f.ZF()
	case insts.CondS:
		r = f.SF()
	case insts.CondP:
		r = f.PF()
	case insts.CondL:
		r = f.SF() != f.OF()
	case insts.CondLE:
		r = f.ZF() || f.SF() != f.OF()
	}
	// Odd codes are the negations of the even ones.
	return r != (c&1 == 1)
}

func (r FlagRecord) eval(bit uint32) bool {
	s := r.Width.SignBit()
	switch bit {
	case FlagZF:
		return r.Result == 0
	case FlagSF:
		return r.Result&s != 0
	case FlagPF:
		return parity(uint8(r.Result))
	case FlagCF:
		return r.carry()
	case FlagOF:
		return r.overflow()
	case FlagAF:
		return r.aux()
	}
	return false
}

func (r FlagRecord) carry() bool {
	w := uint32(r.Width)
	a, b := uint64(r.Op1), uint64(r.Op2)
	switch r.Kind {
	case FlagsAdd:
		return (a+b)>>w&1 != 0
	case FlagsAdc:
		return (a+b+1)>>w&1 != 0
	case FlagsSub:
		return a < b
	case FlagsSbb:
		return a < b+1
	case FlagsShl:
		if r.Op2 > w {
			return false
		}
		return a>>(w-r.Op2)&1 != 0
	case FlagsShr:
		if r.Op2 > w {
			return false
		}
		return a>>(r.Op2-1)&1 != 0
	case FlagsSar:
		if r.Op2 >= w {
			return r.Op1&r.Width.SignBit() != 0
		}
		return uint64(signExtend(r.Op1, r.Width))>>(r.Op2-1)&1 != 0
	case FlagsRol:
		return r.Result&1 != 0
	case FlagsRor:
		return r.Result&r.Width.SignBit() != 0
	case FlagsMul:
		return r.Op1 != 0
	case FlagsImul:
		fill := uint32(0)
		if r.Result&r.Width.SignBit() != 0 {
			fill = r.Width.Mask()
		}
		return r.Op1 != fill
	}
	return false
}

func (r FlagRecord) overflow() bool {
	s := r.Width.SignBit()
	a, b, res := r.Op1, r.Op2, r.Result
	switch r.Kind {
	case FlagsAdd, FlagsAdc:
		return (a^res)&(b^res)&s != 0
	case FlagsSub, FlagsSbb:
		return (a^b)&(a^res)&s != 0
	case FlagsInc:
		return res == s
	case FlagsDec:
		return res == s-1
	case FlagsShl:
		return (res&s != 0) != r.carry()
	case FlagsShr:
		return (res^a)&s != 0
	case FlagsRol:
		return (res&s != 0) != (res&1 != 0)
	case FlagsRor:
		return (res^res<<1)&s != 0
	case FlagsMul, FlagsImul:
		return r.carry()
	}
	return false
}

func (r FlagRecord) aux() bool {
	switch r.Kind {
	case FlagsAdd, FlagsAdc, FlagsSub, FlagsSbb:
		return (r.Op1^r.Op2^r.Result)&0x10 != 0
	case FlagsInc:
		return r.Result&0xF == 0
	case FlagsDec:
		return r.Result&0xF == 0xF
	}
	return false
}

// parity reports whether the byte has an even number of set bits.
func parity(b uint8) bool {
	return bits.OnesCount8(b)%2 == 0
}

// signExtend widens a w-bit value to a signed 32-bit value.
func signExtend(v uint32, w insts.Width) int32 {
	switch w {
	case insts.Width8:
		return int32(int8(v))
	case insts.Width16:
		return int32(int16(v))
	}
	return int32(v)
}
