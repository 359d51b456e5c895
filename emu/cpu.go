package emu

import "github.com/sarchlab/x86sim/insts"

// Control register bits.
const (
	CR0PE uint32 = 1 << 0
	CR0MP uint32 = 1 << 1
	CR0EM uint32 = 1 << 2
	CR0TS uint32 = 1 << 3
	CR0ET uint32 = 1 << 4
	CR0NE uint32 = 1 << 5
	CR0WP uint32 = 1 << 16
	CR0AM uint32 = 1 << 18
	CR0NW uint32 = 1 << 29
	CR0CD uint32 = 1 << 30
	CR0PG uint32 = 1 << 31
)

// Model-specific registers the processor implements.
const (
	MSRTimeStampCounter uint32 = 0x10
	MSRAPICBase         uint32 = 0x1B
	MSRSysenterCS       uint32 = 0x174
	MSRSysenterESP      uint32 = 0x175
	MSRSysenterEIP      uint32 = 0x176
)

// TableReg is a descriptor-table register (GDTR or IDTR).
type TableReg struct {
	Base  uint32
	Limit uint16
}

// CPU is the architectural state of an x86 processor.
type CPU struct {
	Regs  RegFile
	Flags Flags
	EIP   uint32

	// Segs is indexed by insts.Seg.
	Segs [6]SegReg
	// CR holds CR0 through CR4. CR1 is reserved.
	CR [5]uint32

	GDTR TableReg
	IDTR TableReg
	LDTR SegReg
	TR   SegReg

	// Halted is set by HLT and cleared by Reset.
	Halted bool

	mem *Memory
	io  IOBus
	msr map[uint32]uint64
	cpl uint8

	// blockIP is the EIP of the first instruction of the block being
	// executed. Handlers derive their own addresses from it.
	blockIP uint32
}

// NewCPU creates a processor in the reset state attached to mem and bus.
func NewCPU(mem *Memory, bus IOBus) *CPU {
	c := &CPU{mem: mem, io: bus}
	c.Reset()
	return c
}

// Reset puts the processor in real mode with all segment bases at zero,
// EIP at zero and interrupts disabled.
func (c *CPU) Reset() {
	c.Regs = RegFile{}
	c.Flags.SetValue(0)
	c.EIP = 0
	c.CR = [5]uint32{CR0ET}
	c.GDTR = TableReg{Limit: 0xFFFF}
	c.IDTR = TableReg{Limit: 0x3FF}
	c.LDTR = SegReg{}
	c.TR = SegReg{}
	c.Halted = false
	c.cpl = 0
	c.msr = map[uint32]uint64{
		MSRAPICBase: 0xFEE00900,
	}

	c.SetupReal(0)
}

// Memory returns the memory the processor is attached to.
func (c *CPU) Memory() *Memory {
	return c.mem
}

// IO returns the port bus the processor is attached to.
func (c *CPU) IO() IOBus {
	return c.io
}

// Protected reports whether CR0.PE is set.
func (c *CPU) Protected() bool {
	return c.CR[0]&CR0PE != 0
}

// CPL returns the current privilege level. It is always zero in real mode.
func (c *CPU) CPL() uint8 {
	return c.cpl
}

// SetCPL sets the current privilege level. It does not touch CS.
func (c *CPU) SetCPL(cpl uint8) {
	c.cpl = cpl & 3
}

// IOPL returns the I/O privilege level from EFLAGS.
func (c *CPU) IOPL() uint8 {
	return c.Flags.IOPL()
}

// CodeSize returns the default operand and address size of the current
// code segment.
func (c *CPU) CodeSize() insts.Width {
	if c.Protected() && c.Segs[insts.SegCS].DB {
		return insts.Width32
	}
	return insts.Width16
}

// StackSize returns the stack pointer size selected by SS.
func (c *CPU) StackSize() insts.Width {
	if c.Protected() && c.Segs[insts.SegSS].DB {
		return insts.Width32
	}
	return insts.Width16
}

// Seg returns a segment register.
func (c *CPU) Seg(s insts.Seg) *SegReg {
	return &c.Segs[s]
}

// LinearIP returns the linear address of CS:EIP.
func (c *CPU) LinearIP() uint32 {
	return c.Segs[insts.SegCS].Base + c.EIP
}

// setCS commits a new code segment and privilege level.
func (c *CPU) setCS(sr SegReg, descAddr uint32, cpl uint8) {
	c.setAccessed(descAddr)
	c.Segs[insts.SegCS] = sr
	c.cpl = cpl
}

// checkCodeOffset faults if off lies outside the current code segment.
func (c *CPU) checkCodeOffset(off uint32) error {
	if off > c.Segs[insts.SegCS].Limit {
		return faultGP(0)
	}
	return nil
}

// ReadMSR returns a model-specific register.
func (c *CPU) ReadMSR(n uint32) (uint64, bool) {
	switch n {
	case MSRTimeStampCounter, MSRAPICBase, MSRSysenterCS, MSRSysenterESP, MSRSysenterEIP:
		return c.msr[n], true
	}
	return 0, false
}

// WriteMSR sets a model-specific register.
func (c *CPU) WriteMSR(n uint32, v uint64) bool {
	if _, ok := c.ReadMSR(n); !ok {
		return false
	}
	c.msr[n] = v
	return true
}
