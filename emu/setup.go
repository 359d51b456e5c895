package emu

import "github.com/sarchlab/x86sim/insts"

// Selectors of the flat layout installed by EnterFlatProtectedMode.
const (
	SelKernelCode uint16 = 0x08
	SelKernelData uint16 = 0x10
	SelUserCode   uint16 = 0x18 | 3
	SelUserData   uint16 = 0x20 | 3
	SelTSS        uint16 = 0x28
)

// Layout of the flat descriptor tables relative to their base.
const (
	flatGDTEntries = 6
	flatTSSOffset  = 0x100
	// FlatIOBitmapOffset is where the I/O permission bitmap of the flat
	// TSS starts, relative to the TSS.
	FlatIOBitmapOffset = 0x68
	flatTSSLimit       = FlatIOBitmapOffset + 0x2000
)

func flatSegment(code bool, dpl uint8) Descriptor {
	d := Descriptor{
		Limit:   0xFFFFFFFF,
		Type:    typeWritable | typeAccessed,
		S:       true,
		DPL:     dpl,
		Present: true,
		DB:      true,
		G:       true,
	}
	if code {
		d.Type = typeCode | typeReadable | typeAccessed
	}
	return d
}

// EnterFlatProtectedMode writes a GDT with 4 GiB code and data segments for
// rings 0 and 3 and a TSS at tableBase, switches to 32-bit protected mode
// and loads every segment register for privilege level cpl (0 or 3). The
// TSS I/O bitmap starts out permitting every port.
func (c *CPU) EnterFlatProtectedMode(tableBase uint32, cpl uint8) {
	tss := tableBase + flatTSSOffset
	descs := [flatGDTEntries]Descriptor{
		{},
		flatSegment(true, 0),
		flatSegment(false, 0),
		flatSegment(true, 3),
		flatSegment(false, 3),
		{Base: tss, Limit: flatTSSLimit, Type: typeTSS32Busy, Present: true},
	}
	for i, d := range descs {
		c.mem.Write64(tableBase+uint32(i)*8, d.Encode())
	}
	for off := uint32(0); off <= flatTSSLimit; off += 4 {
		c.mem.Write32(tss+off, 0)
	}
	c.mem.Write16(tss+tssIOMapBase, FlatIOBitmapOffset)

	c.GDTR = TableReg{Base: tableBase, Limit: flatGDTEntries*8 - 1}
	c.LDTR = SegReg{}
	c.CR[0] |= CR0PE
	c.cpl = 0

	code, data := SelKernelCode, SelKernelData
	if cpl == 3 {
		code, data = SelUserCode, SelUserData
		c.cpl = 3
	}

	for s := range c.Segs {
		sel := data
		if insts.Seg(s) == insts.SegCS {
			sel = code
		}
		c.Segs[s] = SegReg{Selector: sel, Descriptor: descs[sel>>3], Valid: true}
	}
	c.TR = SegReg{Selector: SelTSS, Descriptor: descs[SelTSS>>3], Valid: true}
}

// DenyPort sets the I/O bitmap bit for port in the TSS installed by
// EnterFlatProtectedMode, so accesses above IOPL fault.
func (c *CPU) DenyPort(port uint16) {
	addr := c.TR.Base + FlatIOBitmapOffset + uint32(port)/8
	c.mem.Write8(addr, c.mem.Read8(addr)|1<<(port&7))
}

// SetupReal switches to real mode with every segment register holding seg.
func (c *CPU) SetupReal(seg uint16) {
	c.CR[0] &^= CR0PE | CR0PG
	c.cpl = 0
	for s := range c.Segs {
		c.Segs[s] = SegReg{
			Selector: seg,
			Descriptor: Descriptor{
				Base:    uint32(seg) << 4,
				Limit:   0xFFFF,
				Type:    typeWritable | typeAccessed,
				S:       true,
				Present: true,
			},
			Valid: true,
		}
	}
	c.Segs[insts.SegCS].Type = typeCode | typeReadable | typeAccessed
}
