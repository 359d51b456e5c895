package emu

import "github.com/sarchlab/x86sim/insts"

// Descriptor type bits for code and data segments.
const (
	typeAccessed  = 1 << 0
	typeWritable  = 1 << 1 // data
	typeReadable  = 1 << 1 // code
	typeExpand    = 1 << 2 // data: expand-down
	typeConform   = 1 << 2 // code: conforming
	typeCode      = 1 << 3
	typeTSSBusy   = 1 << 1
	typeLDT       = 0x2
	typeTSS16     = 0x1
	typeTSS32     = 0x9
	typeTSS32Busy = 0xB
)

// Descriptor is a decoded segment descriptor. Limit is in bytes with
// granularity already applied.
type Descriptor struct {
	Base    uint32
	Limit   uint32
	Type    uint8
	S       bool // code or data, as opposed to system
	DPL     uint8
	Present bool
	DB      bool // default operation size, or stack pointer size for SS
	G       bool
}

// DecodeDescriptor unpacks the 8-byte in-memory descriptor format.
func DecodeDescriptor(raw uint64) Descriptor {
	lo, hi := uint32(raw), uint32(raw>>32)

	d := Descriptor{
		Base:    lo>>16 | (hi&0xFF)<<16 | hi&0xFF000000,
		Limit:   lo&0xFFFF | hi&0xF0000,
		Type:    uint8(hi>>8) & 0xF,
		S:       hi&(1<<12) != 0,
		DPL:     uint8(hi>>13) & 3,
		Present: hi&(1<<15) != 0,
		DB:      hi&(1<<22) != 0,
		G:       hi&(1<<23) != 0,
	}
	if d.G {
		d.Limit = d.Limit<<12 | 0xFFF
	}
	return d
}

// Encode packs the descriptor into its in-memory format.
func (d Descriptor) Encode() uint64 {
	limit := d.Limit
	if d.G {
		limit >>= 12
	}

	lo := limit&0xFFFF | d.Base<<16
	hi := d.Base>>16&0xFF | d.Base&0xFF000000 | limit&0xF0000
	hi |= uint32(d.Type&0xF) << 8
	hi |= uint32(d.DPL&3) << 13
	if d.S {
		hi |= 1 << 12
	}
	if d.Present {
		hi |= 1 << 15
	}
	if d.DB {
		hi |= 1 << 22
	}
	if d.G {
		hi |= 1 << 23
	}
	return uint64(hi)<<32 | uint64(lo)
}

// IsCode reports whether this is a code segment.
func (d Descriptor) IsCode() bool { return d.S && d.Type&typeCode != 0 }

// IsData reports whether this is a data segment.
func (d Descriptor) IsData() bool { return d.S && d.Type&typeCode == 0 }

// Writable reports whether data may be stored through the segment.
func (d Descriptor) Writable() bool { return d.IsData() && d.Type&typeWritable != 0 }

// Readable reports whether data may be loaded through the segment.
func (d Descriptor) Readable() bool {
	return d.IsData() || d.IsCode() && d.Type&typeReadable != 0
}

// Conforming reports whether this is a conforming code segment.
func (d Descriptor) Conforming() bool { return d.IsCode() && d.Type&typeConform != 0 }

// ExpandDown reports whether this is an expand-down data segment.
func (d Descriptor) ExpandDown() bool { return d.IsData() && d.Type&typeExpand != 0 }

// SegReg is a segment register: the visible selector and the cached
// descriptor. Valid is false after a null selector is loaded in protected
// mode.
type SegReg struct {
	Selector uint16
	Descriptor
	Valid bool
}

// realSegment returns the register image for a real-mode load. The limit
// and attributes of the cached descriptor are kept.
func realSegment(old SegReg, sel uint16) SegReg {
	old.Selector = sel
	old.Base = uint32(sel) << 4
	old.Valid = true
	return old
}

// descriptorAddr returns the linear address of the descriptor named by sel.
func (c *CPU) descriptorAddr(sel uint16) (uint32, error) {
	off := uint32(sel &^ 7)
	if sel&4 != 0 {
		if !c.LDTR.Valid || off+7 > c.LDTR.Limit {
			return 0, faultGP(selectorCode(sel))
		}
		return c.LDTR.Base + off, nil
	}
	if off+7 > uint32(c.GDTR.Limit) {
		return 0, faultGP(selectorCode(sel))
	}
	return c.GDTR.Base + off, nil
}

func (c *CPU) readDescriptor(sel uint16) (Descriptor, uint32, error) {
	addr, err := c.descriptorAddr(sel)
	if err != nil {
		return Descriptor{}, 0, err
	}
	return DecodeDescriptor(c.mem.Read64(addr)), addr, nil
}

func (c *CPU) setAccessed(addr uint32) {
	if addr == 0 {
		return
	}
	if b := c.mem.Read8(addr + 5); b&typeAccessed == 0 {
		c.mem.Write8(addr+5, b|typeAccessed)
	}
}

// LoadSegment loads a data or stack segment register as MOV, POP and LDS
// do. CS is loaded only by far transfers.
func (c *CPU) LoadSegment(s insts.Seg, sel uint16) error {
	if s == insts.SegCS {
		return faultUD()
	}
	if !c.Protected() {
		c.Segs[s] = realSegment(c.Segs[s], sel)
		return nil
	}

	sr, addr, err := c.checkDataSegment(s, sel, c.cpl)
	if err != nil {
		return err
	}
	c.setAccessed(addr)
	c.Segs[s] = sr
	return nil
}

// checkDataSegment validates sel for loading into s at privilege cpl
// without changing any state.
func (c *CPU) checkDataSegment(s insts.Seg, sel uint16, cpl uint8) (SegReg, uint32, error) {
	if sel&^3 == 0 {
		if s == insts.SegSS {
			return SegReg{}, 0, faultGP(0)
		}
		return SegReg{Selector: sel}, 0, nil
	}

	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return SegReg{}, 0, err
	}

	rpl := uint8(sel & 3)
	if s == insts.SegSS {
		if rpl != cpl || !d.Writable() || d.DPL != cpl {
			return SegReg{}, 0, faultGP(selectorCode(sel))
		}
		if !d.Present {
			return SegReg{}, 0, faultCode(VectorSS, selectorCode(sel))
		}
	} else {
		if !d.Readable() {
			return SegReg{}, 0, faultGP(selectorCode(sel))
		}
		if !d.Conforming() && max(rpl, cpl) > d.DPL {
			return SegReg{}, 0, faultGP(selectorCode(sel))
		}
		if !d.Present {
			return SegReg{}, 0, faultCode(VectorNP, selectorCode(sel))
		}
	}

	return SegReg{Selector: sel, Descriptor: d, Valid: true}, addr, nil
}

// checkFarTarget validates a far JMP or CALL destination. Gates and task
// segments are not supported and raise #GP(selector).
func (c *CPU) checkFarTarget(sel uint16, off uint32) (SegReg, uint32, error) {
	if sel&^3 == 0 {
		return SegReg{}, 0, faultGP(0)
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return SegReg{}, 0, err
	}
	if !d.IsCode() {
		return SegReg{}, 0, faultGP(selectorCode(sel))
	}

	rpl := uint8(sel & 3)
	if d.Conforming() {
		if d.DPL > c.cpl {
			return SegReg{}, 0, faultGP(selectorCode(sel))
		}
	} else if rpl > c.cpl || d.DPL != c.cpl {
		return SegReg{}, 0, faultGP(selectorCode(sel))
	}
	if !d.Present {
		return SegReg{}, 0, faultCode(VectorNP, selectorCode(sel))
	}
	if off > d.Limit {
		return SegReg{}, 0, faultGP(0)
	}

	sr := SegReg{Selector: sel&^3 | uint16(c.cpl), Descriptor: d, Valid: true}
	return sr, addr, nil
}

// checkReturnTarget validates the code segment popped by RETF or IRET. The
// returned privilege level is the selector's RPL.
func (c *CPU) checkReturnTarget(sel uint16, off uint32) (SegReg, uint32, error) {
	if sel&^3 == 0 {
		return SegReg{}, 0, faultGP(0)
	}
	d, addr, err := c.readDescriptor(sel)
	if err != nil {
		return SegReg{}, 0, err
	}

	rpl := uint8(sel & 3)
	if !d.IsCode() || rpl < c.cpl {
		return SegReg{}, 0, faultGP(selectorCode(sel))
	}
	if d.Conforming() {
		if d.DPL > rpl {
			return SegReg{}, 0, faultGP(selectorCode(sel))
		}
	} else if d.DPL != rpl {
		return SegReg{}, 0, faultGP(selectorCode(sel))
	}
	if !d.Present {
		return SegReg{}, 0, faultCode(VectorNP, selectorCode(sel))
	}
	if off > d.Limit {
		return SegReg{}, 0, faultGP(0)
	}

	return SegReg{Selector: sel, Descriptor: d, Valid: true}, addr, nil
}

// dropInaccessibleSegments nulls data segment registers that are not
// usable at the current privilege level, as required after a return to an
// outer level.
func (c *CPU) dropInaccessibleSegments() {
	for _, s := range []insts.Seg{insts.SegES, insts.SegDS, insts.SegFS, insts.SegGS} {
		sr := &c.Segs[s]
		if !sr.Valid || sr.Conforming() {
			continue
		}
		if sr.DPL < c.cpl {
			*sr = SegReg{}
		}
	}
}
