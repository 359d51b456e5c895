// Package emu provides functional x86 emulation.
package emu

import "github.com/sarchlab/x86sim/insts"

// General-purpose register numbers.
const (
	EAX = insts.RegEAX
	ECX = insts.RegECX
	EDX = insts.RegEDX
	EBX = insts.RegEBX
	ESP = insts.RegESP
	EBP = insts.RegEBP
	ESI = insts.RegESI
	EDI = insts.RegEDI
)

// Byte register numbers. AH-BH alias bits 8-15 of EAX-EBX.
const (
	AL uint8 = iota
	CL
	DL
	BL
	AH
	CH
	DH
	BH
)

// RegFile represents the x86 general-purpose register file.
// Narrow views alias the low lanes of the same 32-bit storage.
type RegFile struct {
	// GPR holds EAX, ECX, EDX, EBX, ESP, EBP, ESI and EDI.
	GPR [8]uint32
}

// Read8 reads a byte register. Numbers 4-7 select the high byte of the
// first four registers.
func (r *RegFile) Read8(reg uint8) uint8 {
	if reg < 4 {
		return uint8(r.GPR[reg])
	}
	return uint8(r.GPR[reg-4] >> 8)
}

// Write8 writes a byte register, leaving the other lanes untouched.
func (r *RegFile) Write8(reg uint8, value uint8) {
	if reg < 4 {
		r.GPR[reg] = r.GPR[reg]&^0xFF | uint32(value)
		return
	}
	r.GPR[reg-4] = r.GPR[reg-4]&^0xFF00 | uint32(value)<<8
}

// Read16 reads the low word of a register.
func (r *RegFile) Read16(reg uint8) uint16 {
	return uint16(r.GPR[reg])
}

// Write16 writes the low word of a register, leaving bits 16-31 untouched.
func (r *RegFile) Write16(reg uint8, value uint16) {
	r.GPR[reg] = r.GPR[reg]&^0xFFFF | uint32(value)
}

// Read32 reads a full register.
func (r *RegFile) Read32(reg uint8) uint32 {
	return r.GPR[reg]
}

// Write32 writes a full register.
func (r *RegFile) Write32(reg uint8, value uint32) {
	r.GPR[reg] = value
}

// Read reads the w-bit view of a register.
func (r *RegFile) Read(reg uint8, w insts.Width) uint32 {
	switch w {
	case insts.Width8:
		return uint32(r.Read8(reg))
	case insts.Width16:
		return uint32(r.Read16(reg))
	case insts.Width32:
		return r.Read32(reg)
	}
	panic(badWidth(w))
}

// Write writes the w-bit view of a register.
func (r *RegFile) Write(reg uint8, w insts.Width, value uint32) {
	switch w {
	case insts.Width8:
		r.Write8(reg, uint8(value))
	case insts.Width16:
		r.Write16(reg, uint16(value))
	case insts.Width32:
		r.Write32(reg, value)
	default:
		panic(badWidth(w))
	}
}
