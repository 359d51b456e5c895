// Package insts provides x86 instruction definitions and decoding.
package insts

import "fmt"

// Op represents an x86 operation kind. Size and addressing variants of the
// same operation share one Op.
type Op uint8

// x86 operations.
const (
	OpInvalid Op = iota

	// Arithmetic and logic. The first eight follow the /reg order of the
	// 0x80 group.
	OpADD
	OpOR
	OpADC
	OpSBB
	OpAND
	OpSUB
	OpXOR
	OpCMP
	OpTEST
	OpINC
	OpDEC
	OpNEG
	OpNOT

	// Data movement.
	OpMOV
	OpMOVZX
	OpMOVSX
	OpLEA
	OpXCHG
	OpCBW // CBW / CWDE
	OpCWD // CWD / CDQ

	// Shifts and rotates, in the /reg order of the 0xC0 group.
	OpROL
	OpROR
	OpRCL
	OpRCR
	OpSHL
	OpSHR
	OpSAL
	OpSAR
	OpSHLD
	OpSHRD

	// Multiply and divide.
	OpMUL
	OpIMUL  // one-operand form, accumulator pair destination
	OpIMUL2 // two- and three-operand forms
	OpDIV
	OpIDIV

	// Stack.
	OpPUSH
	OpPOP
	OpPUSHA
	OpPOPA
	OpPUSHF
	OpPOPF
	OpLEAVE

	// Control transfer.
	OpJMP
	OpJMPInd
	OpJMPFar
	OpJMPFarInd
	OpCALL
	OpCALLInd
	OpCALLFar
	OpCALLFarInd
	OpRET
	OpRETF
	OpIRET
	OpJcc
	OpLOOP
	OpLOOPE
	OpLOOPNE
	OpJCXZ
	OpINT
	OpINT3
	OpINTO
	OpBOUND

	// Bit operations.
	OpSETcc
	OpBT
	OpBTS
	OpBTR
	OpBTC

	// String and port I/O.
	OpMOVS
	OpCMPS
	OpSTOS
	OpLODS
	OpSCAS
	OpINS
	OpOUTS
	OpIN
	OpOUT

	// Flag control.
	OpCLC
	OpSTC
	OpCMC
	OpCLD
	OpSTD
	OpCLI
	OpSTI
	OpLAHF
	OpSAHF

	// Miscellaneous.
	OpNOP
	OpHLT
	OpUD2
	OpCPUID

	// System.
	OpLGDT
	OpLIDT
	OpSGDT
	OpSIDT
	OpSLDT
	OpSTR
	OpLLDT
	OpLTR
	OpVERR
	OpVERW
	OpSMSW
	OpLMSW
	OpCLTS
	OpMOVCR
	OpRDMSR
	OpWRMSR

	// OpCount is the number of operations, for tables indexed by Op.
	OpCount
)

var opNames = [OpCount]string{
	OpInvalid: "(bad)",
	OpADD:     "add", OpOR: "or", OpADC: "adc", OpSBB: "sbb",
	OpAND: "and", OpSUB: "sub", OpXOR: "xor", OpCMP: "cmp",
	OpTEST: "test", OpINC: "inc", OpDEC: "dec", OpNEG: "neg", OpNOT: "not",
	OpMOV: "mov", OpMOVZX: "movzx", OpMOVSX: "movsx", OpLEA: "lea",
	OpXCHG: "xchg", OpCBW: "cbw", OpCWD: "cwd",
	OpROL: "rol", OpROR: "ror", OpRCL: "rcl", OpRCR: "rcr",
	OpSHL: "shl", OpSHR: "shr", OpSAL: "sal", OpSAR: "sar",
	OpSHLD: "shld", OpSHRD: "shrd",
	OpMUL: "mul", OpIMUL: "imul", OpIMUL2: "imul", OpDIV: "div", OpIDIV: "idiv",
	OpPUSH: "push", OpPOP: "pop", OpPUSHA: "pusha", OpPOPA: "popa",
	OpPUSHF: "pushf", OpPOPF: "popf", OpLEAVE: "leave",
	OpJMP: "jmp", OpJMPInd: "jmp", OpJMPFar: "ljmp", OpJMPFarInd: "ljmp",
	OpCALL: "call", OpCALLInd: "call", OpCALLFar: "lcall", OpCALLFarInd: "lcall",
	OpRET: "ret", OpRETF: "lret", OpIRET: "iret",
	OpJcc: "jcc", OpLOOP: "loop", OpLOOPE: "loope", OpLOOPNE: "loopne",
	OpJCXZ: "jcxz", OpINT: "int", OpINT3: "int3", OpINTO: "into", OpBOUND: "bound",
	OpSETcc: "setcc", OpBT: "bt", OpBTS: "bts", OpBTR: "btr", OpBTC: "btc",
	OpMOVS: "movs", OpCMPS: "cmps", OpSTOS: "stos", OpLODS: "lods",
	OpSCAS: "scas", OpINS: "ins", OpOUTS: "outs", OpIN: "in", OpOUT: "out",
	OpCLC: "clc", OpSTC: "stc", OpCMC: "cmc", OpCLD: "cld", OpSTD: "std",
	OpCLI: "cli", OpSTI: "sti", OpLAHF: "lahf", OpSAHF: "sahf",
	OpNOP: "nop", OpHLT: "hlt", OpUD2: "ud2", OpCPUID: "cpuid",
	OpLGDT: "lgdt", OpLIDT: "lidt", OpSGDT: "sgdt", OpSIDT: "sidt",
	OpSLDT: "sldt", OpSTR: "str", OpLLDT: "lldt", OpLTR: "ltr",
	OpVERR: "verr", OpVERW: "verw", OpSMSW: "smsw", OpLMSW: "lmsw",
	OpCLTS: "clts", OpMOVCR: "mov", OpRDMSR: "rdmsr", OpWRMSR: "wrmsr",
}

func (op Op) String() string {
	if op < OpCount && opNames[op] != "" {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// Width is an operand or attribute size in bits.
type Width uint8

// Operand widths.
const (
	Width8  Width = 8
	Width16 Width = 16
	Width32 Width = 32
)

// Bytes returns the width in bytes.
func (w Width) Bytes() uint32 {
	return uint32(w) / 8
}

// Mask returns the all-ones value of the width.
func (w Width) Mask() uint32 {
	switch w {
	case Width8:
		return 0xFF
	case Width16:
		return 0xFFFF
	case Width32:
		return 0xFFFFFFFF
	}
	panic(fmt.Sprintf("insts: invalid width %d", w))
}

// SignBit returns the most significant bit of the width.
func (w Width) SignBit() uint32 {
	return 1 << (uint32(w) - 1)
}

// Seg identifies a segment register, numbered as in the ModRM reg field.
type Seg uint8

// Segment registers.
const (
	SegES Seg = iota
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS

	// SegDefault marks the absence of a segment override prefix.
	SegDefault Seg = 0xFF
)

var segNames = [...]string{"es", "cs", "ss", "ds", "fs", "gs"}

func (s Seg) String() string {
	if int(s) < len(segNames) {
		return segNames[s]
	}
	return "default"
}

// General-purpose register numbers as encoded in ModRM. For 8-bit operands
// numbers 4-7 select AH, CH, DH and BH.
const (
	RegEAX uint8 = iota
	RegECX
	RegEDX
	RegEBX
	RegESP
	RegEBP
	RegESI
	RegEDI

	// RegNone marks an absent base or index register.
	RegNone uint8 = 0xFF
)

// Cond is an x86 condition code, numbered as in the Jcc opcode low nibble.
type Cond uint8

// x86 condition codes.
const (
	CondO  Cond = 0x0 // Overflow (OF == 1)
	CondNO Cond = 0x1 // No overflow (OF == 0)
	CondB  Cond = 0x2 // Below / carry (CF == 1)
	CondAE Cond = 0x3 // Above or equal (CF == 0)
	CondE  Cond = 0x4 // Equal (ZF == 1)
	CondNE Cond = 0x5 // Not equal (ZF == 0)
	CondBE Cond = 0x6 // Below or equal (CF == 1 || ZF == 1)
	CondA  Cond = 0x7 // Above (CF == 0 && ZF == 0)
	CondS  Cond = 0x8 // Sign (SF == 1)
	CondNS Cond = 0x9 // No sign (SF == 0)
	CondP  Cond = 0xA // Parity even (PF == 1)
	CondNP Cond = 0xB // Parity odd (PF == 0)
	CondL  Cond = 0xC // Less (SF != OF)
	CondGE Cond = 0xD // Greater or equal (SF == OF)
	CondLE Cond = 0xE // Less or equal (ZF == 1 || SF != OF)
	CondG  Cond = 0xF // Greater (ZF == 0 && SF == OF)
)

// Rep is the repeat prefix attached to a string instruction.
type Rep uint8

// Repeat prefixes.
const (
	RepNone Rep = iota
	RepE        // 0xF3: REP / REPE
	RepNE       // 0xF2: REPNE
)

// OperandKind tells which fields of an Operand are meaningful.
type OperandKind uint8

// Operand kinds.
const (
	OperandNone OperandKind = iota
	OperandReg              // general-purpose register, Reg holds the number
	OperandMem              // memory, Mem holds the addressing fields
	OperandImm              // immediate, Imm holds the value masked to Width
	OperandSeg              // segment register, Reg holds a Seg
	OperandCR               // control register, Reg holds the number
)

// MemRef holds the addressing fields of a memory operand.
type MemRef struct {
	// Seg is the segment the access goes through: the override prefix if
	// present, otherwise the addressing form's default.
	Seg Seg
	// Base and Index are register numbers or RegNone.
	Base  uint8
	Index uint8
	// Scale is the index shift count (0-3).
	Scale uint8
	// Disp is the displacement, already wrapped to AddrSize.
	Disp uint32
	// AddrSize is the address-size attribute (16 or 32).
	AddrSize Width
}

// Operand is a decode-time bound operand.
type Operand struct {
	Kind  OperandKind
	Width Width
	Reg   uint8
	Mem   MemRef
	Imm   uint32
}

// IsMem reports whether the operand refers to memory.
func (o Operand) IsMem() bool {
	return o.Kind == OperandMem
}

// RegOperand returns a general-purpose register operand.
func RegOperand(reg uint8, w Width) Operand {
	return Operand{Kind: OperandReg, Width: w, Reg: reg}
}

// ImmOperand returns an immediate operand masked to w.
func ImmOperand(v uint32, w Width) Operand {
	return Operand{Kind: OperandImm, Width: w, Imm: v & w.Mask()}
}

// SegOperand returns a segment register operand.
func SegOperand(s Seg) Operand {
	return Operand{Kind: OperandSeg, Width: Width16, Reg: uint8(s)}
}

// CROperand returns a control register operand.
func CROperand(n uint8) Operand {
	return Operand{Kind: OperandCR, Width: Width32, Reg: n}
}

// Instruction represents a decoded x86 instruction.
type Instruction struct {
	Op Op

	// Width is the size of the data the operation works on.
	Width Width
	// OpSize and AddrSize are the operand- and address-size attributes
	// after prefixes (16 or 32).
	OpSize   Width
	AddrSize Width

	Dst Operand
	Src Operand
	// Aux is the third operand of three-operand forms (IMUL imm, SHLD count).
	Aux Operand

	// Cond is the condition of Jcc and SETcc.
	Cond Cond
	// Rel is the branch displacement relative to the next instruction.
	Rel int32
	// FarSel and FarOff are the pointer of direct far transfers.
	FarSel uint16
	FarOff uint32

	// Seg is the segment override prefix, or SegDefault. String
	// instructions use it for the source operand.
	Seg Seg
	Rep Rep

	// Len is the encoded length in bytes including prefixes.
	Len uint8
}

// IsRep reports whether the instruction is a repeated string operation.
func (i *Instruction) IsRep() bool {
	if i.Rep == RepNone {
		return false
	}
	switch i.Op {
	case OpMOVS, OpCMPS, OpSTOS, OpLODS, OpSCAS, OpINS, OpOUTS:
		return true
	}
	return false
}

func (i *Instruction) String() string {
	switch i.Op {
	case OpJcc:
		return fmt.Sprintf("j%s %+d", i.Cond, i.Rel)
	case OpSETcc:
		return fmt.Sprintf("set%s", i.Cond)
	}
	return fmt.Sprintf("%s/%d", i.Op, i.Width)
}

var condNames = [16]string{
	"o", "no", "b", "ae", "e", "ne", "be", "a",
	"s", "ns", "p", "np", "l", "ge", "le", "g",
}

func (c Cond) String() string {
	return condNames[c&0xF]
}
