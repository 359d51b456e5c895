// Package insts provides x86 instruction definitions and decoding.
package insts

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// GenericDecoder decodes through the x86asm disassembler and converts its
// instruction description. It accepts the same instruction set as
// FastDecoder and yields the same Instruction values.
type GenericDecoder struct{}

// NewGenericDecoder creates a new x86asm-backed decoder.
func NewGenericDecoder() *GenericDecoder {
	return &GenericDecoder{}
}

// Decode decodes one instruction for code whose default size is code.
func (d *GenericDecoder) Decode(c *Cursor, code Width) (*Instruction, error) {
	raw := c.Remaining()
	at := opcodeIndex(raw)
	src, sal := canonicalAlias(raw, at)

	g, err := x86asm.Decode(src, int(code))
	if err != nil || g.Op == 0 {
		if isTruncated(src, at, code) {
			return nil, ErrTruncated
		}
		if err == nil {
			err = errInvalidOpcode
		}
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	if g.Len > MaxInstructionLen {
		return nil, ErrTooLong
	}

	inst, err := FromGeneric(g)
	if err != nil {
		return nil, err
	}
	if sal {
		inst.Op = OpSAL
	}
	c.Seek(g.Len)

	return inst, nil
}

var errInvalidOpcode = errors.New("invalid opcode")

// opcodeIndex returns the position of the first byte after the legacy
// prefixes.
func opcodeIndex(code []byte) int {
	i := 0
	for i < len(code) && isLegacyPrefix(code[i]) {
		i++
	}
	return i
}

func isLegacyPrefix(b byte) bool {
	switch b {
	case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0x66, 0x67, 0xF0, 0xF2, 0xF3:
		return true
	}
	return false
}

// canonicalAlias rewrites encodings x86asm does not decode the way the
// processor does into equivalent ones: 82 as 80, group 2 /6 as /4 (the
// second result reports this SAL case), F6/F7 /1 as /0, and MOV to or
// from a control register with mod forced to 3, since its r/m field always
// names a register and carries no displacement. The opcode is at code[at].
func canonicalAlias(code []byte, at int) ([]byte, bool) {
	if at >= len(code) {
		return code, false
	}

	patch := func(i int, b byte) []byte {
		out := append([]byte(nil), code...)
		out[i] = b
		return out
	}

	op := code[at]
	if op == 0x82 {
		return patch(at, 0x80), false
	}
	if at+1 >= len(code) {
		return code, false
	}

	if op == 0x0F && (code[at+1] == 0x20 || code[at+1] == 0x22) {
		if at+2 < len(code) && code[at+2] < 0xC0 {
			return patch(at+2, code[at+2]|0xC0), false
		}
		return code, false
	}

	modrm := code[at+1]
	reg := (modrm >> 3) & 7
	switch {
	case reg == 6 && (op == 0xC0 || op == 0xC1 || (op >= 0xD0 && op <= 0xD3)):
		return patch(at+1, modrm&^0x38|4<<3), true
	case reg == 1 && (op == 0xF6 || op == 0xF7):
		return patch(at+1, modrm&^0x38), false
	}
	return code, false
}

// isTruncated reports whether src ends before the instruction it starts:
// it holds nothing but prefixes, or padding it out yields a supported
// instruction longer than src.
func isTruncated(src []byte, at int, code Width) bool {
	if at >= len(src) {
		return true
	}

	padded := make([]byte, 2*MaxInstructionLen)
	copy(padded, src)
	g, err := x86asm.Decode(padded, int(code))
	if err != nil || g.Op == 0 || g.Len <= len(src) {
		return false
	}
	_, err = FromGeneric(g)
	return err == nil
}

// FromGeneric converts a fully decoded x86asm instruction.
func FromGeneric(g x86asm.Inst) (*Instruction, error) {
	v := &converter{
		g: g,
		inst: &Instruction{
			OpSize:   Width(g.DataSize),
			AddrSize: Width(g.AddrSize),
			Len:      uint8(g.Len),
		},
	}
	if v.inst.OpSize != Width16 && v.inst.OpSize != Width32 {
		return nil, fmt.Errorf("%w: data size %d", ErrUnsupported, g.DataSize)
	}
	for _, p := range g.Prefix {
		if p == 0 {
			break
		}
		if p.IsVEX() {
			return nil, fmt.Errorf("%w: VEX prefix", ErrUnsupported)
		}
	}

	if !v.convert() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, g.Op)
	}

	seg, rep := genericPrefixes(g)
	normalize(v.inst, seg, rep)

	return v.inst, nil
}

// Disassemble renders the instruction at the start of code in Intel syntax.
// It is used for diagnostics and never fails; unknown bytes render as hex.
func Disassemble(code []byte, addr uint32, mode Width) (string, int) {
	g, err := x86asm.Decode(code, int(mode))
	if err != nil {
		n := len(code)
		if n > 4 {
			n = 4
		}
		return fmt.Sprintf("(bad) % x", code[:n]), 1
	}
	return x86asm.IntelSyntax(g, uint64(addr), nil), g.Len
}

func genericPrefixes(g x86asm.Inst) (Seg, Rep) {
	seg, rep := SegDefault, RepNone
	for _, p := range g.Prefix {
		if p == 0 {
			break
		}
		// x86asm marks a segment override it folded into a memory
		// argument as implicit, but string forms still need it.
		implicit := p&x86asm.PrefixImplicit != 0
		switch p & 0xFF {
		case 0x26:
			seg = SegES
		case 0x2E:
			seg = SegCS
		case 0x36:
			seg = SegSS
		case 0x3E:
			seg = SegDS
		case 0x64:
			seg = SegFS
		case 0x65:
			seg = SegGS
		case 0xF3:
			if !implicit {
				rep = RepE
			}
		case 0xF2:
			if !implicit {
				rep = RepNE
			}
		}
	}
	return seg, rep
}

var genericALU = map[x86asm.Op]Op{
	x86asm.ADD: OpADD, x86asm.OR: OpOR, x86asm.ADC: OpADC, x86asm.SBB: OpSBB,
	x86asm.AND: OpAND, x86asm.SUB: OpSUB, x86asm.XOR: OpXOR, x86asm.CMP: OpCMP,
	x86asm.TEST: OpTEST, x86asm.XCHG: OpXCHG,
	x86asm.BT: OpBT, x86asm.BTS: OpBTS, x86asm.BTR: OpBTR, x86asm.BTC: OpBTC,
}

var genericUnary = map[x86asm.Op]Op{
	x86asm.INC: OpINC, x86asm.DEC: OpDEC, x86asm.NEG: OpNEG, x86asm.NOT: OpNOT,
}

var genericShift = map[x86asm.Op]Op{
	x86asm.ROL: OpROL, x86asm.ROR: OpROR, x86asm.RCL: OpRCL, x86asm.RCR: OpRCR,
	x86asm.SHL: OpSHL, x86asm.SHR: OpSHR, x86asm.SAR: OpSAR,
}

var genericCond = map[x86asm.Op]Cond{
	x86asm.JO: CondO, x86asm.JNO: CondNO, x86asm.JB: CondB, x86asm.JAE: CondAE,
	x86asm.JE: CondE, x86asm.JNE: CondNE, x86asm.JBE: CondBE, x86asm.JA: CondA,
	x86asm.JS: CondS, x86asm.JNS: CondNS, x86asm.JP: CondP, x86asm.JNP: CondNP,
	x86asm.JL: CondL, x86asm.JGE: CondGE, x86asm.JLE: CondLE, x86asm.JG: CondG,
}

var genericSetCond = map[x86asm.Op]Cond{
	x86asm.SETO: CondO, x86asm.SETNO: CondNO, x86asm.SETB: CondB, x86asm.SETAE: CondAE,
	x86asm.SETE: CondE, x86asm.SETNE: CondNE, x86asm.SETBE: CondBE, x86asm.SETA: CondA,
	x86asm.SETS: CondS, x86asm.SETNS: CondNS, x86asm.SETP: CondP, x86asm.SETNP: CondNP,
	x86asm.SETL: CondL, x86asm.SETGE: CondGE, x86asm.SETLE: CondLE, x86asm.SETG: CondG,
}

type stringForm struct {
	op Op
	w  Width
}

var genericString = map[x86asm.Op]stringForm{
	x86asm.MOVSB: {OpMOVS, Width8}, x86asm.MOVSW: {OpMOVS, Width16}, x86asm.MOVSD: {OpMOVS, Width32},
	x86asm.CMPSB: {OpCMPS, Width8}, x86asm.CMPSW: {OpCMPS, Width16}, x86asm.CMPSD: {OpCMPS, Width32},
	x86asm.STOSB: {OpSTOS, Width8}, x86asm.STOSW: {OpSTOS, Width16}, x86asm.STOSD: {OpSTOS, Width32},
	x86asm.LODSB: {OpLODS, Width8}, x86asm.LODSW: {OpLODS, Width16}, x86asm.LODSD: {OpLODS, Width32},
	x86asm.SCASB: {OpSCAS, Width8}, x86asm.SCASW: {OpSCAS, Width16}, x86asm.SCASD: {OpSCAS, Width32},
	x86asm.INSB: {OpINS, Width8}, x86asm.INSW: {OpINS, Width16}, x86asm.INSD: {OpINS, Width32},
	x86asm.OUTSB: {OpOUTS, Width8}, x86asm.OUTSW: {OpOUTS, Width16}, x86asm.OUTSD: {OpOUTS, Width32},
}

var genericPlain = map[x86asm.Op]Op{
	x86asm.PUSHA: OpPUSHA, x86asm.PUSHAD: OpPUSHA, x86asm.POPA: OpPOPA, x86asm.POPAD: OpPOPA,
	x86asm.PUSHF: OpPUSHF, x86asm.PUSHFD: OpPUSHF, x86asm.POPF: OpPOPF, x86asm.POPFD: OpPOPF,
	x86asm.LEAVE: OpLEAVE, x86asm.CBW: OpCBW, x86asm.CWDE: OpCBW, x86asm.CWD: OpCWD, x86asm.CDQ: OpCWD,
	x86asm.IRET: OpIRET, x86asm.IRETD: OpIRET, x86asm.INTO: OpINTO, x86asm.HLT: OpHLT,
	x86asm.CMC: OpCMC, x86asm.CLC: OpCLC, x86asm.STC: OpSTC, x86asm.CLI: OpCLI, x86asm.STI: OpSTI,
	x86asm.CLD: OpCLD, x86asm.STD: OpSTD, x86asm.NOP: OpNOP, x86asm.PAUSE: OpNOP,
	x86asm.UD2: OpUD2, x86asm.CPUID: OpCPUID, x86asm.CLTS: OpCLTS,
	x86asm.RDMSR: OpRDMSR, x86asm.WRMSR: OpWRMSR,
}

type converter struct {
	g    x86asm.Inst
	inst *Instruction
}

func (v *converter) arg(i int) x86asm.Arg {
	return v.g.Args[i]
}

// width returns the size of a register or memory argument.
func (v *converter) width(a x86asm.Arg) Width {
	switch a := a.(type) {
	case x86asm.Reg:
		if _, w, ok := gprNumber(a); ok {
			return w
		}
		return Width16
	case x86asm.Mem:
		return Width(v.g.MemBytes * 8)
	}
	return 0
}

// operand converts a register, memory or immediate argument. Memory and
// immediate arguments take width w.
func (v *converter) operand(a x86asm.Arg, w Width) (Operand, bool) {
	switch a := a.(type) {
	case x86asm.Reg:
		if n, rw, ok := gprNumber(a); ok {
			return RegOperand(n, rw), true
		}
		if a >= x86asm.ES && a <= x86asm.GS {
			return SegOperand(Seg(a - x86asm.ES)), true
		}
		if a >= x86asm.CR0 && a <= x86asm.CR7 {
			return CROperand(uint8(a - x86asm.CR0)), true
		}
		return Operand{}, false
	case x86asm.Mem:
		return v.mem(a, w)
	case x86asm.Imm:
		return ImmOperand(uint32(a), w), true
	case nil:
		return Operand{}, true
	}
	return Operand{}, false
}

func (v *converter) mem(m x86asm.Mem, w Width) (Operand, bool) {
	r := MemRef{Base: RegNone, Index: RegNone, AddrSize: v.inst.AddrSize}
	if m.Base != 0 {
		n, _, ok := gprNumber(m.Base)
		if !ok {
			return Operand{}, false
		}
		r.Base = n
	}
	if m.Index != 0 {
		n, _, ok := gprNumber(m.Index)
		if !ok {
			return Operand{}, false
		}
		r.Index = n
		r.Scale = scaleShift(m.Scale)
	}
	r.Disp = uint32(m.Disp) & r.AddrSize.Mask()

	r.Seg = SegDS
	if r.Base == RegEBP || r.Base == RegESP {
		r.Seg = SegSS
	}
	if m.Segment != 0 {
		if m.Segment < x86asm.ES || m.Segment > x86asm.GS {
			return Operand{}, false
		}
		r.Seg = Seg(m.Segment - x86asm.ES)
	}

	return Operand{Kind: OperandMem, Width: w, Mem: r}, true
}

func (v *converter) set(op Op, w Width, dst, src x86asm.Arg, dw, sw Width) bool {
	d, ok1 := v.operand(dst, dw)
	s, ok2 := v.operand(src, sw)
	if !ok1 || !ok2 {
		return false
	}
	v.inst.Op = op
	v.inst.Width = w
	v.inst.Dst = d
	v.inst.Src = s
	return true
}

func (v *converter) plain(op Op, w Width) bool {
	v.inst.Op = op
	v.inst.Width = w
	return true
}

func (v *converter) branch(op Op) bool {
	rel, ok := v.arg(0).(x86asm.Rel)
	if !ok {
		return false
	}
	v.inst.Op = op
	v.inst.Width = v.inst.OpSize
	v.inst.Rel = int32(rel)
	return true
}

// count converts a shift count argument: an 8-bit immediate or CL.
func (v *converter) count(a x86asm.Arg) (Operand, bool) {
	switch a := a.(type) {
	case x86asm.Imm:
		return ImmOperand(uint32(a), Width8), true
	case x86asm.Reg:
		if a == x86asm.CL {
			return RegOperand(RegECX, Width8), true
		}
	}
	return Operand{}, false
}

// selectorOperand converts the 16-bit source of LLDT, LTR, VERR, VERW,
// LMSW and segment loads.
func (v *converter) selectorOperand(a x86asm.Arg) (Operand, bool) {
	o, ok := v.operand(a, Width16)
	if o.Kind == OperandReg {
		o.Width = Width16
	}
	return o, ok
}

//nolint:gocyclo // opcode map
func (v *converter) convert() bool {
	in := v.inst
	op := v.g.Op
	a0, a1, a2 := v.arg(0), v.arg(1), v.arg(2)

	if o, ok := genericALU[op]; ok {
		w := v.width(a0)
		if o >= OpBT && o <= OpBTC {
			if _, isImm := a1.(x86asm.Imm); isImm {
				return v.set(o, w, a0, a1, w, Width8)
			}
		}
		return v.set(o, w, a0, a1, w, w)
	}
	if o, ok := genericUnary[op]; ok {
		w := v.width(a0)
		return v.set(o, w, a0, nil, w, 0)
	}
	if o, ok := genericShift[op]; ok {
		w := v.width(a0)
		cnt, ok := v.count(a1)
		if !ok || !v.set(o, w, a0, nil, w, 0) {
			return false
		}
		in.Src = cnt
		return true
	}
	if c, ok := genericCond[op]; ok {
		in.Cond = c
		return v.branch(OpJcc)
	}
	if c, ok := genericSetCond[op]; ok {
		in.Cond = c
		return v.set(OpSETcc, Width8, a0, nil, Width8, 0)
	}
	if s, ok := genericString[op]; ok {
		return v.plain(s.op, s.w)
	}
	if o, ok := genericPlain[op]; ok {
		return v.plain(o, in.OpSize)
	}

	switch op {
	case x86asm.LAHF:
		return v.plain(OpLAHF, Width8)
	case x86asm.SAHF:
		return v.plain(OpSAHF, Width8)
	case x86asm.MOV:
		return v.convertMOV(a0, a1)
	case x86asm.MOVZX, x86asm.MOVSX:
		o := OpMOVZX
		if op == x86asm.MOVSX {
			o = OpMOVSX
		}
		w := v.width(a0)
		return v.set(o, w, a0, a1, w, v.width(a1))
	case x86asm.LEA:
		w := v.width(a0)
		return v.set(OpLEA, w, a0, a1, w, w)
	case x86asm.SHLD, x86asm.SHRD:
		o := OpSHLD
		if op == x86asm.SHRD {
			o = OpSHRD
		}
		w := v.width(a0)
		cnt, ok := v.count(a2)
		if !ok || !v.set(o, w, a0, a1, w, w) {
			return false
		}
		in.Aux = cnt
		return true
	case x86asm.MUL, x86asm.DIV, x86asm.IDIV:
		o := map[x86asm.Op]Op{x86asm.MUL: OpMUL, x86asm.DIV: OpDIV, x86asm.IDIV: OpIDIV}[op]
		w := v.width(a0)
		return v.set(o, w, nil, a0, 0, w)
	case x86asm.IMUL:
		if a1 == nil {
			w := v.width(a0)
			return v.set(OpIMUL, w, nil, a0, 0, w)
		}
		w := v.width(a0)
		if !v.set(OpIMUL2, w, a0, a1, w, w) {
			return false
		}
		if a2 != nil {
			aux, ok := v.operand(a2, w)
			if !ok {
				return false
			}
			in.Aux = aux
		}
		return true
	case x86asm.PUSH:
		return v.set(OpPUSH, in.OpSize, nil, a0, 0, in.OpSize)
	case x86asm.POP:
		return v.set(OpPOP, in.OpSize, a0, nil, in.OpSize, 0)
	case x86asm.JMP, x86asm.CALL:
		direct, indirect := OpJMP, OpJMPInd
		if op == x86asm.CALL {
			direct, indirect = OpCALL, OpCALLInd
		}
		if _, ok := a0.(x86asm.Rel); ok {
			return v.branch(direct)
		}
		return v.set(indirect, in.OpSize, nil, a0, 0, in.OpSize)
	case x86asm.LJMP, x86asm.LCALL:
		direct, indirect := OpJMPFar, OpJMPFarInd
		if op == x86asm.LCALL {
			direct, indirect = OpCALLFar, OpCALLFarInd
		}
		if sel, ok := a0.(x86asm.Imm); ok {
			off, ok := a1.(x86asm.Imm)
			if !ok {
				return false
			}
			in.FarSel = uint16(sel)
			in.FarOff = uint32(off)
			return v.plain(direct, in.OpSize)
		}
		if _, ok := a0.(x86asm.Mem); !ok {
			return false
		}
		return v.set(indirect, in.OpSize, nil, a0, 0, in.OpSize)
	case x86asm.RET, x86asm.LRET:
		o := OpRET
		if op == x86asm.LRET {
			o = OpRETF
		}
		return v.set(o, in.OpSize, nil, a0, 0, Width16)
	case x86asm.LOOP:
		return v.branch(OpLOOP)
	case x86asm.LOOPE:
		return v.branch(OpLOOPE)
	case x86asm.LOOPNE:
		return v.branch(OpLOOPNE)
	case x86asm.JCXZ, x86asm.JECXZ:
		return v.branch(OpJCXZ)
	case x86asm.INT:
		if v.g.Opcode>>24 == 0xCC {
			return v.plain(OpINT3, in.OpSize)
		}
		return v.set(OpINT, in.OpSize, nil, a0, 0, Width8)
	case x86asm.BOUND:
		return v.set(OpBOUND, in.OpSize, a0, a1, in.OpSize, in.OpSize)
	case x86asm.IN:
		w := v.width(a0)
		port, ok := v.port(a1)
		if !ok || !v.set(OpIN, w, a0, nil, w, 0) {
			return false
		}
		in.Src = port
		return true
	case x86asm.OUT:
		w := v.width(a1)
		port, ok := v.port(a0)
		if !ok || !v.set(OpOUT, w, nil, a1, 0, w) {
			return false
		}
		in.Dst = port
		return true
	case x86asm.LGDT, x86asm.LIDT:
		o := OpLGDT
		if op == x86asm.LIDT {
			o = OpLIDT
		}
		return v.set(o, in.OpSize, nil, a0, 0, in.OpSize)
	case x86asm.SGDT, x86asm.SIDT:
		o := OpSGDT
		if op == x86asm.SIDT {
			o = OpSIDT
		}
		return v.set(o, in.OpSize, a0, nil, in.OpSize, 0)
	case x86asm.SLDT, x86asm.STR, x86asm.SMSW:
		o := map[x86asm.Op]Op{x86asm.SLDT: OpSLDT, x86asm.STR: OpSTR, x86asm.SMSW: OpSMSW}[op]
		d, ok := v.operand(a0, Width16)
		if !ok {
			return false
		}
		in.Dst = d
		return v.plain(o, d.Width)
	case x86asm.LLDT, x86asm.LTR, x86asm.VERR, x86asm.VERW, x86asm.LMSW:
		o := map[x86asm.Op]Op{
			x86asm.LLDT: OpLLDT, x86asm.LTR: OpLTR, x86asm.VERR: OpVERR,
			x86asm.VERW: OpVERW, x86asm.LMSW: OpLMSW,
		}[op]
		s, ok := v.selectorOperand(a0)
		if !ok {
			return false
		}
		in.Src = s
		return v.plain(o, Width16)
	}

	return false
}

func (v *converter) convertMOV(a0, a1 x86asm.Arg) bool {
	in := v.inst

	switch {
	case isControlReg(a0) || isControlReg(a1):
		if !validControlReg(a0) || !validControlReg(a1) {
			return false
		}
		return v.set(OpMOVCR, Width32, a0, a1, Width32, Width32)
	case isSegReg(a0):
		d, _ := v.operand(a0, Width16)
		if Seg(d.Reg) == SegCS {
			return false
		}
		src, ok := v.selectorOperand(a1)
		if !ok {
			return false
		}
		in.Op, in.Width, in.Dst, in.Src = OpMOV, Width16, d, src
		return true
	case isSegReg(a1):
		w := v.width(a0)
		if _, isMem := a0.(x86asm.Mem); isMem {
			w = Width16
		}
		return v.set(OpMOV, w, a0, a1, w, Width16)
	}

	w := v.width(a0)
	if w == 0 {
		w = v.width(a1)
	}
	return v.set(OpMOV, w, a0, a1, w, w)
}

func isSegReg(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && r >= x86asm.ES && r <= x86asm.GS
}

// validControlReg rejects CR1 and CR5 to CR7, which do not exist.
func validControlReg(a x86asm.Arg) bool {
	switch a {
	case x86asm.CR1, x86asm.CR5, x86asm.CR6, x86asm.CR7:
		return false
	}
	return true
}

func isControlReg(a x86asm.Arg) bool {
	r, ok := a.(x86asm.Reg)
	return ok && r >= x86asm.CR0 && r <= x86asm.CR7
}

// port converts the port argument of IN and OUT: an 8-bit immediate or DX.
func (v *converter) port(a x86asm.Arg) (Operand, bool) {
	switch a := a.(type) {
	case x86asm.Imm:
		return ImmOperand(uint32(a), Width8), true
	case x86asm.Reg:
		if a == x86asm.DX {
			return RegOperand(RegEDX, Width16), true
		}
	}
	return Operand{}, false
}

func gprNumber(r x86asm.Reg) (uint8, Width, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BH:
		return uint8(r - x86asm.AL), Width8, true
	case r >= x86asm.AX && r <= x86asm.DI:
		return uint8(r - x86asm.AX), Width16, true
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return uint8(r - x86asm.EAX), Width32, true
	}
	return 0, 0, false
}

func scaleShift(s uint8) uint8 {
	switch s {
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 0
}
