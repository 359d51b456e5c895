package benchmarks

import (
	"encoding/binary"
	"fmt"
)

// Origin is the linear address benchmark programs are assembled for.
const Origin = 0x1000

// 32-bit register numbers as encoded in ModRM and opcode low bits.
const (
	EAX = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

type fixupKind int

const (
	fixRel8 fixupKind = iota
	fixRel32
	fixAbs32
)

type fixup struct {
	at     int
	kind   fixupKind
	label  string
	addend int
}

// Assembler builds 32-bit code with forward and backward label references.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Emit appends raw bytes.
func (a *Assembler) Emit(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

// Label binds name to the current position.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.buf)
	return a
}

func (a *Assembler) imm32(v uint32) *Assembler {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

// MovImm emits mov r32, imm32.
func (a *Assembler) MovImm(reg int, v uint32) *Assembler {
	return a.Emit(0xB8 + byte(reg)).imm32(v)
}

// Xor emits xor dst, src.
func (a *Assembler) Xor(dst, src int) *Assembler {
	return a.Emit(0x31, modrmReg(src, dst))
}

// Add emits add dst, src.
func (a *Assembler) Add(dst, src int) *Assembler {
	return a.Emit(0x01, modrmReg(src, dst))
}

// Mov emits mov dst, src.
func (a *Assembler) Mov(dst, src int) *Assembler {
	return a.Emit(0x89, modrmReg(src, dst))
}

// AddImm8 emits add r32, simm8.
func (a *Assembler) AddImm8(reg int, v int8) *Assembler {
	return a.Emit(0x83, 0xC0|byte(reg), byte(v))
}

// SubEAX emits sub eax, imm32.
func (a *Assembler) SubEAX(v uint32) *Assembler {
	return a.Emit(0x2D).imm32(v)
}

// AndEAX emits and eax, imm32.
func (a *Assembler) AndEAX(v uint32) *Assembler {
	return a.Emit(0x25).imm32(v)
}

// ImulImm8 emits imul reg, reg, simm8.
func (a *Assembler) ImulImm8(reg int, v int8) *Assembler {
	return a.Emit(0x6B, modrmReg(reg, reg), byte(v))
}

// Inc emits the one-byte inc r32.
func (a *Assembler) Inc(reg int) *Assembler {
	return a.Emit(0x40 + byte(reg))
}

// Dec emits the one-byte dec r32.
func (a *Assembler) Dec(reg int) *Assembler {
	return a.Emit(0x48 + byte(reg))
}

// Jcc emits a short conditional jump; cc is the low nibble of the 7x opcode.
func (a *Assembler) Jcc(cc byte, label string) *Assembler {
	a.Emit(0x70|cc&0xF, 0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 1, kind: fixRel8, label: label})
	return a
}

// Jnz emits jnz rel8.
func (a *Assembler) Jnz(label string) *Assembler { return a.Jcc(0x5, label) }

// Jz emits jz rel8.
func (a *Assembler) Jz(label string) *Assembler { return a.Jcc(0x4, label) }

// Loop emits loop rel8.
func (a *Assembler) Loop(label string) *Assembler {
	a.Emit(0xE2, 0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 1, kind: fixRel8, label: label})
	return a
}

// Call emits call rel32.
func (a *Assembler) Call(label string) *Assembler {
	a.Emit(0xE8).imm32(0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 4, kind: fixRel32, label: label})
	return a
}

// Ret emits a near return.
func (a *Assembler) Ret() *Assembler {
	return a.Emit(0xC3)
}

// IncMem emits inc dword [label+addend] with an absolute address.
func (a *Assembler) IncMem(label string, addend int) *Assembler {
	a.Emit(0xFF, 0x05).imm32(0)
	a.fixups = append(a.fixups, fixup{at: len(a.buf) - 4, kind: fixAbs32, label: label, addend: addend})
	return a
}

// Exit writes EAX to the exit port and halts.
func (a *Assembler) Exit() *Assembler {
	return a.Emit(0xE7, 0xF4, 0xF4)
}

// Assemble resolves labels and returns the program bytes.
func (a *Assembler) Assemble() ([]byte, error) {
	out := append([]byte(nil), a.buf...)
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, fmt.Errorf("undefined label %q", f.label)
		}

		switch f.kind {
		case fixRel8:
			rel := target - (f.at + 1)
			if rel < -128 || rel > 127 {
				return nil, fmt.Errorf("label %q out of short jump range (%d)", f.label, rel)
			}
			out[f.at] = byte(int8(rel))
		case fixRel32:
			rel := int32(target - (f.at + 4))
			binary.LittleEndian.PutUint32(out[f.at:], uint32(rel))
		case fixAbs32:
			binary.LittleEndian.PutUint32(out[f.at:], uint32(Origin+target+f.addend))
		}
	}
	return out, nil
}

// MustAssemble is Assemble for programs known to be well formed.
func (a *Assembler) MustAssemble() []byte {
	b, err := a.Assemble()
	if err != nil {
		panic(err)
	}
	return b
}

func modrmReg(reg, rm int) byte {
	return 0xC0 | byte(reg&7)<<3 | byte(rm&7)
}
