package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
)

var _ = Describe("Arithmetic and logic", func() {
	var (
		e    *emu.Emulator
		regs *emu.RegFile
	)

	BeforeEach(func() {
		e = newFlatEmulator(0)
		regs = e.RegFile()
	})

	It("should set OF and SF for 0x7FFFFFFF + 1", func() {
		r := runCode(e, concat(
			movImm(emu.EAX, 0x7FFFFFFF),
			[]byte{0x05}, imm32(1), // add eax, 1
		)...)
		Expect(r.Halted).To(BeTrue())

		flags := e.CPU().Flags
		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0x80000000)))
		Expect(flags.OF()).To(BeTrue())
		Expect(flags.SF()).To(BeTrue())
		Expect(flags.CF()).To(BeFalse())
		Expect(flags.ZF()).To(BeFalse())
	})

	It("should chain ADD and ADC through the carry", func() {
		// edx:eax = 0x00000000_FFFFFFFF + 0x00000000_00000001
		runCode(e, concat(
			movImm(emu.EAX, 0xFFFFFFFF),
			movImm(emu.EDX, 0),
			movImm(emu.EBX, 1),
			movImm(emu.ECX, 0),
			[]byte{0x01, 0xD8}, // add eax, ebx
			[]byte{0x11, 0xCA}, // adc edx, ecx
		)...)

		Expect(regs.Read32(emu.EAX)).To(BeZero())
		Expect(regs.Read32(emu.EDX)).To(Equal(uint32(1)))
		Expect(e.CPU().Flags.CF()).To(BeFalse())
	})

	It("should set OF but not CF for 0x7FFFFFFF + 0x7FFFFFFF with carry in", func() {
		runCode(e, concat(
			[]byte{0xF9}, // stc
			movImm(emu.EAX, 0x7FFFFFFF),
			movImm(emu.EBX, 0x7FFFFFFF),
			[]byte{0x11, 0xD8}, // adc eax, ebx
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0xFFFFFFFF)))
		Expect(e.CPU().Flags.OF()).To(BeTrue())
		Expect(e.CPU().Flags.CF()).To(BeFalse())
	})

	It("should borrow through SBB", func() {
		runCode(e, concat(
			movImm(emu.EAX, 0),
			movImm(emu.EDX, 1),
			[]byte{0x83, 0xE8, 0x01}, // sub eax, 1
			[]byte{0x83, 0xDA, 0x00}, // sbb edx, 0
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0xFFFFFFFF)))
		Expect(regs.Read32(emu.EDX)).To(BeZero())
		Expect(e.CPU().Flags.ZF()).To(BeTrue())
	})

	It("should clear CF and OF on logic operations", func() {
		runCode(e, concat(
			[]byte{0xF9}, // stc
			movImm(emu.EAX, 0xF0F0F0F0),
			[]byte{0x25}, imm32(0x0F0F0F0F), // and eax, imm32
		)...)

		Expect(regs.Read32(emu.EAX)).To(BeZero())
		Expect(e.CPU().Flags.CF()).To(BeFalse())
		Expect(e.CPU().Flags.ZF()).To(BeTrue())
	})

	It("should keep CF across INC", func() {
		runCode(e, concat(
			[]byte{0xF9}, // stc
			movImm(emu.EAX, 0xFFFFFFFF),
			[]byte{0x40}, // inc eax
		)...)

		Expect(regs.Read32(emu.EAX)).To(BeZero())
		Expect(e.CPU().Flags.CF()).To(BeTrue())
		Expect(e.CPU().Flags.ZF()).To(BeTrue())
	})

	It("should set CF for NEG of a non-zero value", func() {
		runCode(e, concat(
			movImm(emu.EAX, 5),
			[]byte{0xF7, 0xD8}, // neg eax
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0xFFFFFFFB)))
		Expect(e.CPU().Flags.CF()).To(BeTrue())
	})

	It("should write only the byte lane for 8-bit operations", func() {
		runCode(e, concat(
			movImm(emu.EAX, 0x12345678),
			[]byte{0x80, 0xC4, 0x01}, // add ah, 1
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0x12345778)))
	})

	It("should compute LEA without touching memory or flags", func() {
		runCode(e, concat(
			movImm(emu.EBX, 0x100),
			movImm(emu.ECX, 3),
			[]byte{0x8D, 0x44, 0x8B, 0x08}, // lea eax, [ebx+ecx*4+8]
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0x114)))
	})

	It("should extend with MOVZX and MOVSX", func() {
		e.Memory().Write8(dataBase, 0x80)
		runCode(e, concat(
			movImm(emu.EBX, dataBase),
			[]byte{0x0F, 0xB6, 0x03}, // movzx eax, byte [ebx]
			[]byte{0x0F, 0xBE, 0x0B}, // movsx ecx, byte [ebx]
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0x80)))
		Expect(regs.Read32(emu.ECX)).To(Equal(uint32(0xFFFFFF80)))
	})

	It("should sign-extend with CWDE and CDQ", func() {
		runCode(e, concat(
			movImm(emu.EAX, 0x8000),
			[]byte{0x98}, // cwde
			[]byte{0x99}, // cdq
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(0xFFFF8000)))
		Expect(regs.Read32(emu.EDX)).To(Equal(uint32(0xFFFFFFFF)))
	})

	It("should store condition results with SETcc", func() {
		runCode(e, concat(
			movImm(emu.EAX, 0xFFFFFFFF),
			[]byte{0x83, 0xF8, 0xFF}, // cmp eax, -1
			[]byte{0x0F, 0x94, 0xC1}, // sete cl
		)...)

		Expect(regs.Read8(emu.CL)).To(Equal(uint8(1)))
	})

	It("should exchange registers", func() {
		runCode(e, concat(
			movImm(emu.EAX, 1),
			movImm(emu.ECX, 2),
			[]byte{0x91}, // xchg eax, ecx
		)...)

		Expect(regs.Read32(emu.EAX)).To(Equal(uint32(2)))
		Expect(regs.Read32(emu.ECX)).To(Equal(uint32(1)))
	})

	It("should round-trip AH through LAHF and SAHF", func() {
		runCode(e, concat(
			movImm(emu.EAX, 0),
			[]byte{0x85, 0xC0}, // test eax, eax
			[]byte{0x9F},       // lahf
			[]byte{0xF9},       // stc
			[]byte{0x9E},       // sahf
		)...)

		Expect(regs.Read8(emu.AH) & 0x40).To(Equal(uint8(0x40)))
		Expect(e.CPU().Flags.ZF()).To(BeTrue())
		Expect(e.CPU().Flags.CF()).To(BeFalse())
	})

	Describe("bit tests", func() {
		It("should address memory outside the operand with a register offset", func() {
			e.Memory().Write32(dataBase+4, 1<<3)
			runCode(e, concat(
				movImm(emu.EBX, dataBase),
				movImm(emu.EAX, 35),
				[]byte{0x0F, 0xA3, 0x03}, // bt [ebx], eax
			)...)

			Expect(e.CPU().Flags.CF()).To(BeTrue())
		})

		It("should handle negative register offsets", func() {
			e.Memory().Write32(dataBase-4, 1<<31)
			runCode(e, concat(
				movImm(emu.EBX, dataBase),
				movImm(emu.EAX, 0xFFFFFFFF), // bit -1
				[]byte{0x0F, 0xAB, 0x03},    // bts [ebx], eax
			)...)

			Expect(e.CPU().Flags.CF()).To(BeTrue())
			Expect(e.Memory().Read32(dataBase - 4)).To(Equal(uint32(1 << 31)))
		})

		It("should mask the offset for register operands", func() {
			runCode(e, concat(
				movImm(emu.EAX, 1),
				[]byte{0x0F, 0xBA, 0xE8, 0x21}, // bts eax, 33
			)...)

			Expect(regs.Read32(emu.EAX)).To(Equal(uint32(3)))
			Expect(e.CPU().Flags.CF()).To(BeFalse())
		})
	})
})
