package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

var _ = Describe("Descriptor", func() {
	It("should survive an encode and decode round trip with granularity", func() {
		d := emu.Descriptor{
			Base: 0x00123000, Limit: 0xFFFFFFFF, Type: 0xA,
			S: true, DPL: 3, Present: true, DB: true, G: true,
		}

		got := emu.DecodeDescriptor(d.Encode())

		Expect(got).To(Equal(d))
		Expect(got.IsCode()).To(BeTrue())
		Expect(got.Readable()).To(BeTrue())
		Expect(got.Writable()).To(BeFalse())
	})

	It("should scale byte-granular limits without shifting", func() {
		got := emu.DecodeDescriptor(emu.Descriptor{Limit: 0xFFFF, Type: 0x6, S: true}.Encode())

		Expect(got.Limit).To(Equal(uint32(0xFFFF)))
		Expect(got.ExpandDown()).To(BeTrue())
	})
})

var _ = Describe("Protection", func() {
	Context("at CPL 0", func() {
		var e *emu.Emulator

		BeforeEach(func() {
			e = newFlatEmulator(0)
		})

		It("should refuse a null stack segment", func() {
			r := runCode(e,
				0x31, 0xC0, // xor eax, eax
				0x8E, 0xD0, // mov ss, ax
			)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.Code).To(BeZero())
			Expect(e.CPU().Seg(insts.SegSS).Selector).To(Equal(emu.SelKernelData))
		})

		It("should accept a null data segment but fault on its use", func() {
			r := runCode(e, concat(
				[]byte{0x31, 0xC0}, // xor eax, eax
				[]byte{0x8E, 0xD8}, // mov ds, ax
				[]byte{0xA1}, imm32(dataBase),
			)...)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.EIP).To(Equal(uint32(codeBase + 4)))
			Expect(e.CPU().Seg(insts.SegDS).Selector).To(BeZero())
		})

		It("should reject a far jump to a data segment", func() {
			r := runCode(e, concat([]byte{0xEA}, imm32(codeBase), imm16(emu.SelKernelData))...)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.Code).To(Equal(uint32(emu.SelKernelData)))
		})

		It("should fault on selectors beyond the GDT limit", func() {
			r := runCode(e,
				0x66, 0xB8, 0x80, 0x00, // mov ax, 0x80
				0x8E, 0xD8,             // mov ds, ax
			)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.Code).To(Equal(uint32(0x80)))
		})

		It("should verify segment access rights", func() {
			runCode(e,
				0x66, 0xB8, 0x10, 0x00, // mov ax, 0x10
				0x0F, 0x00, 0xE0,       // verr ax
				0x0F, 0x94, 0xC3,       // setz bl
				0x66, 0xB8, 0x08, 0x00, // mov ax, 0x08
				0x0F, 0x00, 0xE8,       // verw ax
				0x0F, 0x94, 0xC1,       // setz cl
			)

			Expect(e.RegFile().Read8(emu.BL)).To(Equal(uint8(1)))
			Expect(e.RegFile().Read8(emu.CL)).To(BeZero())
		})

		It("should return to ring 3 with RETF and switch stacks", func() {
			r := runCode(e, concat(
				[]byte{0x68}, imm32(uint32(emu.SelUserData)),
				[]byte{0x68}, imm32(0x8000),
				[]byte{0x68}, imm32(uint32(emu.SelUserCode)),
				[]byte{0x68}, imm32(codeBase+21),
				[]byte{0xCB},       // retf
				[]byte{0xB0, 0x07}, // mov al, 7
				[]byte{0xE6, byte(emu.PortExit)},
			)...)

			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Exited).To(BeTrue())
			Expect(r.ExitCode).To(Equal(int64(7)))

			c := e.CPU()
			Expect(c.CPL()).To(Equal(uint8(3)))
			Expect(c.Seg(insts.SegSS).Selector).To(Equal(emu.SelUserData))
			Expect(c.Regs.Read32(emu.ESP)).To(Equal(uint32(0x8000)))
			Expect(c.Seg(insts.SegDS).Selector).To(BeZero())
		})

		It("should refuse IRET with NT set", func() {
			r := runCode(e, concat(
				[]byte{0x68}, imm32(emu.FlagNT|0x2),
				[]byte{0x9D}, // popfd
				[]byte{0xCF}, // iretd
			)...)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.EIP).To(Equal(uint32(codeBase + 6)))
		})
	})

	Context("at CPL 3", func() {
		var e *emu.Emulator

		BeforeEach(func() {
			e = newFlatEmulator(3)
		})

		DescribeTable("privileged instructions raise #GP(0)",
			func(code []byte) {
				r := runUser(e, code...)

				f := faultOf(r)
				Expect(f).NotTo(BeNil())
				Expect(f.Vector).To(Equal(emu.VectorGP))
				Expect(f.Code).To(BeZero())
				Expect(f.EIP).To(Equal(uint32(codeBase)))
			},
			Entry("hlt", []byte{0xF4}),
			Entry("cli with IOPL 0", []byte{0xFA}),
			Entry("lgdt", []byte{0x0F, 0x01, 0x15, 0x00, 0x40, 0x00, 0x00}),
			Entry("mov cr0, eax", []byte{0x0F, 0x22, 0xC0}),
			Entry("clts", []byte{0x0F, 0x06}),
		)

		It("should refuse to load a kernel data segment", func() {
			r := runUser(e,
				0x66, 0xB8, 0x10, 0x00, // mov ax, 0x10
				0x8E, 0xD8,             // mov ds, ax
			)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.Code).To(Equal(uint32(emu.SelKernelData)))
		})

		It("should leave IOPL alone when POPF runs outside ring 0", func() {
			runUser(e, concat(
				[]byte{0x68}, imm32(emu.FlagIOPL|0x2),
				[]byte{0x9D}, // popfd
			)...)

			Expect(e.CPU().IOPL()).To(BeZero())
		})

		It("should consult the I/O permission bitmap", func() {
			r := runUser(e,
				0x66, 0xBA, 0xE9, 0x00, // mov dx, 0xE9
				0xB0, 'k',              // mov al, 'k'
				0xEE,                   // out dx, al
				0xB0, 0x00,
			)
			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Exited).To(BeTrue())

			e = newFlatEmulator(3)
			e.CPU().DenyPort(emu.PortDebugConsole)
			r = runUser(e,
				0x66, 0xBA, 0xE9, 0x00,
				0xB0, 'k',
				0xEE,
			)

			f := faultOf(r)
			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.EIP).To(Equal(uint32(codeBase + 6)))
		})
	})
})

var _ = Describe("Real mode", func() {
	var e *emu.Emulator

	BeforeEach(func() {
		e = emu.NewEmulator(emu.WithStdout(GinkgoWriter), emu.WithLogger(GinkgoLogr))
		e.RegFile().Write32(emu.ESP, 0x7000)
	})

	It("should form addresses from segment bases", func() {
		e.Memory().Write16(0x20010, 0xBEEF)
		runCode(e,
			0xB8, 0x00, 0x20, // mov ax, 0x2000
			0x8E, 0xD8,       // mov ds, ax
			0xA1, 0x10, 0x00, // mov ax, [0x10]
		)

		Expect(e.RegFile().Read16(emu.EAX)).To(Equal(uint16(0xBEEF)))
		Expect(e.CPU().Seg(insts.SegDS).Base).To(Equal(uint32(0x20000)))
	})

	It("should raise #GP(0) for accesses past the 64 KiB limit", func() {
		r := runCode(e, 0x66, 0x8B, 0x06, 0xFE, 0xFF) // mov eax, [0xFFFE]

		f := faultOf(r)
		Expect(f).NotTo(BeNil())
		Expect(f.Vector).To(Equal(emu.VectorGP))
		Expect(f.Code).To(BeZero())
	})

	DescribeTable("should apply a segment override to string sources",
		func(dec insts.Decoder) {
			e = emu.NewEmulator(emu.WithStdout(GinkgoWriter), emu.WithLogger(GinkgoLogr), emu.WithDecoder(dec))
			e.Memory().Write8(0x1010, 0x11)
			e.Memory().Write8(0x2010, 0x22)

			r := runCode(e,
				0xB8, 0x00, 0x01, // mov ax, 0x100
				0x8E, 0xD8,       // mov ds, ax
				0xB8, 0x00, 0x02, // mov ax, 0x200
				0x8E, 0xC0,       // mov es, ax
				0xBE, 0x10, 0x00, // mov si, 0x10
				0xBF, 0x20, 0x00, // mov di, 0x20
				0x26, 0xA4,       // es movsb
			)

			Expect(r.Halted).To(BeTrue())
			Expect(e.Memory().Read8(0x2020)).To(Equal(uint8(0x22)))
			Expect(e.RegFile().Read16(emu.ESI)).To(Equal(uint16(0x11)))
		},
		Entry("fast decoder", insts.Decoder(insts.NewFastDecoder())),
		Entry("generic decoder", insts.Decoder(insts.NewGenericDecoder())),
	)

	DescribeTable("should raise #GP(0) for an instruction cut off at 0xFFFF",
		func(dec insts.Decoder) {
			e = emu.NewEmulator(emu.WithStdout(GinkgoWriter), emu.WithLogger(GinkgoLogr), emu.WithDecoder(dec))
			e.LoadProgram(0xFFFE, []byte{0xB8, 0x01}) // mov ax, imm16 missing a byte

			f := faultOf(e.Step())

			Expect(f).NotTo(BeNil())
			Expect(f.Vector).To(Equal(emu.VectorGP))
			Expect(f.Code).To(BeZero())
			Expect(f.EIP).To(Equal(uint32(0xFFFE)))
		},
		Entry("fast decoder", insts.Decoder(insts.NewFastDecoder())),
		Entry("generic decoder", insts.Decoder(insts.NewGenericDecoder())),
	)

	DescribeTable("should wrap IP at 64 KiB for near branches",
		func(at uint32, code []byte) {
			e.RegFile().Write16(emu.ECX, 2)
			e.Memory().LoadProgram(0x0002, []byte{0xB0, 0x2A, 0xF4}) // mov al, 42; hlt
			e.LoadProgram(at, code)

			r := e.Run()

			Expect(r.Halted).To(BeTrue())
			Expect(e.RegFile().Read8(emu.EAX)).To(Equal(uint8(0x2A)))
			Expect(e.CPU().EIP).To(Equal(uint32(0x0005)))
		},
		Entry("jmp short", uint32(0xFFFC), []byte{0xEB, 0x04}),
		Entry("jmp near", uint32(0xFFFB), []byte{0xE9, 0x04, 0x00}),
		Entry("call near", uint32(0xFFF0), []byte{0xE8, 0x0F, 0x00}),
		Entry("loop", uint32(0xFFFC), []byte{0xE2, 0x04}),
		Entry("jcxz", uint32(0xFFFA), []byte{0x31, 0xC9, 0xE3, 0x04}),
	)

	It("should push a return IP near the top of the segment", func() {
		e.Memory().LoadProgram(0x0002, []byte{0xF4})
		e.LoadProgram(0xFFF0, []byte{0xE8, 0x0F, 0x00}) // call 0x0002

		r := e.Run()

		Expect(r.Halted).To(BeTrue())
		Expect(e.RegFile().Read16(emu.ESP)).To(Equal(uint16(0x6FFE)))
		Expect(e.Memory().Read16(0x6FFE)).To(Equal(uint16(0xFFF3)))
	})

	It("should count CX down across a wrapping LOOP", func() {
		e.RegFile().Write16(emu.ECX, 2)
		e.Memory().LoadProgram(0x0002, []byte{0xF4})
		e.LoadProgram(0xFFFC, []byte{0xE2, 0x04}) // loop 0x0002

		e.Run()

		Expect(e.RegFile().Read16(emu.ECX)).To(Equal(uint16(1)))
	})

	It("should reload CS with a far jump", func() {
		e.Memory().LoadProgram(0x10000, []byte{0xF4})
		r := runCode(e, 0xEA, 0x00, 0x00, 0x00, 0x10) // jmp 0x1000:0

		Expect(r.Halted).To(BeTrue())
		Expect(e.CPU().Seg(insts.SegCS).Selector).To(Equal(uint16(0x1000)))
		Expect(e.CPU().EIP).To(Equal(uint32(1)))
	})

	It("should enter protected mode through CR0 and a far jump", func() {
		gdt := []emu.Descriptor{
			{},
			{Limit: 0xFFFFFFFF, Type: 0xA, S: true, Present: true, DB: true, G: true},
			{Limit: 0xFFFFFFFF, Type: 0x2, S: true, Present: true, DB: true, G: true},
		}
		for i, d := range gdt {
			e.Memory().Write64(0x500+uint32(i)*8, d.Encode())
		}
		e.Memory().Write16(0x600, 23)
		e.Memory().Write32(0x602, 0x500)

		r := runCode(e, concat(
			[]byte{0x0F, 0x01, 0x16, 0x00, 0x06}, // lgdt [0x600]
			[]byte{0x0F, 0x20, 0xC0},             // mov eax, cr0
			[]byte{0x66, 0x83, 0xC8, 0x01},       // or eax, 1
			[]byte{0x0F, 0x22, 0xC0},             // mov cr0, eax
			[]byte{0x66, 0xEA}, imm32(codeBase+23), imm16(0x08),
			movImm(emu.EAX, 0x10),
			[]byte{0x8E, 0xD8}, // mov ds, ax
		)...)

		Expect(r.Err).NotTo(HaveOccurred())
		Expect(r.Halted).To(BeTrue())

		c := e.CPU()
		Expect(c.Protected()).To(BeTrue())
		Expect(c.CodeSize()).To(Equal(insts.Width32))
		Expect(c.Seg(insts.SegCS).Selector).To(Equal(uint16(0x08)))
		Expect(c.Seg(insts.SegDS).Selector).To(Equal(uint16(0x10)))
		Expect(c.GDTR).To(Equal(emu.TableReg{Base: 0x500, Limit: 23}))
	})

	Context("with interrupt delivery", func() {
		BeforeEach(func() {
			e = emu.NewEmulator(
				emu.WithStdout(GinkgoWriter),
				emu.WithLogger(GinkgoLogr),
				emu.WithRealModeInterrupts(true),
			)
			e.RegFile().Write32(emu.ESP, 0x7000)
		})

		It("should vector INT n through the IVT", func() {
			e.Memory().Write16(0x21*4, 0x0100)
			e.Memory().Write16(0x21*4+2, 0x0200)
			e.Memory().LoadProgram(0x2100, []byte{0xF4})

			r := runCode(e, 0xFB, 0xCD, 0x21) // sti; int 0x21

			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Halted).To(BeTrue())
			c := e.CPU()
			Expect(c.Seg(insts.SegCS).Selector).To(Equal(uint16(0x0200)))
			Expect(c.Flags.IF()).To(BeFalse())
			Expect(e.Memory().Read16(0x7000 - 2)).To(Equal(uint16(emu.FlagIF | 0x2)))
			Expect(e.Memory().Read16(0x7000 - 6)).To(Equal(uint16(codeBase + 3)))
		})

		It("should vector a divide error to the faulting instruction", func() {
			e.Memory().Write16(0, 0x3000)
			e.Memory().LoadProgram(0x3000, []byte{0xF4})

			r := runCode(e, 0x31, 0xC9, 0xF7, 0xF1) // xor cx, cx; div cx

			Expect(r.Err).NotTo(HaveOccurred())
			Expect(r.Halted).To(BeTrue())
			Expect(e.Memory().Read16(0x7000 - 6)).To(Equal(uint16(codeBase + 2)))
		})
	})
})
