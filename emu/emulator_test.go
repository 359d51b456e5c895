package emu_test

import (
	"github.com/google/go-cmp/cmp"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/blockcache"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

// mixedProgram touches arithmetic, memory, the stack, strings and flags.
var mixedProgram = concat(
	movImm(emu.EAX, 0x12345678),
	movImm(emu.EBX, dataBase),
	[]byte{0x89, 0x03},       // mov [ebx], eax
	[]byte{0x01, 0x43, 0x04}, // add [ebx+4], eax
	[]byte{0xC1, 0xE0, 0x04}, // shl eax, 4
	[]byte{0x0F, 0xAF, 0xC0}, // imul eax, eax
	[]byte{0x9C},             // pushfd
	[]byte{0x5A},             // pop edx
	movImm(emu.ECX, 2),
	movImm(emu.ESI, dataBase),
	movImm(emu.EDI, dataBase+0x10),
	[]byte{0xF3, 0xA5},       // rep movsd
	[]byte{0x0F, 0xB6, 0x0B}, // movzx ecx, byte [ebx]
	[]byte{0xD1, 0xDB},       // rcr ebx, 1
	[]byte{0x66, 0x29, 0xC8}, // sub ax, cx
	[]byte{0x0F, 0x9C, 0xC1}, // setl cl
	[]byte{0x87, 0xCA},       // xchg edx, ecx
	[]byte{0xF4},
)

var _ = Describe("Emulator", func() {
	It("should step one instruction at a time", func() {
		e := newFlatEmulator(0)
		e.LoadProgram(codeBase, []byte{0x90, 0x40, 0xF4})

		r := e.Step()
		Expect(r.Err).NotTo(HaveOccurred())
		Expect(r.Flow).To(Equal(insts.FlowNone))
		Expect(e.CPU().EIP).To(Equal(uint32(codeBase + 1)))

		e.Step()
		Expect(e.RegFile().Read32(emu.EAX)).To(Equal(uint32(1)))

		r = e.Step()
		Expect(r.Halted).To(BeTrue())
		Expect(e.InstructionCount()).To(Equal(uint64(3)))

		r = e.Step()
		Expect(r.Halted).To(BeTrue())
		Expect(e.InstructionCount()).To(Equal(uint64(3)))
	})

	It("should reach the same state stepping and running blocks", func() {
		stepped := newFlatEmulator(0)
		stepped.LoadProgram(codeBase, mixedProgram)
		for i := 0; i < 100; i++ {
			if r := stepped.Step(); r.Halted || r.Err != nil {
				break
			}
		}

		run := newFlatEmulator(0)
		r := runCode(run, mixedProgram...)

		Expect(r.Halted).To(BeTrue())
		Expect(cmp.Diff(takeSnapshot(stepped), takeSnapshot(run))).To(BeEmpty())
		Expect(stepped.InstructionCount()).To(Equal(run.InstructionCount()))
	})

	It("should reach the same state with either decoder", func() {
		fast := newFlatEmulator(0)
		generic := newFlatEmulator(0, emu.WithDecoder(insts.NewGenericDecoder()))

		Expect(runCode(fast, mixedProgram...).Halted).To(BeTrue())
		Expect(runCode(generic, mixedProgram...).Halted).To(BeTrue())

		Expect(cmp.Diff(takeSnapshot(fast), takeSnapshot(generic))).To(BeEmpty())
	})

	It("should reuse cached blocks", func() {
		e := newFlatEmulator(0)
		runCode(e, concat(
			movImm(emu.ECX, 50),
			[]byte{0x40, 0x43}, // inc eax; inc ebx
			[]byte{0xE2, 0xFC}, // loop -4
		)...)

		Expect(e.RegFile().Read32(emu.EAX)).To(Equal(uint32(50)))
		stats := e.CacheStats()
		Expect(stats.Hits).To(BeNumerically(">=", 48))
		Expect(stats.Inserts).To(BeNumerically("<=", 4))
	})

	It("should split long runs across blocks", func() {
		e := newFlatEmulator(0, emu.WithMaxBlockInstructions(2))
		r := runCode(e, 0x40, 0x40, 0x40, 0x40, 0x40)

		Expect(r.Halted).To(BeTrue())
		Expect(e.RegFile().Read32(emu.EAX)).To(Equal(uint32(5)))
		Expect(e.CacheStats().Inserts).To(Equal(uint64(3)))
	})

	It("should honour a custom block cache geometry", func() {
		e := newFlatEmulator(0, emu.WithBlockCache(blockcache.Config{Sets: 1, Ways: 1}))
		runCode(e, concat(
			movImm(emu.ECX, 3),
			[]byte{0xE2, 0xFE}, // loop self
		)...)

		Expect(e.RegFile().Read32(emu.ECX)).To(BeZero())
		Expect(e.CacheStats().Evictions).To(BeNumerically(">", 0))
	})

	It("should see stores into the running block", func() {
		e := newFlatEmulator(0)
		r := runCode(e, concat(
			[]byte{0xC6, 0x05}, imm32(codeBase+7), []byte{0x43}, // mov byte [next], 0x43
			[]byte{0x40},                                        // inc eax, patched to inc ebx
		)...)

		Expect(r.Halted).To(BeTrue())
		Expect(e.RegFile().Read32(emu.EAX)).To(BeZero())
		Expect(e.RegFile().Read32(emu.EBX)).To(Equal(uint32(1)))
		Expect(e.CacheStats().Invalidations).To(BeNumerically(">", 0))
	})

	It("should stop at the instruction limit", func() {
		e := newFlatEmulator(0, emu.WithMaxInstructions(10))
		r := runCode(e, 0xEB, 0xFE) // jmp $

		Expect(r.Err).To(MatchError(emu.ErrInstructionLimit))
		Expect(e.InstructionCount()).To(Equal(uint64(10)))
		Expect(e.CPU().EIP).To(Equal(uint32(codeBase)))
	})

	It("should raise #UD for bytes that do not decode", func() {
		e := newFlatEmulator(0)
		r := runCode(e, 0x90, 0x0F, 0xFF)

		f := faultOf(r)
		Expect(f).NotTo(BeNil())
		Expect(f.Vector).To(Equal(emu.VectorUD))
		Expect(f.EIP).To(Equal(uint32(codeBase + 1)))
		Expect(f.Detail).NotTo(BeEmpty())
		Expect(e.InstructionCount()).To(Equal(uint64(2)))
	})

	It("should raise #GP(0) for an instruction cut off by the code limit", func() {
		e := newFlatEmulator(0)
		e.CPU().Seg(insts.SegCS).Limit = codeBase + 2
		r := runCode(e, 0x90, 0xB8, 0x11, 0x22, 0x33, 0x44)

		f := faultOf(r)
		Expect(f).NotTo(BeNil())
		Expect(f.Vector).To(Equal(emu.VectorGP))
		Expect(f.Code).To(BeZero())
		Expect(f.EIP).To(Equal(uint32(codeBase + 1)))
		Expect(f.Detail).To(HavePrefix("truncated"))
	})

	It("should return to the power-on state after Reset", func() {
		e := newFlatEmulator(0)
		runCode(e, mixedProgram...)

		e.Reset()

		c := e.CPU()
		Expect(c.Protected()).To(BeFalse())
		Expect(c.EIP).To(BeZero())
		Expect(c.Regs.GPR).To(Equal([8]uint32{}))
		Expect(c.Halted).To(BeFalse())
		Expect(e.InstructionCount()).To(BeZero())
		Expect(e.Memory().Read32(dataBase)).To(BeZero())
		Expect(e.CacheStats()).To(Equal(blockcache.Statistics{}))
	})
})
