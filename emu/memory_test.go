package emu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
)

var _ = Describe("Memory", func() {
	var mem *emu.Memory

	BeforeEach(func() {
		mem = emu.NewMemory()
	})

	It("should read unwritten memory as zero", func() {
		Expect(mem.Read32(0xDEAD0000)).To(BeZero())
		Expect(mem.Read64(0xFFFFFFF8)).To(BeZero())
	})

	It("should store little-endian values", func() {
		mem.Write32(0x100, 0x11223344)

		Expect(mem.Read8(0x100)).To(Equal(uint8(0x44)))
		Expect(mem.Read16(0x102)).To(Equal(uint16(0x1122)))
		Expect(mem.ReadBytes(0x100, 4)).To(Equal([]byte{0x44, 0x33, 0x22, 0x11}))
	})

	It("should handle accesses that straddle pages", func() {
		addr := uint32(emu.PageSize - 2)
		mem.Write32(addr, 0xCAFEBABE)
		mem.Write64(2*emu.PageSize-4, 0x0102030405060708)

		Expect(mem.Read32(addr)).To(Equal(uint32(0xCAFEBABE)))
		Expect(mem.Read16(emu.PageSize)).To(Equal(uint16(0xCAFE)))
		Expect(mem.Read64(2*emu.PageSize - 4)).To(Equal(uint64(0x0102030405060708)))
	})

	It("should wrap at the top of the address space", func() {
		mem.Write16(0xFFFFFFFF, 0xAABB)

		Expect(mem.Read8(0xFFFFFFFF)).To(Equal(uint8(0xBB)))
		Expect(mem.Read8(0)).To(Equal(uint8(0xAA)))
	})

	It("should drop accesses above the installed size", func() {
		mem.SetLimit(10000)
		Expect(mem.Limit()).To(Equal(uint64(3 * emu.PageSize)))

		mem.Write32(3*emu.PageSize, 0x12345678)
		Expect(mem.Read32(3 * emu.PageSize)).To(BeZero())

		mem.Write32(3*emu.PageSize-4, 0x12345678)
		Expect(mem.Read32(3*emu.PageSize - 4)).To(Equal(uint32(0x12345678)))
	})

	It("should report the first write to a watched page", func() {
		var written []uint32
		mem.SetCodeWriteHook(func(page uint32) { written = append(written, page) })
		mem.WatchCode(0x1FFE, 4)

		Expect(mem.IsCodePage(0x1000)).To(BeTrue())
		Expect(mem.IsCodePage(0x2000)).To(BeTrue())
		Expect(mem.IsCodePage(0x3000)).To(BeFalse())

		mem.Write8(0x2010, 1)
		mem.Write8(0x2011, 1)
		mem.Write8(0x5000, 1)

		Expect(written).To(Equal([]uint32{2}))
		Expect(mem.IsCodePage(0x2000)).To(BeFalse())
		Expect(mem.IsCodePage(0x1000)).To(BeTrue())
	})

	It("should forget contents and watches on Reset", func() {
		mem.Write8(0x10, 1)
		mem.WatchCode(0, 1)

		mem.Reset()

		Expect(mem.Read8(0x10)).To(BeZero())
		Expect(mem.IsCodePage(0)).To(BeFalse())
	})
})
