package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/insts"
)

func decodeFast(code insts.Width, b ...byte) (*insts.Instruction, error) {
	return insts.NewFastDecoder().Decode(insts.NewCursor(b, 0), code)
}

var _ = Describe("FastDecoder", func() {
	Context("arithmetic", func() {
		It("should decode ADD EAX, imm32", func() {
			inst, err := decodeFast(insts.Width32, 0x05, 0x01, 0x00, 0x00, 0x00)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpADD))
			Expect(inst.Width).To(Equal(insts.Width32))
			Expect(inst.Dst).To(Equal(insts.RegOperand(insts.RegEAX, insts.Width32)))
			Expect(inst.Src).To(Equal(insts.ImmOperand(1, insts.Width32)))
			Expect(inst.Len).To(Equal(uint8(5)))
		})

		It("should sign-extend the 0x83 group immediate", func() {
			// sub ecx, -1
			inst, err := decodeFast(insts.Width32, 0x83, 0xE9, 0xFF)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpSUB))
			Expect(inst.Dst.Reg).To(Equal(insts.RegECX))
			Expect(inst.Src.Imm).To(Equal(uint32(0xFFFFFFFF)))
		})

		It("should select byte registers for 8-bit forms", func() {
			// add ah, bl
			inst, err := decodeFast(insts.Width32, 0x00, 0xDC)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Width).To(Equal(insts.Width8))
			Expect(inst.Dst).To(Equal(insts.RegOperand(4, insts.Width8)))
			Expect(inst.Src).To(Equal(insts.RegOperand(3, insts.Width8)))
		})

		It("should honor the operand-size prefix", func() {
			// inc ax in 32-bit code
			inst, err := decodeFast(insts.Width32, 0x66, 0x40)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpINC))
			Expect(inst.Width).To(Equal(insts.Width16))
			Expect(inst.Len).To(Equal(uint8(2)))
		})
	})

	Context("memory operands", func() {
		It("should decode a SIB operand with displacement", func() {
			// mov eax, [ebx+esi*4+0x10]
			inst, err := decodeFast(insts.Width32, 0x8B, 0x44, 0xB3, 0x10)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Src.Kind).To(Equal(insts.OperandMem))
			Expect(inst.Src.Mem).To(Equal(insts.MemRef{
				Seg: insts.SegDS, Base: insts.RegEBX, Index: insts.RegESI,
				Scale: 2, Disp: 0x10, AddrSize: insts.Width32,
			}))
		})

		It("should default EBP-based addressing to SS", func() {
			// mov eax, [ebp-4]
			inst, err := decodeFast(insts.Width32, 0x8B, 0x45, 0xFC)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Src.Mem.Seg).To(Equal(insts.SegSS))
			Expect(inst.Src.Mem.Disp).To(Equal(uint32(0xFFFFFFFC)))
		})

		It("should apply a segment override", func() {
			// mov eax, es:[ebp]
			inst, err := decodeFast(insts.Width32, 0x26, 0x8B, 0x45, 0x00)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Src.Mem.Seg).To(Equal(insts.SegES))
		})

		It("should decode 16-bit addressing forms", func() {
			// mov ax, [bp+si-2]
			inst, err := decodeFast(insts.Width16, 0x8B, 0x42, 0xFE)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Width).To(Equal(insts.Width16))
			Expect(inst.Src.Mem).To(Equal(insts.MemRef{
				Seg: insts.SegSS, Base: insts.RegEBP, Index: insts.RegESI,
				Disp: 0xFFFE, AddrSize: insts.Width16,
			}))
		})

		It("should decode a 16-bit direct address", func() {
			// mov [0x1234], al
			inst, err := decodeFast(insts.Width16, 0x88, 0x06, 0x34, 0x12)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Dst.Mem.Base).To(Equal(insts.RegNone))
			Expect(inst.Dst.Mem.Disp).To(Equal(uint32(0x1234)))
			Expect(inst.Len).To(Equal(uint8(4)))
		})
	})

	Context("control transfer", func() {
		It("should decode a short conditional jump", func() {
			inst, err := decodeFast(insts.Width32, 0x74, 0xFE)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpJcc))
			Expect(inst.Cond).To(Equal(insts.CondE))
			Expect(inst.Rel).To(Equal(int32(-2)))
		})

		It("should decode a near call with a 16-bit displacement", func() {
			inst, err := decodeFast(insts.Width16, 0xE8, 0x00, 0x80)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpCALL))
			Expect(inst.Rel).To(Equal(int32(-0x8000)))
			Expect(inst.Len).To(Equal(uint8(3)))
		})

		It("should decode a far jump pointer", func() {
			inst, err := decodeFast(insts.Width32, 0xEA, 0x78, 0x56, 0x34, 0x12, 0x08, 0x00)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpJMPFar))
			Expect(inst.FarOff).To(Equal(uint32(0x12345678)))
			Expect(inst.FarSel).To(Equal(uint16(0x0008)))
		})
	})

	Context("string instructions", func() {
		It("should keep the repeat prefix and source override", func() {
			inst, err := decodeFast(insts.Width32, 0xF3, 0x2E, 0xA4)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpMOVS))
			Expect(inst.Width).To(Equal(insts.Width8))
			Expect(inst.Rep).To(Equal(insts.RepE))
			Expect(inst.Seg).To(Equal(insts.SegCS))
			Expect(inst.IsRep()).To(BeTrue())
		})

		It("should drop repeat prefixes on other instructions", func() {
			inst, err := decodeFast(insts.Width32, 0xF3, 0x90)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpNOP))
			Expect(inst.Rep).To(Equal(insts.RepNone))
		})
	})

	Context("system instructions", func() {
		It("should decode MOV CR0, EAX", func() {
			inst, err := decodeFast(insts.Width32, 0x0F, 0x22, 0xC0)
			Expect(err).NotTo(HaveOccurred())
			Expect(inst.Op).To(Equal(insts.OpMOVCR))
			Expect(inst.Dst).To(Equal(insts.CROperand(0)))
			Expect(inst.Src).To(Equal(insts.RegOperand(insts.RegEAX, insts.Width32)))
		})

		It("should reject MOV to CS", func() {
			_, err := decodeFast(insts.Width32, 0x8E, 0xC8)
			Expect(err).To(MatchError(insts.ErrUnsupported))
		})

		It("should reject register forms of LGDT", func() {
			_, err := decodeFast(insts.Width32, 0x0F, 0x01, 0xD0)
			Expect(err).To(MatchError(insts.ErrUnsupported))
		})
	})

	Context("malformed streams", func() {
		It("should report a truncated immediate", func() {
			_, err := decodeFast(insts.Width32, 0xB8, 0x01, 0x02)
			Expect(err).To(MatchError(insts.ErrTruncated))
		})

		It("should reject encodings longer than 15 bytes", func() {
			b := make([]byte, 0, 20)
			for i := 0; i < 14; i++ {
				b = append(b, 0x66)
			}
			b = append(b, 0x05, 0x01, 0x00)
			_, err := decodeFast(insts.Width32, b...)
			Expect(err).To(MatchError(insts.ErrTooLong))
		})

		It("should report unsupported opcodes", func() {
			// daa
			_, err := decodeFast(insts.Width32, 0x27)
			Expect(err).To(MatchError(insts.ErrUnsupported))
		})
	})
})
