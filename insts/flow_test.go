package insts_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/insts"
)

var _ = Describe("Classify", func() {
	DescribeTable("static classification",
		func(b []byte, want insts.Flow) {
			inst, err := decodeFast(insts.Width32, b...)
			Expect(err).NotTo(HaveOccurred())
			Expect(insts.Classify(inst)).To(Equal(want))
		},
		Entry("add", []byte{0x01, 0xD1}, insts.FlowNone),
		Entry("plain stos", []byte{0xAB}, insts.FlowNone),
		Entry("rep stos", []byte{0xF3, 0xAB}, insts.FlowConditional),
		Entry("jcc", []byte{0x74, 0x00}, insts.FlowConditional),
		Entry("loop", []byte{0xE2, 0x00}, insts.FlowConditional),
		Entry("jmp", []byte{0xEB, 0x00}, insts.FlowJump),
		Entry("jmp [eax]", []byte{0xFF, 0x20}, insts.FlowJump),
		Entry("call", []byte{0xE8, 0, 0, 0, 0}, insts.FlowCall),
		Entry("ret", []byte{0xC3}, insts.FlowReturn),
		Entry("iret", []byte{0xCF}, insts.FlowReturn),
		Entry("int 0x21", []byte{0xCD, 0x21}, insts.FlowFault),
		Entry("ud2", []byte{0x0F, 0x0B}, insts.FlowFault),
		Entry("hlt", []byte{0xF4}, insts.FlowJump),
		Entry("mov cr0, eax", []byte{0x0F, 0x22, 0xC0}, insts.FlowJump),
		Entry("mov eax, cr0", []byte{0x0F, 0x20, 0xC0}, insts.FlowNone),
	)

	It("should mark every non-fallthrough class as block ending", func() {
		Expect(insts.FlowNone.EndsBlock()).To(BeFalse())
		for _, f := range []insts.Flow{
			insts.FlowConditional, insts.FlowTaken, insts.FlowNotTaken,
			insts.FlowJump, insts.FlowCall, insts.FlowReturn, insts.FlowFault,
		} {
			Expect(f.EndsBlock()).To(BeTrue(), f.String())
		}
	})
})
