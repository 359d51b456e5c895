// Package insts provides x86 instruction definitions and decoding.
package insts

// Flow is a control-flow classification. Classify reports the static class
// of an instruction shape; executing an instruction reports the dynamic
// outcome.
type Flow uint8

// Control-flow classes.
const (
	// FlowNone falls through to the next instruction; a block continues.
	FlowNone Flow = iota
	// FlowConditional is the static class of conditional transfers. Execution
	// resolves it to FlowTaken or FlowNotTaken.
	FlowConditional
	FlowTaken
	FlowNotTaken
	// FlowJump is an unconditional transfer, or any instruction after which
	// the next block must be looked up again (mode switches, HLT).
	FlowJump
	FlowCall
	FlowReturn
	// FlowFault means the instruction raised, or always raises, an
	// exception.
	FlowFault
)

var flowNames = [...]string{
	"none", "conditional", "taken", "not-taken", "jump", "call", "return", "fault",
}

func (f Flow) String() string {
	if int(f) < len(flowNames) {
		return flowNames[f]
	}
	return "flow?"
}

// EndsBlock reports whether a block builder must stop after an instruction
// of this class.
func (f Flow) EndsBlock() bool {
	return f != FlowNone
}

// Classify returns the static control-flow class of an instruction. It
// depends only on the instruction shape, never on operand values.
func Classify(inst *Instruction) Flow {
	if inst.IsRep() {
		return FlowConditional
	}

	switch inst.Op {
	case OpJcc, OpLOOP, OpLOOPE, OpLOOPNE, OpJCXZ:
		return FlowConditional
	case OpJMP, OpJMPInd, OpJMPFar, OpJMPFarInd:
		return FlowJump
	case OpCALL, OpCALLInd, OpCALLFar, OpCALLFarInd:
		return FlowCall
	case OpRET, OpRETF, OpIRET:
		return FlowReturn
	case OpINT, OpINT3, OpINTO, OpBOUND, OpUD2, OpInvalid:
		return FlowFault
	case OpHLT, OpLMSW:
		return FlowJump
	case OpMOVCR:
		if inst.Dst.Kind == OperandCR {
			return FlowJump
		}
	}

	return FlowNone
}
