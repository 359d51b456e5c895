package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/x86sim/insts"
)

// executor carries out one instruction. Non-fault flows other than
// FlowNone leave EIP at the next instruction to run.
type executor func(c *CPU, h *Handler) (insts.Flow, error)

var executors = [insts.OpCount]executor{
	insts.OpADD: execArith,
	insts.OpOR:  execArith,
	insts.OpADC: execArith,
	insts.OpSBB: execArith,
	insts.OpAND: execArith,
	insts.OpSUB: execArith,
	insts.OpXOR: execArith,
	insts.OpCMP: execArith,

	insts.OpTEST:  execTest,
	insts.OpINC:   execIncDec,
	insts.OpDEC:   execIncDec,
	insts.OpNEG:   execNeg,
	insts.OpNOT:   execNot,
	insts.OpMOV:   execMov,
	insts.OpMOVZX: execMovExtend,
	insts.OpMOVSX: execMovExtend,
	insts.OpLEA:   execLea,
	insts.OpXCHG:  execXchg,
	insts.OpCBW:   execCbw,
	insts.OpCWD:   execCwd,

	insts.OpROL:  execShift,
	insts.OpROR:  execShift,
	insts.OpRCL:  execShift,
	insts.OpRCR:  execShift,
	insts.OpSHL:  execShift,
	insts.OpSHR:  execShift,
	insts.OpSAL:  execShift,
	insts.OpSAR:  execShift,
	insts.OpSHLD: execShiftDouble,
	insts.OpSHRD: execShiftDouble,

	insts.OpMUL:   execMul,
	insts.OpIMUL:  execMul,
	insts.OpIMUL2: execImul2,
	insts.OpDIV:   execDiv,
	insts.OpIDIV:  execDiv,

	insts.OpPUSH:  execPush,
	insts.OpPOP:   execPop,
	insts.OpPUSHA: execPusha,
	insts.OpPOPA:  execPopa,
	insts.OpPUSHF: execPushf,
	insts.OpPOPF:  execPopf,
	insts.OpLEAVE: execLeave,

	insts.OpJMP:        execJmp,
	insts.OpJMPInd:     execJmp,
	insts.OpJMPFar:     execFarTransfer,
	insts.OpJMPFarInd:  execFarTransfer,
	insts.OpCALL:       execCall,
	insts.OpCALLInd:    execCall,
	insts.OpCALLFar:    execFarTransfer,
	insts.OpCALLFarInd: execFarTransfer,
	insts.OpRET:        execRet,
	insts.OpRETF:       execRetf,
	insts.OpIRET:       execIret,
	insts.OpJcc:        execJcc,
	insts.OpLOOP:       execLoop,
	insts.OpLOOPE:      execLoop,
	insts.OpLOOPNE:     execLoop,
	insts.OpJCXZ:       execJcxz,

	insts.OpINT:   execInt,
	insts.OpINT3:  execInt,
	insts.OpINTO:  execInt,
	insts.OpBOUND: execBound,

	insts.OpSETcc: execSetcc,
	insts.OpBT:    execBitTest,
	insts.OpBTS:   execBitTest,
	insts.OpBTR:   execBitTest,
	insts.OpBTC:   execBitTest,

	insts.OpMOVS: execString,
	insts.OpCMPS: execString,
	insts.OpSTOS: execString,
	insts.OpLODS: execString,
	insts.OpSCAS: execString,
	insts.OpINS:  execString,
	insts.OpOUTS: execString,
	insts.OpIN:   execIn,
	insts.OpOUT:  execOut,

	insts.OpCLC:  execFlagOp,
	insts.OpSTC:  execFlagOp,
	insts.OpCMC:  execFlagOp,
	insts.OpCLD:  execFlagOp,
	insts.OpSTD:  execFlagOp,
	insts.OpCLI:  execInterruptFlag,
	insts.OpSTI:  execInterruptFlag,
	insts.OpLAHF: execLahf,
	insts.OpSAHF: execSahf,

	insts.OpNOP:   execNop,
	insts.OpHLT:   execHlt,
	insts.OpUD2:   execUndefined,
	insts.OpCPUID: execCpuid,

	insts.OpLGDT:  execLoadTable,
	insts.OpLIDT:  execLoadTable,
	insts.OpSGDT:  execStoreTable,
	insts.OpSIDT:  execStoreTable,
	insts.OpSLDT:  execStoreSystemSelector,
	insts.OpSTR:   execStoreSystemSelector,
	insts.OpLLDT:  execLldt,
	insts.OpLTR:   execLtr,
	insts.OpVERR:  execVerify,
	insts.OpVERW:  execVerify,
	insts.OpSMSW:  execSmsw,
	insts.OpLMSW:  execLmsw,
	insts.OpCLTS:  execClts,
	insts.OpMOVCR: execMovCR,
	insts.OpRDMSR: execMSR,
	insts.OpWRMSR: execMSR,
}

// Handler is a pre-decoded instruction bound to its executor. Its address
// is an offset from the start of its block, so a block can be reused
// wherever the same bytes are mapped at the same CS-relative position.
type Handler struct {
	Inst *insts.Instruction

	run    executor
	static insts.Flow
	offset uint32
	length uint32
	ipMask uint32

	// decodeErr and diag describe bytes that failed to decode.
	decodeErr error
	diag      string
}

// NewHandler binds inst to its executor. offset is the instruction's
// distance from the first instruction of its block, and code the default
// size of the code segment it was decoded for.
func NewHandler(inst *insts.Instruction, offset uint32, code insts.Width) *Handler {
	run := executors[inst.Op]
	if run == nil {
		panic(fmt.Sprintf("emu: no executor for %s", inst.Op))
	}

	return &Handler{
		Inst:   inst,
		run:    run,
		static: insts.Classify(inst),
		offset: offset,
		length: uint32(inst.Len),
		ipMask: code.Mask(),
	}
}

// newInvalidHandler returns a handler that raises the fault for an
// undecodable byte sequence when executed.
func newInvalidHandler(err error, diag string, offset uint32, code insts.Width) *Handler {
	return &Handler{
		Inst:      &insts.Instruction{Op: insts.OpInvalid},
		run:       execInvalid,
		static:    insts.FlowFault,
		offset:    offset,
		ipMask:    code.Mask(),
		decodeErr: err,
		diag:      diag,
	}
}

// Execute runs the instruction. On a fault the processor state is left as
// it was before the instruction, except that EIP points at the faulting
// instruction (or past it, for traps), and the returned error is a *Fault.
func (h *Handler) Execute(c *CPU) (insts.Flow, error) {
	flow, err := h.run(c, h)
	if err == nil {
		return flow, nil
	}

	var f *Fault
	if errors.As(err, &f) {
		if f.Trap {
			f.EIP = h.Next(c)
		} else {
			f.EIP = h.IP(c)
		}
		c.EIP = f.EIP
	}
	return insts.FlowFault, err
}

// Static returns the control-flow class known at decode time.
func (h *Handler) Static() insts.Flow {
	return h.static
}

// Offset returns the distance from the block start.
func (h *Handler) Offset() uint32 {
	return h.offset
}

// Len returns the encoded length.
func (h *Handler) Len() uint32 {
	return h.length
}

// IP returns the EIP of this instruction.
func (h *Handler) IP(c *CPU) uint32 {
	return (c.blockIP + h.offset) & h.ipMask
}

// Next returns the EIP of the instruction that follows.
func (h *Handler) Next(c *CPU) uint32 {
	return (c.blockIP + h.offset + h.length) & h.ipMask
}

func (h *Handler) String() string {
	if h.decodeErr != nil {
		return fmt.Sprintf("+%d invalid: %s", h.offset, h.diag)
	}
	return fmt.Sprintf("+%d %s", h.offset, h.Inst)
}

// operandMask returns the mask for a branch target under the
// instruction's operand size.
func operandMask(in *insts.Instruction) uint32 {
	return in.OpSize.Mask()
}

func execNop(*CPU, *Handler) (insts.Flow, error) {
	return insts.FlowNone, nil
}

func execUndefined(*CPU, *Handler) (insts.Flow, error) {
	return insts.FlowFault, faultUD()
}

func execInvalid(_ *CPU, h *Handler) (insts.Flow, error) {
	f := faultUD()
	if errors.Is(h.decodeErr, insts.ErrTruncated) || errors.Is(h.decodeErr, insts.ErrTooLong) {
		f = faultGP(0)
	}
	f.Detail = h.diag
	return insts.FlowFault, f
}
