package emu

import (
	"errors"
	"fmt"

	"github.com/sarchlab/x86sim/insts"
)

// Vector is an exception or interrupt vector number.
type Vector uint8

// Architectural exception vectors.
const (
	VectorDE Vector = 0  // divide error
	VectorDB Vector = 1  // debug
	VectorBP Vector = 3  // breakpoint
	VectorOF Vector = 4  // overflow
	VectorBR Vector = 5  // BOUND range exceeded
	VectorUD Vector = 6  // invalid opcode
	VectorNM Vector = 7  // device not available
	VectorTS Vector = 10 // invalid TSS
	VectorNP Vector = 11 // segment not present
	VectorSS Vector = 12 // stack-segment fault
	VectorGP Vector = 13 // general protection
)

var vectorNames = map[Vector]string{
	VectorDE: "#DE",
	VectorDB: "#DB",
	VectorBP: "#BP",
	VectorOF: "#OF",
	VectorBR: "#BR",
	VectorUD: "#UD",
	VectorNM: "#NM",
	VectorTS: "#TS",
	VectorNP: "#NP",
	VectorSS: "#SS",
	VectorGP: "#GP",
}

func (v Vector) String() string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector 0x%02x", uint8(v))
}

// Fault is an exception raised by an instruction. A trap reports the
// address of the next instruction; a fault reports the address of the
// faulting one.
type Fault struct {
	Vector Vector
	// Code is the error code pushed by exceptions that carry one.
	Code    uint32
	HasCode bool
	// Trap is set for INT, INT3 and INTO.
	Trap bool
	// Software is set for INT n.
	Software bool
	// EIP is filled in by the handler that raised the fault.
	EIP uint32
	// Detail is a diagnostic, such as the disassembly of an unsupported
	// encoding.
	Detail string
}

func (f *Fault) Error() string {
	s := f.Vector.String()
	if f.Software {
		s = fmt.Sprintf("int 0x%02x", uint8(f.Vector))
	}
	if f.HasCode {
		s += fmt.Sprintf("(0x%x)", f.Code)
	}
	s += fmt.Sprintf(" at eip 0x%08x", f.EIP)
	if f.Detail != "" {
		s += ": " + f.Detail
	}
	return s
}

// AsFault extracts a *Fault from an error chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func fault(v Vector) *Fault {
	return &Fault{Vector: v}
}

func faultCode(v Vector, code uint32) *Fault {
	return &Fault{Vector: v, Code: code, HasCode: true}
}

func faultGP(code uint32) *Fault {
	return faultCode(VectorGP, code)
}

func faultUD() *Fault {
	return fault(VectorUD)
}

// selectorCode is the error code for a fault naming a selector.
func selectorCode(sel uint16) uint32 {
	return uint32(sel &^ 3)
}

func badWidth(w insts.Width) string {
	return fmt.Sprintf("emu: invalid width %d", w)
}
