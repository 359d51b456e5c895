package main

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// painter colors output only when it goes to a terminal.
type painter struct {
	w       io.Writer
	enabled bool
}

func newPainter(w io.Writer) painter {
	return painter{w: w, enabled: isTerminal(w)}
}

func (p painter) printf(attr color.Attribute, format string, args ...any) {
	c := color.New(attr)
	if p.enabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	_, _ = c.Fprintf(p.w, format, args...)
}

var regNames = [8]string{"EAX", "ECX", "EDX", "EBX", "ESP", "EBP", "ESI", "EDI"}

func flagString(f uint32) string {
	names := []struct {
		bit  uint32
		name byte
	}{
		{emu.FlagOF, 'O'}, {emu.FlagDF, 'D'}, {emu.FlagIF, 'I'}, {emu.FlagTF, 'T'},
		{emu.FlagSF, 'S'}, {emu.FlagZF, 'Z'}, {emu.FlagAF, 'A'}, {emu.FlagPF, 'P'},
		{emu.FlagCF, 'C'},
	}
	out := make([]byte, len(names))
	for i, n := range names {
		out[i] = '-'
		if f&n.bit != 0 {
			out[i] = n.name
		}
	}
	return string(out)
}

// nextInstruction disassembles the instruction at CS:EIP.
func nextInstruction(e *emu.Emulator) string {
	cpu := e.CPU()
	code := e.Memory().ReadBytes(cpu.LinearIP(), 15)
	text, _ := insts.Disassemble(code, cpu.EIP, cpu.CodeSize())
	return text
}

// printState writes the architectural state of e.
func printState(p painter, e *emu.Emulator) {
	cpu := e.CPU()

	p.printf(color.FgHiBlack, "%s\n", "------------------------------------------------------------")
	for i, name := range regNames {
		sep := " "
		if i%4 == 3 {
			sep = "\n"
		}
		p.printf(color.FgCyan, "%s=%08x%s", name, cpu.Regs.GPR[i], sep)
	}

	mode := "real"
	if cpu.Protected() {
		mode = fmt.Sprintf("protected cpl%d", cpu.CPL())
	}
	flags := cpu.Flags.Value()
	p.printf(color.FgCyan, "EIP=%08x EFL=%08x [%s] %s/%d\n",
		cpu.EIP, flags, flagString(flags), mode, cpu.CodeSize())

	for s := insts.SegES; s <= insts.SegGS; s++ {
		sr := cpu.Seg(s)
		p.printf(color.FgYellow, "%s=%04x base=%08x limit=%08x\n",
			s, sr.Selector, sr.Base, sr.Limit)
	}

	p.printf(color.FgGreen, "next: %s\n", nextInstruction(e))
	p.printf(color.FgHiBlack, "instructions: %d\n", e.InstructionCount())
}

// printResult reports how a run ended.
func printResult(p painter, r emu.StepResult) {
	switch {
	case r.Exited:
		p.printf(color.FgGreen, "exited with code %d\n", r.ExitCode)
	case r.Err != nil:
		p.printf(color.FgRed, "stopped: %v\n", r.Err)
	case r.Halted:
		p.printf(color.FgYellow, "halted\n")
	}
}
