package emu

import (
	"io"

	"github.com/sarchlab/x86sim/insts"
)

// Ports served by the default bus.
const (
	// PortDebugConsole writes the low byte of OUT to stdout and reads one
	// byte of stdin on IN.
	PortDebugConsole uint16 = 0xE9
	// PortExit ends the run. The value written becomes the exit code.
	PortExit uint16 = 0xF4
)

// IOBus is the port I/O space seen by IN, OUT, INS and OUTS.
type IOBus interface {
	// In reads size bits from port. Unmapped ports read as all ones.
	In(port uint16, size insts.Width) uint32
	// Out writes size bits to port.
	Out(port uint16, size insts.Width, value uint32)
}

// ExitStatus is implemented by buses that can end a run.
type ExitStatus interface {
	ExitStatus() (exited bool, code int64)
}

// PortBus is the default IOBus: a debug console, an exit port, and any
// devices attached with Attach.
type PortBus struct {
	devices map[uint16]IOBus
	stdin   io.Reader
	stdout  io.Writer

	exited   bool
	exitCode int64
}

// NewPortBus creates a bus whose debug console writes to stdout.
func NewPortBus(stdout io.Writer) *PortBus {
	return &PortBus{
		devices: make(map[uint16]IOBus),
		stdout:  stdout,
	}
}

// SetStdin sets the reader behind debug console input.
func (b *PortBus) SetStdin(stdin io.Reader) {
	b.stdin = stdin
}

// SetStdout sets the writer behind debug console output.
func (b *PortBus) SetStdout(stdout io.Writer) {
	b.stdout = stdout
}

// Attach maps a device at port, replacing the built-in handler if any.
func (b *PortBus) Attach(port uint16, dev IOBus) {
	b.devices[port] = dev
}

// In reads from a port.
func (b *PortBus) In(port uint16, size insts.Width) uint32 {
	if dev, ok := b.devices[port]; ok {
		return dev.In(port, size)
	}
	if port == PortDebugConsole && b.stdin != nil {
		var buf [1]byte
		if n, _ := b.stdin.Read(buf[:]); n == 1 {
			return uint32(buf[0])
		}
	}
	return size.Mask()
}

// Out writes to a port.
func (b *PortBus) Out(port uint16, size insts.Width, value uint32) {
	if dev, ok := b.devices[port]; ok {
		dev.Out(port, size, value)
		return
	}

	switch port {
	case PortDebugConsole:
		if b.stdout != nil {
			_, _ = b.stdout.Write([]byte{byte(value)})
		}
	case PortExit:
		b.exited = true
		b.exitCode = int64(value)
	}
}

// ExitStatus reports whether a program wrote the exit port.
func (b *PortBus) ExitStatus() (bool, int64) {
	return b.exited, b.exitCode
}

// Reset clears the exit status.
func (b *PortBus) Reset() {
	b.exited = false
	b.exitCode = 0
}
