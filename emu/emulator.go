package emu

import (
	"errors"
	"io"
	"os"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86sim/blockcache"
	"github.com/sarchlab/x86sim/insts"
)

// ErrInstructionLimit is returned once the configured instruction budget is
// spent.
var ErrInstructionLimit = errors.New("max instructions reached")

// StepResult represents the result of executing an instruction or a block.
type StepResult struct {
	// Exited is true if the program wrote the exit port.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64

	// Halted is true once HLT has executed.
	Halted bool

	// Flow is the control-flow outcome of the last instruction executed.
	Flow insts.Flow

	// Err is a *Fault for unhandled exceptions, or ErrInstructionLimit.
	Err error
}

// Emulator executes x86 code functionally.
type Emulator struct {
	cpu     *CPU
	memory  *Memory
	bus     IOBus
	ports   *PortBus
	decoder insts.Decoder
	builder *BlockBuilder
	cache   *blockcache.Cache[*Block]
	logger  logr.Logger

	// I/O
	stdout io.Writer
	stdin  io.Reader

	cacheConfig          blockcache.Config
	maxBlockInstructions int
	realModeInterrupts   bool
	syscalls             SyscallHandler

	// Execution state
	instructionCount uint64
	maxInstructions  uint64 // 0 means no limit
	codeModified     bool

	// Set by an exiting system call.
	exited   bool
	exitCode int64
}

// EmulatorOption is a functional option for configuring the Emulator.
type EmulatorOption func(*Emulator)

// WithStdout sets the writer behind the debug console port.
func WithStdout(w io.Writer) EmulatorOption {
	return func(e *Emulator) {
		e.stdout = w
	}
}

// WithStdin sets the reader behind the debug console port.
func WithStdin(r io.Reader) EmulatorOption {
	return func(e *Emulator) {
		e.stdin = r
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logr.Logger) EmulatorOption {
	return func(e *Emulator) {
		e.logger = l
	}
}

// WithDecoder selects the decoder used to build blocks.
func WithDecoder(d insts.Decoder) EmulatorOption {
	return func(e *Emulator) {
		e.decoder = d
	}
}

// WithMemory attaches an existing memory.
func WithMemory(m *Memory) EmulatorOption {
	return func(e *Emulator) {
		e.memory = m
	}
}

// WithIOBus replaces the default port bus.
func WithIOBus(bus IOBus) EmulatorOption {
	return func(e *Emulator) {
		e.bus = bus
	}
}

// WithMaxInstructions sets the maximum number of instructions to execute.
// A value of 0 means no limit.
func WithMaxInstructions(max uint64) EmulatorOption {
	return func(e *Emulator) {
		e.maxInstructions = max
	}
}

// WithMaxBlockInstructions bounds the number of instructions per block.
func WithMaxBlockInstructions(n int) EmulatorOption {
	return func(e *Emulator) {
		e.maxBlockInstructions = n
	}
}

// WithBlockCache sets the block cache geometry.
func WithBlockCache(cfg blockcache.Config) EmulatorOption {
	return func(e *Emulator) {
		e.cacheConfig = cfg
	}
}

// WithRealModeInterrupts makes the driver deliver faults and software
// interrupts raised in real mode through the interrupt vector table
// instead of returning them.
func WithRealModeInterrupts(enabled bool) EmulatorOption {
	return func(e *Emulator) {
		e.realModeInterrupts = enabled
	}
}

// WithSyscallHandler services INT 0x80 with h instead of returning it as
// an unhandled software interrupt.
func WithSyscallHandler(h SyscallHandler) EmulatorOption {
	return func(e *Emulator) {
		e.syscalls = h
	}
}

// NewEmulator creates a new x86 emulator in real mode.
func NewEmulator(opts ...EmulatorOption) *Emulator {
	e := &Emulator{
		decoder:              insts.NewFastDecoder(),
		logger:               logr.Discard(),
		stdout:               os.Stdout,
		cacheConfig:          blockcache.DefaultConfig(),
		maxBlockInstructions: DefaultMaxBlockInstructions,
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.memory == nil {
		e.memory = NewMemory()
	}
	if e.bus == nil {
		e.ports = NewPortBus(e.stdout)
		e.ports.SetStdin(e.stdin)
		e.bus = e.ports
	}

	e.cpu = NewCPU(e.memory, e.bus)
	e.builder = NewBlockBuilder(e.decoder, e.maxBlockInstructions, e.logger)
	e.cache = blockcache.New[*Block](e.cacheConfig)
	e.memory.SetCodeWriteHook(e.invalidatePage)

	return e
}

// CPU returns the processor state.
func (e *Emulator) CPU() *CPU {
	return e.cpu
}

// RegFile returns the general-purpose registers.
func (e *Emulator) RegFile() *RegFile {
	return &e.cpu.Regs
}

// Memory returns the emulator's memory.
func (e *Emulator) Memory() *Memory {
	return e.memory
}

// Ports returns the default port bus, or nil if WithIOBus replaced it.
func (e *Emulator) Ports() *PortBus {
	return e.ports
}

// InstructionCount returns the number of instructions executed.
func (e *Emulator) InstructionCount() uint64 {
	return e.instructionCount
}

// CacheStats returns block cache statistics.
func (e *Emulator) CacheStats() blockcache.Statistics {
	return e.cache.Stats()
}

// LoadProgram copies program to linear address addr and points CS:EIP at
// it.
func (e *Emulator) LoadProgram(addr uint32, program []byte) {
	e.memory.LoadProgram(addr, program)
	e.SetEntry(addr)
}

// SetEntry points CS:EIP at linear address addr within the current code
// segment.
func (e *Emulator) SetEntry(addr uint32) {
	e.cpu.EIP = addr - e.cpu.Segs[insts.SegCS].Base
}

// Reset clears memory, the processor, the block cache and the exit status.
func (e *Emulator) Reset() {
	e.memory.Reset()
	e.cpu.Reset()
	e.cache.Reset()
	if e.ports != nil {
		e.ports.Reset()
	}
	e.instructionCount = 0
	e.exited = false
	e.exitCode = 0
}

func (e *Emulator) invalidatePage(page uint32) {
	n := e.cache.InvalidateRange(page<<pageShift, PageSize)
	e.codeModified = true
	e.logger.V(2).Info("code page written", "page", page<<pageShift, "blocks", n)
}

func (e *Emulator) exitStatus() (bool, int64) {
	if e.exited {
		return true, e.exitCode
	}
	if s, ok := e.bus.(ExitStatus); ok {
		return s.ExitStatus()
	}
	return false, 0
}

func (e *Emulator) stopped() (StepResult, bool) {
	if exited, code := e.exitStatus(); exited {
		return StepResult{Exited: true, ExitCode: code}, true
	}
	if e.cpu.Halted {
		return StepResult{Halted: true}, true
	}
	return StepResult{}, false
}

// Step decodes and executes a single instruction without using the block
// cache.
func (e *Emulator) Step() StepResult {
	if r, ok := e.stopped(); ok {
		return r
	}
	if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
		return StepResult{Err: ErrInstructionLimit}
	}

	c := e.cpu
	c.blockIP = c.EIP
	h := e.builder.decodeAt(c, 0, c.CodeSize())

	flow, err := h.Execute(c)
	e.instructionCount++
	if err != nil {
		return e.handleFault(err)
	}
	if flow == insts.FlowNone {
		c.EIP = h.Next(c)
	}
	return e.result(flow)
}

// RunBlock executes the basic block at CS:EIP, building and caching it on
// a miss. It stops early on a fault, on the instruction limit, when the
// program exits, or when a store modifies cached code.
func (e *Emulator) RunBlock() StepResult {
	if r, ok := e.stopped(); ok {
		return r
	}

	c := e.cpu
	b := e.block()
	c.blockIP = c.EIP
	e.codeModified = false

	for _, h := range b.Handlers {
		if e.maxInstructions > 0 && e.instructionCount >= e.maxInstructions {
			c.EIP = h.IP(c)
			return StepResult{Err: ErrInstructionLimit}
		}

		flow, err := h.Execute(c)
		e.instructionCount++
		if err != nil {
			return e.handleFault(err)
		}
		if flow != insts.FlowNone {
			return e.result(flow)
		}

		if e.codeModified || h.Inst.Op == insts.OpOUT || h.Inst.Op == insts.OpOUTS {
			c.EIP = h.Next(c)
			if r, ok := e.stopped(); ok || e.codeModified {
				r.Flow = insts.FlowNone
				return r
			}
		}
	}

	c.EIP = b.Handlers[len(b.Handlers)-1].Next(c)
	return e.result(insts.FlowNone)
}

// Run executes blocks until the program exits or halts, a fault goes
// unhandled, or the instruction limit is reached.
func (e *Emulator) Run() StepResult {
	for {
		r := e.RunBlock()
		if r.Exited || r.Halted || r.Err != nil {
			if r.Err != nil {
				e.logger.Info("run stopped", "err", r.Err.Error(), "eip", e.cpu.EIP)
			}
			return r
		}
	}
}

func (e *Emulator) result(flow insts.Flow) StepResult {
	r, _ := e.stopped()
	r.Flow = flow
	return r
}

func (e *Emulator) block() *Block {
	c := e.cpu
	if b, ok := e.cache.Lookup(c.LinearIP()); ok && b.Matches(c) {
		return b
	}

	b := e.builder.Build(c)
	e.memory.WatchCode(b.Start, b.Span())
	e.cache.Insert(b.Start, b.Span(), b)
	return b
}

// handleFault passes INT 0x80 to the syscall handler, delivers a real-mode
// fault through the IVT when enabled, and otherwise reports it.
func (e *Emulator) handleFault(err error) StepResult {
	c := e.cpu
	f, ok := AsFault(err)
	if ok && f.Software && f.Vector == SyscallVector && e.syscalls != nil {
		if r := e.syscalls.Handle(c); r.Exited {
			e.exited, e.exitCode = true, r.ExitCode
		}
		return e.result(insts.FlowNone)
	}
	if ok && e.realModeInterrupts && !c.Protected() {
		if derr := e.deliverRealMode(f); derr == nil {
			return e.result(insts.FlowCall)
		}
	}

	e.logger.V(1).Info("fault", "fault", err.Error(), "eip", c.EIP)
	return StepResult{Flow: insts.FlowFault, Err: err}
}

// deliverRealMode pushes FLAGS, CS and IP and jumps through the interrupt
// vector table entry for the fault.
func (e *Emulator) deliverRealMode(f *Fault) error {
	c := e.cpu
	vec := uint32(f.Vector)
	if vec*4+3 > uint32(c.IDTR.Limit) {
		return f
	}
	err := c.pushAll(insts.Width16, c.Flags.Value(), uint32(c.Segs[insts.SegCS].Selector), f.EIP)
	if err != nil {
		return err
	}
	c.Flags.Force(FlagIF, false)
	c.Flags.Force(FlagTF, false)
	c.Flags.Force(FlagAC, false)

	entry := c.IDTR.Base + vec*4
	c.Segs[insts.SegCS] = realSegment(c.Segs[insts.SegCS], c.mem.Read16(entry+2))
	c.EIP = uint32(c.mem.Read16(entry))
	return nil
}
