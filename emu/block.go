package emu

import (
	"errors"

	"github.com/go-logr/logr"

	"github.com/sarchlab/x86sim/insts"
)

// DefaultMaxBlockInstructions bounds the length of a basic block.
const DefaultMaxBlockInstructions = 64

// Block is a straight-line run of handlers ending at the first instruction
// whose static flow is not FlowNone. It is valid for the CS-relative EIP
// and code size it was built for.
type Block struct {
	// Start is the linear address of the first byte.
	Start uint32
	// EIP is the offset of the first instruction within CS.
	EIP      uint32
	CodeSize insts.Width
	Handlers []*Handler
	// Len is the number of bytes the handlers cover.
	Len uint32
}

// Matches reports whether the block can run at the processor's current
// position.
func (b *Block) Matches(c *CPU) bool {
	return b.EIP == c.EIP && b.CodeSize == c.CodeSize() && b.Start == c.LinearIP()
}

// BlockBuilder decodes basic blocks from memory.
type BlockBuilder struct {
	decoder insts.Decoder
	maxLen  int
	logger  logr.Logger
}

// NewBlockBuilder creates a builder using dec. maxLen bounds the number of
// handlers per block.
func NewBlockBuilder(dec insts.Decoder, maxLen int, logger logr.Logger) *BlockBuilder {
	if maxLen <= 0 {
		maxLen = DefaultMaxBlockInstructions
	}
	return &BlockBuilder{decoder: dec, maxLen: maxLen, logger: logger}
}

// Build decodes the block at CS:EIP. Bytes that do not decode become a
// final handler that faults when executed, so building never fails.
func (bb *BlockBuilder) Build(c *CPU) *Block {
	code := c.CodeSize()
	b := &Block{
		Start:    c.LinearIP(),
		EIP:      c.EIP,
		CodeSize: code,
	}

	var off uint32
	for len(b.Handlers) < bb.maxLen {
		h := bb.decodeAt(c, off, code)
		b.Handlers = append(b.Handlers, h)
		off += h.Len()

		if h.Static().EndsBlock() {
			break
		}
	}
	b.Len = off

	bb.logger.V(2).Info("block built",
		"start", b.Start, "handlers", len(b.Handlers), "len", b.Len)
	return b
}

func (bb *BlockBuilder) decodeAt(c *CPU, off uint32, code insts.Width) *Handler {
	eip := (c.EIP + off) & code.Mask()
	lin := c.Segs[insts.SegCS].Base + eip
	cur := insts.NewCursor(c.fetchWindow(eip), lin)

	inst, err := bb.decoder.Decode(cur, code)
	if err == nil {
		return NewHandler(inst, off, code)
	}

	cur.Seek(-cur.Pos())
	raw := cur.Remaining()
	diag, _ := insts.Disassemble(raw, lin, code)
	if errors.Is(err, insts.ErrTruncated) {
		diag = "truncated: " + diag
	}

	bb.logger.V(1).Info("invalid opcode",
		"eip", eip, "bytes", raw, "disasm", diag, "err", err.Error())
	return newInvalidHandler(err, diag, off, code)
}

// fetchWindow returns up to MaxInstructionLen code bytes at CS:eip. The
// window stops at the code segment limit.
func (c *CPU) fetchWindow(eip uint32) []byte {
	cs := &c.Segs[insts.SegCS]
	if eip > cs.Limit {
		return nil
	}

	n := uint32(insts.MaxInstructionLen)
	if room := cs.Limit - eip + 1; room != 0 && room < n {
		n = room
	}
	return c.mem.ReadBytes(cs.Base+eip, int(n))
}

// Span returns the number of bytes the block was decoded from, including
// the window examined for a trailing undecodable instruction.
func (b *Block) Span() uint32 {
	n := b.Len
	if last := b.Handlers[len(b.Handlers)-1]; last.decodeErr != nil {
		n += insts.MaxInstructionLen
	}
	return max(n, 1)
}
