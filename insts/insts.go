// Package insts provides x86 instruction definitions and decoding.
//
// This package decodes legacy-mode (16-bit and 32-bit) x86 machine code into
// structured instruction descriptions. Two decoders produce the same
// Instruction value:
//   - FastDecoder reads the raw byte stream and extracts only the operand
//     fields each opcode needs
//   - GenericDecoder goes through golang.org/x/arch/x86/x86asm and converts
//     its fully decoded form
//
// Usage:
//
//	cur := insts.NewCursor([]byte{0x05, 0x01, 0x00, 0x00, 0x00}, 0)
//	inst, err := insts.NewFastDecoder().Decode(cur, insts.Width32)
//	fmt.Printf("Op: %v, Width: %d, Len: %d\n", inst.Op, inst.Width, inst.Len)
//
// Classify reports the static control-flow class of a decoded instruction,
// which block builders use to decide where a basic block ends.
package insts
