package benchmarks

import "github.com/sarchlab/x86sim/emu"

// GetMicrobenchmarks returns the standard set of microbenchmarks. Each one
// stresses a different part of the engine and exits with a known code.
func GetMicrobenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticLoop(),
		dependencyChain(),
		memorySequential(),
		functionCalls(),
		branchHeavy(),
		stringCompare(),
		selfModifying(),
	}
}

// GetCoreBenchmarks returns a minimal set for quick validation: a tight
// loop, call-heavy code and branch-heavy code.
func GetCoreBenchmarks() []Benchmark {
	return []Benchmark{
		arithmeticLoop(),
		functionCalls(),
		branchHeavy(),
	}
}

// 1. Arithmetic loop - one hot block re-entered from the cache
func arithmeticLoop() Benchmark {
	return Benchmark{
		Name:        "arithmetic_loop",
		Description: "1000 iterations of add/dec/jnz - measures cached block dispatch",
		Program: NewAssembler().
			Xor(EAX, EAX).
			MovImm(ECX, 1000).
			Label("loop").
			AddImm8(EAX, 3).
			Dec(ECX).
			Jnz("loop").
			Exit().
			MustAssemble(),
		ExpectedExit: 3000,
	}
}

const chainIterations = 100

// 2. Dependency chain - serial multiplies through lazily evaluated flags
func dependencyChain() Benchmark {
	v := uint32(1)
	for i := 0; i < chainIterations; i++ {
		v = (v * 3 * 5 * 7) & 0xFFFF
	}

	return Benchmark{
		Name:        "dependency_chain",
		Description: "imul chain masked to 16 bits - measures ALU handlers",
		Program: NewAssembler().
			MovImm(EAX, 1).
			MovImm(ECX, chainIterations).
			Label("loop").
			ImulImm8(EAX, 3).
			ImulImm8(EAX, 5).
			ImulImm8(EAX, 7).
			AndEAX(0xFFFF).
			Loop("loop").
			Exit().
			MustAssemble(),
		ExpectedExit: int64(v),
	}
}

const bufferBase = 0x10000

// 3. Memory sequential - rep stosd fill followed by a lodsd sum
func memorySequential() Benchmark {
	return Benchmark{
		Name:        "memory_sequential",
		Description: "rep stosd over 4 KiB then lodsd summation - measures segmented memory access",
		Program: NewAssembler().
			Emit(0xFC). // cld
			MovImm(EDI, bufferBase).
			MovImm(ECX, 1024).
			MovImm(EAX, 1).
			Emit(0xF3, 0xAB). // rep stosd
			MovImm(ESI, bufferBase).
			MovImm(ECX, 1024).
			Xor(EBX, EBX).
			Label("sum").
			Emit(0xAD). // lodsd
			Add(EBX, EAX).
			Loop("sum").
			Mov(EAX, EBX).
			Exit().
			MustAssemble(),
		ExpectedExit: 1024,
	}
}

// 4. Function calls - call/ret pairs through the stack
func functionCalls() Benchmark {
	return Benchmark{
		Name:        "function_calls",
		Description: "100 call/ret pairs - measures stack and block chaining",
		Program: NewAssembler().
			Xor(EAX, EAX).
			MovImm(ECX, 100).
			Label("loop").
			Call("add2").
			Loop("loop").
			Exit().
			Label("add2").
			AddImm8(EAX, 2).
			Ret().
			MustAssemble(),
		ExpectedExit: 200,
	}
}

// 5. Branch heavy - data dependent conditional branch every iteration
func branchHeavy() Benchmark {
	return Benchmark{
		Name:        "branch_heavy",
		Description: "count odd values of ECX from 500 down - measures short blocks",
		Program: NewAssembler().
			Xor(EAX, EAX).
			MovImm(ECX, 500).
			Label("loop").
			Emit(0xF6, 0xC1, 0x01). // test cl, 1
			Jz("even").
			Inc(EAX).
			Label("even").
			Loop("loop").
			Exit().
			MustAssemble(),
		ExpectedExit: 250,
	}
}

const (
	compareLeft    = 0x40000
	compareRight   = 0x50000
	compareLength  = 8192
	compareDiffers = 4000
)

// 6. String compare - repe cmpsb over two buffers that differ late
func stringCompare() Benchmark {
	return Benchmark{
		Name:        "string_compare",
		Description: "repe cmpsb over 8 KiB with a mismatch at 4000 - measures rep iteration",
		Setup: func(e *emu.Emulator) {
			left := make([]byte, compareLength)
			for i := range left {
				left[i] = byte(i * 7)
			}
			right := append([]byte(nil), left...)
			right[compareDiffers] ^= 0xFF

			e.Memory().LoadProgram(compareLeft, left)
			e.Memory().LoadProgram(compareRight, right)
		},
		Program: NewAssembler().
			Emit(0xFC). // cld
			MovImm(ESI, compareLeft).
			MovImm(EDI, compareRight).
			MovImm(ECX, compareLength).
			Emit(0xF3, 0xA6). // repe cmpsb
			Mov(EAX, ESI).
			SubEAX(compareLeft).
			Exit().
			MustAssemble(),
		ExpectedExit: compareDiffers + 1,
	}
}

// 7. Self-modifying - the loop rewrites its own mov immediate each pass
func selfModifying() Benchmark {
	return Benchmark{
		Name:        "self_modifying",
		Description: "increments an immediate inside the running loop - measures block invalidation",
		Program: NewAssembler().
			Xor(EAX, EAX).
			MovImm(ECX, 100).
			Label("loop").
			MovImm(EBX, 0).
			Add(EAX, EBX).
			IncMem("loop", 1).
			Loop("loop").
			Exit().
			MustAssemble(),
		ExpectedExit: 99 * 100 / 2,
	}
}
