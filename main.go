// Package main provides the entry point for x86sim.
// x86sim is a software execution engine for 16-bit and 32-bit x86 code.
//
// For the full CLI, use: go run ./cmd/x86sim
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Println("x86sim - x86 16/32-bit Execution Engine")
	fmt.Println("")
	fmt.Println("Usage: x86sim <command> [options]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run <image>      Execute an ELF or flat binary image")
	fmt.Println("  disasm <image>   Disassemble from the entry point")
	fmt.Println("  bench            Run the microbenchmark suite")
	fmt.Println("  monitor <image>  Step through an image interactively")
	fmt.Println("")
	fmt.Println("Global options:")
	fmt.Println("  --config   Path to a YAML or JSON machine configuration")
	fmt.Println("  --real     Start in 16-bit real mode")
	fmt.Println("  -v         Increase log verbosity")
	fmt.Println("")
	fmt.Println("Run 'go run ./cmd/x86sim' for the full CLI.")

	if len(os.Args) > 1 {
		fmt.Println("\nNote: You provided arguments. Use 'go run ./cmd/x86sim' instead.")
	}
}
