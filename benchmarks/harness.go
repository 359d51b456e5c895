// Package benchmarks provides the throughput benchmark harness for x86sim.
package benchmarks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/go-logr/logr"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
)

// BenchmarkResult holds the results for a single benchmark run.
type BenchmarkResult struct {
	// Name identifies the benchmark
	Name string `json:"name"`

	// Description explains what the benchmark measures
	Description string `json:"description"`

	// Machine is the identifier the run was logged under
	Machine string `json:"machine"`

	// Instructions is the number of instructions executed
	Instructions uint64 `json:"instructions"`

	// Block cache counters
	BlockLookups       uint64  `json:"block_lookups"`
	BlockHits          uint64  `json:"block_hits"`
	BlocksBuilt        uint64  `json:"blocks_built"`
	BlocksInvalidated  uint64  `json:"blocks_invalidated"`
	HitRatePercent     float64 `json:"block_hit_rate_percent"`

	// ExitCode is the value the program wrote to the exit port
	ExitCode int64 `json:"exit_code"`

	// Passed is true when the program exited with the expected code
	Passed bool `json:"passed"`

	// Error is set when the run stopped on a fault or the instruction limit
	Error string `json:"error,omitempty"`

	// WallTime is the host time taken by the run
	WallTime time.Duration `json:"wall_time_ns"`

	// MIPS is millions of guest instructions per host second
	MIPS float64 `json:"mips"`
}

// Benchmark defines a single benchmark program.
type Benchmark struct {
	// Name identifies the benchmark
	Name string

	// Description explains what the benchmark measures
	Description string

	// Setup prepares memory or registers before the run
	Setup func(e *emu.Emulator)

	// Program is 32-bit machine code assembled for and loaded at Origin
	Program []byte

	// ExpectedExit is the expected exit code (for validation)
	ExpectedExit int64
}

// HarnessConfig configures the benchmark harness.
type HarnessConfig struct {
	// Machine describes every emulator the harness builds
	Machine *config.Config

	// Parallelism is how many machines run at once. Each machine owns its
	// own memory and processor state.
	Parallelism int

	// Output is where to write results (default: os.Stdout)
	Output io.Writer

	// Logger receives per-machine records
	Logger logr.Logger
}

// DefaultConfig returns a default harness configuration.
func DefaultConfig() HarnessConfig {
	machine := config.Default()
	machine.MaxInstructions = 50_000_000

	return HarnessConfig{
		Machine:     machine,
		Parallelism: runtime.GOMAXPROCS(0),
		Output:      os.Stdout,
		Logger:      logr.Discard(),
	}
}

// Harness runs benchmarks and reports results.
type Harness struct {
	config     HarnessConfig
	benchmarks []Benchmark
}

// NewHarness creates a new benchmark harness.
func NewHarness(config HarnessConfig) *Harness {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 1
	}
	if config.Machine == nil {
		config.Machine = DefaultConfig().Machine
	}
	return &Harness{
		config:     config,
		benchmarks: []Benchmark{},
	}
}

// AddBenchmark adds a benchmark to the harness.
func (h *Harness) AddBenchmark(b Benchmark) {
	h.benchmarks = append(h.benchmarks, b)
}

// AddBenchmarks adds multiple benchmarks to the harness.
func (h *Harness) AddBenchmarks(benchmarks []Benchmark) {
	h.benchmarks = append(h.benchmarks, benchmarks...)
}

// RunAll executes all benchmarks, up to Parallelism at a time, and returns
// results in the order the benchmarks were added. It stops scheduling new
// runs once ctx is cancelled.
func (h *Harness) RunAll(ctx context.Context) ([]BenchmarkResult, error) {
	results := make([]BenchmarkResult, len(h.benchmarks))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(h.config.Parallelism)

	for i, bench := range h.benchmarks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = h.runBenchmark(bench)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// runBenchmark executes a single benchmark on a fresh machine.
func (h *Harness) runBenchmark(bench Benchmark) BenchmarkResult {
	id := xid.New().String()
	logger := h.config.Logger.WithValues("machine", id, "benchmark", bench.Name)

	machine := h.config.Machine
	e := machine.NewEmulator(
		emu.WithLogger(logger),
		emu.WithStdout(io.Discard),
	)
	if bench.Setup != nil {
		bench.Setup(e)
	}
	e.LoadProgram(Origin, bench.Program)

	start := time.Now()
	r := e.Run()
	wallTime := time.Since(start)

	stats := e.CacheStats()
	result := BenchmarkResult{
		Name:              bench.Name,
		Description:       bench.Description,
		Machine:           id,
		Instructions:      e.InstructionCount(),
		BlockLookups:      stats.Lookups,
		BlockHits:         stats.Hits,
		BlocksBuilt:       stats.Inserts,
		BlocksInvalidated: stats.Invalidations,
		ExitCode:          r.ExitCode,
		Passed:            r.Exited && r.ExitCode == bench.ExpectedExit,
		WallTime:          wallTime,
	}
	if stats.Lookups > 0 {
		result.HitRatePercent = 100 * float64(stats.Hits) / float64(stats.Lookups)
	}
	if secs := wallTime.Seconds(); secs > 0 {
		result.MIPS = float64(result.Instructions) / secs / 1e6
	}
	if r.Err != nil {
		result.Error = r.Err.Error()
	}

	logger.V(1).Info("benchmark finished",
		"instructions", result.Instructions, "exit", result.ExitCode, "passed", result.Passed)
	return result
}

// PrintResults outputs benchmark results in a human-readable format.
func (h *Harness) PrintResults(results []BenchmarkResult) {
	out := h.config.Output
	_, _ = fmt.Fprintln(out, "=== x86sim Benchmark Results ===")
	_, _ = fmt.Fprintln(out, "")

	for _, r := range results {
		status := "PASS"
		if !r.Passed {
			status = "FAIL"
		}
		_, _ = fmt.Fprintf(out, "Benchmark: %s [%s]\n", r.Name, status)
		_, _ = fmt.Fprintf(out, "  Description:  %s\n", r.Description)
		_, _ = fmt.Fprintf(out, "  Machine:      %s\n", r.Machine)
		_, _ = fmt.Fprintf(out, "  Exit Code:    %d\n", r.ExitCode)
		if r.Error != "" {
			_, _ = fmt.Fprintf(out, "  Error:        %s\n", r.Error)
		}
		_, _ = fmt.Fprintf(out, "  Instructions: %d\n", r.Instructions)
		_, _ = fmt.Fprintln(out, "  --- Block Cache ---")
		_, _ = fmt.Fprintf(out, "  Lookups:      %d\n", r.BlockLookups)
		_, _ = fmt.Fprintf(out, "  Hits:         %d (%.1f%%)\n", r.BlockHits, r.HitRatePercent)
		_, _ = fmt.Fprintf(out, "  Built:        %d\n", r.BlocksBuilt)
		if r.BlocksInvalidated > 0 {
			_, _ = fmt.Fprintf(out, "  Invalidated:  %d\n", r.BlocksInvalidated)
		}
		_, _ = fmt.Fprintf(out, "  Wall Time:    %v (%.1f MIPS)\n", r.WallTime, r.MIPS)
		_, _ = fmt.Fprintln(out, "")
	}
}

// PrintCSV outputs benchmark results in CSV format for easy comparison.
func (h *Harness) PrintCSV(results []BenchmarkResult) {
	_, _ = fmt.Fprintln(h.config.Output,
		"name,instructions,block_lookups,block_hits,blocks_built,blocks_invalidated,exit_code,passed,wall_time_ns,mips")

	for _, r := range results {
		_, _ = fmt.Fprintf(h.config.Output, "%s,%d,%d,%d,%d,%d,%d,%t,%d,%.2f\n",
			r.Name,
			r.Instructions,
			r.BlockLookups,
			r.BlockHits,
			r.BlocksBuilt,
			r.BlocksInvalidated,
			r.ExitCode,
			r.Passed,
			r.WallTime.Nanoseconds(),
			r.MIPS,
		)
	}
}

// BenchmarkReport is the complete output format for benchmark results.
type BenchmarkReport struct {
	Metadata ReportMetadata    `json:"metadata"`
	Results  []BenchmarkResult `json:"results"`
	Summary  ReportSummary     `json:"summary"`
}

// ReportMetadata contains information about the benchmark run.
type ReportMetadata struct {
	// Timestamp when the benchmark was run
	Timestamp   string         `json:"timestamp"`
	Parallelism int            `json:"parallelism"`
	Machine     *config.Config `json:"machine"`
}

// ReportSummary contains aggregate statistics across all benchmarks.
type ReportSummary struct {
	TotalBenchmarks   int           `json:"total_benchmarks"`
	Passed            int           `json:"passed"`
	TotalInstructions uint64        `json:"total_instructions"`
	TotalWallTime     time.Duration `json:"total_wall_time_ns"`
}

// PrintJSON outputs benchmark results in JSON format for automated comparison.
func (h *Harness) PrintJSON(results []BenchmarkResult) error {
	summary := ReportSummary{TotalBenchmarks: len(results)}
	for _, r := range results {
		summary.TotalInstructions += r.Instructions
		summary.TotalWallTime += r.WallTime
		if r.Passed {
			summary.Passed++
		}
	}

	report := BenchmarkReport{
		Metadata: ReportMetadata{
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
			Parallelism: h.config.Parallelism,
			Machine:     h.config.Machine,
		},
		Results: results,
		Summary: summary,
	}

	encoder := json.NewEncoder(h.config.Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
