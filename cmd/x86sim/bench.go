package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/benchmarks"
)

func newBenchCmd(opts *rootOptions) *cobra.Command {
	var (
		cpus       int
		csvOutput  bool
		jsonOutput bool
		coreOnly   bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run the microbenchmark suite and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			machine, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if machine.MaxInstructions == 0 {
				machine.MaxInstructions = benchmarks.DefaultConfig().Machine.MaxInstructions
			}

			config := benchmarks.DefaultConfig()
			config.Machine = machine
			config.Parallelism = cpus
			config.Output = cmd.OutOrStdout()
			config.Logger = opts.logger(cmd.ErrOrStderr())

			harness := benchmarks.NewHarness(config)
			if coreOnly {
				harness.AddBenchmarks(benchmarks.GetCoreBenchmarks())
			} else {
				harness.AddBenchmarks(benchmarks.GetMicrobenchmarks())
			}

			if !csvOutput && !jsonOutput {
				out := cmd.OutOrStdout()
				_, _ = fmt.Fprintln(out, "x86sim Benchmark Harness")
				_, _ = fmt.Fprintln(out, "========================")
				_, _ = fmt.Fprintf(out, "Mode:        %s\n", machine.Mode)
				_, _ = fmt.Fprintf(out, "Decoder:     %s\n", machine.Decoder)
				_, _ = fmt.Fprintf(out, "Block cache: %d sets x %d ways\n",
					machine.BlockCache.Sets, machine.BlockCache.Ways)
				_, _ = fmt.Fprintf(out, "Parallelism: %d\n", cpus)
				_, _ = fmt.Fprintln(out, "")
			}

			results, err := harness.RunAll(cmd.Context())
			if err != nil {
				return err
			}

			switch {
			case jsonOutput:
				if err := harness.PrintJSON(results); err != nil {
					return err
				}
			case csvOutput:
				harness.PrintCSV(results)
			default:
				harness.PrintResults(results)
			}

			for _, r := range results {
				if !r.Passed {
					return &exitError{code: 1}
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&cpus, "cpus", runtime.GOMAXPROCS(0), "Number of machines to run concurrently")
	cmd.Flags().BoolVar(&csvOutput, "csv", false, "Output results in CSV format")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output results in JSON format")
	cmd.Flags().BoolVar(&coreOnly, "core", false, "Run only the core benchmarks")
	cmd.MarkFlagsMutuallyExclusive("csv", "json")
	return cmd
}
