package main

import (
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/go-logr/logr"
	"github.com/rs/xid"
	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/loader"
)

// machine is a loaded image on a prepared emulator.
type machine struct {
	id       string
	emu      *emu.Emulator
	program  *loader.Program
	syscalls *emu.LinuxSyscallHandler
	logger   logr.Logger
}

// boot builds an emulator from the configuration and loads the image at
// path into it.
func boot(cmd *cobra.Command, opts *rootOptions, path string, cfg *config.Config) (*machine, error) {
	prog, err := loader.LoadFile(path, cfg.LoadAddress)
	if err != nil {
		return nil, err
	}

	id := xid.New().String()
	logger := opts.logger(cmd.ErrOrStderr()).WithValues("machine", id)

	emuOpts := []emu.EmulatorOption{
		emu.WithLogger(logger),
		emu.WithStdout(cmd.OutOrStdout()),
		emu.WithStdin(cmd.InOrStdin()),
	}
	var syscalls *emu.LinuxSyscallHandler
	if cfg.LinuxSyscalls {
		syscalls = emu.NewLinuxSyscallHandler(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		syscalls.SetBreak(prog.Break())
		emuOpts = append(emuOpts, emu.WithSyscallHandler(syscalls))
	}

	e := cfg.NewEmulator(emuOpts...)
	prog.Start(e)

	logger.V(1).Info("image loaded",
		"path", path,
		"mode", cfg.Mode,
		"entry", fmt.Sprintf("0x%x", prog.EntryPoint),
		"segments", len(prog.Segments))

	return &machine{id: id, emu: e, program: prog, syscalls: syscalls, logger: logger}, nil
}

// close releases host files the guest left open.
func (m *machine) close() {
	if m.syscalls != nil {
		m.syscalls.FDs().CloseAll()
	}
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		maxInstructions uint64
		dumpState       bool
		cpuProfile      string
		memProfile      string
	)

	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Execute an image until it exits, halts or faults",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-instructions") {
				cfg.MaxInstructions = maxInstructions
			}

			m, err := boot(cmd, opts, args[0], cfg)
			if err != nil {
				return err
			}
			defer m.close()

			if cpuProfile != "" {
				stop, err := startCPUProfile(cpuProfile)
				if err != nil {
					return err
				}
				defer stop()
			}

			r := m.emu.Run()
			stats := m.emu.CacheStats()
			m.logger.V(1).Info("run finished",
				"instructions", m.emu.InstructionCount(),
				"blockLookups", stats.Lookups,
				"blockHits", stats.Hits,
				"blocksBuilt", stats.Inserts,
				"blocksInvalidated", stats.Invalidations)

			if dumpState || opts.verbose > 0 {
				p := newPainter(cmd.ErrOrStderr())
				printState(p, m.emu)
				printResult(p, r)
			}

			if memProfile != "" {
				if err := writeHeapProfile(memProfile); err != nil {
					return err
				}
			}

			return runError(r)
		},
	}

	cmd.Flags().Uint64Var(&maxInstructions, "max-instructions", 0, "Stop after this many instructions (0: no limit)")
	cmd.Flags().BoolVar(&dumpState, "dump", false, "Print the final processor state")
	cmd.Flags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the run to this file")
	cmd.Flags().StringVar(&memProfile, "memprofile", "", "Write a heap profile after the run to this file")
	return cmd
}

func startCPUProfile(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating CPU profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error starting CPU profile: %w", err)
	}
	return func() {
		pprof.StopCPUProfile()
		_ = f.Close()
	}, nil
}

func writeHeapProfile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating memory profile: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("error writing memory profile: %w", err)
	}
	return nil
}

// runError maps the end of a run to the command result. A guest exit code
// becomes the process exit code. Unhandled faults and the instruction
// limit are errors.
func runError(r emu.StepResult) error {
	switch {
	case r.Exited:
		if r.ExitCode != 0 {
			return &exitError{code: int(r.ExitCode & 0xFF)}
		}
		return nil
	case r.Err != nil:
		return r.Err
	default:
		return nil
	}
}
