// Command x86sim runs 16/32-bit x86 images on the x86sim engine.
//
// Usage:
//
//	x86sim run [flags] <image>
//	x86sim disasm [flags] <image>
//	x86sim bench [flags]
//	x86sim monitor [flags] <image>
//
// Images are 32-bit i386 ELF executables or flat binaries. Flat binaries
// are loaded at the configured load address and entered at their first
// byte.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/config"
)

// exitError carries the guest exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

type rootOptions struct {
	configPath string
	verbose    int
	real       bool
}

// loadConfig returns the configuration file named by --config, or the
// defaults, with command line overrides applied.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
	}

	if o.real {
		cfg.Mode = config.ModeReal
		if cfg.StackPointer > 0xFFFF {
			cfg.StackPointer = 0xFFFE
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *rootOptions) logger(w io.Writer) logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			_, _ = fmt.Fprintf(w, "%s: %s\n", prefix, args)
			return
		}
		_, _ = fmt.Fprintln(w, args)
	}, funcr.Options{Verbosity: o.verbose})
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "x86sim",
		Short: "Software x86 16/32-bit execution engine",
		Long: `x86sim decodes and executes real-mode and protected-mode x86 code with a
decoded block cache, lazily evaluated flags and segment protection checks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML or JSON machine configuration")
	root.PersistentFlags().CountVarP(&opts.verbose, "verbose", "v", "Increase log verbosity (repeatable)")
	root.PersistentFlags().BoolVar(&opts.real, "real", false, "Start in 16-bit real mode")

	root.AddCommand(
		newRunCmd(opts),
		newDisasmCmd(opts),
		newBenchCmd(opts),
		newMonitorCmd(opts),
	)
	return root
}

func main() {
	root := newRootCmd()
	err := root.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
