package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/insts"
	"github.com/sarchlab/x86sim/loader"
)

func newDisasmCmd(opts *rootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "disasm <image>",
		Short: "Disassemble an image from its entry point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			prog, err := loader.LoadFile(args[0], cfg.LoadAddress)
			if err != nil {
				return err
			}

			mode := insts.Width32
			if cfg.Mode == config.ModeReal {
				mode = insts.Width16
			}
			return disassemble(cmd.OutOrStdout(), prog, mode, count)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 32, "Number of instructions to print")
	return cmd
}

// disassemble prints up to count instructions of the segment holding the
// entry point, starting at the entry point.
func disassemble(w io.Writer, prog *loader.Program, mode insts.Width, count int) error {
	var code []byte
	for _, seg := range prog.Segments {
		if prog.EntryPoint >= seg.Addr && prog.EntryPoint-seg.Addr < uint32(len(seg.Data)) {
			code = seg.Data[prog.EntryPoint-seg.Addr:]
			break
		}
	}
	if code == nil {
		return fmt.Errorf("entry point 0x%x is not inside a loaded segment", prog.EntryPoint)
	}

	addr := prog.EntryPoint
	for i := 0; i < count && len(code) > 0; i++ {
		text, n := insts.Disassemble(code, addr, mode)
		_, _ = fmt.Fprintf(w, "%08x  %-24x %s\n", addr, code[:n], text)
		code = code[n:]
		addr += uint32(n)
	}
	return nil
}
