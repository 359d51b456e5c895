package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/insts"
)

const monitorHelp = `commands:
  s, step [n]          execute n instructions (default 1)
  b, block             execute one basic block
  c, continue          run until exit, halt, fault or the instruction limit
  r, regs              print the processor state
  m, mem <addr> [n]    dump n bytes (default 64) of linear memory
  u, disasm [addr] [n] disassemble n instructions (default 8) at addr or CS:EIP
  q, quit              leave the monitor`

// monitor is an interactive stepping console over one machine.
type monitor struct {
	emu  *emu.Emulator
	out  painter
	done bool
}

func newMonitor(e *emu.Emulator, w io.Writer, colored bool) *monitor {
	return &monitor{emu: e, out: painter{w: w, enabled: colored}}
}

func parseNumber(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", s)
	}
	return uint32(v), nil
}

func (m *monitor) finish(r emu.StepResult) {
	if r.Exited || r.Halted || r.Err != nil {
		printResult(m.out, r)
		m.done = r.Exited || r.Halted
	}
}

// exec runs one console command. It returns false once the session should
// end.
func (m *monitor) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	var err error
	switch fields[0] {
	case "s", "step":
		err = m.step(fields[1:])
	case "b", "block":
		if m.ensureRunnable() {
			m.finish(m.emu.RunBlock())
		}
	case "c", "continue":
		if m.ensureRunnable() {
			m.finish(m.emu.Run())
		}
	case "r", "regs":
		printState(m.out, m.emu)
	case "m", "mem":
		err = m.mem(fields[1:])
	case "u", "disasm":
		err = m.disasm(fields[1:])
	case "h", "help", "?":
		m.out.printf(color.Reset, "%s\n", monitorHelp)
	case "q", "quit", "exit":
		return false
	default:
		err = fmt.Errorf("unknown command %q (try help)", fields[0])
	}

	if err != nil {
		m.out.printf(color.FgRed, "%v\n", err)
	}
	return true
}

func (m *monitor) ensureRunnable() bool {
	if m.done {
		m.out.printf(color.FgYellow, "machine has stopped\n")
		return false
	}
	return true
}

func (m *monitor) step(args []string) error {
	n := uint32(1)
	if len(args) > 0 {
		var err error
		if n, err = parseNumber(args[0]); err != nil {
			return err
		}
	}

	for i := uint32(0); i < n && m.ensureRunnable(); i++ {
		cpu := m.emu.CPU()
		m.out.printf(color.FgGreen, "%04x:%08x  %s\n",
			cpu.Seg(insts.SegCS).Selector, cpu.EIP, nextInstruction(m.emu))

		r := m.emu.Step()
		m.finish(r)
		if r.Err != nil {
			break
		}
	}
	return nil
}

func (m *monitor) mem(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: mem <addr> [n]")
	}
	addr, err := parseNumber(args[0])
	if err != nil {
		return err
	}
	n := uint32(64)
	if len(args) > 1 {
		if n, err = parseNumber(args[1]); err != nil {
			return err
		}
	}

	data := m.emu.Memory().ReadBytes(addr, int(n))
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		m.out.printf(color.Reset, "%08x  % x\n", addr+uint32(off), data[off:end])
	}
	return nil
}

func (m *monitor) disasm(args []string) error {
	cpu := m.emu.CPU()
	addr := cpu.LinearIP()
	ip := cpu.EIP
	n := uint32(8)

	if len(args) > 0 {
		v, err := parseNumber(args[0])
		if err != nil {
			return err
		}
		addr, ip = v, v
	}
	if len(args) > 1 {
		v, err := parseNumber(args[1])
		if err != nil {
			return err
		}
		n = v
	}

	for i := uint32(0); i < n; i++ {
		code := m.emu.Memory().ReadBytes(addr, 15)
		text, size := insts.Disassemble(code, ip, cpu.CodeSize())
		m.out.printf(color.Reset, "%08x  %-24s %s\n", ip, hex.EncodeToString(code[:size]), text)
		addr += uint32(size)
		ip += uint32(size)
	}
	return nil
}

func newMonitorCmd(opts *rootOptions) *cobra.Command {
	var historyFile string

	cmd := &cobra.Command{
		Use:   "monitor <image>",
		Short: "Step through an image interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}

			m, err := boot(cmd, opts, args[0], cfg)
			if err != nil {
				return err
			}
			defer m.close()

			rl, err := readline.NewEx(&readline.Config{
				Prompt:      "x86sim> ",
				HistoryFile: historyFile,
				Stdin:       io.NopCloser(cmd.InOrStdin()),
				Stdout:      cmd.OutOrStdout(),
				Stderr:      cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("failed to start readline: %w", err)
			}
			defer func() { _ = rl.Close() }()

			mon := newMonitor(m.emu, rl.Stdout(), isTerminal(cmd.OutOrStdout()))
			mon.out.printf(color.FgCyan, "machine %s loaded, entry 0x%x (type help for commands)\n",
				m.id, m.program.EntryPoint)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if err != nil {
					return nil
				}
				if !mon.exec(line) {
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVar(&historyFile, "history", "", "File to keep command history in")
	return cmd
}
