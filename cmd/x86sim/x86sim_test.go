package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/config"
	"github.com/sarchlab/x86sim/emu"
)

// mov eax, 42; out 0xF4, eax
var exit42 = []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xE7, 0xF4}

var _ = Describe("x86sim command", func() {
	var dir string

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
	})

	writeImage := func(name string, code []byte) string {
		path := filepath.Join(dir, name)
		Expect(os.WriteFile(path, code, 0644)).To(Succeed())
		return path
	}

	execute := func(args ...string) (string, string, error) {
		root := newRootCmd()
		var stdout, stderr bytes.Buffer
		root.SetOut(&stdout)
		root.SetErr(&stderr)
		root.SetIn(strings.NewReader(""))
		root.SetArgs(args)
		err := root.ExecuteContext(context.Background())
		return stdout.String(), stderr.String(), err
	}

	exitCode := func(err error) int {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		return -1
	}

	Describe("run", func() {
		It("should return the guest exit code", func() {
			_, _, err := execute("run", writeImage("exit.bin", exit42))

			Expect(exitCode(err)).To(Equal(42))
		})

		It("should succeed on exit code zero", func() {
			// xor eax, eax; out 0xF4, eax
			_, _, err := execute("run", writeImage("zero.bin", []byte{0x31, 0xC0, 0xE7, 0xF4}))

			Expect(err).NotTo(HaveOccurred())
		})

		It("should write the debug console to stdout", func() {
			code := []byte{
				0xB0, 'h', 0xE6, 0xE9,
				0xB0, 'i', 0xE6, 0xE9,
				0x31, 0xC0, 0xE7, 0xF4,
			}
			stdout, _, err := execute("run", writeImage("hello.bin", code))

			Expect(err).NotTo(HaveOccurred())
			Expect(stdout).To(Equal("hi"))
		})

		It("should service Linux system calls", func() {
			code := []byte{
				0xB8, 0x04, 0x00, 0x00, 0x00, // mov eax, 4 (write)
				0xBB, 0x01, 0x00, 0x00, 0x00, // mov ebx, 1
				0xB9, 0x22, 0x10, 0x00, 0x00, // mov ecx, msg
				0xBA, 0x02, 0x00, 0x00, 0x00, // mov edx, 2
				0xCD, 0x80,
				0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1 (exit)
				0xBB, 0x05, 0x00, 0x00, 0x00, // mov ebx, 5
				0xCD, 0x80,
				'o', 'k',
			}
			stdout, _, err := execute("run", writeImage("linux.bin", code))

			Expect(exitCode(err)).To(Equal(5))
			Expect(stdout).To(Equal("ok"))
		})

		It("should report an unhandled fault", func() {
			_, _, err := execute("run", writeImage("ud.bin", []byte{0x0F, 0xFF}))

			f, ok := emu.AsFault(err)
			Expect(ok).To(BeTrue())
			Expect(f.Vector).To(Equal(emu.VectorUD))
		})

		It("should stop at the instruction limit", func() {
			// jmp $
			_, _, err := execute("run", "--max-instructions", "100", writeImage("spin.bin", []byte{0xEB, 0xFE}))

			Expect(err).To(MatchError(emu.ErrInstructionLimit))
		})

		It("should run 16-bit code in real mode", func() {
			// mov ax, 7; out 0xF4, ax
			_, _, err := execute("--real", "run", writeImage("real.bin", []byte{0xB8, 0x07, 0x00, 0xE7, 0xF4}))

			Expect(exitCode(err)).To(Equal(7))
		})

		It("should take the mode from a configuration file", func() {
			cfg := config.Default()
			cfg.Mode = config.ModeReal
			cfg.StackPointer = 0xFFFE
			cfgPath := filepath.Join(dir, "machine.yaml")
			Expect(cfg.Save(cfgPath)).To(Succeed())

			_, _, err := execute("--config", cfgPath, "run", writeImage("real.bin", []byte{0xB8, 0x07, 0x00, 0xE7, 0xF4}))

			Expect(exitCode(err)).To(Equal(7))
		})

		It("should reject an invalid configuration", func() {
			cfgPath := filepath.Join(dir, "bad.json")
			Expect(os.WriteFile(cfgPath, []byte(`{"decoder": "magic"}`), 0644)).To(Succeed())

			_, _, err := execute("--config", cfgPath, "run", writeImage("exit.bin", exit42))

			Expect(err).To(MatchError(ContainSubstring("decoder")))
		})

		It("should dump the final state on request", func() {
			_, stderr, err := execute("run", "--dump", writeImage("exit.bin", exit42))

			Expect(exitCode(err)).To(Equal(42))
			Expect(stderr).To(ContainSubstring("EAX=0000002a"))
			Expect(stderr).To(ContainSubstring("exited with code 42"))
		})

		It("should write CPU and heap profiles", func() {
			cpu := filepath.Join(dir, "cpu.pprof")
			heap := filepath.Join(dir, "heap.pprof")

			_, _, err := execute("run", "--cpuprofile", cpu, "--memprofile", heap, writeImage("exit.bin", exit42))

			Expect(exitCode(err)).To(Equal(42))
			for _, p := range []string{cpu, heap} {
				info, statErr := os.Stat(p)
				Expect(statErr).NotTo(HaveOccurred())
				Expect(info.Size()).To(BeNumerically(">", 0))
			}
		})

		It("should fail on a missing image", func() {
			_, _, err := execute("run", filepath.Join(dir, "missing.bin"))

			Expect(err).To(HaveOccurred())
			Expect(exitCode(err)).To(Equal(-1))
		})
	})

	Describe("disasm", func() {
		It("should print instructions from the entry point", func() {
			stdout, _, err := execute("disasm", "-n", "2", writeImage("exit.bin", exit42))

			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			Expect(lines).To(HaveLen(2))
			Expect(lines[0]).To(HavePrefix("00001000  b82a000000"))
			Expect(lines[0]).To(ContainSubstring("mov eax"))
			Expect(lines[1]).To(HavePrefix("00001005  e7f4"))
		})
	})

	Describe("bench", func() {
		It("should run the core benchmarks as CSV", func() {
			stdout, _, err := execute("bench", "--core", "--csv", "--cpus", "2")

			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(stdout), "\n")
			Expect(lines).To(HaveLen(4))
			Expect(lines[0]).To(HavePrefix("name,instructions"))
			for _, row := range lines[1:] {
				Expect(row).To(ContainSubstring(",true,"))
			}
		})

		It("should reject both output formats at once", func() {
			_, _, err := execute("bench", "--csv", "--json")

			Expect(err).To(HaveOccurred())
		})
	})

	Describe("monitor console", func() {
		var (
			out *bytes.Buffer
			mon *monitor
		)

		BeforeEach(func() {
			e := config.Default().NewEmulator(emu.WithLogger(GinkgoLogr))
			e.LoadProgram(0x1000, exit42)

			out = &bytes.Buffer{}
			mon = newMonitor(e, out, false)
		})

		It("should step and show the executed instruction", func() {
			Expect(mon.exec("step")).To(BeTrue())

			Expect(out.String()).To(ContainSubstring("0008:00001000  mov eax"))
			Expect(mon.emu.RegFile().Read32(emu.EAX)).To(Equal(uint32(42)))
		})

		It("should print registers", func() {
			mon.exec("s")
			out.Reset()

			mon.exec("regs")

			Expect(out.String()).To(ContainSubstring("EAX=0000002a"))
			Expect(out.String()).To(ContainSubstring("EIP=00001005"))
			Expect(out.String()).To(ContainSubstring("protected cpl0"))
		})

		It("should run to the exit and then refuse to continue", func() {
			mon.exec("c")
			Expect(out.String()).To(ContainSubstring("exited with code 42"))

			mon.exec("c")
			Expect(out.String()).To(ContainSubstring("machine has stopped"))
		})

		It("should dump memory", func() {
			mon.exec("m 0x1000 4")

			Expect(out.String()).To(ContainSubstring("00001000  b8 2a 00 00"))
		})

		It("should disassemble ahead of EIP", func() {
			mon.exec("u 0x1000 2")

			Expect(out.String()).To(ContainSubstring("00001005  e7f4"))
		})

		It("should report bad input", func() {
			mon.exec("frobnicate")
			mon.exec("mem")
			mon.exec("step x")

			Expect(out.String()).To(ContainSubstring("unknown command"))
			Expect(out.String()).To(ContainSubstring("usage: mem"))
			Expect(out.String()).To(ContainSubstring(`bad number "x"`))
		})

		It("should end the session on quit", func() {
			Expect(mon.exec("")).To(BeTrue())
			Expect(mon.exec("quit")).To(BeFalse())
		})
	})
})
