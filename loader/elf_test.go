package loader_test

import (
	"encoding/binary"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/x86sim/emu"
	"github.com/sarchlab/x86sim/loader"
)

// exitCode is "mov al, 42; out 0xf4, al".
var exitCode = []byte{0xB0, 0x2A, 0xE6, 0xF4}

var _ = Describe("ELF Loader", func() {
	var tempDir string

	BeforeEach(func() {
		var err error
		tempDir, err = os.MkdirTemp("", "elf-loader-test")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		_ = os.RemoveAll(tempDir)
	})

	Describe("Load", func() {
		Context("with a valid i386 ELF binary", func() {
			var elfPath string

			BeforeEach(func() {
				elfPath = filepath.Join(tempDir, "test.elf")
				writeELF32(elfPath, 3, 0x8048010, []testSegment{
					{addr: 0x8048000, flags: 0x5, data: append(make([]byte, 0x10), exitCode...)},
				})
			})

			It("should extract the entry point", func() {
				prog, err := loader.Load(elfPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(prog.EntryPoint).To(Equal(uint32(0x8048010)))
			})

			It("should report segment permissions", func() {
				prog, err := loader.Load(elfPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(prog.Segments).To(HaveLen(1))
				Expect(prog.Segments[0].Flags & loader.SegmentFlagExecute).NotTo(BeZero())
				Expect(prog.Segments[0].Flags & loader.SegmentFlagWrite).To(BeZero())
			})

			It("should run in a flat protected-mode machine", func() {
				prog, err := loader.Load(elfPath)
				Expect(err).NotTo(HaveOccurred())

				e := emu.NewEmulator(emu.WithStdout(GinkgoWriter))
				e.CPU().EnterFlatProtectedMode(0x100000, 0)
				prog.Start(e)

				r := e.Run()
				Expect(r.Err).NotTo(HaveOccurred())
				Expect(r.Exited).To(BeTrue())
				Expect(r.ExitCode).To(Equal(int64(42)))
			})
		})

		Context("with multiple segments", func() {
			It("should load code, data and BSS", func() {
				elfPath := filepath.Join(tempDir, "multi.elf")
				writeELF32(elfPath, 3, 0x1000, []testSegment{
					{addr: 0x1000, flags: 0x5, data: exitCode},
					{addr: 0x3000, flags: 0x6, data: []byte{1, 2, 3, 4}, memSize: 0x100},
				})

				prog, err := loader.Load(elfPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(prog.Segments).To(HaveLen(2))
				Expect(prog.Segments[1].MemSize).To(Equal(uint32(0x100)))

				mem := emu.NewMemory()
				mem.Write8(0x3080, 0xFF)
				prog.LoadInto(mem)

				Expect(mem.ReadBytes(0x1000, 4)).To(Equal(exitCode))
				Expect(mem.Read32(0x3000)).To(Equal(uint32(0x04030201)))
				Expect(mem.Read8(0x3080)).To(BeZero())
			})

			It("should skip segments that are not PT_LOAD", func() {
				elfPath := filepath.Join(tempDir, "note.elf")
				writeELF32(elfPath, 3, 0x1000, []testSegment{
					{typ: 4, addr: 0, flags: 0x4, data: []byte{0}},
					{addr: 0x1000, flags: 0x5, data: exitCode},
				})

				prog, err := loader.Load(elfPath)
				Expect(err).NotTo(HaveOccurred())
				Expect(prog.Segments).To(HaveLen(1))
				Expect(prog.Segments[0].Addr).To(Equal(uint32(0x1000)))
			})
		})

		Context("with an invalid file", func() {
			It("should return error for non-existent file", func() {
				_, err := loader.Load("/nonexistent/path/to/file.elf")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to open"))
			})

			It("should return error for non-ELF file", func() {
				notElfPath := filepath.Join(tempDir, "not-elf.bin")
				Expect(os.WriteFile(notElfPath, []byte("not an elf file"), 0644)).To(Succeed())

				_, err := loader.Load(notElfPath)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("ELF"))
			})

			It("should reject other machines", func() {
				elfPath := filepath.Join(tempDir, "arm.elf")
				writeELF32(elfPath, 40, 0x1000, nil) // EM_ARM

				_, err := loader.Load(elfPath)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("not an i386"))
			})

			It("should reject 64-bit files", func() {
				elfPath := filepath.Join(tempDir, "elf64.elf")
				createMinimal64BitELF(elfPath)

				_, err := loader.Load(elfPath)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("not a 32-bit"))
			})

			It("should reject file sizes above memory sizes", func() {
				elfPath := filepath.Join(tempDir, "bad.elf")
				writeELF32(elfPath, 3, 0x1000, []testSegment{
					{addr: 0x1000, flags: 0x5, data: exitCode, memSize: 2},
				})

				_, err := loader.Load(elfPath)
				Expect(err).To(HaveOccurred())
			})
		})
	})

	Describe("LoadFile", func() {
		It("should treat files without the ELF magic as flat binaries", func() {
			path := filepath.Join(tempDir, "boot.bin")
			Expect(os.WriteFile(path, exitCode, 0644)).To(Succeed())

			prog, err := loader.LoadFile(path, 0x7C00)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.EntryPoint).To(Equal(uint32(0x7C00)))
			Expect(prog.Segments).To(HaveLen(1))
			Expect(prog.Segments[0].Data).To(Equal(exitCode))
		})

		It("should parse ELF files", func() {
			path := filepath.Join(tempDir, "prog.elf")
			writeELF32(path, 3, 0x2000, []testSegment{{addr: 0x2000, flags: 0x5, data: exitCode}})

			prog, err := loader.LoadFile(path, 0x7C00)
			Expect(err).NotTo(HaveOccurred())
			Expect(prog.EntryPoint).To(Equal(uint32(0x2000)))
		})

		It("should run a flat image in real mode", func() {
			path := filepath.Join(tempDir, "boot.bin")
			Expect(os.WriteFile(path, exitCode, 0644)).To(Succeed())

			prog, err := loader.LoadFile(path, 0x7C00)
			Expect(err).NotTo(HaveOccurred())

			e := emu.NewEmulator(emu.WithStdout(GinkgoWriter))
			prog.Start(e)
			r := e.Run()

			Expect(r.Exited).To(BeTrue())
			Expect(r.ExitCode).To(Equal(int64(42)))
		})
	})
})

type testSegment struct {
	typ     uint32 // PT_LOAD when zero
	addr    uint32
	flags   uint32
	data    []byte
	memSize uint32 // len(data) when zero
}

// writeELF32 writes a little-endian ELF32 executable with one program
// header per segment and no sections.
func writeELF32(path string, machine uint16, entry uint32, segs []testSegment) {
	const (
		ehsize    = 52
		phentsize = 32
	)

	elfHeader := make([]byte, ehsize)
	copy(elfHeader[0:4], []byte{0x7f, 'E', 'L', 'F'})
	elfHeader[4] = 1                                                   // 32-bit
	elfHeader[5] = 1                                                   // little endian
	elfHeader[6] = 1                                                   // version
	binary.LittleEndian.PutUint16(elfHeader[16:18], 2)                 // executable
	binary.LittleEndian.PutUint16(elfHeader[18:20], machine)           // machine
	binary.LittleEndian.PutUint32(elfHeader[20:24], 1)                 // version
	binary.LittleEndian.PutUint32(elfHeader[24:28], entry)             // entry
	binary.LittleEndian.PutUint32(elfHeader[28:32], ehsize)            // phoff
	binary.LittleEndian.PutUint16(elfHeader[40:42], ehsize)            // ehsize
	binary.LittleEndian.PutUint16(elfHeader[42:44], phentsize)         // phentsize
	binary.LittleEndian.PutUint16(elfHeader[44:46], uint16(len(segs))) // phnum
	binary.LittleEndian.PutUint16(elfHeader[46:48], 40)                // shentsize

	offset := uint32(ehsize + phentsize*len(segs))
	var progHeaders, contents []byte
	for _, s := range segs {
		typ, memSize := s.typ, s.memSize
		if typ == 0 {
			typ = 1
		}
		if memSize == 0 {
			memSize = uint32(len(s.data))
		}

		ph := make([]byte, phentsize)
		binary.LittleEndian.PutUint32(ph[0:4], typ)                   // type
		binary.LittleEndian.PutUint32(ph[4:8], offset)                // offset
		binary.LittleEndian.PutUint32(ph[8:12], s.addr)               // vaddr
		binary.LittleEndian.PutUint32(ph[12:16], s.addr)              // paddr
		binary.LittleEndian.PutUint32(ph[16:20], uint32(len(s.data))) // filesz
		binary.LittleEndian.PutUint32(ph[20:24], memSize)             // memsz
		binary.LittleEndian.PutUint32(ph[24:28], s.flags)             // flags
		binary.LittleEndian.PutUint32(ph[28:32], 0x1000)              // align

		progHeaders = append(progHeaders, ph...)
		contents = append(contents, s.data...)
		offset += uint32(len(s.data))
	}

	file, _ := os.Create(path)
	defer func() { _ = file.Close() }()
	_, _ = file.Write(elfHeader)
	_, _ = file.Write(progHeaders)
	_, _ = file.Write(contents)
}

// createMinimal64BitELF creates a minimal x86-64 ELF to test rejection.
func createMinimal64BitELF(path string) {
	elfHeader := make([]byte, 64)

	copy(elfHeader[0:4], []byte{0x7f, 'E', 'L', 'F'})
	elfHeader[4] = 2                                    // 64-bit
	elfHeader[5] = 1                                    // little endian
	elfHeader[6] = 1                                    // version
	binary.LittleEndian.PutUint16(elfHeader[16:18], 2)  // executable
	binary.LittleEndian.PutUint16(elfHeader[18:20], 62) // x86-64
	binary.LittleEndian.PutUint32(elfHeader[20:24], 1)  // version
	binary.LittleEndian.PutUint64(elfHeader[32:40], 64) // phoff
	binary.LittleEndian.PutUint16(elfHeader[52:54], 64) // ehsize
	binary.LittleEndian.PutUint16(elfHeader[54:56], 56) // phentsize

	file, _ := os.Create(path)
	defer func() { _ = file.Close() }()
	_, _ = file.Write(elfHeader)
}
