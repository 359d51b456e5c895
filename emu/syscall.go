package emu

import (
	"errors"
	"io"
	"os"

	"github.com/sarchlab/x86sim/insts"
)

// SyscallVector is the software interrupt i386 Linux programs use for
// system calls.
const SyscallVector Vector = 0x80

// i386 Linux syscall numbers.
const (
	SyscallExit      uint32 = 1   // exit(status)
	SyscallRead      uint32 = 3   // read(fd, buf, count)
	SyscallWrite     uint32 = 4   // write(fd, buf, count)
	SyscallOpen      uint32 = 5   // open(path, flags, mode)
	SyscallClose     uint32 = 6   // close(fd)
	SyscallLseek     uint32 = 19  // lseek(fd, offset, whence)
	SyscallGetpid    uint32 = 20  // getpid()
	SyscallBrk       uint32 = 45  // brk(addr)
	SyscallExitGroup uint32 = 252 // exit_group(status)
)

// Linux error codes.
const (
	EBADF  = 9  // Bad file descriptor
	EFAULT = 14 // Bad address
	EINVAL = 22 // Invalid argument
	ENOENT = 2  // No such file or directory
	ENOSYS = 38 // Function not implemented
	EIO    = 5  // I/O error
)

// maxPath bounds the length of a path argument.
const maxPath = 4096

// SyscallResult represents the result of a syscall execution.
type SyscallResult struct {
	// Exited is true if the syscall caused program termination.
	Exited bool

	// ExitCode is the exit status if Exited is true.
	ExitCode int64
}

// SyscallHandler services INT 0x80.
type SyscallHandler interface {
	// Handle executes the syscall indicated by the processor state.
	// i386 Linux convention:
	//   - Syscall number in EAX
	//   - Arguments in EBX, ECX, EDX, ESI, EDI, EBP
	//   - Return value in EAX
	Handle(c *CPU) SyscallResult
}

// LinuxSyscallHandler implements the i386 Linux calls a statically linked
// program needs for console and file I/O.
type LinuxSyscallHandler struct {
	fds   *FDTable
	stdin io.Reader
	brk   uint32
}

// NewLinuxSyscallHandler creates a handler whose standard streams are
// stdin, stdout and stderr.
func NewLinuxSyscallHandler(stdin io.Reader, stdout, stderr io.Writer) *LinuxSyscallHandler {
	return &LinuxSyscallHandler{
		fds:   NewFDTable(stdout, stderr),
		stdin: stdin,
	}
}

// FDs returns the file descriptor table.
func (h *LinuxSyscallHandler) FDs() *FDTable {
	return h.fds
}

// SetBreak sets the initial program break, normally the end of the
// highest loaded segment.
func (h *LinuxSyscallHandler) SetBreak(addr uint32) {
	h.brk = addr
}

// Handle executes the syscall indicated by the processor state.
func (h *LinuxSyscallHandler) Handle(c *CPU) SyscallResult {
	switch c.Regs.Read32(EAX) {
	case SyscallExit, SyscallExitGroup:
		return SyscallResult{Exited: true, ExitCode: int64(int32(c.Regs.Read32(EBX)))}
	case SyscallRead:
		h.handleRead(c)
	case SyscallWrite:
		h.handleWrite(c)
	case SyscallOpen:
		h.handleOpen(c)
	case SyscallClose:
		h.handleClose(c)
	case SyscallLseek:
		h.handleLseek(c)
	case SyscallGetpid:
		c.Regs.Write32(EAX, 1)
	case SyscallBrk:
		h.handleBrk(c)
	default:
		setError(c, ENOSYS)
	}
	return SyscallResult{}
}

// buffer translates a DS-relative guest buffer.
func buffer(c *CPU, ptr, count uint32, acc Access) (uint32, bool) {
	if count == 0 {
		return 0, true
	}
	addr, err := c.linear(insts.SegDS, ptr, count, acc)
	return addr, err == nil
}

func (h *LinuxSyscallHandler) handleRead(c *CPU) {
	fd := c.Regs.Read32(EBX)
	ptr := c.Regs.Read32(ECX)
	count := c.Regs.Read32(EDX)

	addr, ok := buffer(c, ptr, count, AccessWrite)
	if !ok {
		setError(c, EFAULT)
		return
	}

	buf := make([]byte, count)
	var (
		n   int
		err error
	)
	if fd == 0 {
		if h.stdin == nil {
			c.Regs.Write32(EAX, 0)
			return
		}
		n, err = h.stdin.Read(buf)
	} else {
		n, err = h.fds.Read(fd, buf)
	}
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			c.Regs.Write32(EAX, 0)
			return
		}
		setError(c, errnoFor(err))
		return
	}

	c.mem.LoadProgram(addr, buf[:n])
	c.Regs.Write32(EAX, uint32(n))
}

func (h *LinuxSyscallHandler) handleWrite(c *CPU) {
	fd := c.Regs.Read32(EBX)
	ptr := c.Regs.Read32(ECX)
	count := c.Regs.Read32(EDX)

	addr, ok := buffer(c, ptr, count, AccessRead)
	if !ok {
		setError(c, EFAULT)
		return
	}

	n, err := h.fds.Write(fd, c.mem.ReadBytes(addr, int(count)))
	if err != nil {
		setError(c, errnoFor(err))
		return
	}
	c.Regs.Write32(EAX, uint32(n))
}

func (h *LinuxSyscallHandler) handleOpen(c *CPU) {
	path, ok := readString(c, c.Regs.Read32(EBX))
	if !ok {
		setError(c, EFAULT)
		return
	}

	fd, err := h.fds.Open(path, int(c.Regs.Read32(ECX)), os.FileMode(c.Regs.Read32(EDX)&0o777))
	if err != nil {
		setError(c, errnoFor(err))
		return
	}
	c.Regs.Write32(EAX, fd)
}

func (h *LinuxSyscallHandler) handleClose(c *CPU) {
	if err := h.fds.Close(c.Regs.Read32(EBX)); err != nil {
		setError(c, errnoFor(err))
		return
	}
	c.Regs.Write32(EAX, 0)
}

func (h *LinuxSyscallHandler) handleLseek(c *CPU) {
	off := int64(int32(c.Regs.Read32(ECX)))
	pos, err := h.fds.Seek(c.Regs.Read32(EBX), off, int(c.Regs.Read32(EDX)))
	if err != nil {
		setError(c, errnoFor(err))
		return
	}
	c.Regs.Write32(EAX, uint32(pos))
}

// handleBrk grows or reports the program break. Memory is sparse, so
// moving the break only records it.
func (h *LinuxSyscallHandler) handleBrk(c *CPU) {
	if want := c.Regs.Read32(EBX); want != 0 && want >= h.brk {
		h.brk = want
	}
	c.Regs.Write32(EAX, h.brk)
}

// readString reads a NUL-terminated DS-relative string.
func readString(c *CPU, ptr uint32) (string, bool) {
	var out []byte
	for i := uint32(0); i < maxPath; i++ {
		addr, ok := buffer(c, ptr+i, 1, AccessRead)
		if !ok {
			return "", false
		}
		b := c.mem.Read8(addr)
		if b == 0 {
			return string(out), true
		}
		out = append(out, b)
	}
	return "", false
}

func errnoFor(err error) int {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ENOENT
	case errors.Is(err, os.ErrInvalid), errors.Is(err, os.ErrClosed):
		return EBADF
	default:
		return EIO
	}
}

// setError sets EAX to -errno.
func setError(c *CPU, errno int) {
	c.Regs.Write32(EAX, uint32(-int32(errno)))
}
