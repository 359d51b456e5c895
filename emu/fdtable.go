package emu

import (
	"io"
	"os"
	"sync"
)

// Guest open(2) flags as defined by the i386 Linux ABI.
const (
	linuxOWronly = 0x1
	linuxORdwr   = 0x2
	linuxOCreat  = 0x40
	linuxOExcl   = 0x80
	linuxOTrunc  = 0x200
	linuxOAppend = 0x400
)

// FileDescriptor represents an open file descriptor.
type FileDescriptor struct {
	HostFile *os.File  // Host file handle (nil for standard streams)
	Writer   io.Writer // Sink for stdout and stderr
	Path     string
	IsOpen   bool
}

// FDTable maps guest file descriptors to host files.
type FDTable struct {
	fds    map[uint32]*FileDescriptor
	nextFD uint32
	mu     sync.Mutex
}

// NewFDTable creates a table with descriptors 1 and 2 bound to stdout and
// stderr. Descriptor 0 is reserved for stdin, which the syscall handler
// reads directly.
func NewFDTable(stdout, stderr io.Writer) *FDTable {
	t := &FDTable{
		fds:    make(map[uint32]*FileDescriptor),
		nextFD: 3,
	}

	t.fds[0] = &FileDescriptor{Path: "stdin", IsOpen: true}
	t.fds[1] = &FileDescriptor{Path: "stdout", Writer: stdout, IsOpen: true}
	t.fds[2] = &FileDescriptor{Path: "stderr", Writer: stderr, IsOpen: true}

	return t
}

func hostOpenFlags(guest int) int {
	var flags int
	switch {
	case guest&linuxORdwr != 0:
		flags = os.O_RDWR
	case guest&linuxOWronly != 0:
		flags = os.O_WRONLY
	default:
		flags = os.O_RDONLY
	}
	if guest&linuxOCreat != 0 {
		flags |= os.O_CREATE
	}
	if guest&linuxOExcl != 0 {
		flags |= os.O_EXCL
	}
	if guest&linuxOTrunc != 0 {
		flags |= os.O_TRUNC
	}
	if guest&linuxOAppend != 0 {
		flags |= os.O_APPEND
	}
	return flags
}

// Open opens a host file with guest open(2) flags and returns a new
// descriptor.
func (t *FDTable) Open(path string, guestFlags int, mode os.FileMode) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	hostFile, err := os.OpenFile(path, hostOpenFlags(guestFlags), mode)
	if err != nil {
		return 0, err
	}

	fd := t.nextFD
	t.nextFD++
	t.fds[fd] = &FileDescriptor{
		HostFile: hostFile,
		Path:     path,
		IsOpen:   true,
	}
	return fd, nil
}

// Close closes a file descriptor. Standard streams are only marked closed.
func (t *FDTable) Close(fd uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen {
		return os.ErrInvalid
	}

	entry.IsOpen = false
	if entry.HostFile != nil {
		err := entry.HostFile.Close()
		entry.HostFile = nil
		return err
	}
	return nil
}

// CloseAll closes every host file.
func (t *FDTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, entry := range t.fds {
		if entry.HostFile != nil {
			_ = entry.HostFile.Close()
			entry.HostFile = nil
		}
		entry.IsOpen = false
	}
}

// IsOpen checks if a file descriptor is open.
func (t *FDTable) IsOpen(fd uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	return exists && entry.IsOpen
}

func (t *FDTable) get(fd uint32) (*FileDescriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, exists := t.fds[fd]
	if !exists || !entry.IsOpen {
		return nil, os.ErrInvalid
	}
	return entry, nil
}

// Read reads from a host file descriptor.
func (t *FDTable) Read(fd uint32, buf []byte) (int, error) {
	entry, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if entry.HostFile == nil {
		return 0, os.ErrInvalid
	}
	return entry.HostFile.Read(buf)
}

// Write writes to a standard stream or a host file.
func (t *FDTable) Write(fd uint32, buf []byte) (int, error) {
	entry, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	switch {
	case entry.HostFile != nil:
		return entry.HostFile.Write(buf)
	case entry.Writer != nil:
		return entry.Writer.Write(buf)
	default:
		return 0, os.ErrInvalid
	}
}

// Seek sets the file position of a host file descriptor.
func (t *FDTable) Seek(fd uint32, offset int64, whence int) (int64, error) {
	entry, err := t.get(fd)
	if err != nil {
		return 0, err
	}
	if entry.HostFile == nil {
		return 0, os.ErrInvalid
	}
	return entry.HostFile.Seek(offset, whence)
}
