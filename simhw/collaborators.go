package simhw

import (
	"bytes"
	"os"
	"sync"

	"nimbusos/kernel"
)

var errFileNotFound = &kernel.Error{Module: "simhw", Message: "file not found"}

// Console is an in-memory console: writes accumulate in a buffer read back
// through Output, reads drain
// a caller-fed input queue. It satisfies proc.ConsoleReader and
// proc.ConsoleWriter.
type Console struct {
	mu  sync.Mutex
	in  bytes.Buffer
	out bytes.Buffer
}

// Feed appends data to the console's input queue, for a test or the CLI's
// stdin bridge to make available to a Read syscall.
func (c *Console) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Write(data)
}

// Output returns everything written to the console so far.
func (c *Console) Output() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

// Read implements proc.ConsoleReader.
func (c *Console) Read(buf []byte) (int, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := c.in.Read(buf)
	return n, nil
}

// Empty implements proc.ConsoleReader.
func (c *Console) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.Len() == 0
}

// Write implements proc.ConsoleWriter.
func (c *Console) Write(buf []byte) (int, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(buf)
}

// FileSystem is an in-memory (or host-disk-backed) collaborator
// satisfying syscall.FileSystem, standing in for the FAT/ATA driver that
// is out of this module's core.
type FileSystem struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewFileSystem returns an empty in-memory filesystem.
func NewFileSystem() *FileSystem {
	return &FileSystem{files: make(map[string][]byte)}
}

// Put installs data at path.
func (f *FileSystem) Put(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

// ReadFile implements syscall.FileSystem from the in-memory table, falling
// back to the host filesystem so cmd/psh can spawn real on-disk ELF
// binaries without needing every image preloaded via Put.
func (f *FileSystem) ReadFile(path string) ([]byte, *kernel.Error) {
	f.mu.Lock()
	data, ok := f.files[path]
	f.mu.Unlock()
	if ok {
		return data, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errFileNotFound
	}
	return data, nil
}

// Clock is a manually-advanced nanosecond counter satisfying
// syscall.Clock.
type Clock struct {
	mu    sync.Mutex
	nanos uint64
}

// Advance moves the clock forward by d nanoseconds.
func (c *Clock) Advance(d uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nanos += d
}

// NanosSinceBoot implements syscall.Clock.
func (c *Clock) NanosSinceBoot() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nanos
}
