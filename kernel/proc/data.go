package proc

import (
	"nimbusos/kernel"
	"nimbusos/kernel/sem"
	"nimbusos/kernel/sync"
)

// MaxFD is the number of file-descriptor slots a process owns. Slots 0-2
// are preassigned to stdin/stdout/stderr.
const MaxFD = 32

const (
	FDStdin  = 0
	FDStdout = 1
	FDStderr = 2
)

var errBadFD = &kernel.Error{Module: "proc", Message: "invalid file descriptor"}
var errFDFull = &kernel.Error{Module: "proc", Message: "file descriptor table is full"}

// Data is the per-process state that fork shares by reference rather than
// copying: the environment map, the fd table, the semaphore set, and the
// current working directory. A child's Data points at the same backing
// struct as its parent until one of them diverges — this module keeps it
// simple and always shares on fork, matching spec.md §4.5 ("child inherits
// env and semaphore set (shared by reference), fd table (shared by
// reference)").
//
// Cwd is not named in spec.md's data model (§3); it is carried from
// original_source's pkg/kernel/src/proc/data.rs since the CLI surface's
// cd/ls commands (out of the core, but a real collaborator) need
// somewhere to keep it, and it costs nothing to clone alongside the rest
// of ProcessData.
type Data struct {
	lock sync.Spinlock

	env map[string]string
	fds [MaxFD]*Resource
	sem *sem.Set
	cwd string
}

// NewData constructs a fresh, independent Data with the standard streams
// preinstalled and an empty environment.
func NewData(stdin, stdout, stderr Resource) *Data {
	d := &Data{
		env: make(map[string]string),
		sem: sem.NewSet(),
		cwd: "/",
	}
	d.fds[FDStdin] = &stdin
	d.fds[FDStdout] = &stdout
	d.fds[FDStderr] = &stderr
	return d
}

// Clone returns d itself: fork shares ProcessData by reference, not by
// copy, so mutations from either the parent or the child (e.g. installing
// a new semaphore, or changing env) are visible to both. Named Clone
// rather than exposed as a bare field read so call sites read like an
// explicit fork-time decision.
func (d *Data) Clone() *Data { return d }

// Getenv returns the value for key and whether it was set.
func (d *Data) Getenv(key string) (string, bool) {
	d.lock.Acquire()
	defer d.lock.Release()
	v, ok := d.env[key]
	return v, ok
}

// Setenv sets key to value in the environment map.
func (d *Data) Setenv(key, value string) {
	d.lock.Acquire()
	defer d.lock.Release()
	d.env[key] = value
}

// Cwd returns the current working directory.
func (d *Data) Cwd() string {
	d.lock.Acquire()
	defer d.lock.Release()
	return d.cwd
}

// SetCwd updates the current working directory.
func (d *Data) SetCwd(path string) {
	d.lock.Acquire()
	defer d.lock.Release()
	d.cwd = path
}

// Sem returns the process's semaphore set.
func (d *Data) Sem() *sem.Set { return d.sem }

// Resource looks up the resource installed at fd.
func (d *Data) Resource(fd int) (Resource, *kernel.Error) {
	if fd < 0 || fd >= MaxFD {
		return Resource{}, errBadFD
	}

	d.lock.Acquire()
	defer d.lock.Release()

	r := d.fds[fd]
	if r == nil {
		return Resource{}, errBadFD
	}
	return *r, nil
}

// InstallResource installs r at the lowest free fd slot and returns it, or
// errFDFull if every slot is occupied.
func (d *Data) InstallResource(r Resource) (int, *kernel.Error) {
	d.lock.Acquire()
	defer d.lock.Release()

	for i := 0; i < MaxFD; i++ {
		if d.fds[i] == nil {
			d.fds[i] = &r
			return i, nil
		}
	}
	return -1, errFDFull
}

// CloseResource removes whatever resource is installed at fd, if any.
// Closing an already-closed slot is a no-op rather than an error — there
// is nothing for a caller to meaningfully recover from. The standard-stream
// slots 0-2 are cleared like any other slot.
func (d *Data) CloseResource(fd int) *kernel.Error {
	if fd < 0 || fd >= MaxFD {
		return errBadFD
	}

	d.lock.Acquire()
	defer d.lock.Release()

	d.fds[fd] = nil
	return nil
}
