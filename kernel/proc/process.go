package proc

import (
	"io"

	"nimbusos/kernel/kfmt"
	"nimbusos/kernel/sync"
)

// Process is a single scheduled task: its identity, its saved CPU context
// (valid whenever the process is not Running), its address space, and the
// fork-shared Data it carries.
type Process struct {
	lock sync.Spinlock

	pid    ID
	parent ID
	name   string

	status   Status
	exitCode int

	ticks uint64

	ctx  Context
	vm   *Vm
	data *Data
}

// newProcess wires together an already-constructed Vm and Data under a
// fresh Process record. It does not install the process into any table;
// the Manager does that as part of Spawn/Fork.
func newProcess(pid, parent ID, name string, vm *Vm, data *Data) *Process {
	return &Process{
		pid:    pid,
		parent: parent,
		name:   name,
		status: Ready,
		vm:     vm,
		data:   data,
	}
}

// PID returns the process's identifier.
func (p *Process) PID() ID { return p.pid }

// Parent returns the pid of the process that spawned or forked this one.
func (p *Process) Parent() ID { return p.parent }

// Name returns the process's display name.
func (p *Process) Name() string {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.name
}

// Status returns the process's current scheduler state.
func (p *Process) Status() Status {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.status
}

// setStatus transitions the process to status. Callers already hold
// whatever table-level lock is needed to keep the ready FIFO and this
// field consistent; this just updates the record.
func (p *Process) setStatus(status Status) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.status = status
}

// ExitCode returns the code recorded when the process died, valid only
// once Status() reports Dead.
func (p *Process) ExitCode() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.exitCode
}

// Ticks returns the number of scheduler ticks this process has spent
// Running, used by `ps`-style reporting.
func (p *Process) Ticks() uint64 {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.ticks
}

// Tick records that this process was the one Running for a scheduler
// quantum.
func (p *Process) Tick() {
	p.lock.Acquire()
	defer p.lock.Release()
	p.ticks++
}

// Data returns the process's fork-shared environment/fd/semaphore/cwd
// bundle.
func (p *Process) Data() *Data { return p.data }

// Vm returns the process's address space.
func (p *Process) Vm() *Vm { return p.vm }

// Save copies the live register snapshot into the process's saved
// context, for a process about to stop being Running.
func (p *Process) Save(ctx *Context) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.ctx = *ctx
}

// Restore returns a copy of the process's saved context, for a process
// about to become Running.
func (p *Process) Restore() Context {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.ctx
}

// die records the process as Dead with the given exit code and releases
// its address space. It does not remove the process from the manager's
// table; callers keep the record around so WaitPid can still observe the
// exit code after the fact.
func (p *Process) die(code int) {
	p.lock.Acquire()
	p.status = Dead
	p.exitCode = code
	p.lock.Release()
	p.vm.Drop()
}

// DumpTo writes a one-line human-readable summary of the process, in the
// style `ps`-equivalent tooling expects a row to look like.
func (p *Process) DumpTo(w io.Writer) {
	p.lock.Acquire()
	defer p.lock.Release()
	kfmt.Fprintf(w, "%5d %5d %16s %8s %10d\n", uint16(p.pid), uint16(p.parent), p.name, p.status.String(), p.ticks)
}
