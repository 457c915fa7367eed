package proc

import (
	"io"

	"nimbusos/kernel"
	"nimbusos/kernel/kfmt"
	"nimbusos/kernel/sem"
	"nimbusos/kernel/sync"
)

var errUnknownPID = &kernel.Error{Module: "proc", Message: "no such process"}
var errNotParent = &kernel.Error{Module: "proc", Message: "only a process's parent may wait on it"}
var errPIDsExhausted = &kernel.Error{Module: "proc", Message: "no free process ids"}

// newPageTableFn constructs a fresh page-table root for a spawned process.
// It defaults to the real amd64 vmm implementation; tests and the hosted
// control-plane binary override it with a simhw.PageTable factory so Spawn
// can run without a live MMU.
var newPageTableFn = NewVmmPageTable

// SetPageTableFactory installs fn as the constructor Spawn uses for every
// new process's page table, returning a function that restores whatever
// factory was previously installed. The hosted control-plane binary calls
// this once at startup with a simhw.PageTable factory; tests do the same
// around individual cases.
func SetPageTableFactory(fn func() (PageTableContext, *kernel.Error)) (restore func()) {
	prev := newPageTableFn
	newPageTableFn = fn
	return func() { newPageTableFn = prev }
}

// Manager owns the process table and the round-robin ready FIFO. The
// syscall gateway and the timer interrupt handler are its only callers:
// every scheduling decision (who runs next, who wakes up) happens inside a
// Manager method so the ready-FIFO/Blocked/Running partition invariant
// never has to be held across two separate locks.
type Manager struct {
	lock sync.Spinlock

	nextPID ID
	table   map[ID]*Process
	ready   []ID
	running ID

	// waiters maps a target pid to the pids blocked in WaitPid on it.
	waiters map[ID][]ID
}

// NewManager returns an empty Manager with the kernel's own pseudo-process
// already registered as KernelPID, running.
func NewManager() *Manager {
	m := &Manager{
		nextPID: KernelPID + 1,
		table:   make(map[ID]*Process),
		waiters: make(map[ID][]ID),
		running: KernelPID,
	}
	m.table[KernelPID] = newProcess(KernelPID, NoPID, "kernel", nil, nil)
	m.table[KernelPID].status = Running
	return m
}

// allocPID returns the next pid, wrapping-scanning past any still-occupied
// or Dead-but-retained slot. PIDs are never reused while a record for them
// (even a Dead one retained for WaitPid) is still in the table, matching
// the reference kernel's "pid is a handle good for the process's entire
// retained lifetime" convention.
func (m *Manager) allocPID() (ID, *kernel.Error) {
	start := m.nextPID
	for {
		if _, used := m.table[m.nextPID]; !used {
			pid := m.nextPID
			m.nextPID++
			if m.nextPID == 0 {
				m.nextPID = KernelPID + 1
			}
			return pid, nil
		}
		m.nextPID++
		if m.nextPID == 0 {
			m.nextPID = KernelPID + 1
		}
		if m.nextPID == start {
			return NoPID, errPIDsExhausted
		}
	}
}

// Spawn loads image as a brand-new process (no parent-shared Data; data
// supplies its own fresh environment/fd table/semaphore set/cwd) and
// appends it to the ready FIFO.
func (m *Manager) Spawn(name string, image *ElfImage, data *Data) (ID, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	pid, err := m.allocPID()
	if err != nil {
		return NoPID, err
	}

	table, err := newPageTableFn()
	if err != nil {
		return NoPID, err
	}
	vm, err := NewVm(pid, table)
	if err != nil {
		return NoPID, err
	}
	if err := vm.LoadELF(image); err != nil {
		return NoPID, err
	}
	rsp, err := vm.InitStack()
	if err != nil {
		return NoPID, err
	}

	p := newProcess(pid, m.running, name, vm, data)
	p.ctx = NewUserContext(image.Entry, rsp, UserCodeSelector, UserDataSelector)

	m.table[pid] = p
	m.ready = append(m.ready, pid)
	return pid, nil
}

// Fork duplicates the calling process (parentPid): a private copy-on-fork
// handle onto the same page-table root (spec.md §4.2) and a Data shared by
// reference (spec.md §4.5). The child's saved context is a copy of the
// parent's live context with the syscall return value overwritten to 0
// once the caller installs it (see kernel/syscall); Fork itself leaves the
// child's context equal to the parent's at the moment of the call, except
// for RSP, which is translated from the parent's stack window into the
// child's own distinct window (spec.md §4.5, §4.3) since Vm.Fork gives the
// child an independent copy of the stack at a different base address.
func (m *Manager) Fork(parentPid ID, liveCtx *Context) (ID, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	parent, ok := m.table[parentPid]
	if !ok {
		return NoPID, errUnknownPID
	}

	childPID, err := m.allocPID()
	if err != nil {
		return NoPID, err
	}

	childVm, err := parent.vm.Fork(childPID)
	if err != nil {
		return NoPID, err
	}

	child := newProcess(childPID, parentPid, parent.Name(), childVm, parent.data)
	child.ctx = *liveCtx
	child.ctx.RSP = uint64(parent.vm.ForkRSP(childVm, uintptr(liveCtx.RSP)))

	m.table[childPID] = child
	m.ready = append(m.ready, childPID)
	return childPID, nil
}

// Tick advances the process accounting for the currently Running process
// and returns the pid the caller (the timer interrupt handler) should
// switch to next, implementing plain round-robin: the current process (if
// still Running, i.e. it did not block or exit this quantum) is appended
// to the back of the ready FIFO and the front of the FIFO is popped to run
// next. If nothing is ready, KernelPID keeps running.
func (m *Manager) Tick() ID {
	m.lock.Acquire()
	defer m.lock.Release()

	if p, ok := m.table[m.running]; ok {
		p.Tick()
		if p.Status() == Running {
			p.setStatus(Ready)
			m.ready = append(m.ready, m.running)
		}
	}

	if len(m.ready) == 0 {
		m.running = KernelPID
		if kp, ok := m.table[KernelPID]; ok {
			kp.setStatus(Running)
		}
		return KernelPID
	}

	next := m.ready[0]
	m.ready = m.ready[1:]
	m.table[next].setStatus(Running)
	m.running = next
	return next
}

// Running returns the pid currently selected to run.
func (m *Manager) Running() ID {
	m.lock.Acquire()
	defer m.lock.Release()
	return m.running
}

// Process looks up a process record by pid.
func (m *Manager) Process(pid ID) (*Process, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	p, ok := m.table[pid]
	if !ok {
		return nil, errUnknownPID
	}
	return p, nil
}

// Exit voluntarily terminates pid with code, waking any WaitPid callers
// blocked on it.
func (m *Manager) Exit(pid ID, code int) *kernel.Error {
	return m.terminate(pid, code)
}

// Kill forcibly terminates pid with ExitKilled, waking any WaitPid callers
// blocked on it and removing it from any semaphore FIFO it was parked in.
// Per spec.md §4.5, killing the kernel pseudo-process (KernelPID) is
// rejected outright: it is logged and leaves no state change.
func (m *Manager) Kill(pid ID) *kernel.Error {
	if pid == KernelPID {
		kfmt.Printf("proc: refusing to kill kernel pid %d\n", uint16(pid))
		return nil
	}
	return m.terminate(pid, ExitKilled)
}

// Fault forcibly terminates pid with ExitFaulted, for an unhandled page
// fault or CPU exception raised in user mode.
func (m *Manager) Fault(pid ID) *kernel.Error {
	return m.terminate(pid, ExitFaulted)
}

func (m *Manager) terminate(pid ID, code int) *kernel.Error {
	m.lock.Acquire()

	p, ok := m.table[pid]
	if !ok {
		m.lock.Release()
		return errUnknownPID
	}
	// A Dead process retains its exit code (spec.md §3); a second
	// Exit/Kill/Fault against it is a no-op rather than overwriting that
	// code or re-running teardown (spec.md §8's idempotence property).
	if p.Status() == Dead {
		m.lock.Release()
		return nil
	}
	if p.data != nil && p.data.sem != nil {
		p.data.Sem().RemovePID(sem.PID(pid))
	}
	p.die(code)
	m.removeFromReady(pid)

	woken := m.waiters[pid]
	delete(m.waiters, pid)
	for _, w := range woken {
		if wp, ok := m.table[w]; ok && wp.Status() == Blocked {
			wp.setStatus(Ready)
			m.ready = append(m.ready, w)
		}
	}

	m.lock.Release()
	return nil
}

func (m *Manager) removeFromReady(pid ID) {
	for i, rid := range m.ready {
		if rid == pid {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

// WaitPid blocks callerPid until targetPid dies, returning its exit code.
// Per spec.md §4.5 only a process's own parent may wait on it. If
// targetPid is already Dead, WaitPid returns its exit code immediately
// without blocking. WaitPid reports whether the caller must be
// descheduled (true) or the exit code is already available (false, with
// the code as the second return value).
func (m *Manager) WaitPid(callerPid, targetPid ID) (blocked bool, exitCode int, err *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	target, ok := m.table[targetPid]
	if !ok {
		return false, 0, errUnknownPID
	}
	if target.Parent() != callerPid {
		return false, 0, errNotParent
	}
	if target.Status() == Dead {
		return false, target.ExitCode(), nil
	}

	m.waiters[targetPid] = append(m.waiters[targetPid], callerPid)
	if caller, ok := m.table[callerPid]; ok {
		caller.setStatus(Blocked)
	}
	return true, 0, nil
}

// MarkBlocked transitions pid to Blocked without attaching it to any wait
// queue itself; the caller (e.g. the syscall gateway's Sem handling) has
// already recorded pid in whatever FIFO will eventually call Wake.
func (m *Manager) MarkBlocked(pid ID) {
	m.lock.Acquire()
	defer m.lock.Release()

	if p, ok := m.table[pid]; ok {
		p.setStatus(Blocked)
	}
}

// Wake transitions pid from Blocked to Ready and appends it to the ready
// FIFO. It is a no-op if pid is unknown or not currently Blocked (e.g. a
// semaphore Up waking a pid that was concurrently killed).
func (m *Manager) Wake(pid ID) {
	m.lock.Acquire()
	defer m.lock.Release()

	p, ok := m.table[pid]
	if !ok || p.Status() != Blocked {
		return
	}
	p.setStatus(Ready)
	m.ready = append(m.ready, pid)
}

// HandlePageFault routes a page fault raised while pid was Running to its
// Vm. It returns true if the fault was a legitimate stack-growth fault and
// has been handled; the caller resumes pid unchanged. A false return means
// the caller must kill pid via Fault.
func (m *Manager) HandlePageFault(pid ID, faultAddr uintptr) bool {
	m.lock.Acquire()
	p, ok := m.table[pid]
	m.lock.Release()
	if !ok || p.vm == nil {
		return false
	}
	return p.vm.HandlePageFault(faultAddr)
}

// List writes a formatted process table snapshot to w, in pid order, the
// way a `ps`-equivalent tool would render it.
func (m *Manager) List(w io.Writer) {
	m.lock.Acquire()
	pids := make([]ID, 0, len(m.table))
	for pid := range m.table {
		pids = append(pids, pid)
	}
	m.lock.Release()

	for i := 0; i < len(pids); i++ {
		for j := i + 1; j < len(pids); j++ {
			if pids[j] < pids[i] {
				pids[i], pids[j] = pids[j], pids[i]
			}
		}
	}

	for _, pid := range pids {
		m.lock.Acquire()
		p := m.table[pid]
		m.lock.Release()
		if p != nil {
			p.DumpTo(w)
		}
	}
}

// Snapshot is a point-in-time, structured view of one process, for
// collaborators (the hosted control-plane CLI's table renderer) that want
// the fields rather than a pre-formatted line of text.
type Snapshot struct {
	PID      ID
	Parent   ID
	Name     string
	Status   Status
	ExitCode int
	Ticks    uint64
}

// Snapshot returns a structured, pid-ordered view of every process in the
// table, the same data List renders as text.
func (m *Manager) Snapshot() []Snapshot {
	m.lock.Acquire()
	pids := make([]ID, 0, len(m.table))
	for pid := range m.table {
		pids = append(pids, pid)
	}
	m.lock.Release()

	for i := 0; i < len(pids); i++ {
		for j := i + 1; j < len(pids); j++ {
			if pids[j] < pids[i] {
				pids[i], pids[j] = pids[j], pids[i]
			}
		}
	}

	out := make([]Snapshot, 0, len(pids))
	for _, pid := range pids {
		m.lock.Acquire()
		p := m.table[pid]
		m.lock.Release()
		if p == nil {
			continue
		}
		out = append(out, Snapshot{
			PID:      p.PID(),
			Parent:   p.Parent(),
			Name:     p.Name(),
			Status:   p.Status(),
			ExitCode: p.ExitCode(),
			Ticks:    p.Ticks(),
		})
	}
	return out
}
