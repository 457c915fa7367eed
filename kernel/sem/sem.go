// Package sem implements keyed counting semaphores with FIFO-ordered
// blockers. A semaphore is identified by a user-chosen 32-bit key rather
// than a kernel-issued handle, so sibling processes that only share a
// constant (no file descriptor, no pointer) can still rendezvous on it.
//
// This package only tracks counts and waiter pids; it never touches the
// scheduler itself. The kernel glue that turns a Down() == Blocked result
// into an actual context switch lives in kernel/proc, which is the only
// place that holds both the semaphore set and the process table at once
// (see spec.md §4.6/§5: "down returning blocked must atomically save the
// caller's context, mark the caller Blocked, and switch to the next ready
// pid from within the syscall handler — all under the semaphore-set
// lock").
package sem

import (
	"nimbusos/kernel"
	"nimbusos/kernel/sync"
)

// Key identifies a semaphore. Callers pick their own key (e.g. a constant
// shared between a parent and the children it forks), so collisions are a
// caller error, not a kernel one.
type Key uint32

// ErrExists is returned by New when a semaphore is already registered
// under the given key.
var ErrExists = &kernel.Error{Module: "sem", Message: "semaphore key already exists"}

// ErrMissing is returned by operations that reference a key with no
// registered semaphore.
var ErrMissing = &kernel.Error{Module: "sem", Message: "semaphore key does not exist"}

// ErrHasWaiters is returned by Remove when the semaphore still has
// blocked waiters attached to its FIFO.
//
// spec.md §4.6/§9 leaves this an open question: the reference
// implementation deletes the entry silently, stranding any still-blocked
// pid (Blocked forever, since nothing will ever pop it off a FIFO that no
// longer exists). nimbusos rejects the remove instead, so a caller that
// really wants the "wake everyone with an error" behavior must do it
// explicitly: drain Waiters() and kill or otherwise unblock each pid
// before retrying Remove.
var ErrHasWaiters = &kernel.Error{Module: "sem", Message: "semaphore still has waiting processes"}

// PID is the waiter type. It is defined here (rather than importing
// kernel/proc.ID) so this package has no dependency on the process
// subsystem; kernel/proc imports sem, not the other way around.
type PID uint16

// DownResult reports what Down did.
type DownResult uint8

const (
	// Decremented means count was > 0 and has been reduced by one; the
	// caller should continue running.
	Decremented DownResult = iota
	// DownBlocked means count was 0; the caller's pid has been appended
	// to the FIFO and the caller must be descheduled by kernel/proc.
	DownBlocked
)

// UpResult reports what Up did.
type UpResult uint8

const (
	// Incremented means the FIFO was empty; count has been increased by
	// one.
	Incremented UpResult = iota
	// Woke means a waiter was popped off the FIFO; the returned pid must
	// be transitioned to Ready and appended to the scheduler's ready
	// FIFO by kernel/proc.
	Woke
)

// semaphore holds a single key's state: the available count and the FIFO
// of pids blocked waiting for it to become positive.
type semaphore struct {
	count   uint
	waiters []PID
}

// Set is a process's (or the kernel's) collection of keyed semaphores.
// Invariant: a pid appears in at most one semaphore's waiter FIFO at any
// time, and |waiters| > 0 implies count == 0.
type Set struct {
	lock  sync.Spinlock
	table map[Key]*semaphore
}

// NewSet returns an empty semaphore set.
func NewSet() *Set {
	return &Set{table: make(map[Key]*semaphore)}
}

// New registers a new semaphore under key with the given initial count.
func (s *Set) New(key Key, initial uint) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if _, ok := s.table[key]; ok {
		return ErrExists
	}
	s.table[key] = &semaphore{count: initial}
	return nil
}

// Remove deletes the semaphore registered under key. It fails with
// ErrHasWaiters if any pid is still blocked on it and with ErrMissing if
// the key was never registered.
func (s *Set) Remove(key Key) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	sm, ok := s.table[key]
	if !ok {
		return ErrMissing
	}
	if len(sm.waiters) > 0 {
		return ErrHasWaiters
	}
	delete(s.table, key)
	return nil
}

// Down attempts to decrement the semaphore registered under key on behalf
// of pid. If the count is already zero, pid is appended to the FIFO and
// DownBlocked is returned; the caller (kernel/proc) must then atomically
// mark pid Blocked and switch away without releasing pid's CPU time to
// anything else first.
func (s *Set) Down(key Key, pid PID) (DownResult, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	sm, ok := s.table[key]
	if !ok {
		return 0, ErrMissing
	}

	if sm.count > 0 {
		sm.count--
		return Decremented, nil
	}

	sm.waiters = append(sm.waiters, pid)
	return DownBlocked, nil
}

// Up signals the semaphore registered under key. If a pid is waiting it is
// popped off the head of the FIFO (oldest first) and returned via Woke;
// otherwise the count is incremented.
//
// Up filters dead pids from the FIFO as it pops them: spec.md §9 notes
// that a process killed while on a semaphore FIFO stays in that FIFO until
// a future Up pops it, at which point its Ready transition is a no-op.
// isDead lets the caller supply that liveness check without this package
// depending on kernel/proc's process table.
func (s *Set) Up(key Key, isDead func(PID) bool) (UpResult, PID, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	sm, ok := s.table[key]
	if !ok {
		return 0, 0, ErrMissing
	}

	for len(sm.waiters) > 0 {
		pid := sm.waiters[0]
		sm.waiters = sm.waiters[1:]
		if isDead != nil && isDead(pid) {
			continue
		}
		return Woke, pid, nil
	}

	sm.count++
	return Incremented, 0, nil
}

// Waiters returns a snapshot of the pids currently blocked on key, oldest
// first. Callers use this to drain a semaphore (killing or otherwise
// unblocking each pid) before a Remove that would otherwise fail with
// ErrHasWaiters.
func (s *Set) Waiters(key Key) ([]PID, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	sm, ok := s.table[key]
	if !ok {
		return nil, ErrMissing
	}
	out := make([]PID, len(sm.waiters))
	copy(out, sm.waiters)
	return out, nil
}

// RemovePID drops pid from every semaphore's waiter FIFO it appears in.
// kernel/proc calls this when killing a process so the FIFO invariant ("a
// pid appears in at most one semaphore's waiter FIFO") does not leave a
// stale entry referencing a now-Dead pid beyond the next Up; Up's isDead
// filter is the safety net for whichever entries RemovePID does not reach
// in time.
func (s *Set) RemovePID(pid PID) {
	s.lock.Acquire()
	defer s.lock.Release()

	for _, sm := range s.table {
		for i, w := range sm.waiters {
			if w == pid {
				sm.waiters = append(sm.waiters[:i], sm.waiters[i+1:]...)
				break
			}
		}
	}
}
