// Package simhw provides host-memory-backed fakes for the narrow
// interfaces kernel/proc depends on (PageTableContext, and the console/
// filesystem/clock collaborators the syscall gateway drives), so the
// portable process-manager/semaphore/syscall logic can run and be tested
// under a normal Go runtime instead of only inside the freestanding
// kernel binary. cmd/psh, the hosted control-plane CLI, is built on top
// of this package.
package simhw

import (
	"sync"
	"unsafe"

	"nimbusos/kernel"
	"nimbusos/kernel/hal/bootinfo"
	"nimbusos/kernel/mm"
)

var errArenaExhausted = &kernel.Error{Module: "simhw", Message: "arena has no free frames left"}

// Arena is host-backed "physical memory": a single byte slab that every
// simhw PageTable hands frames out of. proc.Vm's physical-window
// arithmetic (bootinfo.Active().PhysMemOffset + frame.Address()) resolves
// into real addressable memory as long as InstallBootInfo has been called
// with this Arena before any Vm touches it.
type Arena struct {
	bytes []byte

	mu        sync.Mutex
	freeList  []mm.Frame
	nextFrame mm.Frame
}

// NewArena allocates a host-memory slab big enough for pageCount 4 KiB
// frames.
func NewArena(pageCount int) *Arena {
	return &Arena{bytes: make([]byte, pageCount*int(mm.PageSize))}
}

// PhysMemOffset returns the host virtual address of frame 0 of this
// arena, the value InstallBootInfo records as bootinfo.Info.PhysMemOffset.
func (a *Arena) PhysMemOffset() uintptr {
	return uintptr(unsafe.Pointer(&a.bytes[0]))
}

// InstallBootInfo records a over bootinfo.Set so that every PageTable and
// proc.Vm in the process resolves physical addresses into this arena. It
// must be called before constructing any PageTable or proc.Vm that uses a;
// a later call replaces the previously installed arena.
func InstallBootInfo(a *Arena) {
	bootinfo.Set(&bootinfo.Info{PhysMemOffset: a.PhysMemOffset()})
}

// alloc hands out the next free frame, reusing a freed one if available.
func (a *Arena) alloc() (mm.Frame, *kernel.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.freeList); n > 0 {
		f := a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
		return f, nil
	}

	if (uintptr(a.nextFrame)+1)*mm.PageSize > uintptr(len(a.bytes)) {
		return mm.InvalidFrame, errArenaExhausted
	}
	f := a.nextFrame
	a.nextFrame++
	return f, nil
}

// dealloc returns a frame previously handed out by alloc to the free
// list.
func (a *Arena) dealloc(f mm.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeList = append(a.freeList, f)
}
