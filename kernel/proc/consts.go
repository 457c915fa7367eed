package proc

import "nimbusos/kernel/mm"

const (
	// StackTop is the highest stack virtual address any process's
	// window can reach. Each pid gets a disjoint STACK_MAX_SIZE window
	// counting down from here.
	StackTop = uintptr(0x0000_4000_0000_0000)

	// StackMaxSize is the virtual address span reserved per process for
	// its stack, regardless of how much of it is ever actually mapped.
	StackMaxSize = uintptr(4) * 1024 * 1024 * 1024

	// MaxStacks bounds the number of concurrent stack windows; pids
	// beyond this value cannot be given a stack.
	MaxStacks = 0x2000

	// InitialStackPages is the minimal extent mapped at process
	// creation; the rest of the window is lazily grown on page fault.
	InitialStackPages = 8

	// HeapBase and HeapEnd bound the per-process heap window that Brk
	// grows into.
	HeapBase = uintptr(0x2000_0000_0000)
	HeapEnd  = uintptr(0x2001_0000_0000)
)

// User-mode GDT selector values. The GDT itself is set up by arch boot code
// outside this module's scope; these are the ring-3 code/data selectors
// every spawned process's saved context is initialized with.
const (
	UserCodeSelector = uint64(0x1b)
	UserDataSelector = uint64(0x23)
)

// stackWindow computes the [bottom, top) virtual address range reserved
// for pid's stack: StackTop - pid*StackMaxSize down to that same bound
// minus StackMaxSize.
func stackWindow(pid ID) (bottom, top uintptr) {
	top = StackTop - uintptr(pid)*StackMaxSize
	bottom = top - StackMaxSize
	return bottom, top
}

// alignDown rounds addr down to the nearest page boundary.
func alignDown(addr uintptr) uintptr {
	return addr &^ (mm.PageSize - 1)
}

// alignUp rounds addr up to the nearest page boundary.
func alignUp(addr uintptr) uintptr {
	return (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
}
