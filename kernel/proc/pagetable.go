package proc

import (
	"nimbusos/kernel"
	"nimbusos/kernel/mm"
)

// PageTableContext is the narrow interface Vm needs from a
// reference-counted page-table root. kernel/mm/vmm.Context satisfies it on
// real amd64 hardware; simhw provides an in-memory fake for tests and for
// the hosted control-plane binary.
type PageTableContext interface {
	// MapRange allocates pageCount frames and installs present PTEs
	// starting at virt, marking them user-accessible when userAccess is
	// true and applying perm's write/execute bits (read is implied).
	MapRange(virt uintptr, pageCount int, userAccess bool, perm mm.PagePerm) *kernel.Error

	// UnmapRange removes pageCount mappings starting at virt, optionally
	// returning the backing frames to the physical allocator.
	UnmapRange(virt uintptr, pageCount int, deallocate bool) *kernel.Error

	// Translate resolves a virtual address to the physical frame that
	// backs it.
	Translate(virtAddr uintptr) (mm.Frame, *kernel.Error)

	// Activate loads this context's root into the CPU's page-table base
	// register.
	Activate()

	// Fork returns a new handle sharing the same root, incrementing the
	// shared refcount.
	Fork() PageTableContext

	// UsingCount reports how many live handles reference this root.
	UsingCount() int

	// Release decrements the shared refcount and returns the value after
	// decrementing. It never frees memory itself.
	Release() int

	// ReleaseRoot frees the root frame. Callers must only invoke this
	// once Release() has returned 0 and every user-half frame reachable
	// from this root has already been reclaimed.
	ReleaseRoot()
}
