package vmm

import (
	"nimbusos/kernel"
	"nimbusos/kernel/mm"
)

// Context wraps a reference-counted handle to a P4 (PageDirectoryTable) root
// frame. Every process owns one Context; fork() shares the same root frame
// across parent and child by bumping the refcount rather than copying the
// table, matching the teacher's PageDirectoryTable, which already supports
// operating on an inactive table via a temporary recursive-mapping swap.
//
// The kernel's own upper-half entries are copied once, at New, from the live
// kernel PDT so every Context's upper half stays identical without needing
// to re-sync on every fork.
type Context struct {
	pdt      PageDirectoryTable
	refcount *int32
}

var (
	allocFrameFn   = mm.AllocFrame
	deallocFrameFn = mm.DeallocFrame
)

// userTableIndex is the P4 index at which the user/kernel split happens.
// Everything below is process-private; everything at or above is shared
// kernel state copied verbatim from kernelPDT.
const userTableIndex = 256

// NewContext allocates a fresh P4 frame, copies the kernel's upper-half
// mappings into it and returns a Context with a refcount of 1.
func NewContext() (*Context, *kernel.Error) {
	frame, err := allocFrameFn()
	if err != nil {
		return nil, err
	}

	var pdt PageDirectoryTable
	if err := pdt.Init(frame); err != nil {
		return nil, err
	}

	if err := copyKernelHalf(pdt); err != nil {
		return nil, err
	}

	rc := int32(1)
	return &Context{pdt: pdt, refcount: &rc}, nil
}

// copyKernelHalf duplicates the kernel PDT's upper-half P4 entries (indices
// userTableIndex through 510; entry 511 is the table's own recursive
// mapping, set by Init) into pdt by temporarily mapping both P4 frames
// and copying the raw entries; the referenced P3/P2/P1 frames are shared,
// not duplicated, satisfying the invariant that every context observes the
// kernel's mappings through the same physical pages.
func copyKernelHalf(pdt PageDirectoryTable) *kernel.Error {
	srcPage, err := mapTemporaryFn(kernelPDT.pdtFrame)
	if err != nil {
		return err
	}
	src := (*[512]pageTableEntry)(ptePtrFn(srcPage.Address()))
	var saved [512]pageTableEntry
	copy(saved[:], src[:])
	_ = unmapFn(srcPage)

	dstPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}
	dst := (*[512]pageTableEntry)(ptePtrFn(dstPage.Address()))
	for i := userTableIndex; i < 511; i++ {
		dst[i] = saved[i]
	}
	_ = unmapFn(dstPage)

	return nil
}

// Fork returns a new Context handle sharing the same P4 root frame,
// incrementing the shared refcount. The lower half is NOT cloned: callers
// that need a private lower half (spawn) use NewContext and re-populate it
// themselves; Fork is for the fork() syscall's shared-root-table design
// where the child inherits the parent's existing mappings in place.
func (c *Context) Fork() *Context {
	*c.refcount++
	return &Context{pdt: c.pdt, refcount: c.refcount}
}

// UsingCount returns the number of live Context handles sharing this root.
func (c *Context) UsingCount() int {
	return int(*c.refcount)
}

// Activate loads this context's P4 frame into the CPU's page-table base
// register and flushes the TLB.
func (c *Context) Activate() {
	c.pdt.Activate()
}

// MapRange allocates pageCount frames and installs present PTEs starting at
// virt, carrying perm's write/execute bits (FlagRW when perm.Write,
// FlagNoExecute when !perm.Exec; read is always on, matching the GLOSSARY's
// "read always on" ELF segment rule) and FlagUserAccessible when userAccess
// is true.
func (c *Context) MapRange(virt uintptr, pageCount int, userAccess bool, perm mm.PagePerm) *kernel.Error {
	flags := FlagPresent
	if perm.Write {
		flags |= FlagRW
	}
	if !perm.Exec {
		flags |= FlagNoExecute
	}
	if userAccess {
		flags |= FlagUserAccessible
	}

	page := mm.PageFromAddress(virt)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		if err := c.pdt.Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// UnmapRange removes pageCount mappings starting at virt, optionally
// returning the backing frames to the physical allocator.
func (c *Context) UnmapRange(virt uintptr, pageCount int, deallocate bool) *kernel.Error {
	page := mm.PageFromAddress(virt)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		var frame mm.Frame
		var ferr *kernel.Error
		if deallocate {
			frame, ferr = c.Translate(page.Address())
		}

		if err := c.pdt.Unmap(page); err != nil {
			// Nothing was ever mapped at this page; skip it rather
			// than aborting the rest of the range.
			if err == ErrInvalidMapping {
				continue
			}
			return err
		}

		if deallocate && ferr == nil {
			deallocFrameFn(frame)
		}
	}
	return nil
}

// Translate behaves like the package-level Translate function but also
// supports contexts that are not the currently active PDT by temporarily
// swapping the active PDT's recursive last entry, mirroring the technique
// PageDirectoryTable.Map/Unmap already use.
func (c *Context) Translate(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	physAddr, err := c.pdt.translate(virtAddr)
	if err != nil {
		return mm.InvalidFrame, err
	}
	return mm.FrameFromAddress(physAddr), nil
}

// MapPhysicalMemory installs a linear mapping of [0, maxPhys) physical
// memory starting at virtual address offset, using the page size already
// supported by Map (huge pages are not implemented by this teaching
// kernel's Map helper, so the mapping is installed 4 KiB at a time).
func (c *Context) MapPhysicalMemory(offset uintptr, maxPhys uintptr) *kernel.Error {
	pageCount := (maxPhys + mm.PageSize - 1) >> mm.PageShift
	page := mm.PageFromAddress(offset)
	for frame := mm.Frame(0); uintptr(frame) < pageCount; frame, page = frame+1, page+1 {
		if err := c.pdt.Map(page, frame, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return err
		}
	}
	return nil
}

// Release decrements the shared refcount. When it reaches zero the caller
// (proc.Vm's teardown path) is responsible for walking the user half and
// reclaiming its frames before calling ReleaseRoot to free the P4 frame
// itself; Release alone never frees memory so that intermediate callers
// dropping a *Context copy (e.g. a failed fork) cannot prematurely tear down
// a root another handle still references.
func (c *Context) Release() int {
	*c.refcount--
	return int(*c.refcount)
}

// ReleaseRoot frees the P4 frame backing this context. It must only be
// called once UsingCount() has reached zero and the caller has already
// reclaimed every user-half frame reachable from this root.
func (c *Context) ReleaseRoot() {
	deallocFrameFn(c.pdt.pdtFrame)
}
