package proc

import (
	"unsafe"

	"nimbusos/kernel"
	"nimbusos/kernel/hal/bootinfo"
	"nimbusos/kernel/mm"
)

// codeRange records one ELF PT_LOAD segment's mapped page extent so Drop
// can unmap it without re-parsing the ELF image.
type codeRange struct {
	start     uintptr
	pageCount int
}

// Vm is a single process's virtual address space: the page-table handle
// shared (or not) per spec.md §4.2/§4.5, the stack window lazily grown on
// fault per §4.3, the mapped code segments, and the brk-managed heap.
//
// Every process gets a disjoint STACK_MAX_SIZE stack window regardless of
// whether it ever grows into most of it; only InitialStackPages are mapped
// up front, and HandlePageFault extends the mapping downward on demand.
type Vm struct {
	pid   ID
	table PageTableContext

	stackWindowBottom uintptr
	stackWindowTop    uintptr
	stackBottom       uintptr // lowest currently-mapped stack address

	code []codeRange

	// heapBase/heapEnd bound the single global heap window every process
	// shares, since the page table itself is shared across fork (spec.md
	// §4.2/§4.5; mirrored from original_source's Heap, whose current-end
	// is an Arc<AtomicU64> cloned, not copied, on fork). heapCurrent is a
	// pointer so forked Vms observe and grow the same break together.
	heapBase    uintptr
	heapEnd     uintptr
	heapCurrent *uintptr
}

// errBrkOutOfRange is returned when Brk is asked to move the break outside
// the heap's reserved window.
var errBrkOutOfRange = &kernel.Error{Module: "proc", Message: "brk target outside heap window"}

// stackHeapPerm is the permission every stack and heap page is mapped
// with: writable, never executable (an executable stack is exactly the
// class of bug an NX bit exists to stop).
var stackHeapPerm = mm.PagePerm{Write: true}

// errTooManyStacks is returned by NewVm when pid has no room left in the
// stack address space (pid >= MaxStacks).
var errTooManyStacks = &kernel.Error{Module: "proc", Message: "too many concurrent process stacks"}

// NewVm reserves pid's stack window and wraps table. The stack is not
// mapped yet; call InitStack before switching to the process for the first
// time.
func NewVm(pid ID, table PageTableContext) (*Vm, *kernel.Error) {
	if int(pid) >= MaxStacks {
		return nil, errTooManyStacks
	}
	bottom, top := stackWindow(pid)
	heapCurrent := HeapBase
	return &Vm{
		pid:               pid,
		table:             table,
		stackWindowBottom: bottom,
		stackWindowTop:    top,
		stackBottom:       top,
		heapBase:          HeapBase,
		heapEnd:           HeapEnd,
		heapCurrent:       &heapCurrent,
	}, nil
}

// Activate loads this Vm's page-table context into the CPU's page-table
// base register, per spec.md §4.4's restore(ctx): "loads the page table,
// marks Running". The process manager's scheduler calls this whenever a
// pid transitions to Running, so the resumed instruction stream actually
// executes against that process's own address space rather than whichever
// table happened to be active beforehand.
func (vm *Vm) Activate() {
	vm.table.Activate()
}

// InitStack maps the initial InitialStackPages extent at the top of the
// stack window and returns a 16-byte aligned initial stack pointer.
func (vm *Vm) InitStack() (uintptr, *kernel.Error) {
	start := vm.stackWindowTop - uintptr(InitialStackPages)*mm.PageSize
	if err := vm.table.MapRange(start, InitialStackPages, true, stackHeapPerm); err != nil {
		return 0, err
	}
	vm.stackBottom = start
	rsp := (vm.stackWindowTop - 16) &^ 15
	return rsp, nil
}

// HandlePageFault grows the stack mapping to cover faultAddr if it falls
// within the reserved (but not yet mapped) portion of the stack window. It
// reports false when the fault is not a growable stack fault, in which case
// the caller (the process manager) treats it as a real fault and kills the
// process with ExitFaulted.
func (vm *Vm) HandlePageFault(faultAddr uintptr) bool {
	if faultAddr >= vm.stackBottom || faultAddr < vm.stackWindowBottom {
		return false
	}

	newBottom := alignDown(faultAddr)
	pageCount := int((vm.stackBottom - newBottom) / mm.PageSize)
	if err := vm.table.MapRange(newBottom, pageCount, true, stackHeapPerm); err != nil {
		return false
	}
	vm.stackBottom = newBottom
	return true
}

// LoadELF maps and populates every PT_LOAD segment of the given ELF image.
// Segment contents are copied through the physical-memory linear window
// (bootinfo.Active().PhysMemOffset) rather than by writing through the
// freshly-mapped virtual addresses directly, so LoadELF works whether or
// not this Vm's table happens to be the currently active one.
func (vm *Vm) LoadELF(image *ElfImage) *kernel.Error {
	for _, seg := range image.Segments {
		pageStart := alignDown(seg.VirtAddr)
		pageEnd := alignUp(seg.VirtAddr + seg.MemSize)
		pageCount := int((pageEnd - pageStart) / mm.PageSize)

		if err := vm.table.MapRange(pageStart, pageCount, true, seg.Perm); err != nil {
			return err
		}
		vm.code = append(vm.code, codeRange{start: pageStart, pageCount: pageCount})

		if err := vm.zeroAndCopySegment(pageStart, pageCount, seg); err != nil {
			return err
		}
	}
	return nil
}

// zeroAndCopySegment zero-fills every page of a segment's mapped extent and
// then overlays the segment's on-disk bytes at their proper offset, leaving
// any bytes beyond FileSize (the .bss tail) zeroed.
func (vm *Vm) zeroAndCopySegment(pageStart uintptr, pageCount int, seg ElfSegment) *kernel.Error {
	offsetInPage := seg.VirtAddr - pageStart

	for i := 0; i < pageCount; i++ {
		virt := pageStart + uintptr(i)*mm.PageSize
		frame, err := vm.table.Translate(virt)
		if err != nil {
			return err
		}
		phys := physWindow(frame)
		zeroMemory(phys, mm.PageSize)
	}

	remaining := seg.Data
	pos := offsetInPage
	for len(remaining) > 0 {
		pageIdx := pos / mm.PageSize
		inPage := pos % mm.PageSize
		n := mm.PageSize - inPage
		if uintptr(len(remaining)) < n {
			n = uintptr(len(remaining))
		}

		virt := pageStart + pageIdx*mm.PageSize
		frame, err := vm.table.Translate(virt)
		if err != nil {
			return err
		}
		phys := physWindow(frame) + inPage
		copyMemory(phys, remaining[:n])

		remaining = remaining[n:]
		pos += n
	}
	return nil
}

// Brk grows or shrinks the heap's mapped extent to end at newEnd, returning
// the new break. Passing 0 queries the current break without changing it.
func (vm *Vm) Brk(newEnd uintptr) (uintptr, *kernel.Error) {
	if newEnd == 0 {
		return *vm.heapCurrent, nil
	}
	if newEnd < vm.heapBase || newEnd > vm.heapEnd {
		return *vm.heapCurrent, errBrkOutOfRange
	}

	curPage := alignUp(*vm.heapCurrent)
	newPage := alignUp(newEnd)

	if newPage > curPage {
		pageCount := int((newPage - curPage) / mm.PageSize)
		if err := vm.table.MapRange(curPage, pageCount, true, stackHeapPerm); err != nil {
			return *vm.heapCurrent, err
		}
	} else if newPage < curPage {
		pageCount := int((curPage - newPage) / mm.PageSize)
		if err := vm.table.UnmapRange(newPage, pageCount, true); err != nil {
			return *vm.heapCurrent, err
		}
	}

	*vm.heapCurrent = newEnd
	return *vm.heapCurrent, nil
}

// Fork returns a new Vm for childPid, sharing this Vm's page table (copy-on-
// fork per spec.md §4.2: the root frame is shared, not duplicated, until one
// side's own Map/Unmap calls diverge the view), but with its own distinct,
// pid-indexed stack window (spec.md §4.5: "produce a child stack at a
// distinct pid-indexed window, copy the parent's current stack pages into
// the child's stack pages"). Since the page-table root is shared, the
// child's window must actually be mapped and populated here: an
// unmapped-but-reserved window would leave the child with no stack of its
// own, and a shared one would let parent and child writes alias the same
// physical frames.
func (vm *Vm) Fork(childPid ID) (*Vm, *kernel.Error) {
	if int(childPid) >= MaxStacks {
		return nil, errTooManyStacks
	}
	bottom, top := stackWindow(childPid)
	childTable := vm.table.Fork()

	usedBytes := vm.stackWindowTop - vm.stackBottom
	pageCount := int(usedBytes / mm.PageSize)
	childBottom := top - usedBytes

	if pageCount > 0 {
		if err := childTable.MapRange(childBottom, pageCount, true, stackHeapPerm); err != nil {
			return nil, err
		}
		if err := copyStackPages(vm.table, childTable, vm.stackBottom, childBottom, pageCount); err != nil {
			return nil, err
		}
	}

	child := &Vm{
		pid:               childPid,
		table:             childTable,
		stackWindowBottom: bottom,
		stackWindowTop:    top,
		stackBottom:       childBottom,
		code:              append([]codeRange(nil), vm.code...),
		heapBase:          vm.heapBase,
		heapEnd:           vm.heapEnd,
		heapCurrent:       vm.heapCurrent, // shared pointer: growth is visible to every forked sibling
	}
	return child, nil
}

// ForkRSP translates parentRSP, a live stack pointer within this Vm's
// stack window, into the corresponding address within child's window: both
// windows hold the same relative layout (same offset from the window's
// top), only the window's base differs per pid.
func (vm *Vm) ForkRSP(child *Vm, parentRSP uintptr) uintptr {
	offsetFromTop := vm.stackWindowTop - parentRSP
	return child.stackWindowTop - offsetFromTop
}

// copyStackPages copies pageCount pages of stack contents starting at
// srcBottom (mapped in srcTable) to dstBottom (mapped in dstTable), a page
// at a time via the physical-memory linear window.
func copyStackPages(srcTable, dstTable PageTableContext, srcBottom, dstBottom uintptr, pageCount int) *kernel.Error {
	for i := 0; i < pageCount; i++ {
		srcFrame, err := srcTable.Translate(srcBottom + uintptr(i)*mm.PageSize)
		if err != nil {
			return err
		}
		dstFrame, err := dstTable.Translate(dstBottom + uintptr(i)*mm.PageSize)
		if err != nil {
			return err
		}

		src := unsafe.Slice((*byte)(unsafe.Pointer(physWindow(srcFrame))), mm.PageSize)
		copyMemory(physWindow(dstFrame), src)
	}
	return nil
}

// Drop unmaps and reclaims this Vm's stack, heap and code extents, then
// releases its page-table handle. The root frame itself is only freed
// (ReleaseRoot) once this was the last handle sharing it.
func (vm *Vm) Drop() {
	stackPages := int((vm.stackWindowTop - vm.stackBottom) / mm.PageSize)
	if stackPages > 0 {
		_ = vm.table.UnmapRange(vm.stackBottom, stackPages, true)
	}

	// Only the last handle sharing this table reclaims the heap's frames,
	// matching original_source's Heap::clean_up, which the page-table
	// owner runs once refcount hits zero, not on every exiting sibling.
	if vm.table.UsingCount() == 1 && *vm.heapCurrent > vm.heapBase {
		heapPages := int((alignUp(*vm.heapCurrent) - vm.heapBase) / mm.PageSize)
		_ = vm.table.UnmapRange(vm.heapBase, heapPages, true)
	}

	if vm.table.Release() == 0 {
		for _, c := range vm.code {
			_ = vm.table.UnmapRange(c.start, c.pageCount, true)
		}
		vm.table.ReleaseRoot()
	}
}

// KernelHalfBoundary is the lowest virtual address belonging to the
// kernel's canonical-negative half (P4 index userTableIndex). A user
// pointer may never resolve into this region; the syscall gateway uses
// this to reject spec.md §4.7/§8's "pointer in kernel half" scenario
// before ever attempting a translate.
const KernelHalfBoundary = uintptr(0xffff_8000_0000_0000)

// errBadUserPointer is returned when a syscall-supplied [ptr, ptr+len)
// range is not entirely resolvable within the calling process's own
// user-accessible mappings.
var errBadUserPointer = &kernel.Error{Module: "proc", Message: "user pointer out of range or unmapped"}

// ValidateUserRange checks that [ptr, ptr+length) lies entirely below
// KernelHalfBoundary and that every page it touches is currently mapped in
// this Vm's page table.
func (vm *Vm) ValidateUserRange(ptr uintptr, length uintptr) *kernel.Error {
	if length == 0 {
		return nil
	}
	end := ptr + length
	if end < ptr || end > KernelHalfBoundary {
		return errBadUserPointer
	}

	for page := alignDown(ptr); page < end; page += mm.PageSize {
		if _, err := vm.table.Translate(page); err != nil {
			return errBadUserPointer
		}
	}
	return nil
}

// ReadUser copies len(buf) bytes out of the process's address space
// starting at ptr, after validating the range.
func (vm *Vm) ReadUser(ptr uintptr, buf []byte) *kernel.Error {
	if err := vm.ValidateUserRange(ptr, uintptr(len(buf))); err != nil {
		return err
	}
	return vm.copyThroughPhysWindow(ptr, buf, false)
}

// WriteUser copies buf into the process's address space starting at ptr,
// after validating the range.
func (vm *Vm) WriteUser(ptr uintptr, buf []byte) *kernel.Error {
	if err := vm.ValidateUserRange(ptr, uintptr(len(buf))); err != nil {
		return err
	}
	return vm.copyThroughPhysWindow(ptr, buf, true)
}

// copyThroughPhysWindow moves bytes between buf and the process's mapped
// pages a page at a time, via the physical-memory linear window, so it
// works regardless of whether this Vm's table is the currently active one.
func (vm *Vm) copyThroughPhysWindow(ptr uintptr, buf []byte, toUser bool) *kernel.Error {
	remaining := buf
	addr := ptr
	for len(remaining) > 0 {
		page := alignDown(addr)
		offset := addr - page
		n := mm.PageSize - offset
		if uintptr(len(remaining)) < n {
			n = uintptr(len(remaining))
		}

		frame, err := vm.table.Translate(page)
		if err != nil {
			return errBadUserPointer
		}
		phys := physWindow(frame) + offset

		if toUser {
			copyMemory(phys, remaining[:n])
		} else {
			src := unsafe.Slice((*byte)(unsafe.Pointer(phys)), n)
			copy(remaining[:n], src)
		}

		remaining = remaining[n:]
		addr += n
	}
	return nil
}

// physWindow computes the linearly-mapped virtual address of a physical
// frame, per bootinfo's PhysMemOffset convention.
func physWindow(frame mm.Frame) uintptr {
	return bootinfo.Active().PhysMemOffset + frame.Address()
}

// zeroMemory zeroes n bytes starting at the given linearly-mapped virtual
// address.
func zeroMemory(addr uintptr, n uintptr) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
	for i := range buf {
		buf[i] = 0
	}
}

// copyMemory copies src into the linearly-mapped virtual address addr.
func copyMemory(addr uintptr, src []byte) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(src))
	copy(buf, src)
}
