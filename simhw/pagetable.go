package simhw

import (
	"sync"

	"nimbusos/kernel"
	"nimbusos/kernel/mm"
	"nimbusos/kernel/proc"
)

var errNotMapped = &kernel.Error{Module: "simhw", Message: "virtual address is not mapped"}

// pageTableState is the mutable state shared by every handle Fork
// produces, mirroring vmm.Context's shared root-frame semantics without
// needing a real MMU.
type pageTableState struct {
	arena *Arena

	mu       sync.Mutex
	pages    map[uintptr]mm.Frame
	refcount int32
}

// PageTable is an in-memory stand-in for kernel/mm/vmm.Context, good
// enough to drive the real proc.Vm/proc.Manager/syscall.Gateway logic
// under a hosted Go runtime: MapRange/UnmapRange/Translate operate on a
// plain Go map instead of walking real page-table frames, and Activate is
// a no-op since there is no CPU page-table base register to load.
type PageTable struct {
	state *pageTableState
}

// NewPageTable allocates a fresh, empty page table backed by arena.
func NewPageTable(arena *Arena) proc.PageTableContext {
	return PageTable{state: &pageTableState{arena: arena, pages: make(map[uintptr]mm.Frame), refcount: 1}}
}

// MapRange allocates pageCount frames from the backing arena. perm and
// userAccess are accepted to satisfy proc.PageTableContext but are not
// enforced: this fake has no CPU page-table entries to set permission bits
// on, only a Go map from virtual page to frame.
func (p PageTable) MapRange(virt uintptr, pageCount int, userAccess bool, perm mm.PagePerm) *kernel.Error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	page := mm.PageFromAddress(virt)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		frame, err := p.state.arena.alloc()
		if err != nil {
			return err
		}
		p.state.pages[page.Address()] = frame
	}
	return nil
}

func (p PageTable) UnmapRange(virt uintptr, pageCount int, deallocate bool) *kernel.Error {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	page := mm.PageFromAddress(virt)
	for i := 0; i < pageCount; i, page = i+1, page+1 {
		frame, ok := p.state.pages[page.Address()]
		if !ok {
			continue
		}
		delete(p.state.pages, page.Address())
		if deallocate {
			p.state.arena.dealloc(frame)
		}
	}
	return nil
}

func (p PageTable) Translate(virtAddr uintptr) (mm.Frame, *kernel.Error) {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()

	page := mm.PageFromAddress(virtAddr)
	frame, ok := p.state.pages[page.Address()]
	if !ok {
		return mm.InvalidFrame, errNotMapped
	}
	return frame, nil
}

// Activate is a no-op: simhw has no CPU page-table base register to load.
func (p PageTable) Activate() {}

func (p PageTable) Fork() proc.PageTableContext {
	p.state.mu.Lock()
	p.state.refcount++
	p.state.mu.Unlock()
	return PageTable{state: p.state}
}

func (p PageTable) UsingCount() int {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	return int(p.state.refcount)
}

func (p PageTable) Release() int {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	p.state.refcount--
	return int(p.state.refcount)
}

// ReleaseRoot drops every remaining mapping, returning their frames to the
// arena. Unlike the real vmm.Context there is no separate root frame to
// free; the table itself is just a Go map.
func (p PageTable) ReleaseRoot() {
	p.state.mu.Lock()
	defer p.state.mu.Unlock()
	for addr, frame := range p.state.pages {
		p.state.arena.dealloc(frame)
		delete(p.state.pages, addr)
	}
}
