// Package pmm implements the kernel's physical frame allocator.
//
// The allocator is constructed from the bootloader-reported memory map and
// combines two sources of frames: a lazy iterator that walks the usable
// regions in order, handing out frames it has never seen before, and a LIFO
// stack of frames that were returned via Deallocate. Allocate always prefers
// the LIFO so recently freed frames (which are more likely to still be in
// cache) are reused before the iterator advances into virgin memory.
package pmm

import (
	"nimbusos/kernel"
	"nimbusos/kernel/mm"
)

// Region describes a contiguous run of physical frames that the bootloader
// reported as usable RAM.
type Region struct {
	// BaseFrame is the first frame in the region.
	BaseFrame mm.Frame
	// FrameCount is the number of contiguous frames in the region.
	FrameCount uintptr
}

// ErrOutOfFrames is returned by Allocate when both the region iterator and
// the recycled-frame stack are exhausted. Callers must propagate this error;
// there is no reclaiming it from within the allocator (spawn/fork abort the
// operation and the stack-grow page-fault path kills the faulting process).
var ErrOutOfFrames = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

// Allocator hands out and recycles physical memory frames.
type Allocator struct {
	regions []Region

	// curRegion/curOffset track the lazy iterator position: curRegion
	// indexes into regions and curOffset is the next unseen frame index
	// relative to regions[curRegion].BaseFrame.
	curRegion int
	curOffset uintptr

	// freed is a LIFO of recycled frames; the top is freed[len(freed)-1].
	freed []mm.Frame

	totalFrames    uintptr
	usedFrames     uintptr
	recycledFrames uintptr
}

// Init configures the allocator to serve frames from the supplied usable
// memory regions. Regions are consumed in the order given; callers should
// sort them by base address so low memory is exhausted before high memory.
func (a *Allocator) Init(regions []Region) {
	a.regions = regions
	a.curRegion = 0
	a.curOffset = 0
	a.freed = a.freed[:0]
	a.usedFrames = 0
	a.recycledFrames = 0

	a.totalFrames = 0
	for _, r := range regions {
		a.totalFrames += r.FrameCount
	}
}

// Allocate returns a free physical frame. If the recycled-frame stack is
// non-empty its top entry is popped and returned; otherwise the lazy region
// iterator advances to the next unseen frame. ErrOutOfFrames is returned once
// both sources are exhausted.
func (a *Allocator) Allocate() (mm.Frame, *kernel.Error) {
	if n := len(a.freed); n > 0 {
		frame := a.freed[n-1]
		a.freed = a.freed[:n-1]
		a.usedFrames++
		a.recycledFrames++
		return frame, nil
	}

	for a.curRegion < len(a.regions) {
		region := a.regions[a.curRegion]
		if a.curOffset < region.FrameCount {
			frame := region.BaseFrame + mm.Frame(a.curOffset)
			a.curOffset++
			a.usedFrames++
			return frame, nil
		}

		a.curRegion++
		a.curOffset = 0
	}

	return mm.InvalidFrame, ErrOutOfFrames
}

// Deallocate returns frame to the allocator by pushing it onto the recycled
// frame LIFO. The frame becomes eligible for reuse by the next Allocate call.
func (a *Allocator) Deallocate(frame mm.Frame) {
	a.freed = append(a.freed, frame)
	a.usedFrames--
}

// Stats reports the allocator's diagnostic counters: the total number of
// frames available across all usable regions, the number currently handed
// out, and the number of allocations that were satisfied from the recycled
// stack rather than the lazy iterator.
func (a *Allocator) Stats() (framesTotal, framesUsed, framesRecycled uintptr) {
	return a.totalFrames, a.usedFrames, a.recycledFrames
}

// defaultAllocator is the system-wide allocator instance wired into
// mm.SetFrameAllocator during kernel init.
var defaultAllocator Allocator

// Init configures the package-level default allocator. This is the allocator
// that AllocFrame and DeallocFrame operate on.
func Init(regions []Region) {
	defaultAllocator.Init(regions)
}

// AllocFrame allocates a frame from the default allocator. Its signature
// matches mm.FrameAllocatorFn so it can be registered via
// mm.SetFrameAllocator.
func AllocFrame() (mm.Frame, *kernel.Error) {
	return defaultAllocator.Allocate()
}

// DeallocFrame returns frame to the default allocator.
func DeallocFrame(frame mm.Frame) {
	defaultAllocator.Deallocate(frame)
}

// Stats reports the default allocator's diagnostic counters.
func Stats() (framesTotal, framesUsed, framesRecycled uintptr) {
	return defaultAllocator.Stats()
}
