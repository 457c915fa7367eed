package syscall_test

import (
	"testing"

	"nimbusos/kernel"
	"nimbusos/kernel/mm"
	"nimbusos/kernel/proc"
	"nimbusos/kernel/sem"
	"nimbusos/kernel/syscall"
	"nimbusos/simhw"
)

type testHarness struct {
	mgr     *proc.Manager
	gw      *syscall.Gateway
	console *simhw.Console
	fs      *simhw.FileSystem
	clock   *simhw.Clock
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	arena := simhw.NewArena(8192)
	simhw.InstallBootInfo(arena)

	undo := proc.SetPageTableFactory(func() (proc.PageTableContext, *kernel.Error) {
		return simhw.NewPageTable(arena), nil
	})
	t.Cleanup(undo)

	console := &simhw.Console{}
	fs := simhw.NewFileSystem()
	clock := &simhw.Clock{}
	mgr := proc.NewManager()

	return &testHarness{
		mgr:     mgr,
		console: console,
		fs:      fs,
		clock:   clock,
		gw: &syscall.Gateway{
			Manager:    mgr,
			FS:         fs,
			Clock:      clock,
			ConsoleIn:  console,
			ConsoleOut: console,
			ConsoleErr: console,
		},
	}
}

func (h *testHarness) spawn(t *testing.T, name string) proc.ID {
	t.Helper()
	image := &proc.ElfImage{
		Entry:    0x400000,
		Segments: []proc.ElfSegment{{VirtAddr: 0x400000, MemSize: 4 * mm.PageSize}},
	}
	data := proc.NewData(
		proc.NewConsoleResource(proc.Stdin, h.console, nil),
		proc.NewConsoleResource(proc.Stdout, nil, h.console),
		proc.NewConsoleResource(proc.Stderr, nil, h.console),
	)
	pid, err := h.mgr.Spawn(name, image, data)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return pid
}

// dataPtr returns a userspace address within the process's loaded code
// segment that Dispatch's pointer-validating syscalls can read or write
// through.
const dataPtr = uintptr(0x400800)

func TestDispatchGetPid(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "a")

	var ctx proc.Context
	if blocked := h.gw.Dispatch(pid, &ctx, uint64(syscall.GetPid), 0, 0, 0); blocked {
		t.Fatal("GetPid should never block")
	}
	if ctx.ReturnValue() != int64(pid) {
		t.Fatalf("expected GetPid to return %d, got %d", pid, ctx.ReturnValue())
	}
}

func TestDispatchWriteGoesToConsole(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "writer")
	p, _ := h.mgr.Process(pid)

	msg := []byte("hello")
	if err := p.Vm().WriteUser(dataPtr, msg); err != nil {
		t.Fatalf("seed WriteUser: %v", err)
	}

	var ctx proc.Context
	h.gw.Dispatch(pid, &ctx, uint64(syscall.Write), uint64(proc.FDStdout), uint64(dataPtr), uint64(len(msg)))
	if ctx.ReturnValue() != int64(len(msg)) {
		t.Fatalf("expected Write to report %d bytes, got %d", len(msg), ctx.ReturnValue())
	}
	if string(h.console.Output()) != "hello" {
		t.Fatalf("expected console output %q, got %q", "hello", h.console.Output())
	}
}

func TestDispatchWriteRejectsKernelHalfPointer(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "writer")

	var ctx proc.Context
	h.gw.Dispatch(pid, &ctx, uint64(syscall.Write), uint64(proc.FDStdout), uint64(proc.KernelHalfBoundary), 8)
	if ctx.ReturnValue() != -1 {
		t.Fatalf("expected a kernel-half pointer to be rejected with -1, got %d", ctx.ReturnValue())
	}
}

func TestDispatchBrkGrowsHeap(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "heap")

	var ctx proc.Context
	h.gw.Dispatch(pid, &ctx, uint64(syscall.Brk), uint64(proc.HeapBase+mm.PageSize), 0, 0)
	if ctx.ReturnValue() != int64(proc.HeapBase+mm.PageSize) {
		t.Fatalf("expected brk to report the new break, got %x", ctx.ReturnValue())
	}
}

func TestDispatchUnknownOpcodeReturnsMinusOne(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "a")

	var ctx proc.Context
	h.gw.Dispatch(pid, &ctx, 0xdead, 0, 0, 0)
	if ctx.ReturnValue() != -1 {
		t.Fatalf("expected an unknown opcode to return -1, got %d", ctx.ReturnValue())
	}
}

func TestDispatchForkChildSeesZeroReturn(t *testing.T) {
	h := newHarness(t)
	parentPid := h.spawn(t, "parent")
	parent, _ := h.mgr.Process(parentPid)

	liveCtx := parent.Restore()
	var ctx proc.Context
	ctx = liveCtx
	h.gw.Dispatch(parentPid, &ctx, uint64(syscall.Fork), 0, 0, 0)

	childPid := proc.ID(ctx.ReturnValue())
	if childPid == proc.NoPID {
		t.Fatal("expected Fork to return a nonzero child pid to the parent")
	}

	child, err := h.mgr.Process(childPid)
	if err != nil {
		t.Fatalf("Process(child): %v", err)
	}
	childCtx := child.Restore()
	if childCtx.ReturnValue() != 0 {
		t.Fatalf("expected the child's saved context to report a 0 return value, got %d", childCtx.ReturnValue())
	}
}

func TestDispatchSemDownBlocksThenUpWakes(t *testing.T) {
	h := newHarness(t)
	producerPid := h.spawn(t, "producer")
	producer, _ := h.mgr.Process(producerPid)
	// The consumer is forked so that it shares the producer's semaphore set.
	producerCtx := producer.Restore()
	consumerPid, err := h.mgr.Fork(producerPid, &producerCtx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	const key = sem.Key(42)

	var ctx proc.Context
	h.gw.Dispatch(producerPid, &ctx, uint64(syscall.Sem), uint64(syscall.SemNew), uint64(key), 0)
	if ctx.ReturnValue() != 0 {
		t.Fatalf("expected SemNew to succeed, got %d", ctx.ReturnValue())
	}

	var consumerCtx proc.Context
	blocked := h.gw.Dispatch(consumerPid, &consumerCtx, uint64(syscall.Sem), uint64(syscall.SemDown), uint64(key), 0)
	if !blocked {
		t.Fatal("expected Down on a zero-count semaphore to block the caller")
	}
	consumer, _ := h.mgr.Process(consumerPid)
	if consumer.Status() != proc.Blocked {
		t.Fatalf("expected the blocked consumer to be marked Blocked, got %v", consumer.Status())
	}

	var upCtx proc.Context
	h.gw.Dispatch(producerPid, &upCtx, uint64(syscall.Sem), uint64(syscall.SemUp), uint64(key), 0)
	if upCtx.ReturnValue() != 0 {
		t.Fatalf("expected SemUp to succeed, got %d", upCtx.ReturnValue())
	}
	if consumer.Status() != proc.Ready {
		t.Fatalf("expected Up to wake the blocked consumer back to Ready, got %v", consumer.Status())
	}
	_ = producer
}

func TestDispatchKillRemovesFromSemaphoreWaiters(t *testing.T) {
	h := newHarness(t)
	ownerPid := h.spawn(t, "owner")
	// The waiter is forked so that it shares the owner's semaphore set.
	owner, _ := h.mgr.Process(ownerPid)
	ownerCtx := owner.Restore()
	waiterPid, err := h.mgr.Fork(ownerPid, &ownerCtx)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	const key = sem.Key(7)
	var ctx proc.Context
	h.gw.Dispatch(ownerPid, &ctx, uint64(syscall.Sem), uint64(syscall.SemNew), uint64(key), 0)

	var waiterCtx proc.Context
	h.gw.Dispatch(waiterPid, &waiterCtx, uint64(syscall.Sem), uint64(syscall.SemDown), uint64(key), 0)

	if err := h.mgr.Kill(waiterPid); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	// A subsequent Up must not try to wake the now-dead waiter; it should
	// fall through to incrementing the count instead.
	var upCtx proc.Context
	h.gw.Dispatch(ownerPid, &upCtx, uint64(syscall.Sem), uint64(syscall.SemUp), uint64(key), 0)
	if upCtx.ReturnValue() != 0 {
		t.Fatalf("expected Up to still succeed after its only waiter died, got %d", upCtx.ReturnValue())
	}
}

func TestDispatchTimeReadsClock(t *testing.T) {
	h := newHarness(t)
	pid := h.spawn(t, "a")
	h.clock.Advance(12345)

	var ctx proc.Context
	h.gw.Dispatch(pid, &ctx, uint64(syscall.Time), 0, 0, 0)
	if ctx.ReturnValue() != 12345 {
		t.Fatalf("expected Time to report 12345, got %d", ctx.ReturnValue())
	}
}
