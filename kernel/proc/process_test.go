package proc_test

import (
	"strings"
	"testing"

	"nimbusos/kernel"
	"nimbusos/kernel/mm"
	"nimbusos/kernel/proc"
	"nimbusos/simhw"
)

// spawnTestProcess wires a Manager to a simhw-backed page-table factory and
// spawns a minimal one-segment process, returning both for the caller to
// exercise.
func spawnTestProcess(t *testing.T, name string) (*proc.Manager, proc.ID) {
	t.Helper()
	arena := simhw.NewArena(4096)
	simhw.InstallBootInfo(arena)

	undo := proc.SetPageTableFactory(func() (proc.PageTableContext, *kernel.Error) {
		return simhw.NewPageTable(arena), nil
	})
	t.Cleanup(undo)

	mgr := proc.NewManager()

	image := &proc.ElfImage{
		Entry:    0x400000,
		Segments: []proc.ElfSegment{{VirtAddr: 0x400000, MemSize: mm.PageSize}},
	}
	console := &simhw.Console{}
	data := proc.NewData(
		proc.NewConsoleResource(proc.Stdin, console, nil),
		proc.NewConsoleResource(proc.Stdout, nil, console),
		proc.NewConsoleResource(proc.Stderr, nil, console),
	)

	pid, err := mgr.Spawn(name, image, data)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return mgr, pid
}

func TestProcessSaveRestoreRoundTrip(t *testing.T) {
	mgr, pid := spawnTestProcess(t, "demo")

	p, err := mgr.Process(pid)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	ctx := p.Restore()
	ctx.SetReturnValue(42)
	p.Save(&ctx)

	restored := p.Restore()
	if restored.ReturnValue() != 42 {
		t.Fatalf("expected restored context to carry the saved return value, got %d", restored.ReturnValue())
	}
}

func TestProcessDumpToFormatsRow(t *testing.T) {
	mgr, pid := spawnTestProcess(t, "worker")

	p, err := mgr.Process(pid)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	var buf strings.Builder
	p.DumpTo(&buf)

	out := buf.String()
	if !strings.Contains(out, "worker") || !strings.Contains(out, "ready") {
		t.Fatalf("expected dump to mention the process name and status, got %q", out)
	}
}
