// Command psh is the hosted control-plane CLI: a normal Go program (no
// freestanding constraints) that wires the real kernel/proc process manager
// and kernel/syscall gateway onto simhw's in-memory fakes instead of real
// amd64 paging and a UART driver, the same process-manager/semaphore/
// syscall logic the freestanding kernel runs. It is the hosted analogue of
// the in-kernel shell spec.md §1 calls out as outside the core, and the
// home for every third-party dependency this module wires (cobra,
// tablewriter) since none of them can link into the freestanding binary.
package main

import (
	"nimbusos/kernel"
	"nimbusos/kernel/proc"
	"nimbusos/kernel/syscall"
	"nimbusos/simhw"
)

// runtime bundles a fresh process manager, syscall gateway and their simhw
// collaborators. Every subcommand builds its own runtime: psh is a one-shot
// CLI, not a daemon, so each invocation demonstrates a self-contained
// scenario rather than operating on state left behind by a previous run.
type runtime struct {
	arena   *simhw.Arena
	mgr     *proc.Manager
	gw      *syscall.Gateway
	console *simhw.Console
	fs      *simhw.FileSystem
	clock   *simhw.Clock
}

func newRuntime() *runtime {
	arena := simhw.NewArena(1 << 16)
	simhw.InstallBootInfo(arena)
	proc.SetPageTableFactory(func() (proc.PageTableContext, *kernel.Error) {
		return simhw.NewPageTable(arena), nil
	})

	console := &simhw.Console{}
	fs := simhw.NewFileSystem()
	clock := &simhw.Clock{}
	mgr := proc.NewManager()

	return &runtime{
		arena:   arena,
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

// flushConsole returns a copy of everything the scenario's processes have
// written to their standard streams so far. It neither clears the console
// nor prints anything itself.
func (rt *runtime) flushConsole() string {
	return string(rt.console.Output())
}
