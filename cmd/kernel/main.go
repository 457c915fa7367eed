// Command kernel is the freestanding kernel entrypoint, the nimbusos
// analogue of gopher-os's kernel/kmain package: the first (and only) Go
// symbol the rt0 boot glue calls into after it has built a minimal g0 and
// handed off from real/protected mode into long mode. It is never invoked
// by a hosted `go run`; it exists so the freestanding subsystems (pmm, vmm,
// goruntime, gate, proc, syscall) have a single wiring point, mirroring how
// gopher-os's kmain.Kmain strings allocator.Init/vmm.Init/goruntime.Init
// together before handing off to the scheduler.
package main

import (
	"nimbusos/kernel"
	"nimbusos/kernel/cpu"
	"nimbusos/kernel/gate"
	"nimbusos/kernel/goruntime"
	"nimbusos/kernel/hal/bootinfo"
	"nimbusos/kernel/kfmt"
	"nimbusos/kernel/mm"
	"nimbusos/kernel/mm/pmm"
	"nimbusos/kernel/mm/vmm"
	"nimbusos/kernel/proc"
	"nimbusos/kernel/syscall"
)

// syscallInterrupt is the legacy x86 software-interrupt vector user-mode
// code traps into the gateway through, the same convention 32-bit Linux
// used before sysenter/syscall: a single fixed int number rather than a
// per-op gate.
const syscallInterrupt = gate.InterruptNumber(0x80)

// timerInterrupt is the PIT/APIC periodic-tick vector that drives
// preemption. The PIC/APIC driver that actually unmasks and acks it is out
// of this module's core (spec.md §1's IO/driver boundary); this entrypoint
// only registers the handler gate.HandleInterrupt calls into.
const timerInterrupt = gate.InterruptNumber(0x20)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "kmain returned"}
var errKernelGPF = &kernel.Error{Module: "kmain", Message: "general protection fault in kernel mode"}

var gw *syscall.Gateway

// Kmain is invoked by the rt0 assembly stub with a pointer to the
// bootloader's handoff struct.
// It is not expected to return; if it does, the rt0 code halts the CPU.
//
//go:noinline
func Kmain(info *bootinfo.Info) {
	bootinfo.Set(info)

	kfmt.Printf("starting nimbusos\n")

	regions := make([]pmm.Region, 0, len(info.MemoryMap))
	for _, r := range info.UsableRegions() {
		regions = append(regions, pmm.Region{
			BaseFrame:  mm.FrameFromAddress(r.PhysStart),
			FrameCount: r.PageCount,
		})
	}
	pmm.Init(regions)
	mm.SetFrameAllocator(pmm.AllocFrame)
	mm.SetFrameDeallocator(pmm.DeallocFrame)

	var err *kernel.Error
	if err = vmm.Init(info.PhysMemOffset); err != nil {
		kfmt.Panic(err)
	}
	if err = goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	gate.Init()
	gate.HandleInterrupt(gate.PageFaultException, 0, handlePageFault)
	gate.HandleInterrupt(gate.GPFException, 0, handleGPF)
	gate.HandleInterrupt(syscallInterrupt, 0, handleSyscall)
	gate.HandleInterrupt(timerInterrupt, 0, handleTick)

	mgr := proc.NewManager()
	gw = &syscall.Gateway{
		Manager:    mgr,
		Clock:      bootClock{},
		ConsoleIn:  kfmtConsole{},
		ConsoleOut: kfmtConsole{},
		ConsoleErr: kfmtConsole{},
	}

	loadApps(mgr, info.Apps)

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating it as dead code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// loadApps spawns every bootloader-staged application as an initial
// process. A failed parse or spawn is logged and skipped rather than
// aborting the boot: one malformed app image must not prevent the rest of
// the system from coming up.
func loadApps(mgr *proc.Manager, apps []bootinfo.App) {
	for _, app := range apps {
		image, perr := proc.ParseELF(app.ELF)
		if perr != nil {
			kfmt.Printf("kmain: skipping app %q: %s\n", app.Name, perr.Error())
			continue
		}
		data := proc.NewData(
			proc.NewConsoleResource(proc.Stdin, kfmtConsole{}, nil),
			proc.NewConsoleResource(proc.Stdout, nil, kfmtConsole{}),
			proc.NewConsoleResource(proc.Stderr, nil, kfmtConsole{}),
		)
		if _, serr := mgr.Spawn(app.Name, image, data); serr != nil {
			kfmt.Printf("kmain: failed to spawn app %q: %s\n", app.Name, serr.Error())
		}
	}
}

// kfmtConsole backs every spawned process's standard streams until a real
// UART/serial driver (out of this module's core per spec.md §1) is wired
// in: writes go to the same sink every other kernel log line uses, and
// reads always report empty since there is no input device yet.
type kfmtConsole struct{}

func (kfmtConsole) Write(buf []byte) (int, *kernel.Error) {
	kfmt.Printf("%s", buf)
	return len(buf), nil
}

func (kfmtConsole) Read(buf []byte) (int, *kernel.Error) { return 0, nil }

func (kfmtConsole) Empty() bool { return true }

// handlePageFault is installed against the PageFaultException gate. A fault
// that HandlePageFault resolves (stack growth) simply returns and retries
// the faulting instruction; anything else kills the faulting process and
// switches the live register frame over to whichever pid runs next.
func handlePageFault(regs *gate.Registers) {
	running := gw.Manager.Running()
	faultAddr := uintptr(cpu.ReadCR2())
	if gw.Manager.HandlePageFault(running, faultAddr) {
		return
	}
	_ = gw.Manager.Fault(running)
	switchTo(gw.Manager.Tick(), regs)
}

// cplMask extracts the current privilege level (ring) from a segment
// selector: the low two bits. A GPF trap frame's CS reflects whichever code
// was actually executing when the fault hit, so checking it (rather than
// which pid happens to be "current") is what tells user mode from kernel
// mode apart.
const cplMask = uint64(0x3)

// handleGPF is installed against the GPFException gate, superseding the
// teacher-inherited handler vmm.Init wires up by default
// (kernel/mm/vmm/fault_amd64.go's generalProtectionFaultHandler, whose own
// "TODO: Revisit this when user-mode tasks are implemented" marks exactly
// this gap): that handler predates this module's process subsystem and
// unconditionally panics. Per spec.md §7/§3, "general protection: the
// faulting user process is killed with a diagnostic; the kernel continues.
// Same fault raised inside kernel mode is a panic" — so a GPF trapped while
// CS still carries a ring-0 selector is unrecoverable and panics, while one
// trapped from ring 3 kills the offending process and reschedules, the same
// way handlePageFault handles an unhandled page fault.
func handleGPF(regs *gate.Registers) {
	if regs.CS&cplMask == 0 {
		kfmt.Printf("\nGeneral protection fault in kernel mode at rip=0x%x\n", regs.RIP)
		regs.DumpTo(kfmt.GetOutputSink())
		kfmt.Panic(errKernelGPF)
	}

	running := gw.Manager.Running()
	kfmt.Printf("\nGeneral protection fault in pid %d at rip=0x%x\n", running, regs.RIP)
	regs.DumpTo(kfmt.GetOutputSink())
	_ = gw.Manager.Fault(running)
	switchTo(gw.Manager.Tick(), regs)
}

// handleSyscall adapts the raw register snapshot the interrupt gate hands
// us into a Dispatch call: RAX carries the opcode, RDI/RSI/RDX the first
// three arguments, matching the SysV-influenced ABI the gateway documents.
// The caller's context is built fresh from the live regs (not the stale
// copy saved at its last switch-out) so Dispatch's return value lands in
// the frame iret will actually resume: either regs itself, if the caller
// keeps running, or the next scheduled pid's own saved context, if it
// blocked.
func handleSyscall(regs *gate.Registers) {
	running := gw.Manager.Running()
	p, perr := gw.Manager.Process(running)
	if perr != nil {
		return
	}

	var ctx proc.Context
	ctx.SaveFrom(regs)
	blocked := gw.Dispatch(running, &ctx, regs.RAX, regs.RDI, regs.RSI, regs.RDX)
	p.Save(&ctx)

	if blocked {
		switchTo(gw.Manager.Tick(), regs)
		return
	}
	ctx.RestoreInto(regs)
}

// handleTick is installed against the timer vector and drives preemptive
// round robin: the currently Running process's live registers are saved
// into its Process record before Tick reshuffles the ready FIFO, and
// whichever pid Tick selects next has its saved context written back into
// regs so the interrupt return path resumes it instead of the preempted
// process.
func handleTick(regs *gate.Registers) {
	running := gw.Manager.Running()
	if p, err := gw.Manager.Process(running); err == nil {
		var ctx proc.Context
		ctx.SaveFrom(regs)
		p.Save(&ctx)
	}
	switchTo(gw.Manager.Tick(), regs)
}

// switchTo activates pid's page table and loads its saved context into
// regs, the live register frame the interrupt return path will iret into.
// Both must happen together: restoring registers without loading the page
// table would resume the next process's instruction stream against
// whatever address space happened to be active, defeating per-process VM
// isolation (spec.md §4.4's restore(ctx): "loads the page table, marks
// Running"). It is a no-op if pid has no process record, which should not
// happen since Tick always returns either a live ready pid or KernelPID.
func switchTo(pid proc.ID, regs *gate.Registers) {
	p, err := gw.Manager.Process(pid)
	if err != nil {
		return
	}
	if vm := p.Vm(); vm != nil {
		vm.Activate()
	}
	ctx := p.Restore()
	ctx.RestoreInto(regs)
}

// bootClock always reports zero elapsed time: it reads no timestamp counter,
// and a real time source (APIC or HPET) is out of this module's core.
type bootClock struct{}

func (bootClock) NanosSinceBoot() uint64 { return 0 }

func main() {}
