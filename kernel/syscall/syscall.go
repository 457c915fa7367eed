// Package syscall implements the fixed-number dispatch gateway between a
// user-mode `int` instruction and the kernel's process/semaphore/vm
// services. Op numbers, argument order and return-value contracts follow
// the stable ABI table: opcode in the first argument register, up to
// three argument registers, result written back into the first argument
// register of the caller's *saved* context.
package syscall

import (
	"nimbusos/kernel"
	"nimbusos/kernel/kfmt"
	"nimbusos/kernel/proc"
	"nimbusos/kernel/sem"
)

// Op identifies a syscall by its stable ABI number.
type Op uint64

const (
	Read       Op = 0
	Write      Op = 1
	Open       Op = 2
	Close      Op = 3
	Brk        Op = 12
	GetPid     Op = 39
	Fork       Op = 58
	Spawn      Op = 59
	Exit       Op = 60
	WaitPid    Op = 61
	Kill       Op = 62
	Sem        Op = 66
	Time       Op = 201
	Stat       Op = 65530
	ListDir    Op = 65531
	Allocate   Op = 65533
	Deallocate Op = 65534
)

// Sem sub-opcodes, carried in arg0 of a Sem syscall.
const (
	SemNew    = 0
	SemRemove = 1
	SemDown   = 2
	SemUp     = 3
)

// FileSystem is the narrow collaborator Spawn needs to turn a path into
// ELF bytes. The FAT/ATA driver (out of this module's core per spec.md
// §1) implements it.
type FileSystem interface {
	ReadFile(path string) ([]byte, *kernel.Error)
}

// Clock supplies the nanosecond timestamp the Time syscall reports.
type Clock interface {
	NanosSinceBoot() uint64
}

// Gateway wires the process manager and its external collaborators into a
// single Dispatch entry point driven by the interrupt/exception handler.
type Gateway struct {
	Manager *proc.Manager
	FS      FileSystem
	Clock   Clock

	// ConsoleIn/ConsoleOut/ConsoleErr back every spawned process's
	// standard streams. The UART/serial driver (out of this module's
	// core per spec.md §1) supplies the real instances; tests wire
	// in-memory fakes.
	ConsoleIn  proc.ConsoleReader
	ConsoleOut proc.ConsoleWriter
	ConsoleErr proc.ConsoleWriter
}

// Dispatch decodes and executes one syscall on behalf of callerPid,
// writing its result into ctx (the caller's saved context) rather than
// live registers, so a syscall that blocks delivers its result whenever
// the caller is eventually rescheduled. It returns true if callerPid was
// transitioned to Blocked or has exited, and the caller (the interrupt handler) must
// invoke Manager.Tick to pick a new process to resume instead.
func (g *Gateway) Dispatch(callerPid proc.ID, ctx *proc.Context, opcode, arg0, arg1, arg2 uint64) bool {
	switch Op(opcode) {
	case Read:
		ctx.SetReturnValue(g.doRead(callerPid, int(arg0), uintptr(arg1), uintptr(arg2)))
	case Write:
		ctx.SetReturnValue(g.doWrite(callerPid, int(arg0), uintptr(arg1), uintptr(arg2)))
	case Open, Close:
		// File descriptor lifecycle beyond the preassigned standard
		// streams is owned by the filesystem collaborator, which is
		// out of this module's core (spec.md §1); both ops fail
		// gracefully rather than panicking on an unimplemented path.
		ctx.SetReturnValue(-1)
	case Brk:
		ctx.SetReturnValue(g.doBrk(callerPid, uintptr(arg0)))
	case GetPid:
		ctx.SetReturnValue(int64(callerPid))
	case Spawn:
		ctx.SetReturnValue(g.doSpawn(callerPid, uintptr(arg0), uintptr(arg1)))
	case Fork:
		ctx.SetReturnValue(g.doFork(callerPid, ctx))
	case Exit:
		g.doExit(callerPid, int64ToInt(arg0))
		return true
	case WaitPid:
		blocked, code := g.doWaitPid(callerPid, proc.ID(arg0))
		if blocked {
			return true
		}
		ctx.SetReturnValue(code)
	case Kill:
		ctx.SetReturnValue(g.doKill(arg0))
	case Sem:
		blocked, result := g.doSem(callerPid, int(arg0), sem.Key(arg1), uint(arg2))
		if blocked {
			return true
		}
		ctx.SetReturnValue(result)
	case Time:
		ctx.SetReturnValue(int64(g.Clock.NanosSinceBoot()))
	case Stat, ListDir:
		g.doDiagnosticPrint(Op(opcode))
		ctx.SetReturnValue(0)
	case Allocate:
		ctx.SetReturnValue(g.doBrk(callerPid, uintptr(arg0)))
	case Deallocate:
		ctx.SetReturnValue(0)
	default:
		ctx.SetReturnValue(-1)
	}
	return false
}

func (g *Gateway) process(pid proc.ID) *proc.Process {
	p, err := g.Manager.Process(pid)
	if err != nil {
		return nil
	}
	return p
}

func (g *Gateway) doRead(pid proc.ID, fd int, ptr, length uintptr) int64 {
	p := g.process(pid)
	if p == nil {
		return -1
	}
	res, rerr := p.Data().Resource(fd)
	if rerr != nil {
		return -1
	}

	buf := make([]byte, length)
	n, rerr := res.Read(buf)
	if rerr != nil {
		return -1
	}
	if werr := p.Vm().WriteUser(ptr, buf[:n]); werr != nil {
		g.warnBadPointer(pid, ptr)
		return -1
	}
	return int64(n)
}

func (g *Gateway) doWrite(pid proc.ID, fd int, ptr, length uintptr) int64 {
	p := g.process(pid)
	if p == nil {
		return -1
	}
	res, rerr := p.Data().Resource(fd)
	if rerr != nil {
		return -1
	}

	buf := make([]byte, length)
	if err := p.Vm().ReadUser(ptr, buf); err != nil {
		g.warnBadPointer(pid, ptr)
		return -1
	}

	n, werr := res.Write(buf)
	if werr != nil {
		return -1
	}
	return int64(n)
}

func (g *Gateway) doBrk(pid proc.ID, newEnd uintptr) int64 {
	p := g.process(pid)
	if p == nil {
		return -1
	}
	brk, err := p.Vm().Brk(newEnd)
	if err != nil {
		return -1
	}
	return int64(brk)
}

func (g *Gateway) doSpawn(pid proc.ID, namePtr, nameLen uintptr) int64 {
	p := g.process(pid)
	if p == nil || g.FS == nil {
		return 0
	}

	nameBuf := make([]byte, nameLen)
	if err := p.Vm().ReadUser(namePtr, nameBuf); err != nil {
		g.warnBadPointer(pid, namePtr)
		return 0
	}
	path := string(nameBuf)

	image, err := g.FS.ReadFile(path)
	if err != nil {
		return 0
	}
	elfImage, perr := proc.ParseELF(image)
	if perr != nil {
		return 0
	}

	childData := proc.NewData(
		proc.NewConsoleResource(proc.Stdin, g.ConsoleIn, nil),
		proc.NewConsoleResource(proc.Stdout, nil, g.ConsoleOut),
		proc.NewConsoleResource(proc.Stderr, nil, g.ConsoleErr),
	)
	childPID, serr := g.Manager.Spawn(path, elfImage, childData)
	if serr != nil {
		return 0
	}
	return int64(childPID)
}

func (g *Gateway) doFork(pid proc.ID, liveCtx *proc.Context) int64 {
	childPID, err := g.Manager.Fork(pid, liveCtx)
	if err != nil {
		return 0
	}
	// The parent's syscall return value (set into ctx by Dispatch once
	// doFork returns) is the child pid; the child's own
	// saved context — a copy taken at Fork time — must report 0 instead.
	if child, cerr := g.Manager.Process(childPID); cerr == nil {
		childCtx := child.Restore()
		childCtx.SetReturnValue(0)
		child.Save(&childCtx)
	}
	return int64(childPID)
}

func (g *Gateway) doExit(pid proc.ID, code int) {
	_ = g.Manager.Exit(pid, code)
}

func (g *Gateway) doWaitPid(callerPid, targetPid proc.ID) (bool, int64) {
	blocked, code, err := g.Manager.WaitPid(callerPid, targetPid)
	if err != nil {
		return false, -1
	}
	if blocked {
		return true, 0
	}
	return false, int64(code)
}

// doKill forwards to Manager.Kill, which owns the pid-1 rejection and the
// Dead-pid idempotence guard (spec.md §4.5, §8); this gateway adds no
// policy of its own.
func (g *Gateway) doKill(rawPid uint64) int64 {
	_ = g.Manager.Kill(proc.ID(rawPid))
	return 0
}

func (g *Gateway) doSem(pid proc.ID, subOp int, key sem.Key, val uint) (bool, int64) {
	p := g.process(pid)
	if p == nil {
		return false, 1
	}
	set := p.Data().Sem()

	switch subOp {
	case SemNew:
		if err := set.New(key, val); err != nil {
			return false, 1
		}
		return false, 0
	case SemRemove:
		if err := set.Remove(key); err != nil {
			return false, 1
		}
		return false, 0
	case SemDown:
		res, err := set.Down(key, sem.PID(pid))
		if err != nil {
			return false, 1
		}
		if res == sem.DownBlocked {
			g.Manager.MarkBlocked(pid)
			return true, 0
		}
		return false, 0
	case SemUp:
		res, woken, err := set.Up(key, g.isDead)
		if err != nil {
			return false, 1
		}
		if res == sem.Woke {
			g.Manager.Wake(proc.ID(woken))
		}
		return false, 0
	default:
		return false, 1
	}
}

func (g *Gateway) isDead(pid sem.PID) bool {
	p := g.process(proc.ID(pid))
	return p == nil || p.Status() == proc.Dead
}

func (g *Gateway) doDiagnosticPrint(op Op) {
	if op == Stat {
		g.Manager.List(kfmtWriter{})
	}
}

func (g *Gateway) warnBadPointer(pid proc.ID, ptr uintptr) {
	kfmt.Printf("syscall: pid %d passed an invalid pointer %x\n", uint16(pid), uint64(ptr))
}

func int64ToInt(v uint64) int { return int(int64(v)) }

// kfmtWriter adapts kfmt.Printf's implicit output sink to the io.Writer
// Manager.List expects, so Stat's diagnostic print goes through the same
// sink every other kernel log line uses.
type kfmtWriter struct{}

func (kfmtWriter) Write(p []byte) (int, error) {
	kfmt.Printf("%s", p)
	return len(p), nil
}
