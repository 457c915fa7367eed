package proc

import "nimbusos/kernel/gate"

// rflagsReserved is the x86 FLAGS bit that is always read back as 1.
const rflagsReserved = 1 << 1

// rflagsIF is the interrupt-enable bit. Every saved user context must have
// it set; a user process with IF clear would never again see a timer tick
// and the scheduler would wedge on it forever.
const rflagsIF = 1 << 9

// Context is the saved CPU state for a non-Running process: the integer
// registers plus the iret frame (instruction pointer, stack pointer,
// segment selectors, flags). For any non-Running process this fully
// describes where execution resumes.
type Context struct {
	gate.Registers
}

// NewUserContext builds the initial saved context for a freshly spawned or
// forked process: the instruction pointer and stack pointer the process
// should resume at, the user-mode code/data segment selectors, and flags
// with the interrupt-enable bit set so the process remains preemptible.
func NewUserContext(entry, stackTop uintptr, codeSelector, dataSelector uint64) Context {
	var ctx Context
	ctx.RIP = uint64(entry)
	ctx.RSP = uint64(stackTop)
	ctx.CS = codeSelector
	ctx.SS = dataSelector
	ctx.RFlags = rflagsIF | rflagsReserved
	return ctx
}

// SaveFrom copies the live register snapshot captured at interrupt/syscall
// entry into this saved context, preserving the invariant that the saved
// flags keep the interrupt-enable bit set.
func (c *Context) SaveFrom(regs *gate.Registers) {
	c.Registers = *regs
	c.RFlags |= rflagsIF
}

// RestoreInto writes this saved context back into regs, the frame the
// interrupt return path will use to resume the process.
func (c *Context) RestoreInto(regs *gate.Registers) {
	*regs = c.Registers
}

// SetReturnValue sets the syscall return-value register on this saved
// context. Syscalls write their result here instead of into the live
// registers so that a syscall which blocks (Sem.down, WaitPid) has its
// result delivered whenever it is eventually rescheduled, not before.
func (c *Context) SetReturnValue(v int64) {
	c.RAX = uint64(v)
}

// ReturnValue reads back the value most recently set via SetReturnValue.
func (c *Context) ReturnValue() int64 {
	return int64(c.RAX)
}
