package main

import (
	"nimbusos/kernel/mm"
	"nimbusos/kernel/proc"
)

// syntheticImage returns a minimal one-page ELF image for a synthetic
// process: psh has no on-disk ELF binaries to load (there is no
// freestanding bootloader handing it real programs), so every spawned
// demo process runs the same placeholder code page. What exercises the
// real kernel logic is the process manager/syscall gateway driving it, not
// the bytes of the "program" itself.
func syntheticImage() *proc.ElfImage {
	return &proc.ElfImage{
		Entry: 0x400000,
		Segments: []proc.ElfSegment{
			{VirtAddr: 0x400000, MemSize: mm.PageSize, Data: []byte{0xf4}}, // hlt
		},
	}
}

func (rt *runtime) spawn(name string) (proc.ID, error) {
	data := proc.NewData(
		proc.NewConsoleResource(proc.Stdin, rt.console, nil),
		proc.NewConsoleResource(proc.Stdout, nil, rt.console),
		proc.NewConsoleResource(proc.Stderr, nil, rt.console),
	)
	pid, err := rt.mgr.Spawn(name, syntheticImage(), data)
	if err != nil {
		return proc.NoPID, err
	}
	return pid, nil
}
