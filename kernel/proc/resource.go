package proc

import "nimbusos/kernel"

// ConsoleStream selects which of the three standard console streams a
// Console resource represents.
type ConsoleStream uint8

const (
	Stdin ConsoleStream = iota
	Stdout
	Stderr
)

// errResourceUnsupported is returned when a Resource variant does not
// support the requested operation (e.g. writing to Stdin).
var errResourceUnsupported = &kernel.Error{Module: "proc", Message: "resource does not support this operation"}

// FileHandle is the narrow interface an open file collaborator (the FAT
// filesystem driver, out of the core per spec.md §1) must satisfy to back
// a File resource.
type FileHandle interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
}

// RandomSource is a seeded byte generator backing a Random resource. It is
// satisfied by a small deterministic PRNG so process output stays
// reproducible in tests; the kernel's own production instance can seed it
// from a hardware RNG if one is wired up later.
type RandomSource interface {
	Read(buf []byte) (int, *kernel.Error)
}

// Resource is a tagged variant standing in for anything a process can hold
// open behind a file-descriptor slot: a console stream, an open file, a
// seeded random generator, or the null device. The universe of resource
// kinds is closed and small, so a tagged dispatch is used instead of an
// open-ended interface registry.
type Resource struct {
	kind   resourceKind
	stream ConsoleStream
	file   FileHandle
	random RandomSource
	out    ConsoleWriter
	in     ConsoleReader
}

type resourceKind uint8

const (
	kindConsole resourceKind = iota
	kindFile
	kindRandom
	kindNull
)

// ConsoleWriter is the collaborator interface a Console(Stdout|Stderr)
// resource writes through; the UART/serial driver (out of the core)
// implements it.
type ConsoleWriter interface {
	Write(buf []byte) (int, *kernel.Error)
}

// ConsoleReader is the collaborator interface a Console(Stdin) resource
// reads through. Read blocks (from the caller's perspective) at most until
// the next keypress is drained; the process manager is responsible for
// descheduling the caller while no input is available.
type ConsoleReader interface {
	Read(buf []byte) (int, *kernel.Error)
	// Empty reports whether a Read would currently return 0 bytes
	// without blocking, letting the caller decide whether to
	// deschedule the reading process.
	Empty() bool
}

// NewConsoleResource wraps the given stream selector with its backing
// reader/writer collaborators. Only Stdin uses in; only Stdout/Stderr use
// out.
func NewConsoleResource(stream ConsoleStream, in ConsoleReader, out ConsoleWriter) Resource {
	return Resource{kind: kindConsole, stream: stream, in: in, out: out}
}

// NewFileResource wraps an already-open file handle.
func NewFileResource(f FileHandle) Resource {
	return Resource{kind: kindFile, file: f}
}

// NewRandomResource wraps a seeded random generator.
func NewRandomResource(r RandomSource) Resource {
	return Resource{kind: kindRandom, random: r}
}

// NewNullResource returns the null device: reads return 0 bytes, writes
// discard their input and report success.
func NewNullResource() Resource {
	return Resource{kind: kindNull}
}

// Empty reports whether the resource currently has no data to return
// without blocking. Only Stdin ever returns true; every other resource
// kind is always ready.
func (r Resource) Empty() bool {
	if r.kind == kindConsole && r.stream == Stdin {
		return r.in.Empty()
	}
	return false
}

// Read dispatches to the resource's backing collaborator.
func (r Resource) Read(buf []byte) (int, *kernel.Error) {
	switch r.kind {
	case kindConsole:
		if r.stream != Stdin {
			return 0, errResourceUnsupported
		}
		return r.in.Read(buf)
	case kindFile:
		return r.file.Read(buf)
	case kindRandom:
		return r.random.Read(buf)
	case kindNull:
		return 0, nil
	default:
		return 0, errResourceUnsupported
	}
}

// Write dispatches to the resource's backing collaborator.
func (r Resource) Write(buf []byte) (int, *kernel.Error) {
	switch r.kind {
	case kindConsole:
		if r.stream == Stdin {
			return 0, errResourceUnsupported
		}
		return r.out.Write(buf)
	case kindFile:
		return r.file.Write(buf)
	case kindNull:
		return len(buf), nil
	default:
		return 0, errResourceUnsupported
	}
}
