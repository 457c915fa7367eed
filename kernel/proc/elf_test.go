package proc_test

import (
	"encoding/binary"
	"testing"

	"nimbusos/kernel/proc"
)

// buildMinimalELF64 assembles the smallest valid little-endian ELF64
// executable with a single PT_LOAD segment carrying payload, entry point
// at vaddr. There is no encoder in the retrieval pack's debug/elf (it only
// reads), so the test builds the byte layout directly from the ELF64
// on-disk structures ParseELF consumes.
func buildMinimalELF64(t *testing.T, vaddr uint64, payload []byte) []byte {
	t.Helper()

	const (
		ehdrSize = 64
		phdrSize = 56
	)
	dataOff := uint64(ehdrSize + phdrSize)

	buf := make([]byte, dataOff+uint64(len(payload)))

	// e_ident
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT

	le := binary.LittleEndian
	le.PutUint16(buf[16:18], 2)              // e_type = ET_EXEC
	le.PutUint16(buf[18:20], 62)             // e_machine = EM_X86_64
	le.PutUint32(buf[20:24], 1)              // e_version
	le.PutUint64(buf[24:32], vaddr)          // e_entry
	le.PutUint64(buf[32:40], ehdrSize)       // e_phoff
	le.PutUint64(buf[40:48], 0)              // e_shoff
	le.PutUint32(buf[48:52], 0)              // e_flags
	le.PutUint16(buf[52:54], ehdrSize)       // e_ehsize
	le.PutUint16(buf[54:56], phdrSize)       // e_phentsize
	le.PutUint16(buf[56:58], 1)              // e_phnum
	le.PutUint16(buf[58:60], 0)              // e_shentsize
	le.PutUint16(buf[60:62], 0)              // e_shnum
	le.PutUint16(buf[62:64], 0)              // e_shstrndx

	phdr := buf[ehdrSize:dataOff]
	le.PutUint32(phdr[0:4], 1)                    // p_type = PT_LOAD
	le.PutUint32(phdr[4:8], 5)                     // p_flags = R|X
	le.PutUint64(phdr[8:16], dataOff)              // p_offset
	le.PutUint64(phdr[16:24], vaddr)               // p_vaddr
	le.PutUint64(phdr[24:32], vaddr)               // p_paddr
	le.PutUint64(phdr[32:40], uint64(len(payload))) // p_filesz
	le.PutUint64(phdr[40:48], uint64(len(payload))) // p_memsz
	le.PutUint64(phdr[48:56], 0x1000)              // p_align

	copy(buf[dataOff:], payload)
	return buf
}

func TestParseELFReadsEntryAndSegment(t *testing.T) {
	payload := []byte{0x90, 0x90, 0xc3} // nop; nop; ret
	raw := buildMinimalELF64(t, 0x400000, payload)

	img, err := proc.ParseELF(raw)
	if err != nil {
		t.Fatalf("ParseELF: %v", err)
	}
	if img.Entry != 0x400000 {
		t.Fatalf("expected entry 0x400000, got %x", img.Entry)
	}
	if len(img.Segments) != 1 {
		t.Fatalf("expected exactly one PT_LOAD segment, got %d", len(img.Segments))
	}
	seg := img.Segments[0]
	if seg.VirtAddr != 0x400000 || seg.MemSize != uintptr(len(payload)) {
		t.Fatalf("unexpected segment extent: %+v", seg)
	}
	if string(seg.Data) != string(payload) {
		t.Fatalf("expected segment bytes %v, got %v", payload, seg.Data)
	}
	// p_flags = 5 (R|X) above: writable must not survive, executable must.
	if seg.Perm.Write {
		t.Fatalf("expected a R|X segment to not be writable, got %+v", seg.Perm)
	}
	if !seg.Perm.Exec {
		t.Fatalf("expected a R|X segment to be executable, got %+v", seg.Perm)
	}
}

func TestParseELFRejectsGarbage(t *testing.T) {
	if _, err := proc.ParseELF([]byte("not an elf file")); err == nil {
		t.Fatal("expected ParseELF to reject non-ELF input")
	}
}

func TestParseELFRejectsNoLoadSegments(t *testing.T) {
	raw := buildMinimalELF64(t, 0x400000, nil)
	// Rewrite e_phnum to 0 so the only program header is dropped, leaving
	// no PT_LOAD segments at all.
	binary.LittleEndian.PutUint16(raw[56:58], 0)

	if _, err := proc.ParseELF(raw); err == nil {
		t.Fatal("expected ParseELF to reject an image with no loadable segments")
	}
}
