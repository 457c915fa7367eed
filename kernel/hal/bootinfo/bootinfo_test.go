package bootinfo

import "testing"

func TestUsableRegions(t *testing.T) {
	info := &Info{
		MemoryMap: []MemoryRegion{
			{PhysStart: 0x0, PageCount: 16, Type: RegionKernelImage},
			{PhysStart: 0x10000, PageCount: 256, Type: RegionUsable},
			{PhysStart: 0xf0000, PageCount: 4, Type: RegionReserved},
			{PhysStart: 0x100000, PageCount: 1024, Type: RegionUsable},
		},
	}

	usable := info.UsableRegions()
	if len(usable) != 2 {
		t.Fatalf("expected 2 usable regions; got %d", len(usable))
	}
	if usable[0].PhysStart != 0x10000 || usable[1].PhysStart != 0x100000 {
		t.Fatalf("unexpected usable region order: %+v", usable)
	}
}

func TestSetActive(t *testing.T) {
	defer func() { active = nil }()

	info := &Info{PhysMemOffset: 0xffff800000000000}
	Set(info)

	if got := Active(); got != info {
		t.Fatalf("expected Active to return the info set via Set")
	}
}

func TestActivePanicsBeforeSet(t *testing.T) {
	defer func() { active = nil }()
	active = nil

	defer func() {
		if recover() == nil {
			t.Fatal("expected Active to panic before Set is called")
		}
	}()

	Active()
}
