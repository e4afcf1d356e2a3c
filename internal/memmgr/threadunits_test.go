package memmgr

import "testing"

func newTestThreadUnits(t *testing.T, category CategoryFlags) (*ThreadUnits, *VmRegion) {
	t.Helper()
	os := newFakeOS()
	r, err := NewVmRegion(os, VmRegionConfig{
		Name:      "test-region",
		Size:      4 << 20,
		BlockSize: 64 * 1024,
		IsCode:    false,
	})
	if err != nil {
		t.Fatalf("NewVmRegion failed: %v", err)
	}
	tu, err := NewThreadUnits(r, newFakeHooks(), 64*1024, 512*1024, 4096, category, false, nil)
	if err != nil {
		t.Fatalf("NewThreadUnits failed: %v", err)
	}
	return tu, r
}

func TestThreadUnitsAllocFreeReuse(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)

	a, err := tu.Alloc(24)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	inUse, _, allocs, _ := tu.Stats()
	if allocs != 1 || inUse == 0 {
		t.Fatalf("unexpected stats after first alloc: inUse=%d allocs=%d", inUse, allocs)
	}

	tu.Free(a, 24)
	b, err := tu.Alloc(24)
	if err != nil {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if b != a {
		t.Fatalf("expected same-size-class alloc to reuse freed slot: got %x, want %x", b, a)
	}
}

func TestThreadUnitsGrowsNewUnit(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)

	// Exhaust the initial 64KiB unit with 32-byte class allocations
	// (class 32) to force at least one additional unit to be created.
	var last uintptr
	for i := 0; i < 4000; i++ {
		addr, err := tu.Alloc(32)
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		last = addr
	}
	if last == 0 {
		t.Fatal("expected at least one allocation to succeed")
	}
	if tu.units == tu.current && tu.units.next == nil {
		// Not a hard requirement (unit sizing could vary), but with
		// these parameters more than one unit should exist by now.
		t.Log("warning: only a single unit exists after 4000 allocations; check sizing assumptions")
	}
}

func TestThreadUnitsOversizeAllocFree(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)

	big := uint64(1 << 16) // larger than the biggest size class
	a, err := tu.Alloc(big)
	if err != nil {
		t.Fatalf("oversize Alloc failed: %v", err)
	}
	tu.Free(a, big)
	b, err := tu.Alloc(big)
	if err != nil {
		t.Fatalf("second oversize Alloc failed: %v", err)
	}
	if b != a {
		t.Fatalf("expected oversize free list reuse: got %x, want %x", b, a)
	}
}

func TestThreadUnitsReallocSameClassIsNoop(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)
	a, err := tu.Alloc(20)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, moved, err := tu.Realloc(a, 20, 22) // both round up to class 24
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}
	if moved || a != b {
		t.Fatalf("expected same-class realloc to be a no-op, got moved=%v addr %x -> %x", moved, a, b)
	}
}

func TestThreadUnitsReallocGrowsClassMoves(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)
	a, err := tu.Alloc(8)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	b, moved, err := tu.Realloc(a, 8, 256)
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}
	if !moved {
		t.Fatal("expected a class-crossing realloc to move")
	}
	if b == a {
		t.Fatal("expected a different address after a moving realloc")
	}
}

func TestThreadUnitsDestroy(t *testing.T) {
	tu, _ := newTestThreadUnits(t, CatHeap)
	if _, err := tu.Alloc(64); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := tu.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
}

func TestThreadUnitsGuardPagesRoundTrip(t *testing.T) {
	os := newFakeOS()
	r, err := NewVmRegion(os, VmRegionConfig{
		Name:      "guard-region",
		Size:      4 << 20,
		BlockSize: 64 * 1024,
		IsCode:    false,
	})
	if err != nil {
		t.Fatalf("NewVmRegion failed: %v", err)
	}
	before := r.NumFreeBlocks()

	dl := newDeadList()
	tu, err := NewThreadUnits(r, newFakeHooks(), 64*1024, 512*1024, 4096, CatHeap, true, dl)
	if err != nil {
		t.Fatalf("NewThreadUnits with guard pages failed: %v", err)
	}
	if _, err := tu.Alloc(64); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := tu.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if dl.NumUnits() != 1 {
		t.Fatalf("expected Destroy to migrate the unit to the dead list, got %d units", dl.NumUnits())
	}
	if err := dl.Trim(); err != nil {
		t.Fatalf("Trim failed: %v", err)
	}
	if r.NumFreeBlocks() != before {
		t.Fatal("expected Trim to release the unit's guard-page padding along with its usable range")
	}
}

func TestThreadUnitsDestroyMigratesToSharedDeadList(t *testing.T) {
	os := newFakeOS()
	r, err := NewVmRegion(os, VmRegionConfig{
		Name:      "shared-dead-region",
		Size:      4 << 20,
		BlockSize: 64 * 1024,
		IsCode:    false,
	})
	if err != nil {
		t.Fatalf("NewVmRegion failed: %v", err)
	}
	dl := newDeadList()

	tu1, err := NewThreadUnits(r, newFakeHooks(), 64*1024, 512*1024, 4096, CatHeap, false, dl)
	if err != nil {
		t.Fatalf("NewThreadUnits failed: %v", err)
	}
	if _, err := tu1.Alloc(64); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := tu1.Destroy(); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if dl.NumUnits() == 0 {
		t.Fatal("expected tu1.Destroy to leave a unit on the shared dead list")
	}

	// A second, independently-constructed ThreadUnits over the same
	// region and sharing the same dead list should consume the unit
	// tu1 retired for its own initial unit, proving the list is shared
	// rather than private to tu1.
	before := r.NumFreeBlocks()
	tu2, err := NewThreadUnits(r, newFakeHooks(), 64*1024, 512*1024, 4096, CatNonPersistent, false, dl)
	if err != nil {
		t.Fatalf("NewThreadUnits failed: %v", err)
	}
	if dl.NumUnits() != 0 {
		t.Fatal("expected tu2's construction to consume the shared dead list's entry")
	}
	if r.NumFreeBlocks() != before {
		t.Fatal("expected reusing a dead unit to not reserve any additional blocks")
	}
	if _, err := tu2.Alloc(64); err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
}
