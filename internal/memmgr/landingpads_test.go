package memmgr

import "testing"

func TestLandingPadAllocNearReturnsDistinctSlots(t *testing.T) {
	lp := NewLandingPadAllocator(newFakeOS(), 64, 4096)
	defer lp.Close()

	seen := make(map[uintptr]bool)
	for i := 0; i < 10; i++ {
		addr, err := lp.AllocNear(0x1000)
		if err != nil {
			t.Fatalf("AllocNear failed: %v", err)
		}
		if seen[addr] {
			t.Fatalf("AllocNear returned duplicate address %x", addr)
		}
		seen[addr] = true
	}
}

func TestLandingPadAllocNearReusesRegionWhenItFits(t *testing.T) {
	lp := NewLandingPadAllocator(newFakeOS(), 64, 4096)
	defer lp.Close()

	first, err := lp.AllocNear(0x2000)
	if err != nil {
		t.Fatalf("first AllocNear failed: %v", err)
	}
	if len(lp.regions) != 1 {
		t.Fatalf("expected 1 region after first alloc, got %d", len(lp.regions))
	}

	// Targeting the address just handed out is always within reach of
	// the region that produced it, regardless of where the OS adapter
	// actually placed the backing memory.
	if _, err := lp.AllocNear(first); err != nil {
		t.Fatalf("second AllocNear failed: %v", err)
	}
	if len(lp.regions) != 1 {
		t.Fatalf("expected second alloc to reuse the existing region, got %d regions", len(lp.regions))
	}
}

func TestLandingPadAllocNearGrowsNewRegionWhenFarFromExisting(t *testing.T) {
	lp := NewLandingPadAllocator(newFakeOS(), 64, 4096)
	defer lp.Close()

	if _, err := lp.AllocNear(0x1000); err != nil {
		t.Fatalf("first AllocNear failed: %v", err)
	}
	// Far enough from any realistic address (including wherever the
	// fake adapter's Go-heap-backed slices land) to force a new region.
	far := ^uintptr(0) - 16
	if _, err := lp.AllocNear(far); err != nil {
		t.Fatalf("second AllocNear (far target) failed: %v", err)
	}
	if len(lp.regions) != 2 {
		t.Fatalf("expected a second region for an out-of-reach target, got %d", len(lp.regions))
	}
}

func TestLandingPadCloseReleasesAllRegions(t *testing.T) {
	lp := NewLandingPadAllocator(newFakeOS(), 64, 4096)
	if _, err := lp.AllocNear(0x1000); err != nil {
		t.Fatalf("AllocNear failed: %v", err)
	}
	if err := lp.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(lp.regions) != 0 {
		t.Fatalf("expected regions slice to be cleared after Close")
	}
}
