package memmgr

import (
	"sync"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// LandingPadAllocator hands out fixed-size, permanently-reserved
// executable slots for hook trampolines. A slot from an existing region
// is within 32-bit relative-branch reach of the hook address it serves;
// a new region's placement is only a preferred base derived from that
// address and is not checked once the OS adapter returns it. Unlike
// every other allocator in this package,
// slots are never freed individually: a process that hooks a given
// address keeps that trampoline until the process (or, in this
// package, the allocator) exits. A caller that never installs hooks
// can skip this component entirely; nothing else in memmgr depends on
// it.
type LandingPadAllocator struct {
	mu sync.Mutex

	os         hostmem.Adapter
	slotSize   uint64
	regionSize uint64

	regions []*landingPadRegion
}

type landingPadRegion struct {
	region   *VmRegion
	lowAddr  uintptr
	highAddr uintptr
	nextFree uintptr // next unused slot, bump-allocated; never reused
	end      uintptr
}

// NewLandingPadAllocator creates an allocator that places each backing
// region's executable VmRegion sized regionSize (rounded to a whole
// number of slotSize-sized slots) at a preferred base within reach of
// whatever target address the first slot request in that region names.
func NewLandingPadAllocator(os hostmem.Adapter, slotSize, regionSize uint64) *LandingPadAllocator {
	return &LandingPadAllocator{os: os, slotSize: alignUp(slotSize, HeapAlignment), regionSize: regionSize}
}

// AllocNear returns a fresh, permanent executable slot. It first tries
// existing regions that lie within ±2^31 bytes of target, then creates
// a new one with a preferred base within reach of target and returns
// its first slot without checking where the OS adapter placed it.
func (lp *LandingPadAllocator) AllocNear(target uintptr) (uintptr, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()

	for _, r := range lp.regions {
		if r.nextFree+uintptr(lp.slotSize) <= r.end && withinReach(target, target, r.lowAddr, r.highAddr) {
			addr := r.nextFree
			r.nextFree += uintptr(lp.slotSize)
			return addr, nil
		}
	}

	reach := NewReachabilityState(false)
	if err := reach.RequestRegionBeHeapReachable(target, 1); err != nil {
		return 0, err
	}

	vr, err := NewVmRegion(lp.os, VmRegionConfig{
		Name:      "landingpads",
		Size:      lp.regionSize,
		BlockSize: lp.slotSize,
		IsCode:    true,
		WxorX:     false, // trampolines are written once at creation via Commit, not rewritten later
		Reach:     reach,
	})
	if err != nil {
		return 0, err
	}

	start, end := vr.Bounds()
	base, err := vr.ReserveBlocks(lp.slotSize, CatReachable|CatCache)
	if err != nil {
		_ = vr.Close()
		return 0, err
	}
	if err := vr.Commit(base, uintptr(lp.slotSize), hostmem.ProtRead|hostmem.ProtWrite|hostmem.ProtExec); err != nil {
		_ = vr.Close()
		return 0, err
	}

	r := &landingPadRegion{region: vr, lowAddr: start, highAddr: end, nextFree: base + uintptr(lp.slotSize), end: end}
	lp.regions = append(lp.regions, r)
	return base, nil
}

// Close releases every landing-pad region. Intended for process exit
// or test teardown only, never while any installed trampoline might
// still be called.
func (lp *LandingPadAllocator) Close() error {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	var firstErr error
	for _, r := range lp.regions {
		if err := r.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	lp.regions = nil
	return firstErr
}
