package memmgr

import "sync"

// ThreadUnits is the segregated-free-list heap built on top of a chain
// of HeapUnits. One instance backs each thread-private heap, the
// shared global heap, and the nonpersistent heap; all three differ
// only in category and initial sizing, so a single implementation
// serves all of them, matching heap.c's thread_units_t reused across
// per-thread and global contexts.
//
// Grounded on internal/runtime/block_manager.go for the unit-chain and
// watermark-driven growth shape, combined with a variable-size
// oversize free-list walk layered on top.
type ThreadUnits struct {
	mu sync.Mutex

	region   *VmRegion
	hooks    Hooks
	category CategoryFlags

	initialUnitSize uint64
	maxUnitSize     uint64
	commitIncrement uint64
	guardPages      bool

	classFree []freeList
	oversize  oversizeFreeList

	units   *HeapUnit // head of the live (non-dead, non-full-and-discarded) unit chain
	current *HeapUnit // unit currently receiving bump allocations

	dead *deadList // shared process-wide across every ThreadUnits a Manager owns

	bytesInUse     uint64
	bytesReserved  uint64
	numAllocations uint64
	numFrees       uint64

	stats *statsTracker
}

// EnableDebugStats turns on per-size-class counters for this heap,
// matching Config.DebugStats. Safe to call at most once; a second call
// is a no-op.
func (tu *ThreadUnits) EnableDebugStats() {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	if tu.stats == nil {
		tu.stats = newStatsTracker(true)
	}
}

// DebugStats returns a snapshot of per-size-class counters, or the
// zero value if EnableDebugStats was never called.
func (tu *ThreadUnits) DebugStats() DebugStats {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.stats.snapshot(tu.dead)
}

// NewThreadUnits creates a heap with one initial unit of initialSize
// bytes (rounded up to region.BlockSize()). guardPages requests an
// inaccessible page on either side of every unit this heap creates
// (spec.md §6.1 guard_pages/per_thread_guard_pages). dead is the
// process-wide dead-unit list this heap shares with every other
// ThreadUnits a Manager owns; a nil dead is never passed by Manager but
// is tolerated by falling back to a private list, for any direct,
// Manager-independent caller (as existing tests do).
func NewThreadUnits(region *VmRegion, hooks Hooks, initialSize, maxUnitSize, commitIncrement uint64, category CategoryFlags, guardPages bool, dead *deadList) (*ThreadUnits, error) {
	if dead == nil {
		dead = newDeadList()
	}
	tu := &ThreadUnits{
		region:          region,
		hooks:           hooks,
		category:        category,
		initialUnitSize: initialSize,
		maxUnitSize:     maxUnitSize,
		commitIncrement: commitIncrement,
		guardPages:      guardPages,
		dead:            dead,
		classFree:       make([]freeList, len(sizeClasses)),
	}
	u, err := tu.newUnitLocked(initialSize)
	if err != nil {
		return nil, err
	}
	tu.units = u
	tu.current = u
	return tu, nil
}

// newUnitLocked creates and links in a new unit able to satisfy at
// least minSize, reusing a dead unit when one fits. Caller holds tu.mu.
func (tu *ThreadUnits) newUnitLocked(minSize uint64) (*HeapUnit, error) {
	if u := tu.dead.takeFit(minSize, tu.region); u != nil {
		u.next = tu.units
		tu.units = u
		return u, nil
	}

	size := tu.initialUnitSize
	if tu.current != nil {
		size = uint64(tu.current.reservedEnd - tu.current.base) * 2
	}
	if size < minSize {
		size = minSize
	}
	if size > tu.maxUnitSize && minSize <= tu.maxUnitSize {
		size = tu.maxUnitSize
	}

	u, err := tu.tryNewUnit(size)
	if err != nil {
		// Retry once after asking the surrounding runtime to free what
		// it can, matching heap.c's pattern of calling back into the
		// code cache before declaring out-of-memory.
		tu.hooks.NotifyLowMemory()
		if trimErr := tu.dead.Trim(); trimErr == nil {
			if u2 := tu.dead.takeFit(minSize, tu.region); u2 != nil {
				u2.next = tu.units
				tu.units = u2
				return u2, nil
			}
		}
		u, err = tu.tryNewUnit(size)
		if err != nil {
			tu.hooks.ReportOOM(ErrOutOfVirtual, PhaseReserve, err)
			return nil, err
		}
	}

	if tu.category&CatCache != 0 {
		if regErr := tu.registerCacheUnit(u); regErr != nil {
			_ = u.Destroy()
			return nil, regErr
		}
	}

	u.next = tu.units
	tu.units = u
	return u, nil
}

func (tu *ThreadUnits) tryNewUnit(size uint64) (*HeapUnit, error) {
	return NewHeapUnit(tu.region, size, tu.commitIncrement, tu.category, tu.guardPages)
}

// registerCacheUnit tells the surrounding runtime about a new
// code-cache unit. The outer DR-areas lock (rank 1) must already be
// held by the caller: tu.mu (rank 4) is held by everything that can
// reach this method, and acquiring a lower-ranked lock here would
// invert the required order. When it is not held, this returns the
// retry sentinel instead, so the caller can unwind out of tu.mu,
// acquire DR-areas first, and call back in (see retry.go).
func (tu *ThreadUnits) registerCacheUnit(u *HeapUnit) error {
	if !tu.hooks.DRAreasLocked() {
		return errRetry
	}
	tu.hooks.AddDRArea(u.base, u.reservedEnd, AreaProtRead|AreaProtWrite|AreaProtExec, ImageFlagNone)
	return nil
}

// Alloc returns size bytes, rounded up to alignment and the containing
// size class. Requests larger than the biggest size class are served
// from the oversize free list or a dedicated oversize unit.
func (tu *ThreadUnits) Alloc(size uint64) (uintptr, error) {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	aligned := alignUp(size, HeapAlignment)
	classIdx := classIndexForSize(aligned)
	if classIdx < 0 {
		return tu.allocOversizeLocked(aligned)
	}
	classSz := classSize(classIdx)

	if addr, ok := tu.classFree[classIdx].pop(); ok {
		tu.bytesInUse += classSz
		tu.numAllocations++
		tu.stats.recordClassAlloc(classIdx)
		return addr, nil
	}

	addr, ok, err := tu.current.Alloc(classSz, tu.commitIncrement)
	if err != nil {
		return 0, err
	}
	if !ok {
		u, err := tu.newUnitLocked(classSz)
		if err != nil {
			return 0, err
		}
		tu.current = u
		addr, ok, err = tu.current.Alloc(classSz, tu.commitIncrement)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, newError(ErrOutOfCommitted, PhaseCommit, "new unit could not satisfy the allocation that required it", nil)
		}
	}

	tu.bytesInUse += classSz
	tu.bytesReserved += classSz
	tu.numAllocations++
	tu.stats.recordClassAlloc(classIdx)
	return addr, nil
}

func (tu *ThreadUnits) allocOversizeLocked(size uint64) (uintptr, error) {
	if addr, actual, ok := tu.oversize.find(uintptr(size)); ok {
		tu.bytesInUse += uint64(actual)
		tu.numAllocations++
		tu.stats.recordOversizeAlloc()
		return addr, nil
	}

	u, err := NewOversizeUnit(tu.region, size, tu.category)
	if err != nil {
		tu.hooks.NotifyLowMemory()
		if trimErr := tu.dead.Trim(); trimErr == nil {
			u, err = NewOversizeUnit(tu.region, size, tu.category)
		}
		if err != nil {
			tu.hooks.ReportOOM(ErrOutOfVirtual, PhaseReserve, err)
			return 0, err
		}
	}
	if tu.category&CatCache != 0 {
		if regErr := tu.registerCacheUnit(u); regErr != nil {
			_ = u.Destroy()
			return 0, regErr
		}
	}
	u.next = tu.units
	tu.units = u

	tu.bytesInUse += u.oversizeSize
	tu.bytesReserved += u.oversizeSize
	tu.numAllocations++
	tu.stats.recordOversizeAlloc()
	return u.base, nil
}

// Free returns [addr, addr+size) to the appropriate free list. size
// must be the same value (or an equally-aligned value) passed to the
// Alloc call that produced addr.
func (tu *ThreadUnits) Free(addr uintptr, size uint64) {
	tu.mu.Lock()
	defer tu.mu.Unlock()

	aligned := alignUp(size, HeapAlignment)
	classIdx := classIndexForSize(aligned)
	if classIdx < 0 {
		tu.oversize.push(addr, uintptr(aligned))
		tu.bytesInUse -= aligned
		tu.numFrees++
		tu.stats.recordOversizeFree()
		return
	}
	tu.classFree[classIdx].push(addr)
	tu.bytesInUse -= classSize(classIdx)
	tu.numFrees++
	tu.stats.recordClassFree(classIdx)
}

// Realloc resizes the allocation at addr from oldSize to newSize. When
// both sizes map to the same size class (or the same oversize
// rounding), the address is returned unchanged; otherwise a fresh
// allocation is made and the old one is left live: the caller copies
// the overlapping prefix (ThreadUnits does not see payload contents)
// and then frees addr with oldSize.
func (tu *ThreadUnits) Realloc(addr uintptr, oldSize, newSize uint64) (uintptr, bool, error) {
	oldAligned := alignUp(oldSize, HeapAlignment)
	newAligned := alignUp(newSize, HeapAlignment)

	oldClass := classIndexForSize(oldAligned)
	newClass := classIndexForSize(newAligned)
	if oldClass >= 0 && oldClass == newClass {
		return addr, false, nil
	}
	if oldClass < 0 && newClass < 0 && oldAligned == newAligned {
		return addr, false, nil
	}

	newAddr, err := tu.Alloc(newSize)
	if err != nil {
		return 0, false, err
	}
	return newAddr, true, nil
}

// Stats returns a point-in-time snapshot of usage counters.
func (tu *ThreadUnits) Stats() (inUse, reserved, allocs, frees uint64) {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	return tu.bytesInUse, tu.bytesReserved, tu.numAllocations, tu.numFrees
}

// RetireEmptyUnits scans the unit chain for units that are entirely
// free (every byte they ever bump-allocated has come back through
// Free onto a class free list, which this heap does not track
// per-unit, so conservatively it only retires units that never served
// an allocation still outstanding: i.e. bytesInUse across the whole
// heap is zero) and moves them to the dead list. This is a
// best-effort, whole-heap approximation of heap.c's per-unit
// emptiness tracking, acceptable because retiring is an optimization,
// not a correctness requirement.
func (tu *ThreadUnits) RetireEmptyUnits() {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	if tu.bytesInUse != 0 {
		return
	}
	u := tu.units
	for u != nil {
		next := u.next
		if u != tu.current {
			tu.dead.push(u)
		}
		u = next
	}
	tu.units = tu.current
	if tu.current != nil {
		tu.current.next = nil
		tu.current.Reset()
	}
	for i := range tu.classFree {
		tu.classFree[i] = freeList{}
	}
	tu.oversize = oversizeFreeList{}
}

// Destroy retires this heap: every unit it still holds live is migrated
// to the shared, process-wide dead list (spec.md §3's "migrating its
// units to dead list") rather than released back to the VMM, so a
// torn-down per-thread heap's reservations remain available for reuse
// by the global heap, the cache heap, or a newly-spawned thread's heap
// via newUnitLocked's takeFit. Actual release back to the OS happens
// only when something calls the shared list's Trim (low-memory
// pressure, or the whole VmRegion being closed at process teardown).
func (tu *ThreadUnits) Destroy() error {
	tu.mu.Lock()
	defer tu.mu.Unlock()
	u := tu.units
	for u != nil {
		next := u.next
		u.next = nil
		tu.dead.push(u)
		u = next
	}
	tu.units, tu.current = nil, nil
	return nil
}
