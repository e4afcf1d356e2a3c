package memmgr

import (
	"fmt"
	"sync"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// Manager is the public surface of the package: it owns the two
// top-level VmRegions (vmcode, vmheap), the global and nonpersistent
// heaps, one lazily-created ThreadUnits per caller-supplied thread
// key, any number of named SpecialHeaps, and the optional landing-pad
// allocator. Every other type in this package is a supporting
// collaborator Manager wires together at construction and drives
// thereafter; callers outside memmgr are expected to hold exactly one
// Manager for the process.
type Manager struct {
	cfg   Config
	os    hostmem.Adapter
	hooks Hooks
	reach *ReachabilityState

	vmcode *VmRegion
	vmheap *VmRegion // == vmcode when cfg.ReachableHeap

	global    *ThreadUnits
	nonpers   *ThreadUnits
	cache     *ThreadUnits
	reachable *ThreadUnits // generic heap_reachable_alloc/free, vmcode-backed but not DR-area-registered

	// deadUnits is the single process-wide dead-unit list (spec.md §3,
	// §5) shared by every ThreadUnits above and every per-thread heap
	// created via ThreadHeap, so a unit retired by one heap can be
	// reused by any other.
	deadUnits *deadList

	mu          sync.Mutex
	perThread   map[any]*ThreadUnits
	specials    map[string]*SpecialHeap
	landingPads *LandingPadAllocator
	stackAllocs map[uintptr]stackAlloc

	closed bool
}

// stackAlloc records the true reservation backing a StackAlloc result,
// since StackFree is given only the (top, size) the caller sees while
// the underlying release must cover the guard pages too.
type stackAlloc struct {
	base  uintptr
	total uint64
}

// NewManager builds a Manager from cfg, performing the VmRegion
// initialization flow for both the code and (unless ReachableHeap
// folds it into the code region) data reservations.
func NewManager(cfg Config, os hostmem.Adapter) (*Manager, error) {
	if cfg.Hooks == nil {
		return nil, newError(ErrInvalidHeapArg, PhaseInit, "Config.Hooks must not be nil", nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger{}
	}
	if cfg.SatisfyWxorX && !os.SupportsDualMapping() {
		// Never silently run without the protection the caller asked for.
		return nil, newError(ErrWxorXFailure, PhaseInit, "SatisfyWxorX requested but platform cannot support dual mapping", hostmem.ErrUnsupported)
	}

	m := &Manager{
		cfg:         cfg,
		os:          os,
		hooks:       cfg.Hooks,
		reach:       NewReachabilityState(cfg.HeapInLower4GB),
		deadUnits:   newDeadList(),
		perThread:   make(map[any]*ThreadUnits),
		specials:    make(map[string]*SpecialHeap),
		stackAllocs: make(map[uintptr]stackAlloc),
	}

	vmcode, err := NewVmRegion(os, VmRegionConfig{
		Name:           "vmcode",
		Size:           cfg.VMSize,
		BlockSize:      cfg.VMMBlockSize,
		IsCode:         true,
		PreferredBase:  cfg.VMBase,
		AllowNotAtBase: cfg.VMAllowNotAtBase,
		AllowSmaller:   cfg.VMAllowSmaller,
		WxorX:          cfg.SatisfyWxorX,
		Reach:          m.reach,
	})
	if err != nil {
		return nil, err
	}
	m.vmcode = vmcode

	if cfg.ReachableHeap {
		m.vmheap = vmcode
	} else {
		vmheap, err := NewVmRegion(os, VmRegionConfig{
			Name:           "vmheap",
			Size:           cfg.VMHeapSize,
			BlockSize:      cfg.VMMBlockSize,
			IsCode:         false,
			AllowNotAtBase: true,
			AllowSmaller:   cfg.VMAllowSmaller,
		})
		if err != nil {
			_ = vmcode.Close()
			return nil, err
		}
		m.vmheap = vmheap
	}

	global, err := NewThreadUnits(m.vmheap, cfg.Hooks, cfg.InitialGlobalHeapUnitSize, cfg.MaxHeapUnitSize, cfg.HeapCommitIncrement, CatHeap, cfg.GuardPages, m.deadUnits)
	if err != nil {
		_ = m.closeRegions()
		return nil, err
	}
	m.global = global

	nonpers, err := NewThreadUnits(m.vmheap, cfg.Hooks, cfg.InitialHeapNonpersSize, cfg.MaxHeapUnitSize, cfg.HeapCommitIncrement, CatNonPersistent, cfg.GuardPages, m.deadUnits)
	if err != nil {
		_ = global.Destroy()
		_ = m.closeRegions()
		return nil, err
	}
	m.nonpers = nonpers

	// Constructing the very first cache unit is itself the "new unit"
	// event registerCacheUnit guards; take the DR-areas lock around it
	// the same way any other first-time caller would, per the lock rank
	// order (DR-areas before any memmgr lock).
	cfg.Hooks.DRAreasLock()
	cache, err := NewThreadUnits(m.vmcode, cfg.Hooks, cfg.InitialHeapUnitSize, cfg.MaxHeapUnitSize, cfg.HeapCommitIncrement, CatCache|CatReachable, cfg.GuardPages, m.deadUnits)
	cfg.Hooks.DRAreasUnlock()
	if err != nil {
		_ = nonpers.Destroy()
		_ = global.Destroy()
		_ = m.closeRegions()
		return nil, err
	}
	m.cache = cache

	reachable, err := NewThreadUnits(m.vmcode, cfg.Hooks, cfg.InitialHeapUnitSize, cfg.MaxHeapUnitSize, cfg.HeapCommitIncrement, CatHeap|CatReachable, cfg.GuardPages, m.deadUnits)
	if err != nil {
		_ = cache.Destroy()
		_ = nonpers.Destroy()
		_ = global.Destroy()
		_ = m.closeRegions()
		return nil, err
	}
	m.reachable = reachable

	if cfg.DebugStats {
		m.global.EnableDebugStats()
		m.nonpers.EnableDebugStats()
		m.cache.EnableDebugStats()
		m.reachable.EnableDebugStats()
	}

	return m, nil
}

// AllocCache allocates size bytes of code-cache memory from the
// reachable (vmcode) region, registering the backing unit as a DR area
// the first time it is created. Uses withOuterLockRetry to resolve the
// lock-order hazard documented in retry.go.
func (m *Manager) AllocCache(size uint64) (uintptr, error) {
	return withOuterLockRetry(m.hooks, func() (uintptr, error) {
		return m.cache.Alloc(size)
	})
}

// FreeCache returns a code-cache allocation.
func (m *Manager) FreeCache(addr uintptr, size uint64) { m.cache.Free(addr, size) }

// HeapReachableAlloc allocates size bytes of ordinary (non-cache) heap
// memory guaranteed to stay within 32-bit displacement of vmcode,
// spec.md §6.3's heap_reachable_alloc. Unlike AllocCache this memory is
// not registered as a DR area: it backs runtime bookkeeping that must
// sit near the code cache, not translated guest code itself.
func (m *Manager) HeapReachableAlloc(size uint64) (uintptr, error) {
	return m.reachable.Alloc(size)
}

// HeapReachableFree returns a heap_reachable_alloc allocation.
func (m *Manager) HeapReachableFree(addr uintptr, size uint64) { m.reachable.Free(addr, size) }

// regionForCategory picks vmcode or vmheap the way every ThreadUnits
// already does implicitly via the region it was constructed over: a
// CatReachable request always goes to vmcode (which equals vmheap under
// Config.ReachableHeap), anything else goes to vmheap.
func (m *Manager) regionForCategory(category CategoryFlags) *VmRegion {
	if category&CatReachable != 0 {
		return m.vmcode
	}
	return m.vmheap
}

// HeapMmap reserves reserveSize bytes directly from the VMM (bypassing
// the size-class/free-list machinery of ThreadUnits) and commits the
// first commitSize bytes with prot, spec.md §6.3's heap_mmap. Intended
// for large, long-lived allocations the caller manages itself, such as
// a code-cache-owned table sized at runtime.
func (m *Manager) HeapMmap(reserveSize, commitSize uint64, prot hostmem.Prot, category CategoryFlags) (uintptr, error) {
	region := m.regionForCategory(category)
	addr, err := region.ReserveBlocks(reserveSize, category)
	if err != nil {
		return 0, err
	}
	if commitSize > 0 {
		if err := region.Commit(addr, uintptr(commitSize), prot); err != nil {
			_ = region.Release(addr, uintptr(reserveSize))
			return 0, err
		}
	}
	return addr, nil
}

// HeapMunmap releases a heap_mmap reservation in its entirety: the
// range is decommitted first, then its blocks are returned to the
// region's bitmap.
func (m *Manager) HeapMunmap(addr uintptr, reserveSize uint64, category CategoryFlags) error {
	region := m.regionForCategory(category)
	if err := region.Decommit(addr, uintptr(reserveSize)); err != nil {
		return err
	}
	return region.Release(addr, uintptr(reserveSize))
}

// HeapMmapExtendCommitment grows a heap_mmap allocation's committed
// range by extendSize bytes starting at addr+curCommit.
func (m *Manager) HeapMmapExtendCommitment(addr uintptr, curCommit, extendSize uint64, prot hostmem.Prot, category CategoryFlags) error {
	region := m.regionForCategory(category)
	return region.Commit(addr+uintptr(curCommit), uintptr(extendSize), prot)
}

// HeapMmapRetractCommitment shrinks a heap_mmap allocation's committed
// range by retractSize bytes from its current tail.
func (m *Manager) HeapMmapRetractCommitment(addr uintptr, curCommit, retractSize uint64, category CategoryFlags) error {
	if retractSize > curCommit {
		return newError(ErrInvalidHeapArg, PhaseCommit, "retract size exceeds current commitment", nil)
	}
	region := m.regionForCategory(category)
	return region.Decommit(addr+uintptr(curCommit-retractSize), uintptr(retractSize))
}

// HeapReserveForExternalMapping reserves size bytes without committing
// them, for a caller that will back the range itself (e.g. mapping a
// module image into it), spec.md §6.3's
// heap_reserve_for_external_mapping.
func (m *Manager) HeapReserveForExternalMapping(preferred uintptr, size uint64, category CategoryFlags) (uintptr, error) {
	_ = preferred // the bitmap allocator is first-fit; a preferred base is not honored below the VMM layer.
	return m.regionForCategory(category).ReserveBlocks(size, category)
}

// HeapUnreserveForExternalMapping is the inverse of
// HeapReserveForExternalMapping.
func (m *Manager) HeapUnreserveForExternalMapping(addr uintptr, size uint64, category CategoryFlags) error {
	return m.regionForCategory(category).Release(addr, uintptr(size))
}

// StackAlloc reserves and commits size bytes from vmheap for a guest or
// runtime-internal thread stack, honoring Config.StackGuardPages by
// committing an inaccessible page on either side, and returns the top
// of the stack (the high address, matching the convention of a
// downward-growing stack). minAddr is ignored: the bitmap allocator
// does not support a minimum-address constraint and always first-fits.
func (m *Manager) StackAlloc(size uint64, minAddr uintptr) (uintptr, error) {
	_ = minAddr
	region := m.vmheap
	blockSize := region.BlockSize()
	guardSize := uint64(0)
	if m.cfg.GuardPages || m.cfg.StackGuardPages {
		guardSize = blockSize
	}
	total := size + 2*guardSize

	base, err := region.ReserveBlocks(total, CatStack)
	if err != nil {
		return 0, err
	}
	total = roundUp64(total, blockSize)

	if guardSize > 0 {
		if err := region.Commit(base, uintptr(guardSize), hostmem.ProtNone); err != nil {
			_ = region.Release(base, uintptr(total))
			return 0, err
		}
		backGuard := base + uintptr(total) - uintptr(guardSize)
		if err := region.Commit(backGuard, uintptr(guardSize), hostmem.ProtNone); err != nil {
			_ = region.Release(base, uintptr(total))
			return 0, err
		}
	}
	usableStart := base + uintptr(guardSize)
	if err := region.Commit(usableStart, uintptr(size), hostmem.ProtRead|hostmem.ProtWrite); err != nil {
		_ = region.Release(base, uintptr(total))
		return 0, err
	}
	m.mu.Lock()
	m.stackAllocs[usableStart] = stackAlloc{base: base, total: total}
	m.mu.Unlock()
	return usableStart + uintptr(size), nil
}

// StackFree releases a stack obtained from StackAlloc. top must be the
// exact value StackAlloc returned.
func (m *Manager) StackFree(top uintptr, size uint64) error {
	usableStart := top - uintptr(size)
	m.mu.Lock()
	alloc, ok := m.stackAllocs[usableStart]
	if ok {
		delete(m.stackAllocs, usableStart)
	}
	m.mu.Unlock()
	if !ok {
		return newError(ErrInvalidHeapArg, PhaseReserve, "StackFree called with an address StackAlloc never returned", nil)
	}
	return m.vmheap.Release(alloc.base, uintptr(alloc.total))
}

func (m *Manager) closeRegions() error {
	var firstErr error
	if m.vmheap != nil && m.vmheap != m.vmcode {
		if err := m.vmheap.Close(); err != nil {
			firstErr = err
		}
	}
	if m.vmcode != nil {
		if err := m.vmcode.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllocGlobal allocates size bytes from the shared global heap.
func (m *Manager) AllocGlobal(size uint64) (uintptr, error) {
	return m.global.Alloc(size)
}

// FreeGlobal returns a global-heap allocation.
func (m *Manager) FreeGlobal(addr uintptr, size uint64) { m.global.Free(addr, size) }

// ReallocGlobal resizes a global-heap allocation; see ThreadUnits.Realloc.
func (m *Manager) ReallocGlobal(addr uintptr, oldSize, newSize uint64) (uintptr, bool, error) {
	return m.global.Realloc(addr, oldSize, newSize)
}

// AllocNonPersistent allocates from the heap that need not survive a
// reset (CatNonPersistent).
func (m *Manager) AllocNonPersistent(size uint64) (uintptr, error) {
	return m.nonpers.Alloc(size)
}

// FreeNonPersistent returns a nonpersistent-heap allocation.
func (m *Manager) FreeNonPersistent(addr uintptr, size uint64) { m.nonpers.Free(addr, size) }

// ThreadHeap returns the per-thread heap for key, creating it on first
// use. key is any comparable value the caller uses to identify a
// thread (a goroutine ID surrogate, a *Thread pointer, etc.) — memmgr
// has no notion of OS threads itself.
func (m *Manager) ThreadHeap(key any) (*ThreadUnits, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tu, ok := m.perThread[key]; ok {
		return tu, nil
	}
	tu, err := NewThreadUnits(m.vmheap, m.hooks, m.cfg.InitialHeapUnitSize, m.cfg.MaxHeapUnitSize, m.cfg.HeapCommitIncrement, CatHeap|CatPerThread, m.cfg.GuardPages || m.cfg.PerThreadGuardPages, m.deadUnits)
	if err != nil {
		return nil, err
	}
	if m.cfg.DebugStats {
		tu.EnableDebugStats()
	}
	m.perThread[key] = tu
	return tu, nil
}

// DestroyThreadHeap releases a per-thread heap and forgets key. Called
// when a guest thread exits.
func (m *Manager) DestroyThreadHeap(key any) error {
	m.mu.Lock()
	tu, ok := m.perThread[key]
	if ok {
		delete(m.perThread, key)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return tu.Destroy()
}

// SpecialHeap returns the named single-size heap, creating it with
// objSize on first use. Subsequent calls with a different objSize for
// the same name return the original heap, matching a static
// registration pattern rather than reconfiguring it live.
func (m *Manager) SpecialHeap(name string, objSize uint64) *SpecialHeap {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sh, ok := m.specials[name]; ok {
		return sh
	}
	sh := NewSpecialHeap(m.vmheap, m.hooks, objSize, m.cfg.InitialHeapUnitSize, m.cfg.HeapCommitIncrement, CatSpecial)
	m.specials[name] = sh
	return sh
}

// LandingPads returns the lazily-created landing-pad allocator. Call
// this only if the surrounding runtime installs hooks; nothing else
// in Manager depends on it.
func (m *Manager) LandingPads(slotSize, regionSize uint64) *LandingPadAllocator {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.landingPads == nil {
		m.landingPads = NewLandingPadAllocator(m.os, slotSize, regionSize)
	}
	return m.landingPads
}

// RequestRegionBeHeapReachable delegates to the Manager's shared
// ReachabilityState.
func (m *Manager) RequestRegionBeHeapReachable(start uintptr, size uint64) error {
	return m.reach.RequestRegionBeHeapReachable(start, size)
}

// Rel32ReachableFromVMCode delegates to the Manager's shared
// ReachabilityState.
func (m *Manager) Rel32ReachableFromVMCode(target uintptr) bool {
	return m.reach.Rel32ReachableFromVMCode(target)
}

// TrimDeadUnits releases every unit currently sitting on the shared,
// process-wide dead-unit list back to the VMM. Intended to be called in
// response to memory pressure or an explicit Hooks.ScheduleReset with
// ResetScopeDeadUnits, not on any allocation hot path.
func (m *Manager) TrimDeadUnits() error {
	return m.deadUnits.Trim()
}

// CheckInvariants walks every live structure and verifies its
// testable properties: bitmap consistency for both top level regions
// and every per-thread heap's bump/commit ordering. Intended for use
// under Config.DebugStats or in tests, not on a hot path.
func (m *Manager) CheckInvariants() error {
	if !m.vmcode.ConsistencyCheck() {
		return fmt.Errorf("memmgr: vmcode bitmap inconsistent")
	}
	if m.vmheap != m.vmcode && !m.vmheap.ConsistencyCheck() {
		return fmt.Errorf("memmgr: vmheap bitmap inconsistent")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tu := range m.perThread {
		tu.mu.Lock()
		for u := tu.units; u != nil; u = u.next {
			if !(u.base <= u.curPC && u.curPC <= u.committedEnd && u.committedEnd <= u.reservedEnd) {
				tu.mu.Unlock()
				return fmt.Errorf("memmgr: thread heap %v unit at %#x violates start <= cur <= end <= reserved_end", key, u.base)
			}
		}
		tu.mu.Unlock()
	}
	return nil
}

// Close releases every resource the Manager owns: all per-thread
// heaps, the global and nonpersistent heaps, every special heap, the
// landing-pad allocator if created, and both VmRegions. Safe to call
// once; a second call is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr func(error)
	var err error
	firstErr = func(e error) {
		if e != nil && err == nil {
			err = e
		}
	}

	for _, tu := range m.perThread {
		firstErr(tu.Destroy())
	}
	m.perThread = nil

	for _, sh := range m.specials {
		firstErr(sh.Destroy())
	}
	m.specials = nil

	if m.landingPads != nil {
		firstErr(m.landingPads.Close())
	}

	firstErr(m.global.Destroy())
	firstErr(m.nonpers.Destroy())
	firstErr(m.cache.Destroy())
	firstErr(m.reachable.Destroy())
	firstErr(m.closeRegions())

	return err
}
