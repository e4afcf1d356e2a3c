package memmgr

import (
	"math"
	"sync"
	"sync/atomic"
	"unsafe"
)

// SpecialHeap is a single-object-size allocator for structures that
// are allocated and freed at high frequency on hot paths — landing pad
// records, transfer frames, and similar bookkeeping. Its single-block
// free list is a lock-free Treiber stack,
// threaded through the freed object's own first machine word exactly
// like ThreadUnits's class free lists, but pushed and popped with
// atomic.CompareAndSwapUintptr instead of tu.mu, so Alloc/Free never
// block on anything but a fill of new objects from a fresh unit.
// Calloc/CFree additionally maintain a singly linked list of
// multi-block runs (spec.md §4.5's cfree list), guarded by mu since
// splicing a run is a multi-step operation that a single CAS can't
// express.
//
// Grounded on internal/runtime/block_manager.go's watermark unit
// shape for the arena-filling slow path, with both free lists modeled
// on heap.c's special_heap design of threading list nodes through raw
// freed storage.
type SpecialHeap struct {
	region   *VmRegion
	hooks    Hooks
	category CategoryFlags

	objSize         uint64
	unitSize        uint64
	commitIncrement uint64

	freeHead uintptr // atomically accessed; 0 means empty

	mu        sync.Mutex // guards unit creation, the bump-allocation unit, and the cfree list
	units     *HeapUnit  // every unit this heap owns, for Destroy
	current   *HeapUnit  // unit currently bump-allocating multi-block runs for Calloc
	cfreeHead uintptr    // head of the cfree run list; 0 means empty

	inUse int64 // atomic
}

// NewSpecialHeap creates an empty single-size heap for objects of
// objSize bytes (rounded up to HeapAlignment), filling unitSize bytes
// from region at a time.
func NewSpecialHeap(region *VmRegion, hooks Hooks, objSize, unitSize, commitIncrement uint64, category CategoryFlags) *SpecialHeap {
	return &SpecialHeap{
		region:          region,
		hooks:           hooks,
		category:        category,
		objSize:         alignUp(objSize, HeapAlignment),
		unitSize:        unitSize,
		commitIncrement: commitIncrement,
	}
}

func (sh *SpecialHeap) push(addr uintptr) {
	for {
		old := atomic.LoadUintptr(&sh.freeHead)
		storeNextPtr(addr, old)
		if atomic.CompareAndSwapUintptr(&sh.freeHead, old, addr) {
			return
		}
	}
}

func (sh *SpecialHeap) pop() (uintptr, bool) {
	for {
		old := atomic.LoadUintptr(&sh.freeHead)
		if old == 0 {
			return 0, false
		}
		next := loadNextPtr(old)
		if atomic.CompareAndSwapUintptr(&sh.freeHead, old, next) {
			return old, true
		}
	}
}

// Alloc returns one object-sized slot, growing the heap with a new
// unit if the free list is empty.
func (sh *SpecialHeap) Alloc() (uintptr, error) {
	if addr, ok := sh.pop(); ok {
		atomic.AddInt64(&sh.inUse, 1)
		return addr, nil
	}
	if err := sh.growLocked(); err != nil {
		return 0, err
	}
	addr, ok := sh.pop()
	if !ok {
		return 0, newError(ErrOutOfCommitted, PhaseCommit, "special heap grow succeeded but produced no slots", nil)
	}
	atomic.AddInt64(&sh.inUse, 1)
	return addr, nil
}

// Free returns addr to the single-block free list.
func (sh *SpecialHeap) Free(addr uintptr) {
	sh.push(addr)
	atomic.AddInt64(&sh.inUse, -1)
}

// cfreeNode is written into the first bytes of a cfree'd run so the
// run list can be walked and spliced without side bookkeeping,
// matching oversizeHeader's approach in heapunit.go.
type cfreeNode struct {
	next  uintptr
	count uint64
}

func writeCfreeNode(addr uintptr, next uintptr, count uint64) {
	n := (*cfreeNode)(unsafe.Pointer(addr)) //nolint:govet
	n.next, n.count = next, count
}

func readCfreeNode(addr uintptr) cfreeNode {
	return *(*cfreeNode)(unsafe.Pointer(addr)) //nolint:govet
}

// CanCalloc reports whether a run of n blocks could ever be satisfied,
// matching spec.md §4.5's special_heap_can_calloc. n must be nonzero
// and n*objSize must not overflow a uintptr-sized computation; beyond
// that, Calloc always grows a unit large enough to hold the run.
func (sh *SpecialHeap) CanCalloc(n uint64) bool {
	if n == 0 {
		return false
	}
	return n <= math.MaxUint64/sh.objSize
}

// Calloc returns n consecutive, zeroed objSize blocks as one
// allocation, matching spec.md §4.5: it first looks for a fitting run
// on the cfree list (an exact n-block match, then an n+1-block match
// with the extra block spliced onto the single-block free list, then
// the tail of a larger run), falling back to a bump allocation out of
// a dedicated current unit, growing or creating units as needed.
func (sh *SpecialHeap) Calloc(n uint64) (uintptr, error) {
	if n == 0 {
		return 0, newError(ErrInvalidHeapArg, PhaseCommit, "Calloc requires n >= 1", nil)
	}
	if n == 1 {
		addr, err := sh.Alloc()
		if err != nil {
			return 0, err
		}
		sh.zeroRun(addr, 1)
		return addr, nil
	}

	sh.mu.Lock()
	if addr, ok := sh.cfreeTakeLocked(n); ok {
		sh.mu.Unlock()
		sh.zeroRun(addr, n)
		atomic.AddInt64(&sh.inUse, int64(n))
		return addr, nil
	}
	addr, err := sh.bumpRunLocked(n)
	sh.mu.Unlock()
	if err != nil {
		return 0, err
	}
	sh.zeroRun(addr, n)
	atomic.AddInt64(&sh.inUse, int64(n))
	return addr, nil
}

// cfreeTakeLocked implements the three-tier match spec.md §4.5
// describes: an exact match is unlinked whole, an n+1 match is
// unlinked with its extra block pushed onto the single-block free
// list, and a larger match has n blocks trimmed from its tail while
// the (now smaller) run stays on the list. Caller holds sh.mu.
func (sh *SpecialHeap) cfreeTakeLocked(n uint64) (uintptr, bool) {
	var prevExact, curExact uintptr
	var prevPlus1, curPlus1 uintptr
	var curLarger uintptr

	var prev uintptr
	cur := sh.cfreeHead
	for cur != 0 {
		node := readCfreeNode(cur)
		switch {
		case node.count == n && curExact == 0:
			curExact, prevExact = cur, prev
		case node.count == n+1 && curPlus1 == 0:
			curPlus1, prevPlus1 = cur, prev
		case node.count > n+1 && curLarger == 0:
			curLarger = cur
		}
		prev = cur
		cur = node.next
	}

	switch {
	case curExact != 0:
		sh.unlinkCfreeLocked(prevExact, curExact)
		return curExact, true
	case curPlus1 != 0:
		sh.unlinkCfreeLocked(prevPlus1, curPlus1)
		sh.push(curPlus1 + uintptr(n*sh.objSize))
		return curPlus1, true
	case curLarger != 0:
		// The run's own node lives at its head; trimming n blocks off
		// the tail only shrinks its count, so no relinking is needed.
		node := readCfreeNode(curLarger)
		newCount := node.count - n
		writeCfreeNode(curLarger, node.next, newCount)
		return curLarger + uintptr(newCount*sh.objSize), true
	}
	return 0, false
}

func (sh *SpecialHeap) unlinkCfreeLocked(prev, cur uintptr) {
	node := readCfreeNode(cur)
	if prev == 0 {
		sh.cfreeHead = node.next
		return
	}
	pn := readCfreeNode(prev)
	writeCfreeNode(prev, node.next, pn.count)
}

// bumpRunLocked reserves n contiguous objSize blocks from the
// dedicated current unit, growing its commitment or creating a new
// (possibly oversized) unit when the current one cannot fit the run.
// Caller holds sh.mu.
func (sh *SpecialHeap) bumpRunLocked(n uint64) (uintptr, error) {
	need := n * sh.objSize
	if sh.current != nil {
		addr, ok, err := sh.current.Alloc(need, sh.commitIncrement)
		if err != nil {
			return 0, err
		}
		if ok {
			return addr, nil
		}
	}

	size := sh.unitSize
	if need > size {
		size = need
	}
	u, err := NewHeapUnit(sh.region, size, sh.commitIncrement, sh.category, false)
	if err != nil {
		sh.hooks.NotifyLowMemory()
		u, err = NewHeapUnit(sh.region, size, sh.commitIncrement, sh.category, false)
		if err != nil {
			sh.hooks.ReportOOM(ErrOutOfVirtual, PhaseReserve, err)
			return 0, err
		}
	}
	u.next = sh.units
	sh.units = u
	sh.current = u

	addr, ok, err := u.Alloc(need, sh.commitIncrement)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, newError(ErrOutOfCommitted, PhaseCommit, "new unit could not satisfy the calloc run that required it", nil)
	}
	return addr, nil
}

func (sh *SpecialHeap) zeroRun(addr uintptr, n uint64) {
	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), n*sh.objSize) //nolint:govet
	for i := range buf {
		buf[i] = 0
	}
}

// CFree returns a Calloc'd run of n blocks starting at addr. n == 1 is
// routed through the ordinary single-block free list; n > 1 pushes a
// new node onto the cfree list with that exact count, per spec.md
// §4.5 — it does not coalesce with adjacent runs or single blocks.
func (sh *SpecialHeap) CFree(addr uintptr, n uint64) {
	if n <= 1 {
		sh.Free(addr)
		return
	}
	sh.mu.Lock()
	writeCfreeNode(addr, sh.cfreeHead, n)
	sh.cfreeHead = addr
	sh.mu.Unlock()
	atomic.AddInt64(&sh.inUse, -int64(n))
}

// growLocked reserves and commits one new unit and carves it into
// objSize slots, pushing every slot onto the single-block free list.
func (sh *SpecialHeap) growLocked() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	// Another goroutine may have already grown the heap while we
	// waited for the lock.
	if atomic.LoadUintptr(&sh.freeHead) != 0 {
		return nil
	}

	u, err := NewHeapUnit(sh.region, sh.unitSize, sh.commitIncrement, sh.category, false)
	if err != nil {
		sh.hooks.NotifyLowMemory()
		u, err = NewHeapUnit(sh.region, sh.unitSize, sh.commitIncrement, sh.category, false)
		if err != nil {
			sh.hooks.ReportOOM(ErrOutOfVirtual, PhaseReserve, err)
			return err
		}
	}
	u.next = sh.units
	sh.units = u

	for {
		addr, ok, err := u.Alloc(sh.objSize, sh.commitIncrement)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		sh.push(addr)
	}
	return nil
}

// InUse returns the current number of outstanding allocations (single
// blocks and blocks held in outstanding Calloc runs alike).
func (sh *SpecialHeap) InUse() int64 { return atomic.LoadInt64(&sh.inUse) }

// Destroy releases every unit this heap has acquired.
func (sh *SpecialHeap) Destroy() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	var firstErr error
	u := sh.units
	for u != nil {
		next := u.next
		if err := u.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
		u = next
	}
	sh.units = nil
	sh.current = nil
	sh.cfreeHead = 0
	atomic.StoreUintptr(&sh.freeHead, 0)
	return firstErr
}
