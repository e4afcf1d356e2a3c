package memmgr

import (
	"unsafe"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// sizeClasses mirrors heap.c's BLOCK_SIZES table: a doubling-ish
// progression of small-object sizes, each already a multiple of
// HeapAlignment. A request larger than the last entry is "oversize"
// and gets its own unit rather than a free-list slot.
var sizeClasses = []uint64{
	8, 16, 24, 32, 40, 48, 64, 80, 96, 128,
	160, 192, 256, 320, 384, 512, 768, 1024,
	1536, 2048, 3072, 4096,
}

// classIndexForSize returns the index of the smallest size class that
// fits size, or -1 if size is oversize.
func classIndexForSize(size uint64) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

func classSize(idx int) uint64 { return sizeClasses[idx] }

func alignUp(v, to uint64) uint64 {
	return ((v + to - 1) / to) * to
}

// freeList is a singly linked list of equal-size free chunks, threaded
// through the first machine word of each freed chunk's own payload
// (heap.c's classic "free list node lives in the freed memory" trick).
// Safe because a chunk is only ever on a free list while nothing holds
// a live reference to its contents.
type freeList struct {
	head uintptr
}

func storeNextPtr(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next //nolint:govet
}

func loadNextPtr(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr)) //nolint:govet
}

func (f *freeList) push(addr uintptr) {
	storeNextPtr(addr, f.head)
	f.head = addr
}

func (f *freeList) pop() (uintptr, bool) {
	if f.head == 0 {
		return 0, false
	}
	addr := f.head
	f.head = loadNextPtr(addr)
	return addr, true
}

func (f *freeList) empty() bool { return f.head == 0 }

// oversizeHeader is written into the first bytes of a freed oversize
// block so the variable-size free list can walk entries without any
// side bookkeeping array.
type oversizeHeader struct {
	size uintptr
	next uintptr
}

func writeOversizeHeader(addr uintptr, size, next uintptr) {
	h := (*oversizeHeader)(unsafe.Pointer(addr)) //nolint:govet
	h.size, h.next = size, next
}

func readOversizeHeader(addr uintptr) oversizeHeader {
	return *(*oversizeHeader)(unsafe.Pointer(addr)) //nolint:govet
}

// oversizeFreeList is the variable-class free list for oversize
// units: entries of differing sizes threaded in one list, first-fit
// scanned front to back rather than segregated by class, because
// oversize allocations are rare enough that O(n) is acceptable and a
// segregated table would rarely find an exact match anyway.
type oversizeFreeList struct {
	head  uintptr
	count int
}

// find walks the list for the first entry whose size is >= need,
// unlinks it, and returns its address and actual size. Returns
// ok=false if nothing in the list fits.
func (o *oversizeFreeList) find(need uintptr) (addr uintptr, size uintptr, ok bool) {
	var prev uintptr
	cur := o.head
	for cur != 0 {
		h := readOversizeHeader(cur)
		if h.size >= need {
			if prev == 0 {
				o.head = h.next
			} else {
				ph := readOversizeHeader(prev)
				writeOversizeHeader(prev, ph.size, h.next)
			}
			o.count--
			return cur, h.size, true
		}
		prev = cur
		cur = h.next
	}
	return 0, 0, false
}

func (o *oversizeFreeList) push(addr uintptr, size uintptr) {
	writeOversizeHeader(addr, size, o.head)
	o.head = addr
	o.count++
}

// HeapUnit is a single bump-allocated, lazily-committed span of memory
// carved from a VmRegion. It never moves or shrinks once created;
// reclaiming space within it happens only
// through the free lists layered on top in threadunits.go, never by
// giving bytes back to the unit itself. A unit's only path back to the
// VMM is Destroy, releasing the whole span at once.
//
// Grounded on internal/runtime/block_manager.go's block-with-watermark
// shape, generalized from a fixed-size Go slice to a VmRegion-backed
// address range with lazy OS commit.
type HeapUnit struct {
	region *VmRegion

	base         uintptr // start_pc
	curPC        uintptr // bump pointer; next free byte
	committedEnd uintptr // end_pc
	reservedEnd  uintptr // reserved_end_pc

	category CategoryFlags

	// isOversize units hold exactly one allocation spanning the whole
	// unit (the payload rounded up to HeapAlignment, with no header);
	// Alloc is never called on them again after creation.
	isOversize   bool
	oversizeSize uint64

	// allocBase/allocSize record the true reservation when guard pages
	// pad a smaller usable [base, reservedEnd) on both sides; Destroy
	// releases allocBase/allocSize rather than [base, reservedEnd) so
	// the guard blocks are returned to the VMM too. Equal to
	// base/reservedEnd-base when no guard pages were requested.
	allocBase uintptr
	allocSize uint64

	next *HeapUnit // intrusive link in a ThreadUnits unit list
	dead bool       // on the dead-units list, awaiting reuse or release
}

// NewHeapUnit reserves reserveSize bytes from region and commits the
// first min(reserveSize, initialCommit) bytes of it. When guardPages is
// true, one extra block is reserved on each side and committed
// PROT_NONE, so any access that runs off either end of the unit's
// usable range faults instead of touching a neighboring unit.
func NewHeapUnit(region *VmRegion, reserveSize, initialCommit uint64, category CategoryFlags, guardPages bool) (*HeapUnit, error) {
	blockSize := region.BlockSize()
	guardSize := uint64(0)
	if guardPages {
		guardSize = blockSize
	}
	totalReserve := reserveSize + 2*guardSize

	allocBase, err := region.ReserveBlocks(totalReserve, category)
	if err != nil {
		return nil, err
	}
	totalReserve = roundUp64(totalReserve, blockSize)
	base := allocBase + uintptr(guardSize)

	if guardPages {
		if err := region.Commit(allocBase, uintptr(guardSize), hostmem.ProtNone); err != nil {
			_ = region.Release(allocBase, uintptr(totalReserve))
			return nil, err
		}
		guardBackAddr := allocBase + uintptr(totalReserve) - uintptr(guardSize)
		if err := region.Commit(guardBackAddr, uintptr(guardSize), hostmem.ProtNone); err != nil {
			_ = region.Release(allocBase, uintptr(totalReserve))
			return nil, err
		}
	}

	if initialCommit > reserveSize {
		initialCommit = reserveSize
	}
	prot := hostProtForCategory(category)
	if initialCommit > 0 {
		if err := region.Commit(base, uintptr(initialCommit), prot); err != nil {
			_ = region.Release(allocBase, uintptr(totalReserve))
			return nil, err
		}
	}
	return &HeapUnit{
		region:       region,
		base:         base,
		curPC:        base,
		committedEnd: base + uintptr(initialCommit),
		reservedEnd:  base + uintptr(reserveSize),
		category:     category,
		allocBase:    allocBase,
		allocSize:    totalReserve,
	}, nil
}

// NewOversizeUnit reserves and commits an exact-fit unit for a single
// allocation of payloadSize bytes, used when payloadSize falls outside
// every entry in sizeClasses.
func NewOversizeUnit(region *VmRegion, payloadSize uint64, category CategoryFlags) (*HeapUnit, error) {
	size := alignUp(payloadSize, HeapAlignment)
	base, err := region.ReserveBlocks(size, category)
	if err != nil {
		return nil, err
	}
	if err := region.Commit(base, uintptr(size), hostProtForCategory(category)); err != nil {
		_ = region.Release(base, uintptr(size))
		return nil, err
	}
	return &HeapUnit{
		region:       region,
		base:         base,
		curPC:        base + uintptr(size),
		committedEnd: base + uintptr(size),
		reservedEnd:  base + uintptr(size),
		category:     category,
		isOversize:   true,
		oversizeSize: size,
		allocBase:    base,
		allocSize:    size,
	}, nil
}

func hostProtForCategory(cat CategoryFlags) hostmem.Prot {
	if cat&CatCache != 0 {
		return hostmem.ProtRead | hostmem.ProtExec
	}
	return hostmem.ProtRead | hostmem.ProtWrite
}

// Alloc bump-allocates sizeAligned bytes, extending the committed
// range in commitIncrement steps when the bump pointer would cross
// committedEnd. Returns ok=false (not an error) when the unit's
// reserved range is exhausted; the caller is expected to fall back to
// a new unit, matching heap.c's "unit full" signal distinct from a
// true OOM.
func (u *HeapUnit) Alloc(sizeAligned uint64, commitIncrement uint64) (addr uintptr, ok bool, err error) {
	need := u.curPC + uintptr(sizeAligned)
	if need > u.reservedEnd {
		return 0, false, nil
	}
	if need > u.committedEnd {
		grow := uint64(need-u.committedEnd)
		grow = alignUp(grow, commitIncrement)
		if u.committedEnd+uintptr(grow) > u.reservedEnd {
			grow = uint64(u.reservedEnd - u.committedEnd)
		}
		if grow > 0 {
			if err := u.region.Commit(u.committedEnd, uintptr(grow), hostProtForCategory(u.category)); err != nil {
				return 0, false, err
			}
			u.committedEnd += uintptr(grow)
		}
		if need > u.committedEnd {
			return 0, false, nil
		}
	}
	addr = u.curPC
	u.curPC = need
	return addr, true, nil
}

// FreeBytes returns the number of bytes still available for bump
// allocation within the unit's reserved range (committed or not).
func (u *HeapUnit) FreeBytes() uint64 { return uint64(u.reservedEnd - u.curPC) }

// Full reports whether the unit has no room left for even the
// smallest size class.
func (u *HeapUnit) Full() bool { return u.FreeBytes() < sizeClasses[0] }

// Destroy releases the unit's entire span, including any guard-page
// padding, back to its region. Callers must ensure nothing still
// references memory inside the unit.
func (u *HeapUnit) Destroy() error {
	return u.region.Release(u.allocBase, uintptr(u.allocSize))
}

// Reset rewinds the bump pointer to the unit's base without releasing
// the underlying reservation, for dead-unit reuse (deadlist.go).
func (u *HeapUnit) Reset() {
	u.curPC = u.base
	u.dead = false
}
