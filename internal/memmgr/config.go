// Package memmgr provides Orizon's internal virtual memory and heap
// allocator: the memory supply for the runtime's own data structures and
// for code caches holding translated guest instructions. It does not
// depend on the host process allocator, since the runtime may be entered
// while the instrumented application is itself mid-allocation.
package memmgr

// Config is the static set of options consumed once at Manager
// construction. It mirrors the options table of the core allocator
// configuration record: every field here is read at init and, with the
// exception of the fields explicitly marked otherwise, never re-read.
type Config struct {
	// VMReserve is not consulted: NewManager always builds its VmRegions
	// and every allocation goes through them, whatever its value. No
	// path routes allocations directly to the OS adapter.
	VMReserve bool

	// VMSize is the size of the code VmRegion (vmcode) reservation.
	VMSize uint64

	// VMHeapSize is the size of the data VmRegion (vmheap) reservation.
	// Ignored when ReachableHeap is true.
	VMHeapSize uint64

	// VMMBlockSize is the bitmap granularity; all reservations are
	// rounded up to a multiple of this.
	VMMBlockSize uint64

	// VMBase is the preferred base address for the code region.
	VMBase uintptr

	// VMMaxOffset is not consulted: VMBase is passed to the code region
	// as its preferred base unchanged, with no randomized offset.
	VMMaxOffset uint64

	// VMBaseNearApp is not consulted: code region placement never takes
	// the host executable image into account.
	VMBaseNearApp bool

	// VMAllowNotAtBase is passed to the code region but not consulted
	// there: an OS-chosen base is always accepted.
	VMAllowNotAtBase bool

	// VMAllowSmaller accepts a geometrically reduced reservation size
	// when the requested size cannot be satisfied.
	VMAllowSmaller bool

	// HeapInLower4GB caps the end of the reachability window
	// (ReachabilityState.Allowed) at 2^32-1. That window only picks the
	// preferred base handed to the OS adapter once a must-reach region
	// exists; the placement the OS returns is not checked against 2^32.
	HeapInLower4GB bool

	// ReachableHeap routes all heap allocation through the code region,
	// collapsing vmcode and vmheap into a single VmRegion.
	ReachableHeap bool

	// InitialHeapUnitSize is the size of the first unit created for a
	// thread-private heap.
	InitialHeapUnitSize uint64

	// MaxHeapUnitSize bounds unit growth. The oversize threshold does not
	// derive from it: any request above the last sizeClasses entry (4096
	// bytes, see heapunit.go) gets its own oversize unit.
	MaxHeapUnitSize uint64

	// InitialGlobalHeapUnitSize is the size of the first unit created
	// for the shared global heap.
	InitialGlobalHeapUnitSize uint64

	// InitialHeapNonpersSize is the size of the first unit created for
	// the nonpersistent heap.
	InitialHeapNonpersSize uint64

	// HeapCommitIncrement is the granularity of lazy commitment when a
	// unit's end_pc is advanced toward reserved_end_pc.
	HeapCommitIncrement uint64

	// GuardPages enables an inaccessible page on either side of a unit.
	GuardPages bool

	// PerThreadGuardPages and StackGuardPages extend GuardPages to
	// thread-private units and stacks respectively.
	PerThreadGuardPages bool
	StackGuardPages     bool

	// SatisfyWxorX enables the W^X dual mapping for the code region. On
	// a platform whose OS adapter cannot dual-map, NewManager fails with
	// an ErrWxorXFailure error; W^X is never silently emulated.
	SatisfyWxorX bool

	// OOMTimeoutMS is not consulted: a failed unit reservation is
	// retried once right away after Hooks.NotifyLowMemory, with no sleep,
	// whatever its value.
	OOMTimeoutMS int64

	// DebugStats enables the per-size-class allocation statistics.
	// Expensive; off by default.
	DebugStats bool

	// DebugPoison is not consulted: no code path fills committed,
	// allocated or freed memory with a pattern, and DebugStats does not
	// enable any poisoning either.
	DebugPoison bool

	// Logger receives diagnostic lines. Defaults to a discard logger.
	Logger Logger

	// Hooks is the collaborator interface back into the surrounding
	// runtime (DR-areas tracking, low-memory notification, OOM
	// reporting). Required; Manager construction fails without one.
	Hooks Hooks
}

// HeapAlignment is the machine-word alignment every allocation is
// rounded up to.
const HeapAlignment = 8

// DefaultConfig returns a Config with the same defaults the original
// allocator ships: modest reservations, lazy commit, no W^X, no debug
// instrumentation. Callers building a hardened configuration flip
// SatisfyWxorX, GuardPages, and DebugStats on explicitly.
func DefaultConfig() Config {
	return Config{
		VMReserve:                 true,
		VMSize:                    64 * 1024 * 1024,
		VMHeapSize:                64 * 1024 * 1024,
		VMMBlockSize:              64 * 1024,
		VMMaxOffset:               16 * 1024 * 1024,
		VMBaseNearApp:             true,
		VMAllowNotAtBase:          true,
		VMAllowSmaller:            true,
		HeapInLower4GB:            false,
		ReachableHeap:             false,
		InitialHeapUnitSize:       32 * 1024,
		MaxHeapUnitSize:           512 * 1024,
		InitialGlobalHeapUnitSize: 32 * 1024,
		InitialHeapNonpersSize:    16 * 1024,
		HeapCommitIncrement:       4 * 1024,
		GuardPages:                false,
		PerThreadGuardPages:       false,
		StackGuardPages:           false,
		SatisfyWxorX:              false,
		OOMTimeoutMS:              0,
		DebugStats:                false,
		DebugPoison:               false,
		Logger:                    discardLogger{},
	}
}

// CategoryFlags are the orthogonal "which" flags attached to an
// allocation, per the GLOSSARY entry for Category.
type CategoryFlags uint32

const (
	// CatReachable marks an allocation that must stay within 32-bit
	// displacement of vmcode.
	CatReachable CategoryFlags = 1 << iota
	// CatPerThread marks a thread-private allocation (vs. shared).
	CatPerThread
	// CatCache marks code-cache memory.
	CatCache
	// CatHeap marks ordinary heap memory.
	CatHeap
	// CatStack marks a stack allocation.
	CatStack
	// CatSpecial marks memory from a special single-size heap.
	CatSpecial
	// CatNonPersistent marks memory that need not survive a reset.
	CatNonPersistent
)
