package memmgr

import (
	"fmt"
	"sync/atomic"
)

// classStats accumulates lifetime allocation counters for one size
// class. Kept separate from the hot-path freeList so enabling
// Config.DebugStats never changes the layout of the structures Alloc
// and Free touch on every call.
type classStats struct {
	allocs   uint64
	frees    uint64
	curCount int64
	peak     int64
}

func (c *classStats) recordAlloc() {
	atomic.AddUint64(&c.allocs, 1)
	n := atomic.AddInt64(&c.curCount, 1)
	for {
		p := atomic.LoadInt64(&c.peak)
		if n <= p || atomic.CompareAndSwapInt64(&c.peak, p, n) {
			break
		}
	}
}

func (c *classStats) recordFree() {
	atomic.AddUint64(&c.frees, 1)
	atomic.AddInt64(&c.curCount, -1)
}

// DebugStats is a point-in-time snapshot of per-size-class allocation
// counters, produced when Config.DebugStats is enabled. It is the
// counterpart to the original allocator's per-class alloc/free/peak
// tracking, which is otherwise skipped entirely to keep the hot path
// free of extra atomics.
type DebugStats struct {
	ClassSize    []uint64
	ClassAllocs  []uint64
	ClassFrees   []uint64
	ClassCurrent []int64
	ClassPeak    []int64

	OversizeAllocs  uint64
	OversizeFrees   uint64
	OversizeCurrent int64

	DeadUnits      int
	DeadUnitBytes  uint64
}

// statsTracker is embedded by ThreadUnits-like components when
// Config.DebugStats is on. A nil *statsTracker (the zero value used
// when DebugStats is off) makes every method a no-op, so call sites
// never need to branch on whether stats collection is enabled.
type statsTracker struct {
	classes        []classStats
	oversizeAllocs uint64
	oversizeFrees  uint64
	oversizeCur    int64
}

func newStatsTracker(enabled bool) *statsTracker {
	if !enabled {
		return nil
	}
	return &statsTracker{classes: make([]classStats, len(sizeClasses))}
}

func (s *statsTracker) recordClassAlloc(classIdx int) {
	if s == nil {
		return
	}
	s.classes[classIdx].recordAlloc()
}

func (s *statsTracker) recordClassFree(classIdx int) {
	if s == nil {
		return
	}
	s.classes[classIdx].recordFree()
}

func (s *statsTracker) recordOversizeAlloc() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.oversizeAllocs, 1)
	atomic.AddInt64(&s.oversizeCur, 1)
}

func (s *statsTracker) recordOversizeFree() {
	if s == nil {
		return
	}
	atomic.AddUint64(&s.oversizeFrees, 1)
	atomic.AddInt64(&s.oversizeCur, -1)
}

func (s *statsTracker) snapshot(dead *deadList) DebugStats {
	if s == nil {
		return DebugStats{}
	}
	ds := DebugStats{
		ClassSize:    append([]uint64(nil), sizeClasses...),
		ClassAllocs:  make([]uint64, len(s.classes)),
		ClassFrees:   make([]uint64, len(s.classes)),
		ClassCurrent: make([]int64, len(s.classes)),
		ClassPeak:    make([]int64, len(s.classes)),
	}
	for i := range s.classes {
		ds.ClassAllocs[i] = atomic.LoadUint64(&s.classes[i].allocs)
		ds.ClassFrees[i] = atomic.LoadUint64(&s.classes[i].frees)
		ds.ClassCurrent[i] = atomic.LoadInt64(&s.classes[i].curCount)
		ds.ClassPeak[i] = atomic.LoadInt64(&s.classes[i].peak)
	}
	ds.OversizeAllocs = atomic.LoadUint64(&s.oversizeAllocs)
	ds.OversizeFrees = atomic.LoadUint64(&s.oversizeFrees)
	ds.OversizeCurrent = atomic.LoadInt64(&s.oversizeCur)
	if dead != nil {
		ds.DeadUnits = dead.NumUnits()
		ds.DeadUnitBytes = dead.NumBytes()
	}
	return ds
}

// String renders a one-line-per-class summary suitable for a Logger.
func (d DebugStats) String() string {
	out := fmt.Sprintf("oversize: allocs=%d frees=%d current=%d, dead_units=%d (%d bytes)\n",
		d.OversizeAllocs, d.OversizeFrees, d.OversizeCurrent, d.DeadUnits, d.DeadUnitBytes)
	for i, sz := range d.ClassSize {
		out += fmt.Sprintf("class %4d: allocs=%d frees=%d current=%d peak=%d\n",
			sz, d.ClassAllocs[i], d.ClassFrees[i], d.ClassCurrent[i], d.ClassPeak[i])
	}
	return out
}
