package memmgr

import "sync"

// deadList holds fully-emptied HeapUnits, kept reserved rather than
// released immediately so a subsequent allocation burst can reuse them
// without paying reservation cost again. A single deadList is shared by
// every ThreadUnits a Manager owns (global, nonpersistent, cache,
// reachable, and every per-thread heap) — spec.md §3's "migrating its
// units to dead list" and §5's "dead-unit lists are process-wide" both
// describe this one pool, not a private list per heap. Its own mutex
// guards concurrent push/takeFit/Trim calls from whichever ThreadUnits
// reaches it; that lock is never held while a ThreadUnits' own tu.mu is
// also needed; units are released to the VMM only when Trim is called,
// typically in response to Hooks.ScheduleReset or explicit memory
// pressure.
type deadList struct {
	mu    sync.Mutex
	units []*HeapUnit
	bytes uint64
}

func newDeadList() *deadList { return &deadList{} }

func (d *deadList) push(u *HeapUnit) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u.dead = true
	d.units = append(d.units, u)
	d.bytes += uint64(u.reservedEnd - u.base)
}

// takeFit pops the first dead unit reserved from region whose reserved
// span is at least minSize, resets its bump pointer, and returns it.
// The region filter matters because the list is shared across heaps
// built over different VmRegions (vmcode for the cache/reachable
// heaps, vmheap for everything else): a unit's addresses, W^X view,
// and DR-area registration are only valid within the region that
// created it. Returns nil if no dead unit from that region is big
// enough.
func (d *deadList) takeFit(minSize uint64, region *VmRegion) *HeapUnit {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, u := range d.units {
		if u.region == region && uint64(u.reservedEnd-u.base) >= minSize {
			d.units = append(d.units[:i], d.units[i+1:]...)
			d.bytes -= uint64(u.reservedEnd - u.base)
			u.Reset()
			return u
		}
	}
	return nil
}

// Trim releases every unit currently on the dead list back to the VMM.
// Returns the first error encountered, if any, after attempting every
// unit (so a single bad release never strands the rest).
func (d *deadList) Trim() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, u := range d.units {
		if err := u.Destroy(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.units = nil
	d.bytes = 0
	return firstErr
}

func (d *deadList) NumUnits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.units)
}

func (d *deadList) NumBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}
