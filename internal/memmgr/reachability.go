package memmgr

import "sync"

// reach32 is the maximum signed displacement of a 32-bit relative
// branch, per the GLOSSARY's definition of "Reachable".
const reach32 = 1 << 31

// ReachabilityState maintains the policy that keeps vmcode within a
// 32-bit relative displacement of itself and of every region the
// runtime has declared must stay reachable.
//
// Only the two must-reach endpoints are stored; the allowed window is
// derived on demand rather than kept as a separately-updated field,
// avoiding a dual-update race between the stored window and the
// endpoints it was derived from.
type ReachabilityState struct {
	mu sync.Mutex

	haveMust  bool
	mustStart uintptr
	mustEnd   uintptr

	haveVMCode bool
	vmCodeLow  uintptr
	vmCodeHigh uintptr

	lowerHalfOnly bool
}

// NewReachabilityState returns an empty reachability tracker. lowerHalf
// forces the derived allowed window to additionally stay below 2^32,
// mirroring Config.HeapInLower4GB.
func NewReachabilityState(lowerHalf bool) *ReachabilityState {
	return &ReachabilityState{lowerHalfOnly: lowerHalf}
}

// allowedLocked derives [allowStart, allowEnd] from the current must
// range. Caller holds r.mu. ok is false until at least one must-reach
// region has been requested.
func (r *ReachabilityState) allowedLocked() (start, end uintptr, ok bool) {
	if !r.haveMust {
		return 0, 0, false
	}
	// allow_start = must_end - 2^31 + 1, clamped at zero since
	// addresses are unsigned here.
	var allowStart uintptr
	if r.mustEnd > reach32-1 {
		allowStart = r.mustEnd - (reach32 - 1)
	}
	allowEnd := r.mustStart + (reach32 - 1)
	if r.lowerHalfOnly {
		const max32 = uintptr(1)<<32 - 1
		if allowEnd > max32 {
			allowEnd = max32
		}
	}
	return allowStart, allowEnd, true
}

// Allowed returns the current allowed placement window for new vmcode
// allocations, or ok=false if no must-reach region has been requested
// yet (any placement is acceptable).
func (r *ReachabilityState) Allowed() (start, end uintptr, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allowedLocked()
}

// NoteVMCodePlacement records where vmcode currently lives, so future
// RequestRegionBeHeapReachable calls can check they can still be
// reconciled with it.
func (r *ReachabilityState) NoteVMCodePlacement(start, end uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.haveVMCode = true
	r.vmCodeLow, r.vmCodeHigh = start, end
}

// RequestRegionBeHeapReachable records [start, start+size) as a
// must-reach region. Before the first vmcode allocation this only
// biases placement (callers consult Allowed() when choosing a base);
// afterward it is checked against the already-placed vmcode and
// returns ErrReachabilityUnsatisfiable if the constraint cannot be
// reconciled with it.
//
// A second call whose range is a subset of the already-recorded
// must-reach range is idempotent and has no effect on Allowed().
func (r *ReachabilityState) RequestRegionBeHeapReachable(start uintptr, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := start + uintptr(size)
	newStart, newEnd := start, end
	if r.haveMust {
		if newStart > r.mustStart {
			newStart = r.mustStart
		}
		if newEnd < r.mustEnd {
			newEnd = r.mustEnd
		}
		if newStart == r.mustStart && newEnd == r.mustEnd {
			return nil // strict subset (or exact repeat): no-op, preserves idempotence.
		}
	}

	if r.haveVMCode {
		if !withinReach(newStart, newEnd, r.vmCodeLow, r.vmCodeHigh) {
			return newError(ErrReachabilityUnsatisfiable, PhaseInit,
				"requested must-reach region cannot be reconciled with current vmcode placement", nil)
		}
	}

	r.haveMust = true
	r.mustStart, r.mustEnd = newStart, newEnd
	return nil
}

// withinReach reports whether every point in [vmLow, vmHigh] can reach
// every point in [mustStart, mustEnd] via a 32-bit relative branch,
// using conservative (worst-case) endpoint arithmetic.
func withinReach(mustStart, mustEnd, vmLow, vmHigh uintptr) bool {
	// Worst case displacement is from the far end of vmcode to the far
	// end of the must-reach range.
	if vmHigh >= mustStart {
		if vmHigh-mustStart > reach32-1 {
			return false
		}
	} else {
		if mustStart-vmHigh > reach32 {
			return false
		}
	}
	if mustEnd >= vmLow {
		if mustEnd-vmLow > reach32-1 {
			return false
		}
	} else {
		if vmLow-mustEnd > reach32 {
			return false
		}
	}
	return true
}

// Rel32ReachableFromVMCode tests that target is within ±2^31 of every
// point currently in the must-reach range. If no must-reach region has
// been declared yet, any target is reachable.
func (r *ReachabilityState) Rel32ReachableFromVMCode(target uintptr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.haveMust {
		return true
	}
	return withinReach(r.mustStart, r.mustEnd, target, target)
}
