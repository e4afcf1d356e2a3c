package memmgr

import (
	"sync"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// DualMap provides two distinct virtual addresses backed by the same
// physical pages: one mapped executable-only (the view threads run
// from), one mapped read-write-only (the view the allocator writes
// new code through). This satisfies a strict write-xor-execute policy
// without ever calling mprotect to toggle a page between W and X.
//
// Grounded on internal/runtime/block_manager.go's separation of a
// block's bookkeeping struct from its backing storage, generalized
// here to a second OS mapping rather than a second Go slice.
type DualMap struct {
	mu sync.Mutex

	os hostmem.Adapter
	fm hostmem.FileMapping

	execBase  uintptr
	writeBase uintptr
	size      uintptr

	closed bool
}

// newDualMap creates a memory-file-backed region of the given size and
// maps it twice: once executable-only at execBase (or nearby, if the
// platform cannot honor a fixed hint there) and once read-write-only at
// an address the OS chooses.
func newDualMap(os hostmem.Adapter, name string, execBase uintptr, size uint64) (*DualMap, error) {
	if !os.SupportsDualMapping() {
		return nil, newError(ErrWxorXFailure, PhaseInit, "dual mapping unsupported on this platform", hostmem.ErrUnsupported)
	}

	fm, err := os.CreateMemFile(name, uintptr(size))
	if err != nil {
		return nil, newError(ErrWxorXFailure, PhaseInit, "failed to create memory file for dual mapping", err)
	}

	// Release the placeholder anonymous reservation at execBase first:
	// the caller (NewVmRegion) reserved it with os.Reserve purely to
	// pick an address inside the reachable window, and we now replace
	// it with a file-backed mapping at (as close as possible to) the
	// same address.
	_ = os.Release(execBase, uintptr(size))

	execAddr, err := os.MapFile(fm, execBase, hostmem.ProtExec|hostmem.ProtRead)
	if err != nil {
		_ = os.CloseMemFile(fm)
		return nil, newError(ErrWxorXFailure, PhaseInit, "failed to map executable view for dual mapping", err)
	}

	writeAddr, err := os.MapFile(fm, 0, hostmem.ProtRead|hostmem.ProtWrite)
	if err != nil {
		_ = os.UnmapFile(execAddr, uintptr(size))
		_ = os.CloseMemFile(fm)
		return nil, newError(ErrWxorXFailure, PhaseInit, "failed to map writable view for dual mapping", err)
	}

	return &DualMap{
		os:        os,
		fm:        fm,
		execBase:  execAddr,
		writeBase: writeAddr,
		size:      uintptr(size),
	}, nil
}

// WritableAddr translates an address in the executable view to the
// corresponding address in the writable view.
func (d *DualMap) WritableAddr(execAddr uintptr) uintptr {
	return d.writeBase + (execAddr - d.execBase)
}

// ExecutableAddr translates an address in the writable view (or an
// address already in the executable view, which is returned unchanged)
// to the corresponding address in the executable view.
func (d *DualMap) ExecutableAddr(addr uintptr) uintptr {
	if addr >= d.writeBase && addr < d.writeBase+d.size {
		return d.execBase + (addr - d.writeBase)
	}
	return addr
}

// Close unmaps both views and closes the backing memory file.
func (d *DualMap) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var firstErr error
	if err := d.os.UnmapFile(d.execBase, d.size); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.os.UnmapFile(d.writeBase, d.size); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.os.CloseMemFile(d.fm); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ExecBase returns the base address of the executable view.
//
// DualMap has no fork handling: it neither snapshots the writable view
// before a fork nor recreates the views in the child, and its
// FileMapping is not exported.
func (d *DualMap) ExecBase() uintptr { return d.execBase }
