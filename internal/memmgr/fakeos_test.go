package memmgr

import (
	"sync"
	"unsafe"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// fakeOS is an in-process stand-in for hostmem.Adapter used across
// this package's tests. Reserve actually allocates a Go byte slice and
// returns its data address, so the unsafe free-list pointer writes in
// heapunit.go operate on genuinely valid memory instead of a
// synthetic address that would fault if dereferenced. The slices are
// kept alive in segs for the adapter's lifetime.
type fakeOS struct {
	mu   sync.Mutex
	segs map[uintptr][]byte
}

func newFakeOS() *fakeOS {
	return &fakeOS{segs: make(map[uintptr][]byte)}
}

func (f *fakeOS) PageSize() uintptr { return 4096 }

func (f *fakeOS) Reserve(preferred, size uintptr) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, size)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	f.segs[addr] = buf
	return addr, nil
}

func (f *fakeOS) Commit(addr, size uintptr, prot hostmem.Prot) error { return nil }
func (f *fakeOS) Decommit(addr, size uintptr) error                 { return nil }

func (f *fakeOS) Release(addr, size uintptr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.segs, addr)
	return nil
}

func (f *fakeOS) Protect(addr, size uintptr, prot hostmem.Prot) error { return nil }

func (f *fakeOS) SupportsDualMapping() bool { return false }

func (f *fakeOS) CreateMemFile(name string, size uintptr) (hostmem.FileMapping, error) {
	return hostmem.FileMapping{}, hostmem.ErrUnsupported
}

func (f *fakeOS) MapFile(fm hostmem.FileMapping, preferred uintptr, prot hostmem.Prot) (uintptr, error) {
	return 0, hostmem.ErrUnsupported
}

func (f *fakeOS) UnmapFile(addr, size uintptr) error        { return hostmem.ErrUnsupported }
func (f *fakeOS) CloseMemFile(fm hostmem.FileMapping) error { return hostmem.ErrUnsupported }

// fakeHooks records calls instead of driving a real code cache.
type fakeHooks struct {
	mu          sync.Mutex
	lowMemCalls int
	drLocked    bool
	drAreas     [][2]uintptr
	oomCalls    []ErrorCategory
	resets      []ResetScope
}

func newFakeHooks() *fakeHooks { return &fakeHooks{} }

func (h *fakeHooks) NotifyLowMemory() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lowMemCalls++
}

func (h *fakeHooks) DRAreasLocked() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.drLocked
}

func (h *fakeHooks) DRAreasLock() {
	h.mu.Lock()
	h.drLocked = true
	h.mu.Unlock()
}

func (h *fakeHooks) DRAreasUnlock() {
	h.mu.Lock()
	h.drLocked = false
	h.mu.Unlock()
}

func (h *fakeHooks) AddDRArea(start, end uintptr, prot AreaProt, image ImageFlag) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drAreas = append(h.drAreas, [2]uintptr{start, end})
}

func (h *fakeHooks) RemoveDRArea(start, end uintptr) {}
func (h *fakeHooks) MarkDRAreasStale()                {}

func (h *fakeHooks) UpdateMemoryAreas(start, end uintptr, prot AreaProt, areaType string) {}

func (h *fakeHooks) ReportOOM(category ErrorCategory, phase Phase, osErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.oomCalls = append(h.oomCalls, category)
}

func (h *fakeHooks) ScheduleReset(scope ResetScope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets = append(h.resets, scope)
}
