package memmgr

import (
	"testing"

	"github.com/orizon-lang/memmgr/internal/memmgr/hostmem"
)

// fakeDualAdapter is a minimal in-process stand-in for hostmem.Adapter
// that supports dual mapping, used to test DualMap's address
// translation without touching the real OS.
type fakeDualAdapter struct {
	next    uintptr
	commits []uintptr // addresses passed to Commit, in call order
}

func newFakeDualAdapter() *fakeDualAdapter { return &fakeDualAdapter{next: 0x1000_0000} }

func (f *fakeDualAdapter) PageSize() uintptr { return 4096 }

func (f *fakeDualAdapter) Reserve(preferred, size uintptr) (uintptr, error) {
	if preferred != 0 {
		return preferred, nil
	}
	addr := f.next
	f.next += size
	return addr, nil
}

func (f *fakeDualAdapter) Commit(addr, size uintptr, prot hostmem.Prot) error {
	f.commits = append(f.commits, addr)
	return nil
}
func (f *fakeDualAdapter) Decommit(addr, size uintptr) error { return nil }
func (f *fakeDualAdapter) Release(addr, size uintptr) error  { return nil }
func (f *fakeDualAdapter) Protect(addr, size uintptr, prot hostmem.Prot) error {
	return nil
}

func (f *fakeDualAdapter) SupportsDualMapping() bool { return true }

func (f *fakeDualAdapter) CreateMemFile(name string, size uintptr) (hostmem.FileMapping, error) {
	return hostmem.FileMapping{FD: 3, Size: size}, nil
}

func (f *fakeDualAdapter) MapFile(fm hostmem.FileMapping, preferred uintptr, prot hostmem.Prot) (uintptr, error) {
	if preferred != 0 {
		return preferred, nil
	}
	addr := f.next
	f.next += fm.Size
	return addr, nil
}

func (f *fakeDualAdapter) UnmapFile(addr, size uintptr) error   { return nil }
func (f *fakeDualAdapter) CloseMemFile(fm hostmem.FileMapping) error { return nil }

func TestDualMapAddressTranslation(t *testing.T) {
	a := newFakeDualAdapter()
	dm, err := newDualMap(a, "test-code", 0x2000_0000, 0x10000)
	if err != nil {
		t.Fatalf("newDualMap failed: %v", err)
	}
	defer dm.Close()

	execAddr := dm.ExecBase() + 0x100
	writableAddr := dm.WritableAddr(execAddr)
	if writableAddr == execAddr {
		t.Fatal("writable address should differ from executable address")
	}
	back := dm.ExecutableAddr(writableAddr)
	if back != execAddr {
		t.Fatalf("round trip failed: got %x, want %x", back, execAddr)
	}

	// An address already in the executable view is returned unchanged.
	if dm.ExecutableAddr(execAddr) != execAddr {
		t.Fatal("ExecutableAddr should be identity on an already-executable address")
	}
}

func TestDualMapUnsupportedFails(t *testing.T) {
	a := &unsupportedDualAdapter{fakeDualAdapter: *newFakeDualAdapter()}
	if _, err := newDualMap(a, "test-code", 0x2000_0000, 0x10000); err == nil {
		t.Fatal("expected error when SupportsDualMapping is false")
	}
}

type unsupportedDualAdapter struct {
	fakeDualAdapter
}

func (u *unsupportedDualAdapter) SupportsDualMapping() bool { return false }
