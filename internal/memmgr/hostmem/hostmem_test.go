//go:build unix

package hostmem

import "testing"

func TestUnixAdapterReserveCommitDecommitRelease(t *testing.T) {
	a := New()
	if a.PageSize() == 0 {
		t.Fatal("PageSize returned 0")
	}

	size := uintptr(4 * a.PageSize())
	base, err := a.Reserve(0, size)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if base == 0 {
		t.Fatal("Reserve returned a nil base")
	}

	if err := a.Commit(base, size, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := a.Decommit(base, size); err != nil {
		t.Fatalf("Decommit failed: %v", err)
	}
	if err := a.Release(base, size); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestUnixAdapterProtect(t *testing.T) {
	a := New()
	size := a.PageSize()
	base, err := a.Reserve(0, size)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	defer a.Release(base, size)

	if err := a.Commit(base, size, ProtRead|ProtWrite); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := a.Protect(base, size, ProtRead); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
}

func TestUnixAdapterDualMappingOnLinux(t *testing.T) {
	a := New()
	if !a.SupportsDualMapping() {
		t.Skip("dual mapping not supported on this unix variant")
	}

	size := uintptr(4096)
	fm, err := a.CreateMemFile("memmgr-hostmem-test", size)
	if err != nil {
		t.Fatalf("CreateMemFile failed: %v", err)
	}
	defer a.CloseMemFile(fm)

	addr1, err := a.MapFile(fm, 0, ProtRead|ProtWrite)
	if err != nil {
		t.Fatalf("MapFile (writable) failed: %v", err)
	}
	defer a.UnmapFile(addr1, size)

	addr2, err := a.MapFile(fm, 0, ProtRead)
	if err != nil {
		t.Fatalf("MapFile (read-only second view) failed: %v", err)
	}
	defer a.UnmapFile(addr2, size)

	if addr1 == addr2 {
		t.Fatal("expected two independent mappings of the same file at different addresses")
	}
}
