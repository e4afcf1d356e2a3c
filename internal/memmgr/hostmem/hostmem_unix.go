//go:build unix

package hostmem

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// unixAdapter implements Adapter over golang.org/x/sys/unix, the same
// package internal/runtime/asyncio reaches for in its zero-copy and
// kqueue files for raw syscalls from Go.
type unixAdapter struct {
	pageSize uintptr

	mu   sync.Mutex
	segs map[uintptr]uintptr // base -> size, tracked reservations
}

// New returns the process-wide OS adapter for this platform.
func New() Adapter {
	return &unixAdapter{
		pageSize: uintptr(os.Getpagesize()),
		segs:     make(map[uintptr]uintptr),
	}
}

func (a *unixAdapter) PageSize() uintptr { return a.pageSize }

func toUnixProt(p Prot) int {
	out := unix.PROT_NONE
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

// mmapAt wraps the raw mmap(2) syscall so a fixed address hint can be
// supplied; golang.org/x/sys/unix.Mmap does not expose the addr
// parameter, only fd/offset/length/prot/flags.
func mmapAt(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r1, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length, uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r1, nil
}

func (a *unixAdapter) Reserve(preferred uintptr, size uintptr) (uintptr, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANON
	base, err := mmapAt(preferred, size, unix.PROT_NONE, flags, -1, 0)
	if err != nil && preferred != 0 {
		// Preferred base unavailable without MAP_FIXED; retry letting
		// the kernel choose.
		base, err = mmapAt(0, size, unix.PROT_NONE, flags, -1, 0)
	}
	if err != nil {
		return 0, fmt.Errorf("mmap reserve: %w", err)
	}
	a.mu.Lock()
	a.segs[base] = size
	a.mu.Unlock()
	return base, nil
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))
}

func (a *unixAdapter) Commit(addr, size uintptr, prot Prot) error {
	if err := unix.Mprotect(bytesAt(addr, size), toUnixProt(prot)); err != nil {
		return fmt.Errorf("mprotect commit: %w", err)
	}
	return nil
}

func (a *unixAdapter) Decommit(addr, size uintptr) error {
	if err := unix.Mprotect(bytesAt(addr, size), unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect decommit: %w", err)
	}
	_ = unix.Madvise(bytesAt(addr, size), unix.MADV_DONTNEED)
	return nil
}

func (a *unixAdapter) Release(addr, size uintptr) error {
	if err := unix.Munmap(bytesAt(addr, size)); err != nil {
		return fmt.Errorf("munmap release: %w", err)
	}
	a.mu.Lock()
	delete(a.segs, addr)
	a.mu.Unlock()
	return nil
}

func (a *unixAdapter) Protect(addr, size uintptr, prot Prot) error {
	if err := unix.Mprotect(bytesAt(addr, size), toUnixProt(prot)); err != nil {
		return fmt.Errorf("mprotect: %w", err)
	}
	return nil
}

func (a *unixAdapter) MapFile(fm FileMapping, preferred uintptr, prot Prot) (uintptr, error) {
	flags := unix.MAP_SHARED
	base, err := mmapAt(preferred, fm.Size, toUnixProt(prot), flags, int(fm.FD), 0)
	if err != nil && preferred != 0 {
		base, err = mmapAt(0, fm.Size, toUnixProt(prot), flags, int(fm.FD), 0)
	}
	if err != nil {
		return 0, fmt.Errorf("mmap file: %w", err)
	}
	return base, nil
}

func (a *unixAdapter) UnmapFile(addr, size uintptr) error {
	if err := unix.Munmap(bytesAt(addr, size)); err != nil {
		return fmt.Errorf("munmap file: %w", err)
	}
	return nil
}
