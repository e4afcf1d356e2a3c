//go:build windows

package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// windowsAdapter implements Adapter over golang.org/x/sys/windows, the
// same package internal/runtime/asyncio/iocp_poller_windows.go uses
// for win32 calls from Go.
type windowsAdapter struct {
	pageSize uintptr

	mu   sync.Mutex
	segs map[uintptr]uintptr
}

// New returns the process-wide OS adapter for this platform.
func New() Adapter {
	var si windows.SystemInfo
	windows.GetSystemInfo(&si)
	return &windowsAdapter{
		pageSize: uintptr(si.PageSize),
		segs:     make(map[uintptr]uintptr),
	}
}

func (a *windowsAdapter) PageSize() uintptr { return a.pageSize }

func toWinProtect(p Prot) uint32 {
	switch {
	case p&ProtExec != 0 && p&ProtWrite != 0:
		return windows.PAGE_EXECUTE_READWRITE
	case p&ProtExec != 0 && p&ProtRead != 0:
		return windows.PAGE_EXECUTE_READ
	case p&ProtExec != 0:
		return windows.PAGE_EXECUTE
	case p&ProtWrite != 0:
		return windows.PAGE_READWRITE
	case p&ProtRead != 0:
		return windows.PAGE_READONLY
	default:
		return windows.PAGE_NOACCESS
	}
}

func (a *windowsAdapter) Reserve(preferred uintptr, size uintptr) (uintptr, error) {
	addr, err := windows.VirtualAlloc(preferred, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil && preferred != 0 {
		addr, err = windows.VirtualAlloc(0, size, windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	}
	if err != nil {
		return 0, fmt.Errorf("VirtualAlloc reserve: %w", err)
	}
	a.mu.Lock()
	a.segs[addr] = size
	a.mu.Unlock()
	return addr, nil
}

func (a *windowsAdapter) Commit(addr, size uintptr, prot Prot) error {
	_, err := windows.VirtualAlloc(addr, size, windows.MEM_COMMIT, toWinProtect(prot))
	if err != nil {
		return fmt.Errorf("VirtualAlloc commit: %w", err)
	}
	return nil
}

func (a *windowsAdapter) Decommit(addr, size uintptr) error {
	if err := windows.VirtualFree(addr, size, windows.MEM_DECOMMIT); err != nil {
		return fmt.Errorf("VirtualFree decommit: %w", err)
	}
	return nil
}

func (a *windowsAdapter) Release(addr, size uintptr) error {
	if err := windows.VirtualFree(addr, 0, windows.MEM_RELEASE); err != nil {
		return fmt.Errorf("VirtualFree release: %w", err)
	}
	a.mu.Lock()
	delete(a.segs, addr)
	a.mu.Unlock()
	return nil
}

func (a *windowsAdapter) Protect(addr, size uintptr, prot Prot) error {
	var old uint32
	if err := windows.VirtualProtect(addr, size, toWinProtect(prot), &old); err != nil {
		return fmt.Errorf("VirtualProtect: %w", err)
	}
	return nil
}

// SupportsDualMapping is false on Windows: this adapter does not wire a
// named shared-memory-section dual mapping. This implementation
// declares it unsupported rather than inventing a fallback.
func (a *windowsAdapter) SupportsDualMapping() bool { return false }

func (a *windowsAdapter) CreateMemFile(name string, size uintptr) (FileMapping, error) {
	return FileMapping{}, ErrUnsupported
}

func (a *windowsAdapter) MapFile(fm FileMapping, preferred uintptr, prot Prot) (uintptr, error) {
	return 0, ErrUnsupported
}

func (a *windowsAdapter) UnmapFile(addr, size uintptr) error {
	return ErrUnsupported
}

func (a *windowsAdapter) CloseMemFile(fm FileMapping) error {
	return ErrUnsupported
}
