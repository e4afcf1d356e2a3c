//go:build linux

package hostmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SupportsDualMapping is true on Linux, where memfd_create gives us an
// anonymous file suitable for the W^X dual mapping.
func (a *unixAdapter) SupportsDualMapping() bool { return true }

func (a *unixAdapter) CreateMemFile(name string, size uintptr) (FileMapping, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return FileMapping{}, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return FileMapping{}, fmt.Errorf("ftruncate memfd: %w", err)
	}
	return FileMapping{FD: uintptr(fd), Size: size}, nil
}

func (a *unixAdapter) CloseMemFile(fm FileMapping) error {
	return unix.Close(int(fm.FD))
}
