//go:build unix && !linux

package hostmem

// Non-Linux Unix targets (Darwin, BSD) have no memfd_create equivalent
// wired here. This must not be papered over with a silent fallback:
// SupportsDualMapping reports false, and the memmgr Manager then fails
// construction with an ErrWxorXFailure error if SatisfyWxorX is set.
func (a *unixAdapter) SupportsDualMapping() bool { return false }

func (a *unixAdapter) CreateMemFile(name string, size uintptr) (FileMapping, error) {
	return FileMapping{}, ErrUnsupported
}

func (a *unixAdapter) CloseMemFile(fm FileMapping) error {
	return ErrUnsupported
}
