//go:build !linux

package ring

import "github.com/ardnew/softsdr/pkg"

// MmapAllocator is only available on Linux.
type MmapAllocator struct {
	Lock bool
}

// Alloc always fails with ErrNotSupported.
func (MmapAllocator) Alloc(int) ([]byte, error) { return nil, pkg.ErrNotSupported }

// Free always fails with ErrNotSupported.
func (MmapAllocator) Free([]byte) error { return pkg.ErrNotSupported }
