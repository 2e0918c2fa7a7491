//go:build linux

package ring

import (
	"golang.org/x/sys/unix"

	"github.com/ardnew/softsdr/pkg"
)

// MmapAllocator maps anonymous, page-aligned memory that stays at a fixed
// address for the lifetime of the pool.
type MmapAllocator struct {
	// Lock pins the pages with mlock so they are never swapped out.
	Lock bool
}

// Alloc maps size bytes of anonymous memory.
func (a MmapAllocator) Alloc(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, RoundPage(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	if a.Lock {
		if err := unix.Mlock(mem); err != nil {
			_ = unix.Munmap(mem)
			return nil, err
		}
	}
	return mem[:size], nil
}

// Free unmaps memory returned by Alloc. The whole page-rounded mapping is
// unlocked and unmapped.
func (a MmapAllocator) Free(mem []byte) error {
	mem = mem[:cap(mem)]
	if a.Lock {
		if err := unix.Munlock(mem); err != nil {
			pkg.LogWarn(pkg.ComponentRing, "munlock", "bytes", len(mem), "error", err)
		}
	}
	return unix.Munmap(mem)
}
