package ring

// Allocator provides the backing region of a pool. Transports that need
// DMA-able or mapped memory supply their own.
type Allocator interface {
	Alloc(size int) ([]byte, error)
	Free(mem []byte) error
}

// HeapAllocator allocates from the Go heap.
type HeapAllocator struct{}

// Alloc returns a zeroed heap slice of size bytes.
func (HeapAllocator) Alloc(size int) ([]byte, error) {
	return make([]byte, size), nil
}

// Free is a no-op; the garbage collector reclaims the slice.
func (HeapAllocator) Free([]byte) error { return nil }
