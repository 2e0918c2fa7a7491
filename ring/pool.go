package ring

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softsdr/pkg"
)

// PageSize is the granularity slot sizes are rounded up to.
const PageSize = 4096

// State is the ownership state of one slot.
type State uint32

// Slot states.
const (
	Free     State = iota // owned by the pool, may be handed out
	Posted                // owned by the transport
	Ready                 // filled, waiting for the consumer
	Consumed              // owned by the application
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Posted:
		return "posted"
	case Ready:
		return "ready"
	case Consumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// OOB is the out-of-band record attached to a slot when it becomes Ready.
type OOB struct {
	Timestamp int64  // capture or transmit time in device ticks, negative means "now"
	Bursts    uint32 // bursts (or samples) contained in the buffer
	Skipped   uint32 // buffers lost before this one
}

type slot struct {
	state     atomic.Uint32
	length    int
	oob       OOB
	discarded bool
}

// Pool is a fixed-capacity ring of equally sized buffer slots.
type Pool struct {
	capacity int
	mask     uint64
	slotSize int

	alloc Allocator
	mu    sync.RWMutex // guards mem against Close
	mem   []byte
	drop  []byte

	slots []slot // capacity+1, last one is the drop slot

	prod  atomic.Uint64
	cons  atomic.Uint64
	avail atomic.Int64
}

// RoundPage rounds n up to a multiple of PageSize.
func RoundPage(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// IsPowerOfTwo reports whether n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// New allocates a pool of capacity slots of at least slotSize bytes each.
// Capacity must be a power of two; it is never rounded.
func New(capacity, slotSize int, alloc Allocator) (*Pool, error) {
	if !IsPowerOfTwo(capacity) {
		return nil, fmt.Errorf("%w: slot count %d is not a power of two", pkg.ErrInvalidParameter, capacity)
	}
	if slotSize <= 0 {
		return nil, fmt.Errorf("%w: slot size %d", pkg.ErrInvalidParameter, slotSize)
	}
	if alloc == nil {
		alloc = HeapAllocator{}
	}

	size := RoundPage(slotSize)
	mem, err := alloc.Alloc(size * capacity)
	if err != nil {
		if errors.Is(err, pkg.ErrIO) || errors.Is(err, pkg.ErrNoMemory) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d x %d bytes: %v", pkg.ErrNoMemory, capacity, size, err)
	}
	if len(mem) < size*capacity {
		_ = alloc.Free(mem)
		return nil, fmt.Errorf("%w: allocator returned %d bytes, want %d", pkg.ErrNoMemory, len(mem), size*capacity)
	}

	p := &Pool{
		capacity: capacity,
		mask:     uint64(capacity - 1),
		slotSize: size,
		alloc:    alloc,
		mem:      mem,
		drop:     make([]byte, size),
		slots:    make([]slot, capacity+1),
	}
	p.avail.Store(int64(capacity))

	pkg.LogDebug(pkg.ComponentRing, "pool allocated",
		"slots", capacity, "slotSize", size, "log2", bits.TrailingZeros(uint(capacity)))
	return p, nil
}

// Capacity returns the number of usable slots.
func (p *Pool) Capacity() int { return p.capacity }

// SlotSize returns the page-rounded size of one slot.
func (p *Pool) SlotSize() int { return p.slotSize }

// DummyIndex returns the index of the drop slot.
func (p *Pool) DummyIndex() int { return p.capacity }

// ProduceIndex advances the producer cursor and returns the slot it pointed at.
func (p *Pool) ProduceIndex() int {
	return int((p.prod.Add(1) - 1) & p.mask)
}

// ConsumeIndex advances the consumer cursor and returns the slot it pointed at.
func (p *Pool) ConsumeIndex() int {
	return int((p.cons.Add(1) - 1) & p.mask)
}

// PeekConsume returns the slot the consumer cursor points at without
// advancing it.
func (p *Pool) PeekConsume() int {
	return int(p.cons.Load() & p.mask)
}

// AcquireCredit takes one credit if any is available.
func (p *Pool) AcquireCredit() bool {
	for {
		n := p.avail.Load()
		if n <= 0 {
			return false
		}
		if p.avail.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// ReleaseCredit returns one credit to the pool.
func (p *Pool) ReleaseCredit() {
	if n := p.avail.Add(1); n > int64(p.capacity) {
		pkg.LogError(pkg.ComponentRing, "credit overflow", "available", n, "capacity", p.capacity)
	}
}

// Available returns the current credit count.
func (p *Pool) Available() int {
	return int(p.avail.Load())
}

// State returns the state of slot idx.
func (p *Pool) State(idx int) State {
	return State(p.slots[idx].state.Load())
}

// Transition moves slot idx from one state to another. It fails with
// ErrInvalidState if the slot was not in state from.
func (p *Pool) Transition(idx int, from, to State) error {
	if idx < 0 || idx >= len(p.slots) {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, idx)
	}
	if !p.slots[idx].state.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("%w: slot %d is %s, want %s", pkg.ErrInvalidState,
			idx, p.State(idx), from)
	}
	return nil
}

// MarkReady records the transferred length and OOB of a Posted slot and
// hands it to the consumer.
func (p *Pool) MarkReady(idx, length int, oob OOB) error {
	if idx < 0 || idx >= p.capacity {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, idx)
	}
	if length < 0 || length > p.slotSize {
		return fmt.Errorf("%w: length %d exceeds slot size %d", pkg.ErrInvalidParameter, length, p.slotSize)
	}
	s := &p.slots[idx]
	s.length = length
	s.oob = oob
	s.discarded = false
	return p.Transition(idx, Posted, Ready)
}

// MarkDiscarded hands a Posted slot to the consumer flagged as carrying no
// data. The consumer skips it, keeping ring order intact.
func (p *Pool) MarkDiscarded(idx int) error {
	if idx < 0 || idx >= p.capacity {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, idx)
	}
	s := &p.slots[idx]
	s.length = 0
	s.oob = OOB{}
	s.discarded = true
	return p.Transition(idx, Posted, Ready)
}

// Info returns the length, OOB and discard flag recorded by the last
// MarkReady or MarkDiscarded of slot idx. Only the slot owner may call it.
func (p *Pool) Info(idx int) (length int, oob OOB, discarded bool) {
	s := &p.slots[idx]
	return s.length, s.oob, s.discarded
}

// Slot returns the memory of slot idx, or nil after Close.
func (p *Pool) Slot(idx int) []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.mem == nil || idx < 0 || idx > p.capacity {
		return nil
	}
	if idx == p.capacity {
		return p.drop
	}
	off := idx * p.slotSize
	return p.mem[off : off+p.slotSize : off+p.slotSize]
}

// Memory returns the allocator-provided region holding the usable slots.
// The drop slot lives outside it.
func (p *Pool) Memory() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mem
}

// Counts returns the credit counter, the number of Posted slots and the
// number of slots held by the consumer side (Ready or Consumed). The drop
// slot is not counted.
func (p *Pool) Counts() (available, posted, held int) {
	available = p.Available()
	for i := 0; i < p.capacity; i++ {
		switch p.State(i) {
		case Posted:
			posted++
		case Ready, Consumed:
			held++
		}
	}
	return available, posted, held
}

// Close releases the backing memory. The caller guarantees no transfer
// still references it.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem == nil {
		return nil
	}
	mem := p.mem
	p.mem = nil
	p.drop = nil
	if err := p.alloc.Free(mem); err != nil {
		return fmt.Errorf("ring: free backing memory: %w", err)
	}
	pkg.LogDebug(pkg.ComponentRing, "pool released", "slots", p.capacity)
	return nil
}
