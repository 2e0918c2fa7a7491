package pcie

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// Payload word 2 layout when the receive trailer is disabled.
const (
	burstsMask   = 0xffff
	skippedShift = 16
)

// engine binds one stream to a device DMA engine. Receive and transmit
// share the type; dir selects the completion path.
type engine struct {
	t      *Transport
	params stream.Params
	id     int
	sig    *event.Signal

	mu         sync.Mutex
	b          *stream.Binding
	running    bool
	configured bool
	post       uint64 // rx: ring position of the next slot to hand to hardware
	inflight   []int  // tx: committed slots in hardware order

	cancel context.CancelFunc
	group  *errgroup.Group
}

func newEngine(t *Transport, p stream.Params, id int, sig *event.Signal) *engine {
	return &engine{t: t, params: p, id: id, sig: sig}
}

func (e *engine) dir() stream.Direction { return e.params.Direction }

// Allocator registers the pool region with the device DMA engine.
func (e *engine) Allocator() ring.Allocator { return dmaAllocator{e} }

// Start hands every receive slot to hardware. Stale events left by an
// earlier stream on the same id are discarded first.
func (e *engine) Start(b *stream.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return pkg.ErrAlreadyRunning
	}
	e.b = b
	e.flushStale()

	if e.dir() == stream.RX {
		pool := b.Pool()
		for i := 0; i < pool.Capacity(); i++ {
			if err := e.postNext(); err != nil {
				return fmt.Errorf("post rx slot %d: %w", i, err)
			}
		}
	}
	e.running = true

	if wd, ok := e.t.dev.(WaitDevice); ok {
		ctx, cancel := context.WithCancel(context.Background())
		e.cancel = cancel
		e.group, ctx = errgroup.WithContext(ctx)
		e.group.Go(func() error { return e.waitLoop(ctx, wd) })
	}
	pkg.LogDebug(pkg.ComponentPCIe, "engine started",
		"dir", e.dir(), "stream", e.params.Channel, "event", e.id, "slots", b.Pool().Capacity())
	return nil
}

func (e *engine) flushStale() {
	if n, err := e.sig.WaitAll(context.Background(), 0); err == nil && n > 0 {
		pkg.LogDebug(pkg.ComponentPCIe, "stale events dropped", "event", e.id, "count", n)
	}
	for {
		if _, ok := e.sig.PopPayload(); !ok {
			return
		}
	}
}

// postNext hands the slot at the post cursor to hardware if it is free.
// Caller holds e.mu.
func (e *engine) postNext() error {
	pool := e.b.Pool()
	idx := int(e.post & uint64(pool.Capacity()-1))
	if pool.State(idx) != ring.Free || !pool.AcquireCredit() {
		return pkg.ErrWouldBlock
	}
	if err := pool.Transition(idx, ring.Free, ring.Posted); err != nil {
		pool.ReleaseCredit()
		return err
	}
	if err := e.t.dev.Post(stream.RX, e.params.Channel, e.b.SlotLen()); err != nil {
		_ = pool.Transition(idx, ring.Posted, ring.Free)
		pool.ReleaseCredit()
		return err
	}
	e.post++
	return nil
}

// Release reposts every freed slot from the post cursor on, so hardware
// always receives slots in ring order even when the consumer releases out
// of order.
func (e *engine) Release(idx int) error {
	if e.dir() != stream.RX {
		return fmt.Errorf("%w: release on %s stream", pkg.ErrInvalidState, e.dir())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}
	for {
		err := e.postNext()
		if errors.Is(err, pkg.ErrWouldBlock) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Commit hands a filled transmit slot to hardware.
func (e *engine) Commit(idx, n int) error {
	if e.dir() != stream.TX {
		return fmt.Errorf("%w: commit on %s stream", pkg.ErrInvalidState, e.dir())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return pkg.ErrNotRunning
	}
	e.inflight = append(e.inflight, idx)
	if err := e.t.dev.Post(stream.TX, e.params.Channel, n); err != nil {
		e.inflight = e.inflight[:len(e.inflight)-1]
		return err
	}
	return nil
}

// service consumes the engine's pending events. It runs on the bucket pump
// or on the engine's own wait goroutine.
func (e *engine) service() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}
	n, err := e.sig.WaitAll(context.Background(), 0)
	if err != nil || n == 0 {
		return
	}
	for i := uint32(0); i < n; i++ {
		p, ok := e.sig.PopPayload()
		if !ok {
			pkg.LogWarn(pkg.ComponentPCIe, "event without payload",
				"dir", e.dir(), "stream", e.params.Channel, "event", e.id)
		}
		var cerr error
		if e.dir() == stream.RX {
			cerr = e.completeRx(p)
		} else {
			cerr = e.completeTx()
		}
		if cerr != nil {
			if errors.Is(cerr, pkg.ErrProtocol) {
				pkg.LogWarn(pkg.ComponentPCIe, "completion dropped", "event", e.id, "error", cerr)
				continue
			}
			e.b.Fault(cerr)
			e.running = false
			return
		}
	}
}

func (e *engine) completeRx(p event.Payload) error {
	pool := e.b.Pool()
	idx := pool.ProduceIndex()
	if s := pool.State(idx); s != ring.Posted {
		return fmt.Errorf("%w: completion on slot %d in state %s", pkg.ErrInvalidState, idx, s)
	}

	n := e.params.BlockSize
	oob := ring.OOB{Timestamp: int64(uint64(p[1])<<32 | uint64(p[0]))}
	if e.t.cfg.Trailer {
		slot := pool.Slot(idx)
		if slot == nil {
			return pkg.ErrClosed
		}
		tr, err := stream.DecodeRxTrailer(slot[:n+stream.RxTrailerSize])
		if err != nil {
			return err
		}
		oob.Bursts, oob.Skipped = tr.Bursts, tr.Skipped
	} else {
		oob.Bursts = p[2] & burstsMask
		oob.Skipped = p[2] >> skippedShift
	}
	return e.b.Complete(idx, n, oob)
}

func (e *engine) completeTx() error {
	if len(e.inflight) == 0 {
		return fmt.Errorf("%w: tx completion with nothing in flight", pkg.ErrProtocol)
	}
	idx := e.inflight[0]
	e.inflight = e.inflight[1:]
	return e.b.Done(idx)
}

func (e *engine) fault(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.b != nil && e.running {
		e.b.Fault(err)
		e.running = false
	}
}

// waitLoop feeds kernel-demultiplexed completions into the event channel.
func (e *engine) waitLoop(ctx context.Context, wd WaitDevice) error {
	for {
		payloads, err := wd.WaitStream(ctx, e.dir(), e.params.Channel)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if pkg.IsRecoverable(err) {
				continue
			}
			e.fault(fmt.Errorf("wait %s stream %d: %w", e.dir(), e.params.Channel, err))
			return err
		}
		depth := e.sig.PayloadCap()
		for i, p := range payloads {
			if err := e.sig.Raise(p); err != nil {
				e.fault(fmt.Errorf("%w: %s stream %d: %w", pkg.ErrProtocol, e.dir(), e.params.Channel, err))
				return err
			}
			if (i+1)%depth == 0 {
				e.service()
			}
		}
		e.service()
	}
}

// Stop halts the DMA engine. Once it returns neither hardware nor the pump
// touches slot memory.
func (e *engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.running = false
	cancel, group := e.cancel, e.group
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		done := make(chan error, 1)
		go func() { done <- group.Wait() }()
		select {
		case err := <-done:
			if err != nil {
				pkg.LogDebug(pkg.ComponentPCIe, "wait loop ended", "event", e.id, "error", err)
			}
		case <-ctx.Done():
			return fmt.Errorf("pcie drain: %w", ctx.Err())
		}
	}

	if err := e.unconfigure(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.b != nil {
		pool := e.b.Pool()
		for i := 0; i < pool.Capacity(); i++ {
			if pool.Transition(i, ring.Posted, ring.Free) == nil {
				pool.ReleaseCredit()
			}
		}
		e.inflight = nil
	}
	e.mu.Unlock()

	e.t.remove(e)
	pkg.LogDebug(pkg.ComponentPCIe, "engine stopped", "dir", e.dir(), "stream", e.params.Channel)
	return nil
}

func (e *engine) unconfigure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.configured {
		return nil
	}
	if err := e.t.dev.UnconfigureDMA(e.dir(), e.params.Channel); err != nil {
		return fmt.Errorf("%w: unconfigure %s dma %d: %w", pkg.ErrIO, e.dir(), e.params.Channel, err)
	}
	e.configured = false
	return nil
}

// dmaAllocator obtains pool memory from the device. The region holds the
// stream's slots back to back.
type dmaAllocator struct{ e *engine }

func (a dmaAllocator) Alloc(size int) ([]byte, error) {
	e := a.e
	slots := e.params.Slots
	if slots <= 0 || size%slots != 0 {
		return nil, fmt.Errorf("%w: %d bytes over %d slots", pkg.ErrInvalidParameter, size, slots)
	}
	mem, err := e.t.dev.ConfigureDMA(e.dir(), e.params.Channel, slots, size/slots)
	if err != nil {
		return nil, fmt.Errorf("%w: configure %s dma %d: %w", pkg.ErrIO, e.dir(), e.params.Channel, err)
	}
	e.mu.Lock()
	e.configured = true
	e.mu.Unlock()
	return mem, nil
}

func (a dmaAllocator) Free(mem []byte) error {
	if err := a.e.unconfigure(); err != nil {
		return err
	}
	return a.e.t.dev.UnmapDMA(mem)
}
