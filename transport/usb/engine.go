package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// inflight tracks submitted transfers so Stop can cancel them and wait for
// every completion.
type inflight struct {
	mu       sync.Mutex
	stopping bool
	active   map[*Transfer]struct{}
	wg       sync.WaitGroup
}

func (f *inflight) init() {
	f.active = make(map[*Transfer]struct{})
}

// submit registers t and submits it unless the engine is stopping.
func (f *inflight) submit(hal BulkHAL, t *Transfer, fresh bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopping {
		return pkg.ErrCancelled
	}
	if fresh {
		f.wg.Add(1)
	}
	f.active[t] = struct{}{}
	if err := hal.Submit(t); err != nil {
		delete(f.active, t)
		if fresh {
			f.wg.Done()
		}
		return err
	}
	return nil
}

// finish marks t as no longer in flight.
func (f *inflight) finish(t *Transfer) {
	f.mu.Lock()
	delete(f.active, t)
	f.mu.Unlock()
	f.wg.Done()
}

func (f *inflight) complete(t *Transfer) {
	f.mu.Lock()
	delete(f.active, t)
	f.mu.Unlock()
}

func (f *inflight) isStopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

func (f *inflight) stop(ctx context.Context, hal BulkHAL) error {
	f.mu.Lock()
	if !f.stopping {
		f.stopping = true
		for t := range f.active {
			if err := hal.Cancel(t); err != nil {
				pkg.LogDebug(pkg.ComponentUSB, "cancel transfer", "slot", t.Slot, "error", err)
			}
		}
	}
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("usb drain: %w", ctx.Err())
	}
}

// rxEngine keeps a fixed number of receive transfers standing.
type rxEngine struct {
	t      *Transport
	params stream.Params
	b      *stream.Binding
	trail  int
	flight inflight
}

func newRxEngine(t *Transport, p stream.Params) *rxEngine {
	e := &rxEngine{t: t, params: p, trail: t.trailer()}
	e.flight.init()
	return e
}

func (e *rxEngine) Allocator() ring.Allocator { return e.t.cfg.Allocator }

// Start posts min(RxRequests, slots-1) transfers, each on a fresh credit.
func (e *rxEngine) Start(b *stream.Binding) error {
	e.b = b
	pool := b.Pool()
	n := e.t.cfg.RxRequests
	if n > pool.Capacity()-1 {
		n = pool.Capacity() - 1
	}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		t := &Transfer{Endpoint: e.t.cfg.RxEndpoint, complete: e.onComplete}
		e.target(t)
		if err := e.flight.submit(e.t.hal, t, true); err != nil {
			e.untarget(t)
			return fmt.Errorf("submit rx transfer %d: %w", i, err)
		}
	}
	pkg.LogDebug(pkg.ComponentUSB, "rx started", "transfers", n, "slots", pool.Capacity())
	return nil
}

// target points t at the next credited slot, or at the drop slot.
func (e *rxEngine) target(t *Transfer) {
	pool := e.b.Pool()
	idx := pool.DummyIndex()
	if pool.AcquireCredit() {
		idx = pool.ProduceIndex()
		if err := pool.Transition(idx, ring.Free, ring.Posted); err != nil {
			pkg.LogError(pkg.ComponentUSB, "credited slot not free", "slot", idx, "error", err)
			pool.ReleaseCredit()
			idx = pool.DummyIndex()
		}
	}
	t.Slot = idx
	t.Buffer = pool.Slot(idx)[:e.b.SlotLen()]
	t.Length = 0
	t.Status = pkg.TransferStatusSuccess
}

// untarget gives back the slot of a transfer that will not complete.
func (e *rxEngine) untarget(t *Transfer) {
	pool := e.b.Pool()
	if t.Slot == pool.DummyIndex() {
		return
	}
	if err := pool.Transition(t.Slot, ring.Posted, ring.Free); err == nil {
		pool.ReleaseCredit()
	}
}

func (e *rxEngine) onComplete(t *Transfer) {
	e.flight.complete(t)
	pool := e.b.Pool()

	switch {
	case t.Status == pkg.TransferStatusCancelled:
		e.untarget(t)
		e.flight.finish(t)
		return

	case t.Status.Fatal():
		e.untarget(t)
		e.b.Fault(t.Status.Error())
		e.flight.finish(t)
		return

	case t.Slot == pool.DummyIndex():
		if t.Status == pkg.TransferStatusSuccess {
			e.b.Drop(1)
		}

	case t.Status != pkg.TransferStatusSuccess || t.Length < e.t.cfg.MinTransfer || t.Length < e.trail:
		pkg.LogWarn(pkg.ComponentUSB, "bogus rx transfer discarded",
			"slot", t.Slot, "status", t.Status, "length", t.Length)
		if err := e.b.Discard(t.Slot); err != nil {
			pkg.LogError(pkg.ComponentUSB, "discard", "slot", t.Slot, "error", err)
		}

	default:
		e.deliver(t)
	}

	if e.flight.isStopping() {
		e.flight.finish(t)
		return
	}
	e.target(t)
	if err := e.flight.submit(e.t.hal, t, false); err != nil {
		e.untarget(t)
		if !errors.Is(err, pkg.ErrCancelled) {
			e.b.Fault(fmt.Errorf("resubmit: %w", err))
		}
		e.flight.finish(t)
	}
}

func (e *rxEngine) deliver(t *Transfer) {
	data := t.Buffer[:t.Length]
	var (
		oob ring.OOB
		err error
	)
	if e.trail == stream.RxTrailerExSize {
		oob, err = stream.DecodeRxTrailerEx(data)
	} else {
		oob, err = stream.DecodeRxTrailer(data)
	}
	if err == nil {
		err = e.b.Complete(t.Slot, t.Length-e.trail, oob)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentUSB, "rx completion rejected", "slot", t.Slot, "error", err)
		if derr := e.b.Discard(t.Slot); derr != nil {
			pkg.LogError(pkg.ComponentUSB, "discard", "slot", t.Slot, "error", derr)
		}
	}
}

// Commit is not valid on a receive stream.
func (e *rxEngine) Commit(int, int) error { return pkg.ErrInvalidState }

// Release does nothing: the next completion picks the credit up.
func (e *rxEngine) Release(int) error { return nil }

func (e *rxEngine) Stop(ctx context.Context) error {
	return e.flight.stop(ctx, e.t.hal)
}

// txEngine owns one transfer per slot.
type txEngine struct {
	t         *Transport
	params    stream.Params
	b         *stream.Binding
	transfers []*Transfer
	flight    inflight
}

func newTxEngine(t *Transport, p stream.Params) *txEngine {
	e := &txEngine{t: t, params: p}
	e.flight.init()
	return e
}

func (e *txEngine) Allocator() ring.Allocator { return e.t.cfg.Allocator }

func (e *txEngine) Start(b *stream.Binding) error {
	e.b = b
	e.transfers = make([]*Transfer, b.Pool().Capacity())
	for i := range e.transfers {
		e.transfers[i] = &Transfer{
			Endpoint: e.t.cfg.TxEndpoint,
			Slot:     i,
			complete: e.onComplete,
		}
	}
	return nil
}

// Commit submits slot idx. It never blocks.
func (e *txEngine) Commit(idx, n int) error {
	if idx < 0 || idx >= len(e.transfers) {
		return fmt.Errorf("%w: slot %d", pkg.ErrInvalidParameter, idx)
	}
	t := e.transfers[idx]
	t.Buffer = e.b.Pool().Slot(idx)[:n]
	t.Length = n
	t.Status = pkg.TransferStatusSuccess
	return e.flight.submit(e.t.hal, t, true)
}

func (e *txEngine) onComplete(t *Transfer) {
	e.flight.complete(t)
	switch {
	case t.Status.Fatal():
		e.b.Fault(t.Status.Error())
	case t.Status != pkg.TransferStatusSuccess && t.Status != pkg.TransferStatusCancelled:
		pkg.LogWarn(pkg.ComponentUSB, "tx transfer failed", "slot", t.Slot, "status", t.Status)
	case t.Status == pkg.TransferStatusSuccess && t.Length != len(t.Buffer):
		pkg.LogWarn(pkg.ComponentUSB, "short tx transfer", "slot", t.Slot, "sent", t.Length, "want", len(t.Buffer))
	}
	if err := e.b.Done(t.Slot); err != nil {
		pkg.LogError(pkg.ComponentUSB, "tx done", "slot", t.Slot, "error", err)
	}
	e.flight.finish(t)
}

// Release is not valid on a transmit stream.
func (e *txEngine) Release(int) error { return pkg.ErrInvalidState }

func (e *txEngine) Stop(ctx context.Context) error {
	return e.flight.stop(ctx, e.t.hal)
}
