package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

type opKind int

const (
	opFeed opKind = iota
	opCommit
	opFail
)

type op struct {
	kind    opKind
	idx     int
	n       int
	payload []byte
	oob     ring.OOB
	err     error
	done    chan error
}

// Engine runs one simulated stream on its own pump goroutine.
type Engine struct {
	t      *Transport
	params stream.Params
	b      *stream.Binding

	mu      sync.Mutex
	running bool
	queue   chan op
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func newEngine(t *Transport, p stream.Params) *Engine {
	return &Engine{
		t:      t,
		params: p,
		queue:  make(chan op, t.cfg.QueueDepth),
	}
}

// Allocator returns the transport's allocator.
func (e *Engine) Allocator() ring.Allocator { return e.t.cfg.Allocator }

// Start launches the pump goroutine.
func (e *Engine) Start(b *stream.Binding) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return pkg.ErrAlreadyRunning
	}
	e.b = b
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.group, ctx = errgroup.WithContext(ctx)
	e.running = true
	e.group.Go(func() error { return e.pump(ctx) })
	pkg.LogDebug(pkg.ComponentSim, "engine started", "dir", e.params.Direction, "channel", e.params.Channel)
	return nil
}

func (e *Engine) enqueue(o op) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return pkg.ErrNotRunning
	}
	select {
	case e.queue <- o:
		return nil
	default:
		return fmt.Errorf("%w: sim queue full", pkg.ErrBusy)
	}
}

// Feed produces one receive completion carrying payload and oob, and
// returns once the pump processed it. It never waits for the consumer: with
// no free slot the buffer is counted as dropped.
func (e *Engine) Feed(ctx context.Context, payload []byte, oob ring.OOB) error {
	if e.params.Direction != stream.RX {
		return fmt.Errorf("%w: feed on %s stream", pkg.ErrInvalidState, e.params.Direction)
	}
	done := make(chan error, 1)
	if err := e.enqueue(op{kind: opFeed, payload: payload, oob: oob, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fail faults the stream from the pump goroutine.
func (e *Engine) Fail(err error) error {
	return e.enqueue(op{kind: opFail, err: err})
}

// Commit queues a transmit slot.
func (e *Engine) Commit(idx, n int) error {
	return e.enqueue(op{kind: opCommit, idx: idx, n: n})
}

// Release is a no-op; freed receive slots are picked up by the next feed.
func (e *Engine) Release(int) error { return nil }

// Stop cancels queued operations and waits for the pump to exit.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	group, cancel := e.group, e.cancel
	e.running = false
	e.mu.Unlock()
	if group == nil {
		e.t.remove(e)
		return nil
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()
	select {
	case err := <-done:
		e.t.remove(e)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sim drain: %w", ctx.Err())
	}
}

func (e *Engine) pump(ctx context.Context) error {
	for {
		select {
		case o := <-e.queue:
			e.run(ctx, o)
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		}
	}
}

// drain completes whatever is still queued as cancelled.
func (e *Engine) drain() {
	for {
		select {
		case o := <-e.queue:
			switch o.kind {
			case opCommit:
				if err := e.b.Done(o.idx); err != nil {
					pkg.LogError(pkg.ComponentSim, "cancel commit", "slot", o.idx, "error", err)
				}
			}
			if o.done != nil {
				o.done <- pkg.ErrCancelled
			}
		default:
			return
		}
	}
}

func (e *Engine) delay(ctx context.Context) {
	if e.t.cfg.Delay <= 0 {
		return
	}
	t := time.NewTimer(e.t.cfg.Delay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (e *Engine) run(ctx context.Context, o op) {
	var err error
	switch o.kind {
	case opFeed:
		err = e.feed(ctx, o)
	case opCommit:
		err = e.commit(ctx, o)
	case opFail:
		e.b.Fault(o.err)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentSim, "operation failed", "dir", e.params.Direction, "error", err)
	}
	if o.done != nil {
		o.done <- err
	}
}

func (e *Engine) feed(ctx context.Context, o op) error {
	pool := e.b.Pool()
	if !pool.AcquireCredit() {
		e.b.Drop(1)
		return nil
	}
	idx := pool.ProduceIndex()
	if err := pool.Transition(idx, ring.Free, ring.Posted); err != nil {
		pool.ReleaseCredit()
		return err
	}
	e.delay(ctx)

	n := len(o.payload)
	if block := e.b.Params().BlockSize; n > block {
		n = block
	}
	copy(pool.Slot(idx), o.payload[:n])
	return e.b.Complete(idx, n, o.oob)
}

func (e *Engine) commit(ctx context.Context, o op) error {
	e.delay(ctx)
	mem := e.b.Pool().Slot(o.idx)
	ts, samples, err := stream.DecodeTxHeader(mem)
	if err != nil {
		_ = e.b.Done(o.idx)
		return err
	}
	payload := make([]byte, o.n-stream.TxHeaderSize)
	copy(payload, mem[stream.TxHeaderSize:o.n])
	if err := e.b.Done(o.idx); err != nil {
		return err
	}
	e.t.deliver(Frame{
		Channel:   e.params.Channel,
		Timestamp: ts,
		Samples:   samples,
		Payload:   payload,
	})
	return nil
}
