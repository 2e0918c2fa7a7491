package stream

import (
	"fmt"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

// Binding is the engine's view of its stream.
type Binding struct {
	s *Stream
}

// Pool returns the stream's ring pool.
func (b *Binding) Pool() *ring.Pool { return b.s.pool }

// Params returns the negotiated stream parameters.
func (b *Binding) Params() Params { return b.s.params }

// SlotLen returns the number of slot bytes a transfer may fill: payload
// plus trailer for receive, header plus payload for transmit.
func (b *Binding) SlotLen() int {
	return b.s.params.BlockSize + b.s.overhead
}

// Complete marks receive slot idx Ready with n payload bytes. Drops
// recorded since the previous completion are added to oob.Skipped.
func (b *Binding) Complete(idx, n int, oob ring.OOB) error {
	if n > b.s.params.BlockSize {
		return fmt.Errorf("%w: %d bytes into %d byte block", pkg.ErrInvalidParameter, n, b.s.params.BlockSize)
	}
	oob.Skipped += b.s.pendingDrops.Swap(0)
	if err := b.s.pool.MarkReady(idx, n, oob); err != nil {
		return err
	}
	b.s.completed.Add(1)
	b.s.signal.Post(1)
	return nil
}

// Discard hands receive slot idx to the consumer as an empty buffer the
// consumer skips. Ring order is preserved and the credit comes back when
// the consumer passes it.
func (b *Binding) Discard(idx int) error {
	if err := b.s.pool.MarkDiscarded(idx); err != nil {
		return err
	}
	b.s.discarded.Add(1)
	b.s.signal.Post(1)
	return nil
}

// Done returns transmit slot idx to the pool after the bus consumed it.
func (b *Binding) Done(idx int) error {
	if err := b.s.pool.Transition(idx, ring.Posted, ring.Free); err != nil {
		return err
	}
	b.s.pool.ReleaseCredit()
	b.s.completed.Add(1)
	if b.s.poll != nil {
		if err := b.s.poll.Signal(1); err != nil {
			pkg.LogWarn(pkg.ComponentStream, "pollable handle signal failed", "error", err)
		}
	}
	b.s.signal.Post(1)
	return nil
}

// Drop records n receive buffers lost because no slot was free.
func (b *Binding) Drop(n uint32) {
	b.s.pendingDrops.Add(n)
	b.s.dropped.Add(uint64(n))
}

// Fault marks the stream failed. The first error wins; it is returned,
// wrapped in ErrTransport, by every later wait or get.
func (b *Binding) Fault(err error) {
	if err == nil {
		return
	}
	wrapped := fmt.Errorf("%w: %s: %w", pkg.ErrTransport, b.s.transport.Name(), err)
	if b.s.fault.CompareAndSwap(nil, &wrapped) {
		b.s.faults.Add(1)
		pkg.LogError(pkg.ComponentStream, "transport fault",
			"transport", b.s.transport.Name(), "dir", b.s.params.Direction, "error", err)
		b.s.signal.Close()
	}
}

// Err returns the recorded fault, if any.
func (b *Binding) Err() error { return b.s.faultErr() }
