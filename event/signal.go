package event

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softsdr/pkg"
)

// Signal is a counting signal for one event id. Any goroutine may post;
// a single consumer waits.
type Signal struct {
	id    int
	limit uint32 // 0 means unlimited

	count   atomic.Uint32
	dropped atomic.Uint64
	notify  chan struct{}

	closeOnce sync.Once
	done      chan struct{}

	payload payloadRing

	pollMu sync.RWMutex
	poll   *PollFD
}

// NewSignal creates a signal for event id with a PayloadDepth payload
// ring. A non-zero limit caps the number of pending posts; posts beyond it
// are dropped.
func NewSignal(id int, limit uint32) *Signal {
	return NewSignalDepth(id, limit, PayloadDepth)
}

// NewSignalDepth is NewSignal with a payload ring of depth entries. depth
// is rounded up to a power of two.
func NewSignalDepth(id int, limit uint32, depth int) *Signal {
	if depth < 1 {
		depth = PayloadDepth
	}
	depth = 1 << bits.Len(uint(depth-1))
	s := &Signal{
		id:     id,
		limit:  limit,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.payload.init(depth)
	return s
}

// ID returns the event id.
func (s *Signal) ID() int { return s.id }

// Attach mirrors future posts into p. Pass nil to detach.
func (s *Signal) Attach(p *PollFD) {
	s.pollMu.Lock()
	s.poll = p
	s.pollMu.Unlock()
}

// Post adds n to the pending count and wakes the waiter. It returns the
// number of posts accepted, which is less than n only when a limit is set.
func (s *Signal) Post(n uint32) uint32 {
	if n == 0 || s.Closed() {
		return 0
	}
	accepted := n
	for {
		cur := s.count.Load()
		next := cur + n
		if s.limit > 0 && next > s.limit {
			if cur >= s.limit {
				accepted = 0
			} else {
				accepted = s.limit - cur
			}
			next = cur + accepted
		}
		if s.count.CompareAndSwap(cur, next) {
			break
		}
		accepted = n
	}
	if accepted < n {
		s.dropped.Add(uint64(n - accepted))
		pkg.LogDebug(pkg.ComponentEvent, "post over limit dropped",
			"event", s.id, "limit", s.limit, "dropped", n-accepted)
	}
	if accepted == 0 {
		return 0
	}

	s.pollMu.RLock()
	if s.poll != nil {
		if err := s.poll.Signal(accepted); err != nil {
			pkg.LogWarn(pkg.ComponentEvent, "pollable handle signal failed", "event", s.id, "error", err)
		}
	}
	s.pollMu.RUnlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return accepted
}

// Raise posts one occurrence carrying p. Every accepted post queues
// exactly one payload, so the consumer pops one payload per count. A post
// over the limit is dropped with its payload and is not an error; a full
// payload ring drops the post and returns ErrOverrun. Raise must be called
// from a single goroutine.
func (s *Signal) Raise(p Payload) error {
	if s.Closed() {
		return nil
	}
	if s.limit > 0 && s.count.Load() >= s.limit {
		s.dropped.Add(1)
		pkg.LogDebug(pkg.ComponentEvent, "post over limit dropped",
			"event", s.id, "limit", s.limit, "dropped", 1)
		return nil
	}
	if !s.payload.push(p) {
		s.dropped.Add(1)
		return fmt.Errorf("%w: event %d payload ring full at %d", pkg.ErrOverrun, s.id, len(s.payload.buf))
	}
	s.Post(1)
	return nil
}

// PushPayload queues side data without posting. It reports false if the
// payload ring is full. Callers that pair payloads with posts use Raise.
func (s *Signal) PushPayload(p Payload) bool {
	return s.payload.push(p)
}

// PopPayload dequeues the oldest queued payload.
func (s *Signal) PopPayload() (Payload, bool) {
	return s.payload.pop()
}

// PayloadCap returns the payload ring depth.
func (s *Signal) PayloadCap() int {
	return len(s.payload.buf)
}

// Payloads returns the number of queued payloads.
func (s *Signal) Payloads() int {
	return s.payload.len()
}

// Pending returns the number of posts not yet consumed.
func (s *Signal) Pending() uint32 {
	return s.count.Load()
}

// Dropped returns the number of posts rejected by the limit or by a full
// payload ring.
func (s *Signal) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Signal) take(max uint32) uint32 {
	for {
		cur := s.count.Load()
		if cur == 0 {
			return 0
		}
		n := cur
		if max > 0 && n > max {
			n = max
		}
		if s.count.CompareAndSwap(cur, cur-n) {
			s.pollMu.RLock()
			if s.poll != nil {
				s.poll.Consume(n)
			}
			s.pollMu.RUnlock()
			return n
		}
	}
}

// TryWait consumes one pending post without blocking.
func (s *Signal) TryWait() bool {
	return s.take(1) == 1
}

// Wait consumes one pending post. A negative timeout waits forever, zero
// returns ErrWouldBlock immediately when nothing is pending, and a
// positive timeout returns ErrTimeout when it expires. A failed wait
// consumes nothing.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) error {
	_, err := s.wait(ctx, timeout, 1)
	return err
}

// WaitAll consumes every pending post and returns how many there were,
// blocking like Wait when none are pending.
func (s *Signal) WaitAll(ctx context.Context, timeout time.Duration) (uint32, error) {
	return s.wait(ctx, timeout, 0)
}

func (s *Signal) wait(ctx context.Context, timeout time.Duration, max uint32) (uint32, error) {
	if n := s.take(max); n > 0 {
		return n, nil
	}
	if s.Closed() {
		return 0, pkg.ErrClosed
	}
	if timeout == 0 {
		return 0, pkg.ErrWouldBlock
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-s.notify:
			if n := s.take(max); n > 0 {
				return n, nil
			}
		case <-s.done:
			if n := s.take(max); n > 0 {
				return n, nil
			}
			return 0, pkg.ErrClosed
		case <-expired:
			return 0, pkg.ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Close wakes any waiter with ErrClosed and rejects further posts.
func (s *Signal) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Closed reports whether Close was called.
func (s *Signal) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
