package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

// Buffer is one slot lent to the application.
type Buffer struct {
	Index int
	// Data is the payload: the received bytes for rx, the writable block
	// for tx.
	Data []byte
	OOB  ring.OOB
}

// Stream is one directional data channel between application and device.
// A stream is driven by a single consumer goroutine.
type Stream struct {
	params    Params
	limits    Limits
	overhead  int
	transport Transport
	engine    Engine
	pool      *ring.Pool
	binding   *Binding

	// signal counts Ready slots (rx) or returned credits (tx).
	signal *event.Signal
	poll   *event.PollFD

	fault        atomic.Pointer[error]
	pendingDrops atomic.Uint32

	completed atomic.Uint64
	dropped   atomic.Uint64
	discarded atomic.Uint64
	faults    atomic.Uint64
	latency   *latency

	mu       sync.Mutex
	tornDown bool
}

// Initialize validates p against t's limits, allocates the ring pool with
// the engine's allocator and starts the engine. Receive streams are
// filling when Initialize returns.
func Initialize(t Transport, p Params) (*Stream, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: nil transport", pkg.ErrInvalidParameter)
	}
	limits := t.Limits(p.Direction)
	if p.BlockSize == 0 {
		p.BlockSize = limits.MaxBlockSize
	}
	if p.BitsPerSymbol == 0 {
		p.BitsPerSymbol = 32
	}
	if err := p.Validate(limits); err != nil {
		return nil, err
	}

	engine, err := t.NewEngine(p)
	if err != nil {
		return nil, fmt.Errorf("%s %s engine: %w", t.Name(), p.Direction, err)
	}

	s := &Stream{
		params:    p,
		limits:    limits,
		overhead:  p.Overhead(limits),
		transport: t,
		engine:    engine,
		signal:    event.NewSignal(p.Channel, 0),
	}
	if p.Flags&FlagNoLatency == 0 {
		s.latency = newLatency()
	}
	s.binding = &Binding{s: s}

	s.pool, err = ring.New(p.Slots, p.BlockSize+s.overhead, engine.Allocator())
	if err != nil {
		_ = engine.Stop(context.Background())
		return nil, err
	}

	if p.Flags&FlagPollFD != 0 {
		s.poll, err = event.NewPollFD()
		if err != nil {
			_ = engine.Stop(context.Background())
			_ = s.pool.Close()
			return nil, err
		}
		if p.Direction == RX {
			s.signal.Attach(s.poll)
		} else {
			// The tx handle counts credits, every slot starts as one.
			if err := s.poll.Signal(uint32(p.Slots)); err != nil {
				_ = engine.Stop(context.Background())
				_ = s.poll.Close()
				_ = s.pool.Close()
				return nil, err
			}
		}
	}

	if err := engine.Start(s.binding); err != nil {
		if stopErr := engine.Stop(context.Background()); stopErr != nil {
			pkg.LogError(pkg.ComponentStream, "stop after failed start", "error", stopErr)
		} else {
			_ = s.pool.Close()
		}
		if s.poll != nil {
			_ = s.poll.Close()
		}
		if errors.Is(err, pkg.ErrInvalidParameter) || errors.Is(err, pkg.ErrNoMemory) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s start: %w", pkg.ErrIO, t.Name(), err)
	}

	pkg.LogInfo(pkg.ComponentStream, "stream started",
		"transport", t.Name(), "dir", p.Direction, "slots", p.Slots,
		"block", p.BlockSize, "slotSize", s.pool.SlotSize())
	return s, nil
}

// Params returns the negotiated parameters.
func (s *Stream) Params() Params { return s.params }

// Direction returns the stream direction.
func (s *Stream) Direction() Direction { return s.params.Direction }

// BlockSize returns the negotiated payload size of one slot.
func (s *Stream) BlockSize() int { return s.params.BlockSize }

// Counts returns available credits, Posted slots and slots held by the
// consumer side. Their sum equals the slot count.
func (s *Stream) Counts() (available, posted, held int) {
	return s.pool.Counts()
}

// PollFD returns the pollable handle, or -1 without FlagPollFD.
func (s *Stream) PollFD() int {
	if s.poll == nil {
		return -1
	}
	return s.poll.FD()
}

func (s *Stream) faultErr() error {
	if p := s.fault.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Stream) check(dir Direction) error {
	if s.params.Direction != dir {
		return fmt.Errorf("%w: %s stream", pkg.ErrInvalidState, s.params.Direction)
	}
	if err := s.faultErr(); err != nil {
		return err
	}
	return nil
}

func (s *Stream) waitErr(err error) error {
	if errors.Is(err, pkg.ErrClosed) {
		if ferr := s.faultErr(); ferr != nil {
			return ferr
		}
	}
	return err
}

// RecvWait returns the oldest Ready receive buffer and its OOB record. A
// negative timeout waits forever and zero never blocks. On timeout the
// stream is unchanged. The buffer stays owned by the caller until
// RecvRelease.
func (s *Stream) RecvWait(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if err := s.check(RX); err != nil {
		return Buffer{}, err
	}
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	for {
		wait := timeout
		if timeout > 0 {
			// Skipped discards spend the caller's budget.
			if wait = time.Until(deadline); wait <= 0 {
				wait = 0
			}
		}
		if err := s.signal.Wait(ctx, wait); err != nil {
			if timeout > 0 && errors.Is(err, pkg.ErrWouldBlock) {
				err = pkg.ErrTimeout
			}
			return Buffer{}, s.waitErr(err)
		}
		idx := s.pool.ConsumeIndex()
		if err := s.pool.Transition(idx, ring.Ready, ring.Consumed); err != nil {
			pkg.LogError(pkg.ComponentStream, "ready signal without ready slot", "slot", idx, "error", err)
			return Buffer{}, err
		}
		n, oob, discarded := s.pool.Info(idx)
		if discarded {
			if err := s.release(idx); err != nil {
				return Buffer{}, err
			}
			continue
		}
		s.latency.record(time.Since(start))
		return Buffer{
			Index: idx,
			Data:  s.pool.Slot(idx)[:n],
			OOB:   oob,
		}, nil
	}
}

// RecvRelease returns a buffer obtained from RecvWait. It must be called
// exactly once per buffer.
func (s *Stream) RecvRelease(buf Buffer) error {
	if s.params.Direction != RX {
		return fmt.Errorf("%w: %s stream", pkg.ErrInvalidState, s.params.Direction)
	}
	return s.release(buf.Index)
}

func (s *Stream) release(idx int) error {
	if err := s.pool.Transition(idx, ring.Consumed, ring.Free); err != nil {
		return err
	}
	s.pool.ReleaseCredit()
	if err := s.engine.Release(idx); err != nil {
		return fmt.Errorf("%w: release slot %d: %w", pkg.ErrTransport, idx, err)
	}
	return nil
}

// SendGet returns a writable transmit buffer, blocking until a credit is
// available. Timeout semantics match RecvWait.
func (s *Stream) SendGet(ctx context.Context, timeout time.Duration) (Buffer, error) {
	if err := s.check(TX); err != nil {
		return Buffer{}, err
	}
	start := time.Now()
	var deadline time.Time
	if timeout > 0 {
		deadline = start.Add(timeout)
	}
	for !s.pool.AcquireCredit() {
		wait := timeout
		if timeout > 0 {
			if wait = time.Until(deadline); wait <= 0 {
				return Buffer{}, pkg.ErrTimeout
			}
		}
		if err := s.signal.Wait(ctx, wait); err != nil {
			return Buffer{}, s.waitErr(err)
		}
		if err := s.faultErr(); err != nil {
			return Buffer{}, err
		}
	}
	if s.poll != nil {
		s.poll.Consume(1)
	}

	idx := s.pool.ProduceIndex()
	if err := s.pool.Transition(idx, ring.Free, ring.Consumed); err != nil {
		s.pool.ReleaseCredit()
		pkg.LogError(pkg.ComponentStream, "credit without free slot", "slot", idx, "error", err)
		return Buffer{}, err
	}
	s.latency.record(time.Since(start))
	mem := s.pool.Slot(idx)
	return Buffer{
		Index: idx,
		Data:  mem[TxHeaderSize : TxHeaderSize+s.params.BlockSize],
	}, nil
}

// SendCommit posts length bytes of buf for transmission at oob.Timestamp.
// It does not block.
func (s *Stream) SendCommit(buf Buffer, length int, oob ring.OOB) error {
	if err := s.check(TX); err != nil {
		return err
	}
	if length <= 0 || length > s.params.BlockSize {
		return fmt.Errorf("%w: length %d, block size %d", pkg.ErrInvalidParameter, length, s.params.BlockSize)
	}
	if s.pool.State(buf.Index) != ring.Consumed {
		return fmt.Errorf("%w: slot %d not held by caller", pkg.ErrInvalidState, buf.Index)
	}
	samples := TxSamples(length, s.params.BitsPerSymbol)
	if samples > MaxTxSamples {
		samples = MaxTxSamples
	}
	if samples < 1 {
		samples = 1
	}
	if err := EncodeTxHeader(s.pool.Slot(buf.Index), oob.Timestamp, samples); err != nil {
		return err
	}
	if err := s.pool.Transition(buf.Index, ring.Consumed, ring.Posted); err != nil {
		return err
	}
	if err := s.engine.Commit(buf.Index, TxHeaderSize+length); err != nil {
		if terr := s.pool.Transition(buf.Index, ring.Posted, ring.Consumed); terr != nil {
			pkg.LogError(pkg.ComponentStream, "commit rollback", "slot", buf.Index, "error", terr)
		}
		return fmt.Errorf("%w: commit slot %d: %w", pkg.ErrTransport, buf.Index, err)
	}
	return nil
}

// Deinitialize stops the engine, waits for every in-flight transfer and
// frees the pool. If ctx ends before the engine drained, the pool is kept
// and the error returned; calling again resumes the drain. Calls after a
// successful one return nil.
func (s *Stream) Deinitialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tornDown {
		return nil
	}

	if err := s.engine.Stop(ctx); err != nil {
		pkg.LogError(pkg.ComponentStream, "drain incomplete, keeping buffers",
			"transport", s.transport.Name(), "error", err)
		return err
	}
	s.tornDown = true
	s.signal.Close()

	var errs []error
	if s.poll != nil {
		errs = append(errs, s.poll.Close())
	}
	errs = append(errs, s.pool.Close())

	pkg.LogInfo(pkg.ComponentStream, "stream stopped",
		"transport", s.transport.Name(), "dir", s.params.Direction,
		"completed", s.completed.Load(), "dropped", s.dropped.Load())
	return errors.Join(errs...)
}
