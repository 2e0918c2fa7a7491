package usb

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// fakeHAL queues submitted transfers in order. Tests complete them
// explicitly; cancelled transfers complete asynchronously after a delay.
type fakeHAL struct {
	mu          sync.Mutex
	queue       []*Transfer
	submits     int
	cancels     int
	cancelDelay time.Duration
	onComplete  func(*Transfer)
	completions sync.WaitGroup
}

func (h *fakeHAL) Submit(t *Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queue = append(h.queue, t)
	h.submits++
	return nil
}

func (h *fakeHAL) Cancel(t *Transfer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, q := range h.queue {
		if q == t {
			h.queue = append(h.queue[:i], h.queue[i+1:]...)
			h.cancels++
			h.completions.Add(1)
			go func() {
				defer h.completions.Done()
				time.Sleep(h.cancelDelay)
				t.Status = pkg.TransferStatusCancelled
				t.Length = 0
				if h.onComplete != nil {
					h.onComplete(t)
				}
				t.Complete()
			}()
			return nil
		}
	}
	return pkg.ErrInvalidParameter
}

func (h *fakeHAL) pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

func (h *fakeHAL) head() *Transfer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queue[0]
}

// completeNext finishes the oldest transfer with n bytes whose trailer
// carries oob.
func (h *fakeHAL) completeNext(t *testing.T, n int, status pkg.TransferStatus, fill byte, oob ring.OOB, trailer int) *Transfer {
	t.Helper()
	h.mu.Lock()
	require.NotEmpty(t, h.queue)
	tr := h.queue[0]
	h.queue = h.queue[1:]
	h.mu.Unlock()

	if n > 0 {
		for i := 0; i < n; i++ {
			tr.Buffer[i] = fill
		}
		if n >= trailer {
			require.NoError(t, stream.EncodeRxTrailer(tr.Buffer[:n], oob, trailer))
		}
	}
	tr.Length = n
	tr.Status = status
	tr.Complete()
	return tr
}

func openRX(t *testing.T, hal *fakeHAL, cfg Config, slots, block int) *stream.Stream {
	t.Helper()
	tr, err := New(hal, cfg)
	require.NoError(t, err)
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: block, Slots: slots})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Deinitialize(context.Background()) })
	return s
}

func invariant(t *testing.T, s *stream.Stream) {
	t.Helper()
	a, posted, held := s.Counts()
	require.Equal(t, s.Params().Slots, a+posted+held, "available=%d posted=%d held=%d", a, posted, held)
}

func TestStandingTransfers(t *testing.T) {
	tests := []struct {
		slots    int
		requests int
		want     int
	}{
		{2, 8, 1},
		{8, 8, 7},
		{32, 8, 8},
		{32, 4, 4},
	}
	for _, tt := range tests {
		hal := &fakeHAL{}
		s := openRX(t, hal, Config{RxRequests: tt.requests}, tt.slots, 4096)
		assert.Equal(t, tt.want, hal.pending(), "slots=%d", tt.slots)
		a, posted, _ := s.Counts()
		assert.Equal(t, tt.slots-tt.want, a)
		assert.Equal(t, tt.want, posted)
	}
}

func TestRxCompletionAndResubmit(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	s := openRX(t, hal, Config{}, 8, 4096)

	tr := hal.completeNext(t, 4096+stream.RxTrailerSize, pkg.TransferStatusSuccess, 0x5a,
		ring.OOB{Bursts: 3, Skipped: 1}, stream.RxTrailerSize)
	assert.Equal(t, 7, hal.pending(), "transfer not resubmitted")
	assert.Equal(t, 7, tr.Slot, "resubmitted on next produce index")
	invariant(t, s)

	buf, err := s.RecvWait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Index)
	assert.Len(t, buf.Data, 4096)
	assert.Equal(t, byte(0x5a), buf.Data[0])
	assert.Equal(t, ring.OOB{Bursts: 3, Skipped: 1}, buf.OOB)
	invariant(t, s)
	require.NoError(t, s.RecvRelease(buf))
	invariant(t, s)
}

func TestRxExtendedTrailer(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	s := openRX(t, hal, Config{ExtendedTrailer: true}, 4, 1024)

	oob := ring.OOB{Timestamp: 123456789, Bursts: 1}
	hal.completeNext(t, 512+stream.RxTrailerExSize, pkg.TransferStatusSuccess, 1, oob, stream.RxTrailerExSize)

	buf, err := s.RecvWait(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, buf.Data, 512)
	assert.Equal(t, oob, buf.OOB)
	require.NoError(t, s.RecvRelease(buf))
}

func TestRxBogusDiscarded(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	s := openRX(t, hal, Config{}, 8, 4096)

	hal.completeNext(t, 64, pkg.TransferStatusSuccess, 0xbb, ring.OOB{}, stream.RxTrailerSize)
	hal.completeNext(t, 0, pkg.TransferStatusOverrun, 0, ring.OOB{}, stream.RxTrailerSize)
	hal.completeNext(t, 1024, pkg.TransferStatusSuccess, 0xcc, ring.OOB{Bursts: 9}, stream.RxTrailerSize)
	assert.Equal(t, 7, hal.pending())
	invariant(t, s)

	buf, err := s.RecvWait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Index, "discarded slots not skipped")
	assert.Equal(t, byte(0xcc), buf.Data[0])
	assert.Equal(t, uint32(9), buf.OOB.Bursts)
	require.NoError(t, s.RecvRelease(buf))

	_, err = s.RecvWait(ctx, 0)
	require.ErrorIs(t, err, pkg.ErrWouldBlock)
	assert.Equal(t, uint64(2), s.Stats().Discarded)
	invariant(t, s)
	a, posted, _ := s.Counts()
	assert.Equal(t, 3, a)
	assert.Equal(t, 5, posted)
}

func TestRxDropsIntoDummySlot(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	const slots = 4
	s := openRX(t, hal, Config{}, slots, 1024)
	full := 1024 + stream.RxTrailerSize
	dummy := slots

	// Three standing transfers on slots 0..2, one spare credit.
	for i := 0; i < 4; i++ {
		hal.completeNext(t, full, pkg.TransferStatusSuccess, byte(i), ring.OOB{}, stream.RxTrailerSize)
		invariant(t, s)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, dummy, hal.head().Slot)
		hal.completeNext(t, full, pkg.TransferStatusSuccess, 0xee, ring.OOB{}, stream.RxTrailerSize)
	}
	assert.Equal(t, uint64(3), s.Stats().Dropped)

	for i := 0; i < 4; i++ {
		buf, err := s.RecvWait(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, byte(i), buf.Data[0], "ready slot overwritten by dropped data")
		assert.Equal(t, uint32(0), buf.OOB.Skipped)
		require.NoError(t, s.RecvRelease(buf))
	}

	// The remaining dummy transfers complete once more and move back to
	// real slots.
	for i := 0; i < 3; i++ {
		assert.Equal(t, dummy, hal.head().Slot)
		hal.completeNext(t, full, pkg.TransferStatusSuccess, 0xee, ring.OOB{}, stream.RxTrailerSize)
	}
	hal.completeNext(t, full, pkg.TransferStatusSuccess, 0x77, ring.OOB{Skipped: 2}, stream.RxTrailerSize)

	buf, err := s.RecvWait(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(0x77), buf.Data[0])
	assert.Equal(t, uint32(2+6), buf.OOB.Skipped)
	assert.Equal(t, uint64(6), s.Stats().Dropped)
	require.NoError(t, s.RecvRelease(buf))
	invariant(t, s)
}

func TestRxFatalFaults(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	s := openRX(t, hal, Config{}, 8, 4096)

	hal.completeNext(t, 0, pkg.TransferStatusNoDevice, 0, ring.OOB{}, stream.RxTrailerSize)
	assert.Equal(t, 6, hal.pending(), "fatal transfer resubmitted")

	_, err := s.RecvWait(ctx, 0)
	require.ErrorIs(t, err, pkg.ErrTransport)
	require.ErrorIs(t, err, pkg.ErrNoDevice)
	invariant(t, s)
	require.NoError(t, s.Deinitialize(ctx))
}

type trackingAllocator struct {
	freed atomic.Bool
}

func (a *trackingAllocator) Alloc(size int) ([]byte, error) { return make([]byte, size), nil }
func (a *trackingAllocator) Free([]byte) error {
	a.freed.Store(true)
	return nil
}

func TestRxTeardownWaitsForCompletions(t *testing.T) {
	alloc := &trackingAllocator{}
	var late, seen atomic.Int32
	hal := &fakeHAL{cancelDelay: 20 * time.Millisecond}
	hal.onComplete = func(*Transfer) {
		seen.Add(1)
		if alloc.freed.Load() {
			late.Add(1)
		}
	}
	tr, err := New(hal, Config{Allocator: alloc})
	require.NoError(t, err)
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 8})
	require.NoError(t, err)
	require.Equal(t, 7, hal.pending())

	require.NoError(t, s.Deinitialize(context.Background()))
	assert.True(t, alloc.freed.Load())
	assert.Equal(t, int32(7), seen.Load(), "deinitialize returned before all completions")
	hal.completions.Wait()
	assert.Equal(t, int32(0), late.Load(), "completion after memory release")
	assert.Equal(t, 7, hal.cancels)
	assert.Equal(t, 7, hal.submits, "transfer resubmitted during teardown")
}

func TestRxTeardownTimeoutKeepsMemory(t *testing.T) {
	alloc := &trackingAllocator{}
	hal := &fakeHAL{cancelDelay: 100 * time.Millisecond}
	tr, err := New(hal, Config{Allocator: alloc})
	require.NoError(t, err)
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 4})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.Error(t, s.Deinitialize(ctx))
	assert.False(t, alloc.freed.Load())

	require.NoError(t, s.Deinitialize(context.Background()))
	assert.True(t, alloc.freed.Load())
}

func TestTxCommitAndComplete(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{}
	tr, err := New(hal, Config{TxEndpoint: 0x02})
	require.NoError(t, err)

	_, err = stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 4096, Slots: 64})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter, "tx slots above request limit")
	_, err = stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: MaxTxBlockSize + 1, Slots: 4})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 4096, Slots: 4})
	require.NoError(t, err)
	defer s.Deinitialize(ctx)

	buf, err := s.SendGet(ctx, 0)
	require.NoError(t, err)
	copy(buf.Data, []byte{1, 2, 3, 4})
	require.NoError(t, s.SendCommit(buf, 256, ring.OOB{Timestamp: 99}))

	require.Equal(t, 1, hal.pending())
	sub := hal.head()
	assert.Equal(t, uint8(0x02), sub.Endpoint)
	assert.Len(t, sub.Buffer, stream.TxHeaderSize+256)
	ts, samples, err := stream.DecodeTxHeader(sub.Buffer)
	require.NoError(t, err)
	assert.Equal(t, int64(99), ts)
	assert.Equal(t, 64, samples)
	assert.Equal(t, []byte{1, 2, 3, 4}, sub.Buffer[stream.TxHeaderSize:stream.TxHeaderSize+4])

	a, posted, _ := s.Counts()
	assert.Equal(t, 3, a)
	assert.Equal(t, 1, posted)

	h := hal.head()
	hal.mu.Lock()
	hal.queue = hal.queue[1:]
	hal.mu.Unlock()
	h.Length = len(h.Buffer)
	h.Status = pkg.TransferStatusSuccess
	h.Complete()

	a, posted, _ = s.Counts()
	assert.Equal(t, 4, a)
	assert.Equal(t, 0, posted)
}

func TestTxTeardownCancels(t *testing.T) {
	ctx := context.Background()
	hal := &fakeHAL{cancelDelay: 10 * time.Millisecond}
	tr, err := New(hal, Config{})
	require.NoError(t, err)
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 1024, Slots: 8})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		buf, err := s.SendGet(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, s.SendCommit(buf, 1024, ring.OOB{Timestamp: -1}))
	}
	require.Equal(t, 5, hal.pending())
	require.NoError(t, s.Deinitialize(ctx))
	assert.Equal(t, 5, hal.cancels)
	a, posted, held := s.Counts()
	assert.Equal(t, 8, a)
	assert.Zero(t, posted+held)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Config{})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	tr, err := New(&fakeHAL{}, Config{TxRequests: 20})
	require.NoError(t, err)
	assert.Equal(t, "usb", tr.Name())
	assert.Equal(t, 16, tr.Limits(stream.TX).MaxSlots)
	assert.Equal(t, stream.RxTrailerSize, tr.Limits(stream.RX).Trailer)
}
