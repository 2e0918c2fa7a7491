package stream_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
	"github.com/ardnew/softsdr/transport/sim"
)

func openRX(t *testing.T, tr *sim.Transport, block, slots int) (*stream.Stream, *sim.Engine) {
	t.Helper()
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: block, Slots: slots})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Deinitialize(context.Background()) })
	e, ok := tr.Engine(0)
	require.True(t, ok)
	return s, e
}

func checkInvariant(t *testing.T, s *stream.Stream) {
	t.Helper()
	a, posted, held := s.Counts()
	require.Equal(t, s.Params().Slots, a+posted+held, "available=%d posted=%d held=%d", a, posted, held)
}

func TestInitializeValidation(t *testing.T) {
	tr := sim.New(sim.Config{})
	_, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 6})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 1})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	_, err = stream.Initialize(nil, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 8})
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)

	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, Slots: 8})
	require.NoError(t, err)
	assert.Equal(t, sim.DefaultLimits.MaxBlockSize, s.BlockSize())
	require.NoError(t, s.Deinitialize(context.Background()))
}

func TestInitializeAllocFailure(t *testing.T) {
	tr := sim.New(sim.Config{Allocator: failingAllocator{}})
	_, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 8})
	require.ErrorIs(t, err, pkg.ErrNoMemory)
}

type failingAllocator struct{}

func (failingAllocator) Alloc(int) ([]byte, error) { return nil, errors.New("no pages") }
func (failingAllocator) Free([]byte) error         { return nil }

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	s, e := openRX(t, tr, 4096, 8)

	const t0 = int64(1_000_000)
	for i := 0; i < 3; i++ {
		payload := make([]byte, 4096)
		payload[0] = byte(i)
		require.NoError(t, e.Feed(ctx, payload, ring.OOB{Timestamp: t0 + int64(i)*4096}))
	}

	buf, err := s.RecvWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, buf.Index)
	assert.Equal(t, byte(0), buf.Data[0])
	assert.Len(t, buf.Data, 4096)
	assert.Equal(t, t0, buf.OOB.Timestamp)

	a, _, _ := s.Counts()
	assert.Equal(t, 5, a)
	require.NoError(t, s.RecvRelease(buf))
	a, _, _ = s.Counts()
	assert.Equal(t, 6, a)

	feedCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, e.Feed(feedCtx, make([]byte, 4096), ring.OOB{Timestamp: t0 + 3*4096}),
		"producer blocked with two unconsumed slots")
	a, _, held := s.Counts()
	assert.Equal(t, 5, a)
	assert.Equal(t, 3, held)
	checkInvariant(t, s)
}

func TestRecvInvariantAndOrdering(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	const slots = 16
	s, e := openRX(t, tr, 256, slots)

	checkInvariant(t, s)
	var want, got []byte
	for k := 0; k < slots; k++ {
		want = append(want, byte(k))
		require.NoError(t, e.Feed(ctx, []byte{byte(k)}, ring.OOB{Timestamp: int64(k)}))
		checkInvariant(t, s)
	}

	for k := 0; k < slots; k++ {
		if k%3 == 0 {
			time.Sleep(time.Millisecond)
		}
		buf, err := s.RecvWait(ctx, time.Second)
		require.NoError(t, err)
		checkInvariant(t, s)
		got = append(got, buf.Data[0])
		assert.Equal(t, int64(k), buf.OOB.Timestamp)
		require.NoError(t, s.RecvRelease(buf))
		checkInvariant(t, s)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("receive order (-want +got):\n%s", diff)
	}
}

func TestRecvConcurrentProducer(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	s, e := openRX(t, tr, 64, 8)

	const total = 200
	go func() {
		for k := 0; k < total; k++ {
			for {
				a, _, _ := s.Counts()
				if a > 0 {
					break
				}
				time.Sleep(50 * time.Microsecond)
			}
			if err := e.Feed(ctx, []byte{byte(k)}, ring.OOB{Timestamp: int64(k)}); err != nil {
				return
			}
		}
	}()

	for k := 0; k < total; k++ {
		buf, err := s.RecvWait(ctx, 2*time.Second)
		require.NoError(t, err)
		require.Equal(t, int64(k), buf.OOB.Timestamp, "out of order at %d", k)
		require.NoError(t, s.RecvRelease(buf))
	}
	assert.Equal(t, uint64(0), s.Stats().Dropped)
}

func TestRecvTimeout(t *testing.T) {
	tr := sim.New(sim.Config{})
	s, _ := openRX(t, tr, 64, 4)

	_, err := s.RecvWait(context.Background(), 0)
	require.ErrorIs(t, err, pkg.ErrWouldBlock)
	_, err = s.RecvWait(context.Background(), 10*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.True(t, pkg.IsRecoverable(err))
	checkInvariant(t, s)
	a, _, _ := s.Counts()
	assert.Equal(t, 4, a)
}

func TestBackpressureSurfacesDrops(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	const slots = 4
	s, e := openRX(t, tr, 64, slots)

	for k := 0; k < slots; k++ {
		require.NoError(t, e.Feed(ctx, []byte{byte(k)}, ring.OOB{}))
	}
	for k := 0; k < 3; k++ {
		require.NoError(t, e.Feed(ctx, []byte{0xee}, ring.OOB{}))
		checkInvariant(t, s)
	}
	assert.Equal(t, uint64(3), s.Stats().Dropped)

	for k := 0; k < slots; k++ {
		buf, err := s.RecvWait(ctx, time.Second)
		require.NoError(t, err)
		assert.Equal(t, byte(k), buf.Data[0], "ready slot overwritten")
		assert.Equal(t, uint32(0), buf.OOB.Skipped)
		require.NoError(t, s.RecvRelease(buf))
	}

	require.NoError(t, e.Feed(ctx, []byte{0x42}, ring.OOB{Skipped: 1}))
	buf, err := s.RecvWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), buf.Data[0])
	assert.Equal(t, uint32(4), buf.OOB.Skipped, "hardware skipped plus engine drops")
	require.NoError(t, s.RecvRelease(buf))

	require.NoError(t, e.Feed(ctx, []byte{0x43}, ring.OOB{}))
	buf, err = s.RecvWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), buf.OOB.Skipped, "drops reported twice")
	require.NoError(t, s.RecvRelease(buf))
}

func TestDoubleRelease(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	s, e := openRX(t, tr, 64, 4)

	require.NoError(t, e.Feed(ctx, []byte{1}, ring.OOB{}))
	buf, err := s.RecvWait(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.RecvRelease(buf))
	require.ErrorIs(t, s.RecvRelease(buf), pkg.ErrInvalidState)
	checkInvariant(t, s)
}

func TestSendRoundTrip(t *testing.T) {
	ctx := context.Background()
	var (
		mu     sync.Mutex
		frames []sim.Frame
	)
	tr := sim.New(sim.Config{Sink: func(f sim.Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}})
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 4096, Slots: 4})
	require.NoError(t, err)
	defer s.Deinitialize(ctx)

	lengths := []int{4096, 100, 1}
	for i, n := range lengths {
		buf, err := s.SendGet(ctx, time.Second)
		require.NoError(t, err)
		require.Len(t, buf.Data, 4096)
		for j := 0; j < n; j++ {
			buf.Data[j] = byte(i + j)
		}
		require.NoError(t, s.SendCommit(buf, n, ring.OOB{Timestamp: int64(1000 * (i + 1))}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) == len(lengths)
	}, time.Second, time.Millisecond)

	for i, f := range frames {
		assert.Len(t, f.Payload, lengths[i])
		assert.Equal(t, int64(1000*(i+1)), f.Timestamp)
		assert.Equal(t, byte(i), f.Payload[0])
	}
	assert.Equal(t, 1024, frames[0].Samples)

	require.Eventually(t, func() bool {
		a, _, _ := s.Counts()
		return a == 4
	}, time.Second, time.Millisecond)
}

func TestSendCommitValidation(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 512, Slots: 2})
	require.NoError(t, err)
	defer s.Deinitialize(ctx)

	buf, err := s.SendGet(ctx, 0)
	require.NoError(t, err)
	require.ErrorIs(t, s.SendCommit(buf, 513, ring.OOB{}), pkg.ErrInvalidParameter)
	require.ErrorIs(t, s.SendCommit(buf, 0, ring.OOB{}), pkg.ErrInvalidParameter)
	require.NoError(t, s.SendCommit(buf, 512, ring.OOB{Timestamp: -1}))
	require.ErrorIs(t, s.SendCommit(buf, 512, ring.OOB{}), pkg.ErrInvalidState, "commit twice")

	_, err = s.RecvWait(ctx, 0)
	require.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestSendBlocksWithoutCredit(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{Delay: 30 * time.Millisecond})
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 64, Slots: 2})
	require.NoError(t, err)
	defer s.Deinitialize(ctx)

	var held []stream.Buffer
	for i := 0; i < 2; i++ {
		buf, err := s.SendGet(ctx, 0)
		require.NoError(t, err)
		held = append(held, buf)
	}
	_, err = s.SendGet(ctx, 0)
	require.ErrorIs(t, err, pkg.ErrWouldBlock)
	_, err = s.SendGet(ctx, 5*time.Millisecond)
	require.ErrorIs(t, err, pkg.ErrTimeout)

	require.NoError(t, s.SendCommit(held[0], 64, ring.OOB{}))
	buf, err := s.SendGet(ctx, time.Second)
	require.NoError(t, err, "credit not returned after completion")
	assert.Equal(t, held[0].Index, buf.Index)
}

func TestFaultSurfacesOnNextWait(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{})
	s, e := openRX(t, tr, 64, 4)

	done := make(chan error, 1)
	go func() {
		_, err := s.RecvWait(ctx, -1)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Fail(pkg.ErrNoDevice))

	select {
	case err := <-done:
		require.ErrorIs(t, err, pkg.ErrTransport)
		require.ErrorIs(t, err, pkg.ErrNoDevice)
		assert.False(t, pkg.IsRecoverable(err))
	case <-time.After(time.Second):
		t.Fatal("blocked waiter not woken by fault")
	}

	_, err := s.RecvWait(ctx, 0)
	require.ErrorIs(t, err, pkg.ErrTransport)
	assert.Equal(t, uint64(1), s.Stats().Faults)
	require.NoError(t, s.Deinitialize(ctx))
}

// trackingAllocator fails the test if anything touches a slot after Free.
type trackingAllocator struct {
	freed atomic.Bool
	mem   []byte
}

func (a *trackingAllocator) Alloc(size int) ([]byte, error) {
	a.mem = make([]byte, size)
	return a.mem, nil
}

func (a *trackingAllocator) Free([]byte) error {
	a.freed.Store(true)
	return nil
}

func TestTeardownDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	alloc := &trackingAllocator{}
	var late atomic.Int32
	tr := sim.New(sim.Config{
		Delay:     20 * time.Millisecond,
		Allocator: alloc,
		Sink: func(sim.Frame) {
			if alloc.freed.Load() {
				late.Add(1)
			}
		},
	})
	const inflight = 4
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 128, Slots: 8})
	require.NoError(t, err)

	for i := 0; i < inflight; i++ {
		buf, err := s.SendGet(ctx, 0)
		require.NoError(t, err)
		require.NoError(t, s.SendCommit(buf, 128, ring.OOB{}))
	}
	_, posted, _ := s.Counts()
	require.Positive(t, posted)

	require.NoError(t, s.Deinitialize(ctx))
	assert.True(t, alloc.freed.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), late.Load(), "completion after free")

	require.NoError(t, s.Deinitialize(ctx), "second deinitialize")
}

func TestTeardownContextExpired(t *testing.T) {
	alloc := &trackingAllocator{}
	tr := sim.New(sim.Config{Delay: 200 * time.Millisecond, Allocator: alloc})
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 64, Slots: 4})
	require.NoError(t, err)
	e, _ := tr.Engine(0)

	go func() { _ = e.Feed(context.Background(), []byte{1}, ring.OOB{}) }()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Deinitialize(ctx)
	if err != nil {
		assert.False(t, alloc.freed.Load(), "memory freed before drain completed")
	}
	require.NoError(t, s.Deinitialize(context.Background()))
	assert.True(t, alloc.freed.Load())
}

func TestCreateStream(t *testing.T) {
	tr := sim.New(sim.Config{})
	tests := []struct {
		format   stream.SampleFormat
		channels int
		symbols  int
		block    int
	}{
		{stream.FormatCI16, 1, 1024, 4096},
		{stream.FormatCI16, 2, 1024, 8192},
		{stream.FormatCI12, 1, 1024, 3072},
		{stream.FormatCF32, 1, 512, 4096},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-x%d", tt.format, tt.channels), func(t *testing.T) {
			s, err := stream.CreateStream(tr, stream.TX, tt.format, tt.channels, tt.symbols, 4, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.block, s.BlockSize())
			assert.Equal(t, tt.format.BitsPerSymbol()*tt.channels, s.Params().BitsPerSymbol)
			require.NoError(t, s.Deinitialize(context.Background()))
		})
	}

	_, err := stream.CreateStream(tr, stream.RX, stream.SampleFormat(42), 1, 1024, 4, 0)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	_, err = stream.CreateStream(tr, stream.RX, stream.FormatCI16, 0, 1024, 4, 0)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	tr := sim.New(sim.Config{Loopback: true})
	rx, _ := openRX(t, tr, 1024, 8)
	tx, err := stream.Initialize(tr, stream.Params{Direction: stream.TX, BlockSize: 1024, Slots: 8})
	require.NoError(t, err)
	defer tx.Deinitialize(ctx)

	buf, err := tx.SendGet(ctx, time.Second)
	require.NoError(t, err)
	copy(buf.Data, "hello radio")
	require.NoError(t, tx.SendCommit(buf, 11, ring.OOB{Timestamp: 777}))

	got, err := rx.RecvWait(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello radio", string(got.Data))
	assert.Equal(t, int64(777), got.OOB.Timestamp)
	require.NoError(t, rx.RecvRelease(got))

	st := rx.Stats()
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, int64(1), st.WaitCount)
}

// discardTransport posts every slot on start and lets the test hand them
// back as discards.
type discardTransport struct {
	engine *discardEngine
}

func (*discardTransport) Name() string                          { return "discard" }
func (*discardTransport) Limits(stream.Direction) stream.Limits { return sim.DefaultLimits }

func (d *discardTransport) NewEngine(stream.Params) (stream.Engine, error) {
	d.engine = &discardEngine{}
	return d.engine, nil
}

type discardEngine struct {
	b *stream.Binding
}

func (*discardEngine) Allocator() ring.Allocator { return ring.HeapAllocator{} }

func (e *discardEngine) Start(b *stream.Binding) error {
	e.b = b
	pool := b.Pool()
	for i := 0; i < pool.Capacity(); i++ {
		if !pool.AcquireCredit() {
			return pkg.ErrWouldBlock
		}
		if err := pool.Transition(pool.ProduceIndex(), ring.Free, ring.Posted); err != nil {
			return err
		}
	}
	return nil
}

func (*discardEngine) Commit(int, int) error      { return pkg.ErrNotSupported }
func (*discardEngine) Release(int) error          { return nil }
func (*discardEngine) Stop(context.Context) error { return nil }

func (e *discardEngine) discardNext(idx int) error { return e.b.Discard(idx) }

func TestRecvWaitTimeoutSpansDiscards(t *testing.T) {
	ctx := context.Background()
	tr := &discardTransport{}
	s, err := stream.Initialize(tr, stream.Params{Direction: stream.RX, BlockSize: 4096, Slots: 32})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Deinitialize(ctx) })

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; i < 25; i++ {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			if err := tr.engine.discardNext(i); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, err = s.RecvWait(ctx, 100*time.Millisecond)
	elapsed := time.Since(start)
	close(stop)
	wg.Wait()

	require.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Less(t, elapsed, 300*time.Millisecond)
	assert.Positive(t, s.Stats().Discarded)
}
