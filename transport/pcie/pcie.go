// Package pcie implements the DMA transport. Every slot of a stream is
// registered with the device once; hardware fills or drains them in ring
// order and reports each buffer as an event carrying its timestamp.
//
// Events reach the transport one of two ways. A [BucketDevice] exposes the
// coalescing bucket and its interrupt, drained by a single pump goroutine.
// A [WaitDevice] demultiplexes in the kernel and is waited on per stream.
// Both feed the same [event.Channel].
package pcie

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/stream"
)

// Defaults.
const (
	MaxStreams          = 16
	DefaultNumEvents    = 64
	DefaultControlEvent = 63
	DefaultMinBlockSize = 512
)

// Stream capability word layout.
const (
	capMinBufsShift  = 0
	capMaxBufsShift  = 4
	capMaxBufSzShift = 8
	capFieldMask     = 0xf
)

// Caps are the DMA bounds of one stream engine.
type Caps struct {
	MinSlots     int
	MaxSlots     int
	MaxBlockSize int
}

// DecodeStreamCap splits a stream capability word: bits 3:0 are log2 of
// the minimum buffer count, bits 7:4 log2 of the maximum, and bits 11:8
// log2 of the maximum buffer size minus 12.
func DecodeStreamCap(word uint32) Caps {
	return Caps{
		MinSlots:     1 << (word >> capMinBufsShift & capFieldMask),
		MaxSlots:     1 << (word >> capMaxBufsShift & capFieldMask),
		MaxBlockSize: 1 << ((word>>capMaxBufSzShift&capFieldMask)+12),
	}
}

// EncodeStreamCap builds a capability word. Each bound is rounded down to
// a power of two.
func EncodeStreamCap(c Caps) uint32 {
	return uint32(log2(c.MinSlots))<<capMinBufsShift |
		uint32(log2(c.MaxSlots))<<capMaxBufsShift |
		uint32(log2(c.MaxBlockSize)-12)<<capMaxBufSzShift
}

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// Device is the DMA side of a PCIe function.
type Device interface {
	// StreamCaps returns the capability word of stream ch in dir.
	StreamCaps(dir stream.Direction, ch int) (uint32, error)
	// ConfigureDMA registers slots buffers of slotSize bytes and returns
	// the contiguous host view of them.
	ConfigureDMA(dir stream.Direction, ch, slots, slotSize int) ([]byte, error)
	// UnconfigureDMA stops the stream's DMA engine. No buffer is touched
	// by hardware once it returns.
	UnconfigureDMA(dir stream.Direction, ch int) error
	// UnmapDMA releases the host view returned by ConfigureDMA.
	UnmapDMA(mem []byte) error
	// Post hands the next buffer in ring order to hardware. For transmit,
	// n is the number of bytes to send, header included.
	Post(dir stream.Direction, ch, n int) error
}

// BucketDevice exposes the coalescing event bucket to user space.
type BucketDevice interface {
	Device
	event.Acker
	// BucketMemory returns the bucket, EntryWords words per entry.
	BucketMemory() ([]uint32, error)
	// WaitInterrupt blocks until the bucket interrupt fires or ctx ends.
	WaitInterrupt(ctx context.Context) error
}

// WaitDevice waits for stream completions in the kernel.
type WaitDevice interface {
	Device
	// WaitStream blocks until at least one buffer of the stream completes
	// and returns one payload per completed buffer. It returns ErrTimeout
	// when nothing completed within its internal poll interval.
	WaitStream(ctx context.Context, dir stream.Direction, ch int) ([]event.Payload, error)
}

// Config configures a DMA transport.
type Config struct {
	// Events sizes the notification channel. ControlEvent receives
	// device-level notifications and is capped at ControlLimit pending.
	Events event.ChannelConfig
	Bucket event.BucketConfig
	// Trailer reserves the 8-byte burst/skip trailer after each receive
	// block. Without it both counters travel in payload word 2.
	Trailer      bool
	MinBlockSize int
}

// DefaultConfig returns a bucket of 256 entries acknowledged every 32, a
// 64-event channel and control event 63 capped at 2.
func DefaultConfig() Config {
	return Config{
		Events: event.ChannelConfig{
			NumEvents:    DefaultNumEvents,
			ControlEvent: DefaultControlEvent,
			ControlLimit: event.DefaultControlLimit,
		},
		Bucket:       event.DefaultBucketConfig(),
		MinBlockSize: DefaultMinBlockSize,
	}
}

// EventID returns the event id of stream ch in dir: receive streams use
// even ids, transmit streams odd ones.
func EventID(dir stream.Direction, ch int) int {
	if dir == stream.TX {
		return 2*ch + 1
	}
	return 2 * ch
}

// Transport is a DMA transport over one device.
type Transport struct {
	dev    Device
	cfg    Config
	limits [2]stream.Limits

	events *event.Channel
	bucket *event.Bucket

	mu      sync.Mutex
	engines map[int]*engine
	closed  bool

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a transport over dev. When dev is a BucketDevice the bucket
// pump starts immediately.
func New(dev Device, cfg Config) (*Transport, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", pkg.ErrInvalidParameter)
	}
	def := DefaultConfig()
	if cfg.Events.NumEvents == 0 {
		cfg.Events = def.Events
	}
	if cfg.MinBlockSize <= 0 {
		cfg.MinBlockSize = def.MinBlockSize
	}
	if cfg.Bucket.Entries == 0 {
		cfg.Bucket.Entries = def.Bucket.Entries
	}
	// One drain may deliver a full bucket to a single stream before its
	// engine runs.
	if cfg.Events.PayloadDepth < cfg.Bucket.Entries {
		cfg.Events.PayloadDepth = cfg.Bucket.Entries
	}
	ch, err := event.NewChannel(cfg.Events)
	if err != nil {
		return nil, err
	}
	t := &Transport{
		dev:     dev,
		cfg:     cfg,
		events:  ch,
		engines: make(map[int]*engine),
	}
	for _, dir := range []stream.Direction{stream.RX, stream.TX} {
		word, err := dev.StreamCaps(dir, 0)
		if err != nil {
			return nil, fmt.Errorf("%w: %s stream caps: %w", pkg.ErrIO, dir, err)
		}
		t.limits[dir] = t.toLimits(dir, DecodeStreamCap(word))
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.group, ctx = errgroup.WithContext(ctx)

	if bd, ok := dev.(BucketDevice); ok {
		mem, err := bd.BucketMemory()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("%w: bucket memory: %w", pkg.ErrIO, err)
		}
		b, err := event.NewBucket(mem, ch, bd, cfg.Bucket)
		if err != nil {
			cancel()
			return nil, err
		}
		b.Reset()
		t.bucket = b
		t.group.Go(func() error { return t.pump(ctx, bd) })
	}
	pkg.LogInfo(pkg.ComponentPCIe, "transport ready",
		"bucket", t.bucket != nil, "rxMaxSlots", t.limits[stream.RX].MaxSlots,
		"rxMaxBlock", t.limits[stream.RX].MaxBlockSize)
	return t, nil
}

func (t *Transport) toLimits(dir stream.Direction, c Caps) stream.Limits {
	l := stream.Limits{
		MinSlots:     c.MinSlots,
		MaxSlots:     c.MaxSlots,
		MinBlockSize: t.cfg.MinBlockSize,
		MaxBlockSize: c.MaxBlockSize,
	}
	switch {
	case dir == stream.TX:
		l.MaxBlockSize -= stream.TxHeaderSize
	case t.cfg.Trailer:
		l.Trailer = stream.RxTrailerSize
		l.MaxBlockSize -= stream.RxTrailerSize
	}
	return l
}

// Name returns "pcie".
func (t *Transport) Name() string { return "pcie" }

// Limits returns the bounds advertised by stream 0 of dir.
func (t *Transport) Limits(dir stream.Direction) stream.Limits {
	if dir != stream.RX && dir != stream.TX {
		return stream.Limits{}
	}
	return t.limits[dir]
}

// Events returns the notification channel.
func (t *Transport) Events() *event.Channel { return t.events }

// Bucket returns the bucket reader, or nil for a WaitDevice.
func (t *Transport) Bucket() *event.Bucket { return t.bucket }

// Control returns the control event signal, or nil when disabled.
func (t *Transport) Control() *event.Signal {
	if t.cfg.Events.ControlEvent < 0 {
		return nil
	}
	sig, err := t.events.Signal(t.cfg.Events.ControlEvent)
	if err != nil {
		return nil
	}
	return sig
}

// NewEngine creates the engine of one stream. Only one engine may own a
// (direction, channel) pair at a time.
func (t *Transport) NewEngine(p stream.Params) (stream.Engine, error) {
	if p.Direction != stream.RX && p.Direction != stream.TX {
		return nil, fmt.Errorf("%w: %s", pkg.ErrInvalidParameter, p.Direction)
	}
	if p.Channel < 0 || p.Channel >= MaxStreams {
		return nil, fmt.Errorf("%w: stream %d", pkg.ErrInvalidParameter, p.Channel)
	}
	id := EventID(p.Direction, p.Channel)
	sig, err := t.events.Signal(id)
	if err != nil {
		return nil, err
	}
	if id == t.cfg.Events.ControlEvent {
		return nil, fmt.Errorf("%w: stream %d collides with the control event", pkg.ErrInvalidParameter, p.Channel)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, pkg.ErrClosed
	}
	if _, ok := t.engines[id]; ok {
		return nil, fmt.Errorf("%w: %s stream %d", pkg.ErrBusy, p.Direction, p.Channel)
	}
	e := newEngine(t, p, id, sig)
	t.engines[id] = e
	return e, nil
}

func (t *Transport) remove(e *engine) {
	t.mu.Lock()
	if t.engines[e.id] == e {
		delete(t.engines, e.id)
	}
	t.mu.Unlock()
}

func (t *Transport) snapshot() []*engine {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*engine, 0, len(t.engines))
	for _, e := range t.engines {
		out = append(out, e)
	}
	return out
}

// pump drains the bucket on every interrupt and lets each engine consume
// its events.
func (t *Transport) pump(ctx context.Context, bd BucketDevice) error {
	for {
		if err := bd.WaitInterrupt(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pkg.IsRecoverable(err) {
				continue
			}
			t.faultAll(fmt.Errorf("wait interrupt: %w", err))
			return err
		}
		n, err := t.bucket.Drain()
		if err != nil {
			pkg.LogWarn(pkg.ComponentPCIe, "bucket drain", "entries", n, "error", err)
		}
		for _, e := range t.snapshot() {
			e.service()
		}
	}
}

func (t *Transport) faultAll(err error) {
	for _, e := range t.snapshot() {
		e.fault(err)
	}
}

// Close stops the pump and closes the event channel. Streams must be
// deinitialized first.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	open := len(t.engines)
	t.mu.Unlock()
	if open > 0 {
		pkg.LogWarn(pkg.ComponentPCIe, "closing with open streams", "streams", open)
	}

	t.cancel()
	done := make(chan error, 1)
	go func() { done <- t.group.Wait() }()
	select {
	case err := <-done:
		t.events.Close()
		return err
	case <-ctx.Done():
		return fmt.Errorf("pcie pump: %w", ctx.Err())
	}
}
