package pcie

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softsdr/event"
	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// SimConfig configures a SimDevice.
type SimConfig struct {
	// Caps is the capability word reported for every stream.
	Caps uint32
	// Entries sizes the bucket, default 256.
	Entries int
	// Trailer makes Produce write the 8-byte receive trailer instead of
	// packing the counters into payload word 2.
	Trailer bool
	// ControlEvent is the id raised by RaiseControl.
	ControlEvent int
}

// DefaultSimCaps allows 2 to 1024 slots of up to 1 MiB.
var DefaultSimCaps = EncodeStreamCap(Caps{MinSlots: 2, MaxSlots: 1024, MaxBlockSize: 1 << 20})

// Frame is one transmit buffer consumed by a SimDevice.
type Frame struct {
	Channel   int
	Timestamp int64
	Samples   int
	Payload   []byte
}

type simStream struct {
	mem      []byte
	slots    int
	slotSize int
	fill     int // next slot hardware fills or drains
	posted   int // slots owned by hardware
	skipped  uint32
}

// SimDevice is an in-memory BucketDevice. Hardware completions are
// produced by Produce for receive and immediately on Post for transmit.
type SimDevice struct {
	cfg SimConfig

	mu      sync.Mutex
	streams map[int]*simStream
	bucket  []uint32
	writer  *event.Writer
	acks    []uint32
	frames  []Frame

	irq    chan struct{}
	closed chan struct{}
	once   sync.Once
}

// NewSimDevice creates a simulated device.
func NewSimDevice(cfg SimConfig) (*SimDevice, error) {
	if cfg.Caps == 0 {
		cfg.Caps = DefaultSimCaps
	}
	if cfg.Entries == 0 {
		cfg.Entries = event.DefaultBucketConfig().Entries
	}
	if cfg.ControlEvent == 0 {
		cfg.ControlEvent = DefaultControlEvent
	}
	mem := make([]uint32, cfg.Entries*event.EntryWords)
	for i := range mem {
		mem[i] = 0xffffffff
	}
	w, err := event.NewWriter(mem, cfg.Entries)
	if err != nil {
		return nil, err
	}
	return &SimDevice{
		cfg:     cfg,
		streams: make(map[int]*simStream),
		bucket:  mem,
		writer:  w,
		irq:     make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}, nil
}

func simKey(dir stream.Direction, ch int) int { return EventID(dir, ch) }

// StreamCaps returns the configured capability word.
func (d *SimDevice) StreamCaps(stream.Direction, int) (uint32, error) {
	return d.cfg.Caps, nil
}

// ConfigureDMA allocates the stream's buffers on the heap.
func (d *SimDevice) ConfigureDMA(dir stream.Direction, ch, slots, slotSize int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := simKey(dir, ch)
	if _, ok := d.streams[k]; ok {
		return nil, fmt.Errorf("%w: %s stream %d configured", pkg.ErrBusy, dir, ch)
	}
	caps := DecodeStreamCap(d.cfg.Caps)
	if slots < caps.MinSlots || slots > caps.MaxSlots {
		return nil, fmt.Errorf("%w: %d buffers", pkg.ErrInvalidParameter, slots)
	}
	s := &simStream{mem: make([]byte, slots*slotSize), slots: slots, slotSize: slotSize}
	d.streams[k] = s
	return s.mem, nil
}

// UnconfigureDMA forgets the stream.
func (d *SimDevice) UnconfigureDMA(dir stream.Direction, ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := simKey(dir, ch)
	if _, ok := d.streams[k]; !ok {
		return fmt.Errorf("%w: %s stream %d not configured", pkg.ErrInvalidState, dir, ch)
	}
	delete(d.streams, k)
	return nil
}

// UnmapDMA is a no-op.
func (d *SimDevice) UnmapDMA([]byte) error { return nil }

// Post hands one buffer to the device. A transmit buffer is decoded,
// recorded and completed at once.
func (d *SimDevice) Post(dir stream.Direction, ch, n int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[simKey(dir, ch)]
	if !ok {
		return fmt.Errorf("%w: %s stream %d not configured", pkg.ErrInvalidState, dir, ch)
	}
	if s.posted >= s.slots {
		return fmt.Errorf("%w: %s stream %d overposted", pkg.ErrProtocol, dir, ch)
	}
	if dir == stream.RX {
		s.posted++
		return nil
	}

	if n < stream.TxHeaderSize || n > s.slotSize {
		return fmt.Errorf("%w: tx length %d", pkg.ErrInvalidParameter, n)
	}
	buf := s.mem[s.fill*s.slotSize:]
	ts, samples, err := stream.DecodeTxHeader(buf[:stream.TxHeaderSize])
	if err != nil {
		return err
	}
	d.frames = append(d.frames, Frame{
		Channel:   ch,
		Timestamp: ts,
		Samples:   samples,
		Payload:   append([]byte(nil), buf[stream.TxHeaderSize:n]...),
	})
	s.fill = (s.fill + 1) % s.slots
	return d.raise(EventID(stream.TX, ch), uint32(ts), uint32(uint64(ts)>>32), uint32(samples))
}

// Produce fills the next posted receive buffer of stream ch with data,
// which must be one full block, and raises its event. With no buffer
// posted the block is lost and counted in the next buffer's skip field.
func (d *SimDevice) Produce(ch int, data []byte, oob ring.OOB) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[simKey(stream.RX, ch)]
	if !ok {
		return fmt.Errorf("%w: rx stream %d not configured", pkg.ErrInvalidState, ch)
	}
	if s.posted == 0 {
		s.skipped++
		return pkg.ErrOverrun
	}
	extra := 0
	if d.cfg.Trailer {
		extra = stream.RxTrailerSize
	}
	if len(data)+extra > s.slotSize {
		return fmt.Errorf("%w: %d bytes into %d byte buffer", pkg.ErrInvalidParameter, len(data), s.slotSize)
	}
	buf := s.mem[s.fill*s.slotSize : (s.fill+1)*s.slotSize]
	copy(buf, data)
	oob.Skipped += s.skipped
	s.skipped = 0

	var word2 uint32
	if d.cfg.Trailer {
		if err := stream.EncodeRxTrailer(buf[:len(data)+extra], oob, stream.RxTrailerSize); err != nil {
			return err
		}
	} else {
		word2 = oob.Bursts&burstsMask | oob.Skipped<<skippedShift
	}
	s.fill = (s.fill + 1) % s.slots
	s.posted--
	ts := uint64(oob.Timestamp)
	return d.raise(EventID(stream.RX, ch), uint32(ts), uint32(ts>>32), word2)
}

// RaiseControl publishes a device-level notification.
func (d *SimDevice) RaiseControl(payload ...uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raise(d.cfg.ControlEvent, payload...)
}

// Raise publishes an arbitrary bucket entry.
func (d *SimDevice) Raise(id int, payload ...uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raise(id, payload...)
}

// raise writes an entry and fires the interrupt. Caller holds d.mu.
func (d *SimDevice) raise(id int, payload ...uint32) error {
	if err := d.writer.Write(id, payload...); err != nil {
		return err
	}
	select {
	case d.irq <- struct{}{}:
	default:
	}
	return nil
}

// Posted returns the number of receive buffers hardware holds on ch.
func (d *SimDevice) Posted(ch int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.streams[simKey(stream.RX, ch)]; ok {
		return s.posted
	}
	return 0
}

// Configured reports whether the stream has DMA configured.
func (d *SimDevice) Configured(dir stream.Direction, ch int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.streams[simKey(dir, ch)]
	return ok
}

// Frames returns the transmit buffers consumed so far.
func (d *SimDevice) Frames() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Frame(nil), d.frames...)
}

// Acks returns every bucket position acknowledged so far.
func (d *SimDevice) Acks() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.acks...)
}

// BucketMemory returns the bucket words.
func (d *SimDevice) BucketMemory() ([]uint32, error) { return d.bucket, nil }

// AckBucket records the acknowledged read position.
func (d *SimDevice) AckBucket(pos uint32) error {
	d.mu.Lock()
	d.acks = append(d.acks, pos)
	d.mu.Unlock()
	return nil
}

// WaitInterrupt blocks until an entry is raised, the device is closed or
// ctx ends.
func (d *SimDevice) WaitInterrupt(ctx context.Context) error {
	select {
	case <-d.irq:
		return nil
	case <-d.closed:
		return pkg.ErrNoDevice
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close unplugs the device. Pending and later interrupt waits fail with
// ErrNoDevice.
func (d *SimDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}
