// Package sim is an in-memory transport. Receive data is injected with
// [Engine.Feed]; transmitted buffers are decoded and handed to a sink and,
// in loopback mode, fed to the receive stream on the same channel.
package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// Frame is one transmitted buffer as seen by the simulated device.
type Frame struct {
	Channel   int
	Timestamp int64
	Samples   int
	Payload   []byte
}

// Config configures a simulated transport.
type Config struct {
	// Delay is applied before every completion.
	Delay time.Duration
	// Loopback feeds transmitted payloads to the rx stream on the same
	// channel, with the transmit timestamp.
	Loopback bool
	// Sink receives every transmitted frame on the pump goroutine.
	Sink func(Frame)
	// Allocator backs stream pools, heap by default.
	Allocator ring.Allocator
	// RxLimits and TxLimits override the default capability bounds.
	RxLimits stream.Limits
	TxLimits stream.Limits
	// QueueDepth bounds queued operations per engine, default 256.
	QueueDepth int
}

// DefaultLimits are the bounds used when Config leaves them zero.
var DefaultLimits = stream.Limits{
	MinSlots:     2,
	MaxSlots:     1024,
	MinBlockSize: 1,
	MaxBlockSize: 1 << 20,
	Trailer:      stream.RxTrailerSize,
}

// Transport is a simulated bus.
type Transport struct {
	cfg Config

	mu  sync.Mutex
	rx  map[int]*Engine
	all map[*Engine]struct{}
}

// New creates a simulated transport.
func New(cfg Config) *Transport {
	if cfg.RxLimits == (stream.Limits{}) {
		cfg.RxLimits = DefaultLimits
	}
	if cfg.TxLimits == (stream.Limits{}) {
		cfg.TxLimits = DefaultLimits
		cfg.TxLimits.Trailer = 0
	}
	if cfg.Allocator == nil {
		cfg.Allocator = ring.HeapAllocator{}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Transport{
		cfg: cfg,
		rx:  make(map[int]*Engine),
		all: make(map[*Engine]struct{}),
	}
}

// Name returns "sim".
func (t *Transport) Name() string { return "sim" }

// Limits returns the configured bounds for dir.
func (t *Transport) Limits(dir stream.Direction) stream.Limits {
	if dir == stream.TX {
		return t.cfg.TxLimits
	}
	return t.cfg.RxLimits
}

// NewEngine creates an engine for one stream. Only one receive stream may
// exist per channel.
func (t *Transport) NewEngine(p stream.Params) (stream.Engine, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Direction == stream.RX {
		if _, ok := t.rx[p.Channel]; ok {
			return nil, fmt.Errorf("%w: rx channel %d", pkg.ErrBusy, p.Channel)
		}
	}
	e := newEngine(t, p)
	if p.Direction == stream.RX {
		t.rx[p.Channel] = e
	}
	t.all[e] = struct{}{}
	return e, nil
}

// Engine returns the receive engine of channel ch, if any.
func (t *Transport) Engine(ch int) (*Engine, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.rx[ch]
	return e, ok
}

// FailAll faults every live stream with err, as if the device vanished.
func (t *Transport) FailAll(err error) {
	t.mu.Lock()
	engines := make([]*Engine, 0, len(t.all))
	for e := range t.all {
		engines = append(engines, e)
	}
	t.mu.Unlock()
	for _, e := range engines {
		_ = e.Fail(err)
	}
}

func (t *Transport) remove(e *Engine) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.all, e)
	if cur, ok := t.rx[e.params.Channel]; ok && cur == e {
		delete(t.rx, e.params.Channel)
	}
}

func (t *Transport) deliver(f Frame) {
	if t.cfg.Sink != nil {
		t.cfg.Sink(f)
	}
	if !t.cfg.Loopback {
		return
	}
	rx, ok := t.Engine(f.Channel)
	if !ok {
		pkg.LogDebug(pkg.ComponentSim, "loopback frame without rx stream", "channel", f.Channel)
		return
	}
	if err := rx.enqueue(op{kind: opFeed, payload: f.Payload, oob: ring.OOB{Timestamp: f.Timestamp, Bursts: 1}}); err != nil {
		pkg.LogWarn(pkg.ComponentSim, "loopback feed failed", "channel", f.Channel, "error", err)
	}
}
