// Package usb implements the bulk USB transport: a fixed set of standing
// asynchronous transfers per receive stream that are resubmitted from the
// completion callback, and one transfer per slot for transmit.
package usb

import (
	"fmt"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
	"github.com/ardnew/softsdr/stream"
)

// Defaults.
const (
	DefaultRxRequests  = 8
	DefaultTxRequests  = 32
	DefaultMinTransfer = 128
	MaxTxBlockSize     = 126976
	MinTxBlockSize     = 64
)

// Transfer is one asynchronous bulk request bound to a slot from submit
// until its completion callback returns.
type Transfer struct {
	Endpoint uint8
	// Slot is the ring index, or the pool's drop slot.
	Slot   int
	Buffer []byte
	// Length is the submitted length for tx and the transferred length
	// once completed.
	Length int
	Status pkg.TransferStatus
	// Native holds the bus-specific descriptor (a URB on Linux).
	Native any

	complete func(*Transfer)
}

// Complete reports the transfer finished. Bulk HALs call it exactly once
// per successful Submit, from their event pump goroutine.
func (t *Transfer) Complete() {
	if t.complete != nil {
		t.complete(t)
	}
}

// BulkHAL is the asynchronous bulk interface of an opened device.
// Completions must be delivered from a goroutine other than the one
// calling Submit or Cancel.
type BulkHAL interface {
	// Submit queues t on t.Endpoint and returns without waiting.
	Submit(t *Transfer) error
	// Cancel requests early completion of t with TransferStatusCancelled.
	// The completion still arrives through Transfer.Complete.
	Cancel(t *Transfer) error
}

// Config configures a bulk transport.
type Config struct {
	RxEndpoint uint8
	TxEndpoint uint8
	// RxRequests is the number of standing receive transfers.
	RxRequests int
	// TxRequests bounds the transmit slot count.
	TxRequests int
	// MinTransfer is the shortest receive transfer accepted as data.
	MinTransfer int
	// ExtendedTrailer selects the 16-byte trailer carrying a timestamp.
	ExtendedTrailer bool
	// MaxRxBlockSize bounds receive blocks, default 1 MiB.
	MaxRxBlockSize int
	Allocator      ring.Allocator
}

// Transport is a bulk USB transport on one device.
type Transport struct {
	hal BulkHAL
	cfg Config
}

// New creates a bulk transport over hal.
func New(hal BulkHAL, cfg Config) (*Transport, error) {
	if hal == nil {
		return nil, fmt.Errorf("%w: nil bulk HAL", pkg.ErrInvalidParameter)
	}
	if cfg.RxRequests <= 0 {
		cfg.RxRequests = DefaultRxRequests
	}
	if cfg.TxRequests <= 0 {
		cfg.TxRequests = DefaultTxRequests
	}
	if cfg.MinTransfer <= 0 {
		cfg.MinTransfer = DefaultMinTransfer
	}
	if cfg.MaxRxBlockSize <= 0 {
		cfg.MaxRxBlockSize = 1 << 20
	}
	if cfg.Allocator == nil {
		cfg.Allocator = ring.HeapAllocator{}
	}
	return &Transport{hal: hal, cfg: cfg}, nil
}

// Name returns "usb".
func (t *Transport) Name() string { return "usb" }

func (t *Transport) trailer() int {
	if t.cfg.ExtendedTrailer {
		return stream.RxTrailerExSize
	}
	return stream.RxTrailerSize
}

// Limits returns the bulk bounds for dir.
func (t *Transport) Limits(dir stream.Direction) stream.Limits {
	if dir == stream.TX {
		return stream.Limits{
			MinSlots:     2,
			MaxSlots:     floorPow2(t.cfg.TxRequests),
			MinBlockSize: MinTxBlockSize,
			MaxBlockSize: MaxTxBlockSize,
		}
	}
	return stream.Limits{
		MinSlots:     2,
		MaxSlots:     4096,
		MinBlockSize: t.cfg.MinTransfer,
		MaxBlockSize: t.cfg.MaxRxBlockSize,
		Trailer:      t.trailer(),
	}
}

// NewEngine creates the completion engine of one stream.
func (t *Transport) NewEngine(p stream.Params) (stream.Engine, error) {
	switch p.Direction {
	case stream.RX:
		return newRxEngine(t, p), nil
	case stream.TX:
		return newTxEngine(t, p), nil
	}
	return nil, fmt.Errorf("%w: %s", pkg.ErrInvalidParameter, p.Direction)
}

func floorPow2(n int) int {
	p := 1
	for p*2 <= n {
		p *= 2
	}
	return p
}
