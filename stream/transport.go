package stream

import (
	"context"
	"fmt"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

// Direction is the data direction of a stream.
type Direction int

// Stream directions.
const (
	RX Direction = iota // device to host
	TX                  // host to device
)

// String returns "rx" or "tx".
func (d Direction) String() string {
	switch d {
	case RX:
		return "rx"
	case TX:
		return "tx"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Flags modify stream behavior.
type Flags uint32

// Stream flags.
const (
	// FlagPollFD creates a pollable handle mirroring buffer readiness
	// (rx) or credit availability (tx).
	FlagPollFD Flags = 1 << iota
	// FlagNoLatency disables wait-latency recording.
	FlagNoLatency
)

// Limits are a transport's capability bounds for one direction.
type Limits struct {
	MinSlots     int // power of two
	MaxSlots     int // power of two
	MinBlockSize int
	MaxBlockSize int
	// Trailer is the number of bytes the transport appends after each
	// receive payload. It is reserved in every slot.
	Trailer int
}

// Params describe a stream to open.
type Params struct {
	Direction Direction
	// BlockSize is the payload size of one slot in bytes. Zero selects the
	// transport maximum.
	BlockSize int
	// Slots is the ring capacity and must be a power of two.
	Slots int
	Flags Flags
	// BitsPerSymbol sizes the transmit header sample count, default 32.
	BitsPerSymbol int
	// Channel is the transport-level stream number.
	Channel int
}

// Overhead returns the per-slot bytes reserved around the payload.
func (p Params) Overhead(l Limits) int {
	if p.Direction == TX {
		return TxHeaderSize
	}
	return l.Trailer
}

// Validate checks p against l.
func (p Params) Validate(l Limits) error {
	switch {
	case p.Direction != RX && p.Direction != TX:
		return fmt.Errorf("%w: %s", pkg.ErrInvalidParameter, p.Direction)
	case !ring.IsPowerOfTwo(p.Slots):
		return fmt.Errorf("%w: slot count %d is not a power of two", pkg.ErrInvalidParameter, p.Slots)
	case l.MinSlots > 0 && p.Slots < l.MinSlots:
		return fmt.Errorf("%w: slot count %d below minimum %d", pkg.ErrInvalidParameter, p.Slots, l.MinSlots)
	case l.MaxSlots > 0 && p.Slots > l.MaxSlots:
		return fmt.Errorf("%w: slot count %d above maximum %d", pkg.ErrInvalidParameter, p.Slots, l.MaxSlots)
	case p.BlockSize <= 0:
		return fmt.Errorf("%w: block size %d", pkg.ErrInvalidParameter, p.BlockSize)
	case l.MinBlockSize > 0 && p.BlockSize < l.MinBlockSize:
		return fmt.Errorf("%w: block size %d below minimum %d", pkg.ErrInvalidParameter, p.BlockSize, l.MinBlockSize)
	case l.MaxBlockSize > 0 && p.BlockSize > l.MaxBlockSize:
		return fmt.Errorf("%w: block size %d above maximum %d", pkg.ErrInvalidParameter, p.BlockSize, l.MaxBlockSize)
	case p.BitsPerSymbol < 0:
		return fmt.Errorf("%w: %d bits per symbol", pkg.ErrInvalidParameter, p.BitsPerSymbol)
	}
	return nil
}

// Transport is a bus backend able to run streams.
type Transport interface {
	// Name identifies the transport in logs.
	Name() string
	// Limits reports capability bounds for a direction.
	Limits(dir Direction) Limits
	// NewEngine prepares a completion engine for one stream. The engine
	// does not touch the bus until Start.
	NewEngine(p Params) (Engine, error)
}

// Engine binds ring slots to the bus for one stream.
type Engine interface {
	// Allocator provides the memory backing the stream's pool.
	Allocator() ring.Allocator
	// Start registers the pool with the bus and, for receive, posts the
	// initial transfers so data flows before Start returns.
	Start(b *Binding) error
	// Commit posts a filled transmit slot. n includes the header.
	// It must not block.
	Commit(idx, n int) error
	// Release tells the engine the consumer returned receive slot idx.
	Release(idx int) error
	// Stop cancels every pending transfer and returns once no completion
	// can touch slot memory anymore.
	Stop(ctx context.Context) error
}
