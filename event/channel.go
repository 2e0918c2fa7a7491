package event

import (
	"fmt"

	"github.com/ardnew/softsdr/pkg"
)

// Default channel dimensions.
const (
	DefaultNumEvents    = 32
	DefaultControlLimit = 2
)

// ChannelConfig sizes a Channel.
type ChannelConfig struct {
	NumEvents int // number of event ids, default DefaultNumEvents
	// ControlEvent is the id whose pending count is capped at ControlLimit.
	// Negative disables the cap.
	ControlEvent int
	ControlLimit uint32
	// PayloadDepth sizes each signal's payload ring, default PayloadDepth.
	// It must cover every event raised for one id between two consumer
	// passes.
	PayloadDepth int
}

// DefaultChannelConfig returns the default channel layout: 32 events, no
// control event.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		NumEvents:    DefaultNumEvents,
		ControlEvent: -1,
		ControlLimit: DefaultControlLimit,
	}
}

// Channel is a fixed set of signals indexed by event id.
type Channel struct {
	signals []*Signal
}

// NewChannel creates a channel with one signal per event id.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.NumEvents == 0 {
		cfg.NumEvents = DefaultNumEvents
	}
	if cfg.NumEvents < 0 || cfg.NumEvents > 64 {
		return nil, fmt.Errorf("%w: %d events", pkg.ErrInvalidParameter, cfg.NumEvents)
	}
	if cfg.PayloadDepth < 0 {
		return nil, fmt.Errorf("%w: payload depth %d", pkg.ErrInvalidParameter, cfg.PayloadDepth)
	}
	if cfg.ControlEvent >= cfg.NumEvents {
		return nil, fmt.Errorf("%w: control event %d", pkg.ErrInvalidParameter, cfg.ControlEvent)
	}
	c := &Channel{signals: make([]*Signal, cfg.NumEvents)}
	for i := range c.signals {
		var limit uint32
		if i == cfg.ControlEvent {
			limit = cfg.ControlLimit
		}
		c.signals[i] = NewSignalDepth(i, limit, cfg.PayloadDepth)
	}
	return c, nil
}

// Len returns the number of event ids.
func (c *Channel) Len() int { return len(c.signals) }

// Signal returns the signal for event id.
func (c *Channel) Signal(id int) (*Signal, error) {
	if id < 0 || id >= len(c.signals) {
		return nil, fmt.Errorf("%w: event id %d", pkg.ErrInvalidParameter, id)
	}
	return c.signals[id], nil
}

// Raise posts one occurrence of event id with its payload, zero-filled
// past len(payload). See Signal.Raise.
func (c *Channel) Raise(id int, payload []uint32) error {
	sig, err := c.Signal(id)
	if err != nil {
		return err
	}
	var p Payload
	copy(p[:], payload)
	return sig.Raise(p)
}

// Close closes every signal.
func (c *Channel) Close() {
	for _, s := range c.signals {
		s.Close()
	}
}
