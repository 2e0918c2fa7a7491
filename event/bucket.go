package event

import (
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/ardnew/softsdr/pkg"
)

// Bucket entry layout. Each entry is EntryWords 32-bit words: a header
// followed by up to PayloadWords payload words.
//
//	bit  31     epoch flag
//	bits 15:12  payload length in words
//	bits 5:0    event id
const (
	EntryWords = 1 + PayloadWords

	epochBit     = 1 << 31
	lengthShift  = 12
	lengthMask   = 0xf
	eventMask    = 0x3f
	staleFill    = 0xffffffff
	defaultSlots = 256
	defaultAck   = 32
)

// Entry is one decoded bucket record.
type Entry struct {
	Event   int
	Epoch   uint32
	Length  int
	Payload Payload
}

// EncodeHeader builds an entry header word.
func EncodeHeader(event int, epoch uint32, length int) uint32 {
	return (epoch&1)<<31 | uint32(length&lengthMask)<<lengthShift | uint32(event&eventMask)
}

// DecodeHeader splits an entry header word.
func DecodeHeader(h uint32) (event int, epoch uint32, length int) {
	return int(h & eventMask), h >> 31, int(h>>lengthShift) & lengthMask
}

// Acker receives the confirmed read position of a bucket.
type Acker interface {
	AckBucket(pos uint32) error
}

// AckerFunc adapts a function to Acker.
type AckerFunc func(pos uint32) error

// AckBucket calls f(pos).
func (f AckerFunc) AckBucket(pos uint32) error { return f(pos) }

// BucketConfig sizes a Bucket.
type BucketConfig struct {
	Entries  int // power of two, default 256
	AckEvery int // acknowledge after this many entries, default 32
}

// DefaultBucketConfig returns the hardware default: 256 entries, ack every 32.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{Entries: defaultSlots, AckEvery: defaultAck}
}

// Bucket is the single reader of a hardware-written coalescing ring.
type Bucket struct {
	mem      []uint32
	entries  uint32
	shift    uint
	posMask  uint32
	ackEvery int

	ch    *Channel
	acker Acker

	pos      uint32 // 0 .. 2*entries-1, carries the epoch in bit shift
	sinceAck int

	decoded atomic.Uint64
	skipped atomic.Uint64
}

// NewBucket binds a reader to mem, which must hold Entries*EntryWords
// words. Entries are demultiplexed into ch; acker may be nil.
func NewBucket(mem []uint32, ch *Channel, acker Acker, cfg BucketConfig) (*Bucket, error) {
	if cfg.Entries == 0 {
		cfg.Entries = defaultSlots
	}
	if cfg.AckEvery <= 0 {
		cfg.AckEvery = defaultAck
	}
	if cfg.Entries < 0 || cfg.Entries&(cfg.Entries-1) != 0 {
		return nil, fmt.Errorf("%w: bucket size %d is not a power of two", pkg.ErrInvalidParameter, cfg.Entries)
	}
	if len(mem) < cfg.Entries*EntryWords {
		return nil, fmt.Errorf("%w: bucket memory holds %d words, need %d",
			pkg.ErrInvalidParameter, len(mem), cfg.Entries*EntryWords)
	}
	if ch == nil {
		return nil, fmt.Errorf("%w: nil channel", pkg.ErrInvalidParameter)
	}
	return &Bucket{
		mem:      mem[:cfg.Entries*EntryWords],
		entries:  uint32(cfg.Entries),
		shift:    uint(bits.TrailingZeros32(uint32(cfg.Entries))),
		posMask:  uint32(2*cfg.Entries - 1),
		ackEvery: cfg.AckEvery,
		ch:       ch,
		acker:    acker,
	}, nil
}

// Reset marks every entry stale and rewinds the read position. It must
// not run concurrently with Drain or with the writer.
func (b *Bucket) Reset() {
	for i := range b.mem {
		atomic.StoreUint32(&b.mem[i], staleFill)
	}
	b.pos = 0
	b.sinceAck = 0
}

// Position returns the current read position, epoch bit included.
func (b *Bucket) Position() uint32 { return b.pos }

// Decoded returns the number of entries delivered so far.
func (b *Bucket) Decoded() uint64 { return b.decoded.Load() }

// Skipped returns the number of entries dropped for an unknown event id
// or a full payload ring.
func (b *Bucket) Skipped() uint64 { return b.skipped.Load() }

func (b *Bucket) expectedEpoch(pos uint32) uint32 {
	return (pos >> b.shift) & 1
}

// Drain consumes every entry the writer has published since the last call,
// at most one full ring per call, and returns the number consumed. Hitting
// an entry with a stale epoch ends the scan and is not an error.
func (b *Bucket) Drain() (int, error) {
	var n int
	for n < int(b.entries) {
		base := (b.pos & (b.entries - 1)) * EntryWords
		hdr := atomic.LoadUint32(&b.mem[base])
		event, epoch, length := DecodeHeader(hdr)
		if epoch != b.expectedEpoch(b.pos) {
			break
		}

		if length > PayloadWords {
			pkg.LogWarn(pkg.ComponentEvent, "bucket entry payload too long",
				"pos", b.pos, "event", event, "length", length)
			length = PayloadWords
		}
		var words [PayloadWords]uint32
		for i := 0; i < length; i++ {
			words[i] = atomic.LoadUint32(&b.mem[base+1+uint32(i)])
		}

		if err := b.ch.Raise(event, words[:length]); err != nil {
			b.skipped.Add(1)
			pkg.LogWarn(pkg.ComponentEvent, "bucket entry skipped",
				"pos", b.pos, "event", event, "length", length, "error", err)
		} else {
			b.decoded.Add(1)
		}

		b.pos = (b.pos + 1) & b.posMask
		n++
		b.sinceAck++
		if b.sinceAck >= b.ackEvery {
			b.sinceAck = 0
			if err := b.ack(); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (b *Bucket) ack() error {
	if b.acker == nil {
		return nil
	}
	if err := b.acker.AckBucket(b.pos); err != nil {
		return fmt.Errorf("bucket ack at %d: %w", b.pos, err)
	}
	return nil
}

// Writer is the single producer side of a bucket, used by simulated
// hardware.
type Writer struct {
	mem     []uint32
	entries uint32
	shift   uint
	posMask uint32
	pos     uint32
}

// NewWriter binds a writer to the same memory a Bucket reads.
func NewWriter(mem []uint32, entries int) (*Writer, error) {
	if entries <= 0 || entries&(entries-1) != 0 || len(mem) < entries*EntryWords {
		return nil, fmt.Errorf("%w: bucket writer %d entries over %d words",
			pkg.ErrInvalidParameter, entries, len(mem))
	}
	return &Writer{
		mem:     mem,
		entries: uint32(entries),
		shift:   uint(bits.TrailingZeros32(uint32(entries))),
		posMask: uint32(2*entries - 1),
	}, nil
}

// Reset rewinds the write position.
func (w *Writer) Reset() { w.pos = 0 }

// Position returns the next write position, epoch bit included.
func (w *Writer) Position() uint32 { return w.pos }

// Write publishes one entry. The payload is stored before the header so a
// reader that sees the new epoch also sees the payload.
func (w *Writer) Write(event int, payload ...uint32) error {
	if len(payload) > PayloadWords {
		return fmt.Errorf("%w: %d payload words", pkg.ErrInvalidParameter, len(payload))
	}
	base := (w.pos & (w.entries - 1)) * EntryWords
	for i, v := range payload {
		atomic.StoreUint32(&w.mem[base+1+uint32(i)], v)
	}
	epoch := (w.pos >> w.shift) & 1
	atomic.StoreUint32(&w.mem[base], EncodeHeader(event, epoch, len(payload)))
	w.pos = (w.pos + 1) & w.posMask
	return nil
}
