package event

import (
	"sync/atomic"
)

// PayloadWords is the number of payload words carried per event.
const PayloadWords = 3

// PayloadDepth is the default number of payloads a signal buffers.
const PayloadDepth = 64

// Payload is the side data delivered with one event.
type Payload [PayloadWords]uint32

// payloadRing is a single-producer single-consumer ring of payloads.
// Push is called by the pump goroutine, Pop by the consumer.
type payloadRing struct {
	write atomic.Uint64
	_     [56]byte
	read  atomic.Uint64
	_     [56]byte

	mask uint64
	buf  []Payload
}

// init allocates depth entries, a power of two.
func (r *payloadRing) init(depth int) {
	r.mask = uint64(depth - 1)
	r.buf = make([]Payload, depth)
}

func (r *payloadRing) push(p Payload) bool {
	w := r.write.Load()
	if w-r.read.Load() == uint64(len(r.buf)) {
		return false
	}
	r.buf[w&r.mask] = p
	r.write.Store(w + 1)
	return true
}

func (r *payloadRing) pop() (Payload, bool) {
	rd := r.read.Load()
	if rd == r.write.Load() {
		return Payload{}, false
	}
	p := r.buf[rd&r.mask]
	r.read.Store(rd + 1)
	return p, true
}

func (r *payloadRing) len() int {
	return int(r.write.Load() - r.read.Load())
}
