package stream

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

// Framing sizes, all little endian.
const (
	// RxTrailerSize is the receive trailer: bursts u32, skipped u32.
	RxTrailerSize = 8
	// RxTrailerExSize is the extended receive trailer used by bulk USB:
	// bursts u32, skipped u32, timestamp i64.
	RxTrailerExSize = 16
	// TxHeaderSize is the transmit header prefixed to every buffer.
	TxHeaderSize = 16

	// MaxTxSamples is the largest sample count the header can carry.
	MaxTxSamples = 0x8000

	tsHighMask  = 0xffff
	samplesMask = 0x7fff
	negativeBit = 1 << 31
)

// EncodeTxHeader writes the transmit header for a buffer of samples
// samples to be sent at ts. A negative ts means "as soon as possible".
//
//	word0  ts bits 31:0
//	word1  ts bits 47:32 | (samples-1) << 16 | negative << 31
//	word2  0
//	word3  0
func EncodeTxHeader(dst []byte, ts int64, samples int) error {
	if len(dst) < TxHeaderSize {
		return fmt.Errorf("%w: header needs %d bytes", pkg.ErrInvalidParameter, TxHeaderSize)
	}
	if samples < 1 || samples > MaxTxSamples {
		return fmt.Errorf("%w: %d samples", pkg.ErrInvalidParameter, samples)
	}
	u := uint64(ts)
	w1 := uint32(u>>32)&tsHighMask | uint32(samples-1)&samplesMask<<16
	if ts < 0 {
		w1 |= negativeBit
	}
	binary.LittleEndian.PutUint32(dst[0:], uint32(u))
	binary.LittleEndian.PutUint32(dst[4:], w1)
	binary.LittleEndian.PutUint32(dst[8:], 0)
	binary.LittleEndian.PutUint32(dst[12:], 0)
	return nil
}

// DecodeTxHeader is the inverse of EncodeTxHeader. Negative timestamps
// decode as -1.
func DecodeTxHeader(src []byte) (ts int64, samples int, err error) {
	if len(src) < TxHeaderSize {
		return 0, 0, fmt.Errorf("%w: short tx header", pkg.ErrProtocol)
	}
	w0 := binary.LittleEndian.Uint32(src[0:])
	w1 := binary.LittleEndian.Uint32(src[4:])
	samples = int(w1>>16&samplesMask) + 1
	if w1&negativeBit != 0 {
		return -1, samples, nil
	}
	return int64(w1&tsHighMask)<<32 | int64(w0), samples, nil
}

// TxSamples converts a payload length to a sample count.
func TxSamples(length, bitsPerSymbol int) int {
	if bitsPerSymbol <= 0 {
		bitsPerSymbol = 32
	}
	return length * 8 / bitsPerSymbol
}

// DecodeRxTrailer reads the 8-byte trailer at the end of buf.
func DecodeRxTrailer(buf []byte) (ring.OOB, error) {
	if len(buf) < RxTrailerSize {
		return ring.OOB{}, fmt.Errorf("%w: short rx trailer", pkg.ErrProtocol)
	}
	t := buf[len(buf)-RxTrailerSize:]
	return ring.OOB{
		Bursts:  binary.LittleEndian.Uint32(t[0:]),
		Skipped: binary.LittleEndian.Uint32(t[4:]),
	}, nil
}

// DecodeRxTrailerEx reads the 16-byte extended trailer at the end of buf.
func DecodeRxTrailerEx(buf []byte) (ring.OOB, error) {
	if len(buf) < RxTrailerExSize {
		return ring.OOB{}, fmt.Errorf("%w: short rx trailer", pkg.ErrProtocol)
	}
	t := buf[len(buf)-RxTrailerExSize:]
	return ring.OOB{
		Bursts:    binary.LittleEndian.Uint32(t[0:]),
		Skipped:   binary.LittleEndian.Uint32(t[4:]),
		Timestamp: int64(binary.LittleEndian.Uint64(t[8:])),
	}, nil
}

// EncodeRxTrailer writes oob as a trailer of size RxTrailerSize or
// RxTrailerExSize at the end of dst. Simulated hardware uses it.
func EncodeRxTrailer(dst []byte, oob ring.OOB, size int) error {
	if size != RxTrailerSize && size != RxTrailerExSize || len(dst) < size {
		return fmt.Errorf("%w: trailer size %d", pkg.ErrInvalidParameter, size)
	}
	t := dst[len(dst)-size:]
	binary.LittleEndian.PutUint32(t[0:], oob.Bursts)
	binary.LittleEndian.PutUint32(t[4:], oob.Skipped)
	if size == RxTrailerExSize {
		binary.LittleEndian.PutUint64(t[8:], uint64(oob.Timestamp))
	}
	return nil
}
