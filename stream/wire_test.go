package stream

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softsdr/pkg"
	"github.com/ardnew/softsdr/ring"
)

func TestTxHeader(t *testing.T) {
	tests := []struct {
		name    string
		ts      int64
		samples int
		want    [4]uint32
		wantTS  int64
	}{
		{"zero", 0, 1, [4]uint32{0, 0, 0, 0}, 0},
		{"low word", 0x12345678, 1024, [4]uint32{0x12345678, 1023 << 16, 0, 0}, 0x12345678},
		{"high bits", 0xabcd_0000_0001, 2, [4]uint32{1, 0xabcd | 1<<16, 0, 0}, 0xabcd_0000_0001},
		{"asap", -1, 0x8000, [4]uint32{0xffffffff, 0xffff | 0x7fff<<16 | 1<<31, 0, 0}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, TxHeaderSize)
			require.NoError(t, EncodeTxHeader(buf, tt.ts, tt.samples))
			var got [4]uint32
			for i := range got {
				got[i] = binary.LittleEndian.Uint32(buf[i*4:])
			}
			assert.Equal(t, tt.want, got)

			ts, samples, err := DecodeTxHeader(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTS, ts)
			assert.Equal(t, tt.samples, samples)
		})
	}
}

func TestTxHeaderErrors(t *testing.T) {
	require.ErrorIs(t, EncodeTxHeader(make([]byte, 8), 0, 1), pkg.ErrInvalidParameter)
	require.ErrorIs(t, EncodeTxHeader(make([]byte, 16), 0, 0), pkg.ErrInvalidParameter)
	require.ErrorIs(t, EncodeTxHeader(make([]byte, 16), 0, MaxTxSamples+1), pkg.ErrInvalidParameter)
	_, _, err := DecodeTxHeader(make([]byte, 4))
	require.ErrorIs(t, err, pkg.ErrProtocol)
}

func TestTxSamples(t *testing.T) {
	assert.Equal(t, 1024, TxSamples(4096, 32))
	assert.Equal(t, 1024, TxSamples(4096, 0))
	assert.Equal(t, 512, TxSamples(4096, 64))
}

func TestRxTrailer(t *testing.T) {
	buf := make([]byte, 64)
	oob := ring.OOB{Timestamp: -42, Bursts: 7, Skipped: 3}

	require.NoError(t, EncodeRxTrailer(buf, oob, RxTrailerSize))
	got, err := DecodeRxTrailer(buf)
	require.NoError(t, err)
	assert.Equal(t, ring.OOB{Bursts: 7, Skipped: 3}, got)

	require.NoError(t, EncodeRxTrailer(buf, oob, RxTrailerExSize))
	got, err = DecodeRxTrailerEx(buf)
	require.NoError(t, err)
	assert.Equal(t, oob, got)

	require.ErrorIs(t, EncodeRxTrailer(buf, oob, 12), pkg.ErrInvalidParameter)
	_, err = DecodeRxTrailer(buf[:4])
	require.ErrorIs(t, err, pkg.ErrProtocol)
	_, err = DecodeRxTrailerEx(buf[:8])
	require.ErrorIs(t, err, pkg.ErrProtocol)
}

func TestSampleFormat(t *testing.T) {
	tests := []struct {
		name string
		f    SampleFormat
		bits int
	}{
		{"ci16", FormatCI16, 32},
		{"ci12", FormatCI12, 24},
		{"cs8", FormatCS8, 16},
		{"cf32", FormatCF32, 64},
	}
	for _, tt := range tests {
		f, err := ParseSampleFormat(tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.f, f)
		assert.Equal(t, tt.name, f.String())
		assert.Equal(t, tt.bits, f.BitsPerSymbol())
	}
	_, err := ParseSampleFormat("cu4")
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.Equal(t, 0, SampleFormat(99).BitsPerSymbol())
}

func TestParamsValidate(t *testing.T) {
	limits := Limits{MinSlots: 2, MaxSlots: 64, MinBlockSize: 64, MaxBlockSize: 1 << 16}
	ok := Params{Direction: RX, BlockSize: 4096, Slots: 8}
	require.NoError(t, ok.Validate(limits))

	tests := []struct {
		name string
		mod  func(*Params)
	}{
		{"direction", func(p *Params) { p.Direction = Direction(5) }},
		{"not power of two", func(p *Params) { p.Slots = 12 }},
		{"below min slots", func(p *Params) { p.Slots = 1 }},
		{"above max slots", func(p *Params) { p.Slots = 128 }},
		{"zero block", func(p *Params) { p.BlockSize = 0 }},
		{"small block", func(p *Params) { p.BlockSize = 32 }},
		{"large block", func(p *Params) { p.BlockSize = 1 << 17 }},
		{"bits", func(p *Params) { p.BitsPerSymbol = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok
			tt.mod(&p)
			require.ErrorIs(t, p.Validate(limits), pkg.ErrInvalidParameter)
		})
	}
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "rx", RX.String())
	assert.Equal(t, "tx", TX.String())
	assert.Equal(t, "direction(9)", Direction(9).String())
}
