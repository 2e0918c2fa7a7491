package stream

import (
	"fmt"
	"strings"

	"github.com/ardnew/softsdr/pkg"
)

// SampleFormat is the sample encoding of a stream.
type SampleFormat int

// Sample formats.
const (
	FormatCI16 SampleFormat = iota // complex int16
	FormatCI12                     // complex int12, packed
	FormatCS8                      // complex int8
	FormatCF32                     // complex float32
)

var formatNames = map[SampleFormat]string{
	FormatCI16: "ci16",
	FormatCI12: "ci12",
	FormatCS8:  "cs8",
	FormatCF32: "cf32",
}

// String returns the conventional format name.
func (f SampleFormat) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// ParseSampleFormat parses a format name such as "ci16".
func ParseSampleFormat(name string) (SampleFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: sample format %q", pkg.ErrInvalidParameter, name)
}

// BitsPerSymbol returns the size of one complex sample of one channel.
func (f SampleFormat) BitsPerSymbol() int {
	switch f {
	case FormatCI16:
		return 32
	case FormatCI12:
		return 24
	case FormatCS8:
		return 16
	case FormatCF32:
		return 64
	default:
		return 0
	}
}

// CreateStream opens a stream sized in symbols rather than bytes. The block
// carries symbols samples for each of channels channels.
func CreateStream(t Transport, dir Direction, format SampleFormat, channels, symbols, slots int, flags Flags) (*Stream, error) {
	p, err := FormatParams(dir, format, channels, symbols, slots, flags)
	if err != nil {
		return nil, err
	}
	return Initialize(t, p)
}

// FormatParams derives stream parameters from a sample layout.
func FormatParams(dir Direction, format SampleFormat, channels, symbols, slots int, flags Flags) (Params, error) {
	bps := format.BitsPerSymbol()
	if bps == 0 {
		return Params{}, fmt.Errorf("%w: sample format %s", pkg.ErrInvalidParameter, format)
	}
	if channels <= 0 || symbols <= 0 {
		return Params{}, fmt.Errorf("%w: %d channels x %d symbols", pkg.ErrInvalidParameter, channels, symbols)
	}
	bits := bps * channels
	return Params{
		Direction:     dir,
		BlockSize:     (bits*symbols + 7) / 8,
		Slots:         slots,
		Flags:         flags,
		BitsPerSymbol: bits,
	}, nil
}
