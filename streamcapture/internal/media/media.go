// Package media defines the collaborators a decode session drives: a
// demuxer producing compressed units, a decoder turning units into
// pictures, and a converter packing pictures into BGR24.
package media

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrNeedMoreInput is returned by Decoder.Receive when no picture is ready
// and the decoder must be fed another unit first.
var ErrNeedMoreInput = errors.New("media: decoder needs more input")

// Rational is a stream time base: one tick is Num/Den seconds.
type Rational struct {
	Num int64
	Den int64
}

// Valid reports whether the time base can convert ticks.
func (r Rational) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Micros converts a tick count to microseconds.
func (r Rational) Micros(ticks int64) int64 {
	if !r.Valid() {
		return 0
	}
	// Split to keep ticks*1e6 within int64 for long-running 90kHz clocks
	whole := ticks / r.Den
	rem := ticks % r.Den
	return whole*r.Num*1_000_000 + rem*r.Num*1_000_000/r.Den
}

// Duration converts a tick count to a duration, rounded to the nanosecond.
func (r Rational) Duration(ticks int64) time.Duration {
	if !r.Valid() {
		return 0
	}
	return time.Duration(math.Round(float64(ticks) * float64(r.Num) * 1e9 / float64(r.Den)))
}

// Ticks is the inverse of Duration, rounded to the nearest tick.
func (r Rational) Ticks(d time.Duration) int64 {
	if !r.Valid() {
		return 0
	}
	return int64(math.Round(float64(d) * float64(r.Den) / (float64(r.Num) * 1e9)))
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// Codec identifies a compressed video format.
type Codec string

const (
	CodecH264  Codec = "H264"
	CodecH265  Codec = "H265"
	CodecMJPEG Codec = "MJPEG"
)

// StreamInfo describes the selected video elementary stream.
type StreamInfo struct {
	Index    int
	Codec    Codec
	TimeBase Rational
	// Width and Height when the container declares them (0 = unknown)
	Width  int
	Height int
}

// Unit is one compressed access unit.
type Unit struct {
	Data   []byte
	PTS    int64
	HasPTS bool
	Key    bool
}

// PixelFormat names a decoder's native picture layout.
type PixelFormat string

const (
	FormatI420 PixelFormat = "I420"
	FormatYV12 PixelFormat = "YV12"
	FormatNV12 PixelFormat = "NV12"
	FormatBGR  PixelFormat = "BGR"
	FormatRGB  PixelFormat = "RGB"
	FormatBGRx PixelFormat = "BGRx"
	FormatBGRA PixelFormat = "BGRA"
)

// PackedSize returns the byte size of a tightly packed w×h picture, or 0
// for an unknown format. Chroma planes of 4:2:0 formats round up.
func (f PixelFormat) PackedSize(w, h int) int {
	cw, ch := (w+1)/2, (h+1)/2
	switch f {
	case FormatI420, FormatYV12, FormatNV12:
		return w*h + 2*cw*ch
	case FormatBGR, FormatRGB:
		return w * h * 3
	case FormatBGRx, FormatBGRA:
		return w * h * 4
	default:
		return 0
	}
}

// Picture is one decoded image in its native, tightly packed layout.
// Data is owned by the decoder and valid until the next Receive.
type Picture struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
	PTS    int64
	HasPTS bool
}

// Demuxer reads compressed units of the selected video stream.
type Demuxer interface {
	// Stream describes the selected video stream
	Stream() StreamInfo
	// ReadUnit blocks for the next unit. Returns io.EOF at end of stream.
	ReadUnit(ctx context.Context) (Unit, error)
	Close() error
}

// Decoder turns units into pictures.
//
// A Send may yield zero or more pictures. Receive returns ErrNeedMoreInput
// when the caller must Send again, and io.EOF once Flush has drained
// everything.
type Decoder interface {
	Send(u Unit) error
	Receive() (Picture, error)
	// Flush signals end of input so buffered pictures can be drained
	Flush() error
	Close() error
}

// Converter packs pictures of one fixed geometry and format into BGR24.
type Converter interface {
	// Convert writes Width*Height*3 bytes into dst
	Convert(p Picture, dst []byte) error
	Close() error
}

// ConverterFactory builds a converter for a geometry and native format.
type ConverterFactory func(width, height int, format PixelFormat) (Converter, error)
