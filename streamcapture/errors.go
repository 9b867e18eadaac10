package streamcapture

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrNoVideoStream means the source has no video-typed stream
	ErrNoVideoStream = errors.New("no video stream")
	// ErrUnsupportedCodec means the selected video stream cannot be decoded
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// ConnectionError reports a failure to reach the source, or a transport
// failure while streaming. Reconnecting may help.
type ConnectionError struct {
	URL      string
	Op       string // "open" or "read"
	Category ErrorCategory
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("stream-capture: %s %s [%s]: %v", e.Op, RedactURL(e.URL), e.Category, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StreamFormatError reports a reachable source whose content cannot be
// used: no video stream, or an unsupported codec.
type StreamFormatError struct {
	URL string
	Err error
}

func (e *StreamFormatError) Error() string {
	return fmt.Sprintf("stream-capture: %s: %v", RedactURL(e.URL), e.Err)
}

func (e *StreamFormatError) Unwrap() error { return e.Err }

// DecoderInitError reports a decoder that could not be created for the
// selected stream.
type DecoderInitError struct {
	Codec string
	Err   error
}

func (e *DecoderInitError) Error() string {
	return fmt.Sprintf("stream-capture: decoder init for %s: %v", e.Codec, e.Err)
}

func (e *DecoderInitError) Unwrap() error { return e.Err }

// DecodeError reports a fatal failure while decoding or converting. The
// source is in StateError and must be closed.
type DecodeError struct {
	Seq      uint64 // last delivered frame
	Category ErrorCategory
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("stream-capture: decode failed after frame %d [%s]: %v", e.Seq, e.Category, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// RedactURL hides credentials embedded in a stream URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

// ErrorCategory represents the classification of source errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryNetwork indicates network-related failures (connection, timeout, DNS)
	ErrCategoryNetwork ErrorCategory = iota
	// ErrCategoryCodec indicates codec/stream failures (decode errors, format issues)
	ErrCategoryCodec
	// ErrCategoryAuth indicates authentication/authorization failures
	ErrCategoryAuth
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ClassifyError categorizes an error for telemetry.
//
// This distinguishes between:
//   - Network issues (reconnect may help)
//   - Codec issues (stream format problem, reconnect unlikely to help)
//   - Auth issues (credentials needed)
//   - Unknown issues (need investigation)
//
// Typed format errors classify as codec; everything else falls back to
// message heuristics, since neither the RTSP client nor GStreamer expose a
// stable error domain.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	var formatErr *StreamFormatError
	var initErr *DecoderInitError
	if errors.As(err, &formatErr) || errors.As(err, &initErr) {
		return ErrCategoryCodec
	}

	return ClassifyMessage(err.Error(), "")
}

// ClassifyMessage categorizes an error message plus optional debug detail.
//
// Priority: auth (most specific), then codec, then network.
func ClassifyMessage(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

var authKeywords = []string{
	"unauthorized",
	"401",
	"403",
	"forbidden",
	"authentication",
	"credentials",
	"password",
	"username",
}

var codecKeywords = []string{
	"codec",
	"decode",
	"format",
	"negotiation",
	"caps",
	"h264",
	"h265",
	"mjpeg",
	"jpeg",
	"not negotiated",
	"no decoder",
	"missing plugin",
}

var networkKeywords = []string{
	"connection",
	"timeout",
	"unreachable",
	"network",
	"dns",
	"resolve",
	"socket",
	"tcp",
	"udp",
	"rtsp",
	"eof",
	"not found",
	"i/o timeout",
	"could not connect",
	"failed to connect",
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
