package streamcapture

import (
	"fmt"
	"time"
)

// PixelFormat is the layout of Frame.Data
type PixelFormat int

const (
	// PixelFormatBGR24 is packed 8-bit blue, green, red
	PixelFormatBGR24 PixelFormat = iota
)

// String returns the format name
func (p PixelFormat) String() string {
	switch p {
	case PixelFormatBGR24:
		return "bgr24"
	default:
		return "unknown"
	}
}

// Frame represents a single decoded video frame with metadata.
//
// Data is owned by the source and reused across reads: it is valid only
// until the next Read on the same source. Callers that need to keep a frame
// past that point must Clone it.
type Frame struct {
	// Seq is the monotonic sequence number over the source's lifetime
	Seq uint64
	// Data holds Width*Height*3 bytes of packed BGR24
	Data []byte
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// PTS is the presentation timestamp in microseconds (0 when unknown)
	PTS int64
	// Valid is false for a zero Frame
	Valid bool
	// Format of Data
	Format PixelFormat
	// CapturedAt is the wall clock time the frame left the decoder
	CapturedAt time.Time
	// SourceStream identifies the stream (e.g., "LQ", "HQ")
	SourceStream string
	// TraceID is a unique identifier for distributed tracing, assigned by
	// the pipeline
	TraceID string
}

// Empty reports whether the frame carries no pixels
func (f *Frame) Empty() bool {
	return !f.Valid || len(f.Data) == 0 || f.Width <= 0 || f.Height <= 0
}

// Clone returns a copy whose Data does not alias the source buffer
func (f *Frame) Clone() Frame {
	c := *f
	c.Data = append([]byte(nil), f.Data...)
	return c
}

// Transport is the reliability preference for network sources
type Transport int

const (
	// TransportReliable carries media over the RTSP TCP connection
	TransportReliable Transport = iota
	// TransportLowLatency carries media over RTP/UDP (loss tolerated)
	TransportLowLatency
)

// String returns a human-readable string representation of the transport
func (t Transport) String() string {
	switch t {
	case TransportReliable:
		return "reliable"
	case TransportLowLatency:
		return "low-latency"
	default:
		return "reliable"
	}
}

// ParseTransport maps "reliable" / "low-latency" (or "tcp" / "udp") to a
// Transport. Empty means reliable.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "", "reliable", "tcp":
		return TransportReliable, nil
	case "low-latency", "udp":
		return TransportLowLatency, nil
	default:
		return 0, fmt.Errorf("stream-capture: unknown transport %q (must be reliable or low-latency)", s)
	}
}

// Config contains source configuration shared by every variant
type Config struct {
	// Transport is the network reliability preference
	Transport Transport
	// ConnectTimeout bounds connection establishment (and network reads)
	ConnectTimeout time.Duration
	// SourceStream identifies the stream (e.g., "LQ", "HQ")
	SourceStream string
}

// DefaultConnectTimeout is used when Config.ConnectTimeout is zero
const DefaultConnectTimeout = 5 * time.Second

// DefaultConfig returns reliable transport with a 5s connect timeout
func DefaultConfig() Config {
	return Config{
		Transport:      TransportReliable,
		ConnectTimeout: DefaultConnectTimeout,
	}
}

// State is the lifecycle state of a source
type State int32

const (
	// StateClosed is the initial and final state
	StateClosed State = iota
	// StateOpening means Open is connecting
	StateOpening
	// StateStreaming means Read may yield frames
	StateStreaming
	// StateError is terminal after a fatal read failure; Close is still required
	StateError
)

// String returns a human-readable string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamStats contains current source statistics
type StreamStats struct {
	// State is the current lifecycle state
	State State
	// FrameCount is the total number of frames delivered
	FrameCount uint64
	// UnitsRead is the number of compressed units consumed
	UnitsRead uint64
	// BytesRead is the total compressed bytes consumed
	BytesRead uint64
	// ConverterRebuilds counts color conversion context (re)creations
	ConverterRebuilds uint64
	// FPSReal is the measured delivery rate since Open
	FPSReal float64
	// LatencyMS is the time since the last frame in milliseconds
	LatencyMS int64
	// Resolution is the last frame resolution (e.g., "1280x720")
	Resolution string
	// Codec is the selected stream codec
	Codec string
	// SourceStream identifies the stream (e.g., "LQ", "HQ")
	SourceStream string
	// IsConnected indicates if the source is streaming
	IsConnected bool

	// Error telemetry by category
	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}
