package streamcapture

import "context"

// Source defines the contract for synchronous video frame acquisition.
//
// Implementations must guarantee:
//   - Open() fully tears down partial state before returning an error
//   - Read() is synchronous and delivers one frame per true return
//   - Read() returns false exactly once when the stream ends or fails
//   - Close() is idempotent and safe before Open() or after a failed Read()
//   - Stats() and State() are thread-safe (can be called from any goroutine)
//
// Variants: rtsp.Source (live network) and recorded.Source (files). A
// hardware-decoded variant plugs in behind the same interface.
type Source interface {
	// Open connects to the stream and prepares a decoder for its first
	// video stream.
	//
	// The context bounds the session: cancelling it interrupts a blocked
	// Read. Connection establishment is additionally bounded by
	// Config.ConnectTimeout.
	//
	// Returns an error if:
	//   - The source cannot be reached (*ConnectionError)
	//   - It has no video stream or an unsupported codec (*StreamFormatError)
	//   - The decoder cannot be created (*DecoderInitError)
	Open(ctx context.Context, url string) error

	// Read decodes the next frame into frame.
	//
	// frame.Data aliases a buffer owned by the source and is overwritten by
	// the next Read. Returns false at end of stream (Err() == nil) or on a
	// fatal failure (Err() != nil, state StateError).
	Read(frame *Frame) bool

	// Err returns the reason for the last false Read, or nil at end of
	// stream.
	Err() error

	// Close releases every resource. Safe to call multiple times.
	Close() error

	// State returns the lifecycle state
	State() State

	// Stats returns current statistics
	Stats() StreamStats
}
