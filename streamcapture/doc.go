// Package streamcapture provides synchronous video frame acquisition from
// live RTSP cameras and recorded files.
//
// A Source is a small state machine (Closed → Opening → Streaming →
// Closed | Error) that hands decoded frames to the caller one at a time. The
// caller owns the loop; nothing runs in the background on the data path.
//
// # Quick Start
//
//	src, err := rtsp.New(streamcapture.DefaultConfig(), rtsp.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer src.Close()
//
//	if err := src.Open(ctx, "rtsp://192.168.1.100/stream"); err != nil {
//	    log.Fatal(err)
//	}
//
//	var frame streamcapture.Frame
//	for src.Read(&frame) {
//	    // frame.Data is packed BGR24, valid until the next Read
//	    processFrame(&frame)
//	}
//	if err := src.Err(); err != nil {
//	    log.Printf("stream failed: %v", err)
//	}
//
// # Variants
//
//   - rtsp.Source: RTSP/RTP via gortsplib, decoding through a GStreamer
//     appsrc ! parse ! decode ! appsink pipeline (VAAPI when available),
//     color conversion via gocv
//   - recorded.Source: video files via OpenCV VideoCapture
//
// Both satisfy Source. A hardware-decoded variant plugs in behind the same
// interface.
//
// # Frame Format
//
// Frames are delivered as packed BGR24:
//
//   - Size: Width × Height × 3 bytes
//   - PTS: microseconds derived from the stream time base (0 when unknown)
//   - Seq: monotonic over the source's lifetime
//
// Frame.Data is reused by the source. Clone a frame to keep it past the next
// Read.
//
// # End of Stream and Errors
//
// Read returns false exactly once when the stream ends or fails. At end of
// stream Err() is nil and the source has already released its resources.
// On failure Err() carries a *DecodeError or *ConnectionError and the source
// stays in StateError until Close.
//
// Open fails with *ConnectionError (unreachable, auth), *StreamFormatError
// (no video stream, unsupported codec) or *DecoderInitError. Every error
// carries an ErrorCategory for telemetry:
//
//   - Network: timeouts, connection refused, resets (reconnect may help)
//   - Codec: format or decoder problems (reconnect unlikely to help)
//   - Auth: credentials rejected
//   - Unknown: needs investigation
//
// # Reconnection
//
// Sources never reconnect on their own. The caller decides: close, back
// off, open again (see cmd/orion-detect).
//
// # Warmup
//
// CalculateFPSStats measures stream stability from the PTS of the first
// frames:
//
//	stats := streamcapture.CalculateFPSStats(pts)
//	log.Printf("Stream stable: %v, FPS: %.2f", stats.IsStable, stats.FPSMean)
//
// # Thread Safety
//
//   - Open, Read and Close: one goroutine
//   - Stats, State: safe from any goroutine
//
// # Dependencies
//
// The network variant requires the GStreamer 1.x runtime with the decoders
// for the camera codec (gst-plugins-good/bad/ugly or gst-libav) and OpenCV
// 4.x for color conversion. The file variant requires OpenCV only.
package streamcapture
