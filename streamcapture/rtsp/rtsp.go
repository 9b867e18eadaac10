// Package rtsp provides the live network streamcapture.Source: RTSP/RTP via
// gortsplib, decoding through GStreamer and color conversion via OpenCV.
package rtsp

import (
	"context"
	"fmt"
	"strings"

	"github.com/e7canasta/orion-live-detect/streamcapture"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/colorconv"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/gstdecode"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/rtspdemux"
)

// HardwareAccel selects the decoder family
type HardwareAccel = gstdecode.HardwareAccel

const (
	// AccelAuto tries VAAPI and falls back to software (default)
	AccelAuto = gstdecode.AccelAuto
	// AccelVAAPI forces VAAPI, failing Open if unavailable
	AccelVAAPI = gstdecode.AccelVAAPI
	// AccelSoftware forces CPU decoding
	AccelSoftware = gstdecode.AccelSoftware
)

// ParseAccel maps "auto", "vaapi" or "software" to a HardwareAccel.
func ParseAccel(s string) (HardwareAccel, error) {
	switch strings.ToLower(s) {
	case "", "auto":
		return AccelAuto, nil
	case "vaapi":
		return AccelVAAPI, nil
	case "software", "cpu":
		return AccelSoftware, nil
	default:
		return AccelAuto, fmt.Errorf("stream-capture: unknown acceleration %q (must be auto, vaapi or software)", s)
	}
}

// Options tune the network variant beyond streamcapture.Config
type Options struct {
	Accel HardwareAccel
	// QueueSize bounds access units buffered between the RTSP client and
	// Read (default 8)
	QueueSize int
}

// Source is the live RTSP implementation of streamcapture.Source.
type Source struct {
	*streamcapture.Session
}

var _ streamcapture.Source = (*Source)(nil)

// New creates a closed RTSP source.
func New(cfg streamcapture.Config, opts Options) (*Source, error) {
	backend := streamcapture.SessionBackend{
		Name:    "rtsp",
		Runtime: gstdecode.Runtime,
		OpenDemuxer: func(ctx context.Context, url string, cfg streamcapture.Config) (media.Demuxer, error) {
			if !strings.HasPrefix(url, "rtsp://") && !strings.HasPrefix(url, "rtsps://") {
				return nil, fmt.Errorf("stream URL must begin with rtsp:// or rtsps://")
			}
			demux, err := rtspdemux.Open(ctx, url, rtspdemux.Options{
				TCP:       cfg.Transport == streamcapture.TransportReliable,
				Timeout:   cfg.ConnectTimeout,
				QueueSize: opts.QueueSize,
			})
			if err != nil {
				return nil, err
			}
			return demux, nil
		},
		NewDecoder: func(info media.StreamInfo) (media.Decoder, error) {
			if !gstdecode.Supported(info.Codec) {
				return nil, fmt.Errorf("%s: %w", info.Codec, streamcapture.ErrUnsupportedCodec)
			}
			dec, err := gstdecode.New(info, gstdecode.Options{Accel: opts.Accel})
			if err != nil {
				return nil, err
			}
			return dec, nil
		},
		NewConverter: colorconv.New,
	}

	session, err := streamcapture.NewSession(backend, cfg)
	if err != nil {
		return nil, err
	}
	return &Source{Session: session}, nil
}
