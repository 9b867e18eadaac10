// Package recorded provides the file streamcapture.Source, decoding through
// OpenCV VideoCapture (FFmpeg or GStreamer backend, whichever OpenCV was
// built with).
package recorded

import (
	"context"
	"fmt"

	"github.com/e7canasta/orion-live-detect/streamcapture"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/colorconv"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// Source is the recorded-file implementation of streamcapture.Source.
//
// Config.Transport is ignored. PTS comes from the container position
// (CAP_PROP_POS_MSEC).
type Source struct {
	*streamcapture.Session
}

var _ streamcapture.Source = (*Source)(nil)

// New creates a closed file source.
func New(cfg streamcapture.Config) (*Source, error) {
	// The session opens the demuxer before the decoder, and never two at once
	var current *capture

	backend := streamcapture.SessionBackend{
		Name: "recorded",
		OpenDemuxer: func(ctx context.Context, url string, _ streamcapture.Config) (media.Demuxer, error) {
			c, err := openCapture(ctx, url)
			if err != nil {
				return nil, err
			}
			current = c
			return c, nil
		},
		NewDecoder: func(info media.StreamInfo) (media.Decoder, error) {
			if current == nil {
				return nil, fmt.Errorf("recorded: no capture open for %s", info.Codec)
			}
			return &passthrough{capture: current}, nil
		},
		NewConverter: colorconv.New,
	}

	session, err := streamcapture.NewSession(backend, cfg)
	if err != nil {
		return nil, err
	}
	return &Source{Session: session}, nil
}
