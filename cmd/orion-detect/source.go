package main

import (
	"github.com/e7canasta/orion-live-detect/config"
	"github.com/e7canasta/orion-live-detect/streamcapture"
	"github.com/e7canasta/orion-live-detect/streamcapture/recorded"
	"github.com/e7canasta/orion-live-detect/streamcapture/rtsp"
)

// newSource builds a closed source for the configured kind
func newSource(cfg *config.Config) (streamcapture.Source, error) {
	transport, err := streamcapture.ParseTransport(cfg.Source.Transport)
	if err != nil {
		return nil, err
	}
	scfg := streamcapture.Config{
		Transport:      transport,
		ConnectTimeout: cfg.Source.ConnectTimeout,
		SourceStream:   cfg.Source.SourceStream,
	}

	if cfg.Source.Kind == "file" {
		src, err := recorded.New(scfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	accel, err := rtsp.ParseAccel(cfg.Source.Accel)
	if err != nil {
		return nil, err
	}
	src, err := rtsp.New(scfg, rtsp.Options{Accel: accel})
	if err != nil {
		return nil, err
	}
	return src, nil
}
