package rtspdemux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph265"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"
	"github.com/pion/rtp"

	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// accessUnit is one reassembled, decoder-ready unit.
type accessUnit struct {
	data []byte
	key  bool
}

// depacketizer reassembles RTP packets into access units. It returns
// (nil, nil) while a unit is incomplete or must be skipped.
type depacketizer func(pkt *rtp.Packet) (*accessUnit, error)

// selectFormat returns the first supported format of a media together with
// its codec.
func selectFormat(formats []format.Format) (format.Format, media.Codec, bool) {
	for _, f := range formats {
		switch f.(type) {
		case *format.H264:
			return f, media.CodecH264, true
		case *format.H265:
			return f, media.CodecH265, true
		case *format.MJPEG:
			return f, media.CodecMJPEG, true
		}
	}
	return nil, "", false
}

func newDepacketizer(f format.Format) (depacketizer, error) {
	switch forma := f.(type) {
	case *format.H264:
		return newH264Depacketizer(forma)
	case *format.H265:
		return newH265Depacketizer(forma)
	case *format.MJPEG:
		return newMJPEGDepacketizer(forma)
	default:
		return nil, fmt.Errorf("rtspdemux: no depacketizer for %s", f.Codec())
	}
}

// newH264Depacketizer emits Annex-B access units. Units before the first
// IDR are dropped since the decoder cannot start from them; SPS and PPS
// from the session description are prepended to every IDR so in-band
// parameter sets are not required.
func newH264Depacketizer(forma *format.H264) (depacketizer, error) {
	dec, err := forma.CreateDecoder()
	if err != nil {
		return nil, fmt.Errorf("rtspdemux: H264 decoder: %w", err)
	}

	started := false
	return func(pkt *rtp.Packet) (*accessUnit, error) {
		au, err := dec.Decode(pkt)
		if err != nil {
			if errors.Is(err, rtph264.ErrMorePacketsNeeded) || errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
				return nil, nil
			}
			// Packet loss: wait for the next complete unit
			slog.Debug("rtspdemux: dropping H264 fragment", "error", err)
			return nil, nil
		}

		key := h264.IDRPresent(au)
		if !started {
			if !key {
				return nil, nil
			}
			started = true
		}

		if key {
			sps, pps := forma.SafeParams()
			au = prependParams(au, sps, pps)
		}

		data, err := h264.AnnexBMarshal(au)
		if err != nil {
			return nil, fmt.Errorf("rtspdemux: H264 annex-b: %w", err)
		}
		return &accessUnit{data: data, key: key}, nil
	}, nil
}

// newH265Depacketizer mirrors the H264 path with VPS/SPS/PPS.
func newH265Depacketizer(forma *format.H265) (depacketizer, error) {
	dec, err := forma.CreateDecoder()
	if err != nil {
		return nil, fmt.Errorf("rtspdemux: H265 decoder: %w", err)
	}

	started := false
	return func(pkt *rtp.Packet) (*accessUnit, error) {
		au, err := dec.Decode(pkt)
		if err != nil {
			if errors.Is(err, rtph265.ErrMorePacketsNeeded) || errors.Is(err, rtph265.ErrNonStartingPacketAndNoPrevious) {
				return nil, nil
			}
			slog.Debug("rtspdemux: dropping H265 fragment", "error", err)
			return nil, nil
		}

		key := h265.IsRandomAccess(au)
		if !started {
			if !key {
				return nil, nil
			}
			started = true
		}

		if key {
			vps, sps, pps := forma.SafeParams()
			au = prependParams(au, vps, sps, pps)
		}

		// Annex-B framing is codec independent
		data, err := h264.AnnexBMarshal(au)
		if err != nil {
			return nil, fmt.Errorf("rtspdemux: H265 annex-b: %w", err)
		}
		return &accessUnit{data: data, key: key}, nil
	}, nil
}

// newMJPEGDepacketizer emits one complete JPEG per frame; every frame is a
// key frame.
func newMJPEGDepacketizer(forma *format.MJPEG) (depacketizer, error) {
	dec, err := forma.CreateDecoder()
	if err != nil {
		return nil, fmt.Errorf("rtspdemux: MJPEG decoder: %w", err)
	}

	return func(pkt *rtp.Packet) (*accessUnit, error) {
		frame, err := dec.Decode(pkt)
		if err != nil {
			if errors.Is(err, rtpmjpeg.ErrMorePacketsNeeded) || errors.Is(err, rtpmjpeg.ErrNonStartingPacketAndNoPrevious) {
				return nil, nil
			}
			slog.Debug("rtspdemux: dropping MJPEG fragment", "error", err)
			return nil, nil
		}
		return &accessUnit{data: frame, key: true}, nil
	}, nil
}

func prependParams(au [][]byte, params ...[]byte) [][]byte {
	out := make([][]byte, 0, len(params)+len(au))
	for _, p := range params {
		if len(p) > 0 {
			out = append(out, p)
		}
	}
	return append(out, au...)
}

// streamSize reads the coded picture size from the out-of-band parameter
// sets, when the session description carries them.
func streamSize(f format.Format) (int, int) {
	switch forma := f.(type) {
	case *format.H264:
		sps, _ := forma.SafeParams()
		if len(sps) == 0 {
			return 0, 0
		}
		var s h264.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0
		}
		return s.Width(), s.Height()
	case *format.H265:
		_, sps, _ := forma.SafeParams()
		if len(sps) == 0 {
			return 0, 0
		}
		var s h265.SPS
		if err := s.Unmarshal(sps); err != nil {
			return 0, 0
		}
		return s.Width(), s.Height()
	default:
		return 0, 0
	}
}
