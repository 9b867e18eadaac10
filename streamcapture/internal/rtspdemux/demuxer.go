// Package rtspdemux reads the first video stream of an RTSP session as
// decoder-ready access units.
package rtspdemux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/pion/rtp"

	"github.com/e7canasta/orion-live-detect/streamcapture"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// Options configure the RTSP client
type Options struct {
	// TCP carries RTP interleaved on the RTSP connection; false uses UDP
	TCP bool
	// Timeout bounds network reads and writes (default 5s)
	Timeout time.Duration
	// QueueSize is the number of access units buffered between the client
	// goroutine and ReadUnit (default 8)
	QueueSize int
}

const defaultQueueSize = 8

// Demuxer implements media.Demuxer for RTSP.
//
// The RTSP client delivers packets on its own goroutine. Complete access
// units are handed to ReadUnit through a bounded channel; when it is full
// the client goroutine blocks rather than dropping compressed data.
type Demuxer struct {
	client *gortsplib.Client
	info   media.StreamInfo

	units chan media.Unit
	done  chan struct{} // closed by Close
	ended chan struct{} // closed when the client terminates
	err   error         // set before ended is closed

	closeOnce sync.Once
}

// Open connects to rawURL, selects the first video media and starts
// playing it.
//
// Returns an error wrapping streamcapture.ErrNoVideoStream or
// streamcapture.ErrUnsupportedCodec when the session has no usable video.
// Cancelling ctx abandons the connection attempt.
func Open(ctx context.Context, rawURL string, opts Options) (*Demuxer, error) {
	type result struct {
		d   *Demuxer
		err error
	}

	resc := make(chan result, 1)
	go func() {
		d, err := open(rawURL, opts)
		resc <- result{d: d, err: err}
	}()

	select {
	case r := <-resc:
		return r.d, r.err
	case <-ctx.Done():
		// The client has no context support; finish the attempt in the
		// background and close whatever it produced.
		go func() {
			if r := <-resc; r.d != nil {
				r.d.Close()
			}
		}()
		return nil, fmt.Errorf("rtspdemux: connect %s: %w", streamcapture.RedactURL(rawURL), ctx.Err())
	}
}

func open(rawURL string, opts Options) (*Demuxer, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = streamcapture.DefaultConnectTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rtspdemux: invalid URL: %w", err)
	}

	transport := gortsplib.TransportUDP
	if opts.TCP {
		transport = gortsplib.TransportTCP
	}

	c := &gortsplib.Client{
		Transport:    &transport,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	}

	if err := c.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("rtspdemux: connect: %w", err)
	}

	// Be sure to close the client if setup fails
	started := false
	defer func() {
		if !started {
			c.Close()
		}
	}()

	desc, _, err := c.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("rtspdemux: describe: %w", err)
	}

	medi, forma, codec, err := selectVideo(desc)
	if err != nil {
		return nil, err
	}

	depacketize, err := newDepacketizer(forma)
	if err != nil {
		return nil, err
	}

	if _, err := c.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return nil, fmt.Errorf("rtspdemux: setup: %w", err)
	}

	width, height := streamSize(forma)
	d := &Demuxer{
		client: c,
		info: media.StreamInfo{
			Index:    mediaIndex(desc, medi),
			Codec:    codec,
			TimeBase: media.Rational{Num: 1, Den: int64(forma.ClockRate())},
			Width:    width,
			Height:   height,
		},
		units: make(chan media.Unit, opts.QueueSize),
		done:  make(chan struct{}),
		ended: make(chan struct{}),
	}

	var ts tsUnwrapper
	c.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, err := depacketize(pkt)
		if err != nil {
			slog.Warn("rtspdemux: dropping access unit", "codec", codec, "error", err)
			return
		}
		if au == nil {
			return
		}
		d.deliver(media.Unit{
			Data:   au.data,
			PTS:    ts.unwrap(pkt.Timestamp),
			HasPTS: true,
			Key:    au.key,
		})
	})

	if _, err := c.Play(nil); err != nil {
		return nil, fmt.Errorf("rtspdemux: play: %w", err)
	}
	started = true

	go func() {
		d.err = c.Wait()
		close(d.ended)
	}()

	slog.Info("rtspdemux: playing",
		"url", streamcapture.RedactURL(rawURL),
		"transport", transport.String(),
		"codec", codec,
		"clock_rate", forma.ClockRate(),
		"resolution", fmt.Sprintf("%dx%d", width, height),
	)
	return d, nil
}

// selectVideo picks the FIRST video media of the session; later video
// media are ignored even if the first uses an unsupported codec.
func selectVideo(desc *description.Session) (*description.Media, format.Format, media.Codec, error) {
	for _, m := range desc.Medias {
		if m.Type != description.MediaTypeVideo {
			continue
		}
		forma, codec, ok := selectFormat(m.Formats)
		if !ok {
			name := "none"
			if len(m.Formats) > 0 {
				name = m.Formats[0].Codec()
			}
			return nil, nil, "", fmt.Errorf("rtspdemux: video media uses %s: %w", name, streamcapture.ErrUnsupportedCodec)
		}
		return m, forma, codec, nil
	}
	return nil, nil, "", fmt.Errorf("rtspdemux: %d media described: %w", len(desc.Medias), streamcapture.ErrNoVideoStream)
}

func mediaIndex(desc *description.Session, medi *description.Media) int {
	for i, m := range desc.Medias {
		if m == medi {
			return i
		}
	}
	return -1
}

// deliver blocks until the unit is queued or the demuxer is closed.
func (d *Demuxer) deliver(u media.Unit) {
	select {
	case d.units <- u:
	case <-d.done:
	}
}

// Stream describes the selected video stream
func (d *Demuxer) Stream() media.StreamInfo {
	return d.info
}

// ReadUnit blocks for the next access unit.
//
// Units already queued are returned before a client failure is reported.
// A live RTSP session has no natural end, so termination is always an
// error, never io.EOF, unless the demuxer was closed locally.
func (d *Demuxer) ReadUnit(ctx context.Context) (media.Unit, error) {
	select {
	case u := <-d.units:
		return u, nil
	case <-ctx.Done():
		return media.Unit{}, ctx.Err()
	case <-d.done:
		return media.Unit{}, io.EOF
	case <-d.ended:
		select {
		case u := <-d.units:
			return u, nil
		default:
		}
		if d.err == nil {
			return media.Unit{}, fmt.Errorf("rtspdemux: session terminated")
		}
		return media.Unit{}, fmt.Errorf("rtspdemux: session terminated: %w", d.err)
	}
}

// Close tears the RTSP session down. Idempotent.
func (d *Demuxer) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		d.client.Close()
	})
	return nil
}
