package recorded

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-live-detect/streamcapture"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// microsecond ticks, so PTS taken from CAP_PROP_POS_MSEC keeps sub-ms precision
var captureTimeBase = media.Rational{Num: 1, Den: 1_000_000}

// capture adapts an OpenCV VideoCapture to media.Demuxer. OpenCV decodes
// internally, so every unit already holds a packed BGR24 picture.
type capture struct {
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info media.StreamInfo

	// geometry of the last unit read
	width  int
	height int
	closed bool
}

// openCapture opens a video file. A file:// prefix is accepted.
func openCapture(ctx context.Context, url string) (*capture, error) {
	path := strings.TrimPrefix(url, "file://")
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video file: %w", err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video capture is not opened")
	}

	width := int(vc.Get(gocv.VideoCaptureFrameWidth))
	height := int(vc.Get(gocv.VideoCaptureFrameHeight))
	if width <= 0 || height <= 0 {
		vc.Close()
		return nil, fmt.Errorf("%s: %w", path, streamcapture.ErrNoVideoStream)
	}

	codec := strings.ToUpper(strings.Trim(vc.CodecString(), "\x00 "))
	if codec == "" {
		codec = "RAW"
	}

	return &capture{
		vc:  vc,
		mat: gocv.NewMat(),
		info: media.StreamInfo{
			Codec:    media.Codec(codec),
			TimeBase: captureTimeBase,
			Width:    width,
			Height:   height,
		},
	}, nil
}

func (c *capture) Stream() media.StreamInfo {
	return c.info
}

// ReadUnit decodes the next picture. Data aliases the capture's matrix and is
// valid until the next call.
func (c *capture) ReadUnit(ctx context.Context) (media.Unit, error) {
	if c.closed {
		return media.Unit{}, io.ErrClosedPipe
	}
	if err := ctx.Err(); err != nil {
		return media.Unit{}, err
	}

	for {
		if !c.vc.Read(&c.mat) {
			return media.Unit{}, io.EOF
		}
		if c.mat.Empty() {
			continue
		}
		if c.mat.Type() != gocv.MatTypeCV8UC3 {
			return media.Unit{}, fmt.Errorf("recorded: unexpected picture type %v", c.mat.Type())
		}
		break
	}

	data, err := c.mat.DataPtrUint8()
	if err != nil {
		return media.Unit{}, fmt.Errorf("recorded: failed to read picture: %w", err)
	}
	c.width, c.height = c.mat.Cols(), c.mat.Rows()

	unit := media.Unit{Data: data, Key: true}
	if ms := c.vc.Get(gocv.VideoCapturePosMsec); ms >= 0 && !math.IsNaN(ms) {
		unit.PTS = int64(math.Round(ms * 1000))
		unit.HasPTS = true
	}
	return unit, nil
}

// Close releases the capture. Idempotent.
func (c *capture) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.mat.Close(); err != nil {
		c.vc.Close()
		return err
	}
	return c.vc.Close()
}

// passthrough is the decoder half of a capture: the picture arrives already
// decoded, so each Send yields exactly one picture.
type passthrough struct {
	capture *capture
	pic     media.Picture
	pending bool
	flushed bool
}

func (p *passthrough) Send(u media.Unit) error {
	if p.pending {
		return fmt.Errorf("recorded: picture not received before next send")
	}
	w, h := p.capture.width, p.capture.height
	if want := w * h * 3; len(u.Data) != want {
		return fmt.Errorf("recorded: unit holds %d bytes, want %d for %dx%d", len(u.Data), want, w, h)
	}
	p.pic = media.Picture{
		Width:  w,
		Height: h,
		Format: media.FormatBGR,
		Data:   u.Data,
		PTS:    u.PTS,
		HasPTS: u.HasPTS,
	}
	p.pending = true
	return nil
}

func (p *passthrough) Receive() (media.Picture, error) {
	if p.pending {
		p.pending = false
		return p.pic, nil
	}
	if p.flushed {
		return media.Picture{}, io.EOF
	}
	return media.Picture{}, media.ErrNeedMoreInput
}

func (p *passthrough) Flush() error {
	p.flushed = true
	return nil
}

func (p *passthrough) Close() error {
	p.pic = media.Picture{}
	p.pending = false
	return nil
}
