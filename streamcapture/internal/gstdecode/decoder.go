// Package gstdecode decodes compressed video units through a GStreamer
// appsrc → decoder → videoconvert → appsink pipeline.
package gstdecode

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-live-detect/internal/libinit"
	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// Runtime is the process-wide GStreamer initialization.
//
// Teardown is nil: GStreamer cannot be initialized again after gst_deinit,
// so the library stays up once a session has used it.
var Runtime = &libinit.Library{
	Name: "gstreamer",
	Init: checkGStreamerAvailable,
}

// checkGStreamerAvailable initializes GStreamer and verifies that elements
// can be created.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}

// HardwareAccel selects the decoder element family
type HardwareAccel int

const (
	// AccelAuto tries VAAPI and falls back to software
	AccelAuto HardwareAccel = iota
	// AccelVAAPI forces VAAPI, failing if unavailable
	AccelVAAPI
	// AccelSoftware forces CPU decoding
	AccelSoftware
)

// String returns the mode name
func (a HardwareAccel) String() string {
	switch a {
	case AccelVAAPI:
		return "vaapi"
	case AccelSoftware:
		return "software"
	default:
		return "auto"
	}
}

// Options tune the decoder
type Options struct {
	Accel HardwareAccel
	// PullTimeout bounds how long Receive waits for a picture before asking
	// for more input (default 10ms)
	PullTimeout time.Duration
	// DrainTimeout bounds how long draining waits for each remaining
	// picture after Flush (default 2s)
	DrainTimeout time.Duration
}

const (
	defaultPullTimeout  = 10 * time.Millisecond
	defaultDrainTimeout = 2 * time.Second
)

// rawCaps lists the native layouts the converter understands. videoconvert
// passes decoder output through when it already matches one of them.
const rawCaps = "video/x-raw,format=(string){ I420, NV12, YV12, BGR, RGB, BGRx, BGRA }"

type codecElements struct {
	caps     string
	parser   string
	software string
	vaapi    string
}

var codecs = map[media.Codec]codecElements{
	media.CodecH264: {
		caps:     "video/x-h264,stream-format=byte-stream,alignment=au",
		parser:   "h264parse",
		software: "avdec_h264",
		vaapi:    "vaapih264dec",
	},
	media.CodecH265: {
		caps:     "video/x-h265,stream-format=byte-stream,alignment=au",
		parser:   "h265parse",
		software: "avdec_h265",
		vaapi:    "vaapih265dec",
	},
	media.CodecMJPEG: {
		caps:     "image/jpeg",
		parser:   "jpegparse",
		software: "jpegdec",
		vaapi:    "vaapijpegdec",
	},
}

// Supported reports whether a codec has a decoder mapping.
func Supported(c media.Codec) bool {
	_, ok := codecs[c]
	return ok
}

// Decoder implements media.Decoder on top of a GStreamer pipeline.
//
// Units are pushed into an appsrc with their PTS; pictures are pulled from
// an appsink. The pipeline decodes asynchronously, so a picture may appear
// several units after the one that produced it.
type Decoder struct {
	codec    media.Codec
	timeBase media.Rational
	opts     Options

	pipeline   *gst.Pipeline
	src        *app.Source
	sink       *app.Sink
	bus        *gst.Bus
	usingVAAPI bool

	scratch []byte
	flushed bool
	closed  bool
}

// New creates and starts a decoder for the stream.
//
// Returns an error wrapping media-level details if the codec has no
// mapping or an element cannot be created (missing plugin).
func New(info media.StreamInfo, opts Options) (*Decoder, error) {
	els, ok := codecs[info.Codec]
	if !ok {
		return nil, fmt.Errorf("gstdecode: no decoder for codec %q", info.Codec)
	}
	if opts.PullTimeout <= 0 {
		opts.PullTimeout = defaultPullTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}

	d := &Decoder{codec: info.Codec, timeBase: info.TimeBase, opts: opts}
	if err := d.build(els); err != nil {
		d.Close()
		return nil, err
	}

	if err := d.pipeline.SetState(gst.StatePlaying); err != nil {
		d.Close()
		return nil, fmt.Errorf("gstdecode: failed to start pipeline: %w", err)
	}

	slog.Info("gstdecode: decoder ready",
		"codec", info.Codec,
		"accel", opts.Accel.String(),
		"using_vaapi", d.usingVAAPI,
		"time_base", info.TimeBase.String(),
	)
	return d, nil
}

// build assembles:
//
//	appsrc → parser → decoder [→ vaapipostproc] → videoconvert → capsfilter → appsink
func (d *Decoder) build(els codecElements) error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create pipeline: %w", err)
	}
	d.pipeline = pipeline
	d.bus = pipeline.GetPipelineBus()

	src, err := app.NewAppSrc()
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString(els.caps))
	src.SetFormat(gst.FormatTime)
	src.SetProperty("is-live", true)
	d.src = src

	parser, err := gst.NewElement(els.parser)
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create %s: %w", els.parser, err)
	}

	decoder, postproc, err := d.selectDecoder(els)
	if err != nil {
		return err
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0) // 0 = auto-detect cores

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(rawCaps))

	sink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstdecode: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false) // No sync with clock (real-time)
	sink.SetProperty("max-buffers", 4)
	sink.SetProperty("drop", false) // Decoded pictures are never dropped
	d.sink = sink

	chain := []*gst.Element{src.Element, parser, decoder}
	if postproc != nil {
		chain = append(chain, postproc)
	}
	chain = append(chain, converter, capsfilter, sink.Element)

	if err := pipeline.AddMany(chain...); err != nil {
		return fmt.Errorf("gstdecode: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("gstdecode: failed to link elements: %w", err)
	}
	return nil
}

// selectDecoder picks the decoder element for the acceleration mode.
// VAAPI output goes through vaapipostproc to reach system memory as NV12.
func (d *Decoder) selectDecoder(els codecElements) (decoder, postproc *gst.Element, err error) {
	tryVAAPI := func() (*gst.Element, *gst.Element, error) {
		dec, err := gst.NewElement(els.vaapi)
		if err != nil {
			return nil, nil, fmt.Errorf("%s not available (install gstreamer1.0-vaapi): %w", els.vaapi, err)
		}
		pp, err := gst.NewElement("vaapipostproc")
		if err != nil {
			return nil, nil, fmt.Errorf("vaapipostproc not available (install gstreamer1.0-vaapi): %w", err)
		}
		pp.SetProperty("format", "nv12")
		return dec, pp, nil
	}

	software := func() (*gst.Element, error) {
		dec, err := gst.NewElement(els.software)
		if err != nil {
			return nil, fmt.Errorf("gstdecode: failed to create %s: %w", els.software, err)
		}
		if d.codec != media.CodecMJPEG {
			dec.SetProperty("max-threads", 0) // 0 = auto-detect cores
		}
		return dec, nil
	}

	switch d.opts.Accel {
	case AccelVAAPI:
		dec, pp, err := tryVAAPI()
		if err != nil {
			return nil, nil, fmt.Errorf("gstdecode: VAAPI required: %w", err)
		}
		d.usingVAAPI = true
		return dec, pp, nil

	case AccelAuto:
		dec, pp, err := tryVAAPI()
		if err == nil {
			d.usingVAAPI = true
			return dec, pp, nil
		}
		slog.Warn("gstdecode: VAAPI unavailable, using software decoder", "codec", d.codec, "reason", err)
		dec, err = software()
		return dec, nil, err

	case AccelSoftware:
		dec, err := software()
		return dec, nil, err

	default:
		return nil, nil, fmt.Errorf("gstdecode: invalid acceleration mode: %d", d.opts.Accel)
	}
}

// Send pushes one unit into the pipeline.
func (d *Decoder) Send(u media.Unit) error {
	if d.closed || d.flushed {
		return fmt.Errorf("gstdecode: send after flush or close")
	}
	if err := d.pollBus(); err != nil {
		return err
	}

	buf := gst.NewBufferFromBytes(u.Data)
	if u.HasPTS {
		buf.SetPresentationTimestamp(d.timeBase.Duration(u.PTS))
	}

	if ret := d.src.PushBuffer(buf); ret != gst.FlowOK {
		if err := d.pollBus(); err != nil {
			return err
		}
		return fmt.Errorf("gstdecode: push rejected: %v", ret)
	}
	return nil
}

// Receive returns the next decoded picture.
//
// Before Flush it waits at most PullTimeout and returns
// media.ErrNeedMoreInput when nothing is ready. After Flush it waits for
// the remaining pictures and returns io.EOF once the pipeline reports end
// of stream.
func (d *Decoder) Receive() (media.Picture, error) {
	if d.closed {
		return media.Picture{}, io.EOF
	}
	if err := d.pollBus(); err != nil {
		return media.Picture{}, err
	}

	if !d.flushed {
		sample := d.sink.TryPullSample(d.opts.PullTimeout)
		if sample == nil {
			return media.Picture{}, media.ErrNeedMoreInput
		}
		return d.picture(sample)
	}

	deadline := time.Now().Add(d.opts.DrainTimeout)
	for time.Now().Before(deadline) {
		if sample := d.sink.TryPullSample(50 * time.Millisecond); sample != nil {
			return d.picture(sample)
		}
		if d.sink.IsEOS() {
			return media.Picture{}, io.EOF
		}
		if err := d.pollBus(); err != nil {
			return media.Picture{}, err
		}
	}
	return media.Picture{}, fmt.Errorf("gstdecode: drain timed out after %v", d.opts.DrainTimeout)
}

// picture copies a sample into the reused scratch buffer as a tightly
// packed Picture.
func (d *Decoder) picture(sample *gst.Sample) (media.Picture, error) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return media.Picture{}, fmt.Errorf("gstdecode: sample without caps")
	}
	structure := caps.GetStructureAt(0)

	width, err := intField(structure, "width")
	if err != nil {
		return media.Picture{}, err
	}
	height, err := intField(structure, "height")
	if err != nil {
		return media.Picture{}, err
	}
	val, err := structure.GetValue("format")
	if err != nil {
		return media.Picture{}, fmt.Errorf("gstdecode: caps without format: %w", err)
	}
	name, ok := val.(string)
	if !ok {
		return media.Picture{}, fmt.Errorf("gstdecode: caps format is %T", val)
	}
	format := media.PixelFormat(name)

	buffer := sample.GetBuffer()
	if buffer == nil {
		return media.Picture{}, fmt.Errorf("gstdecode: sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	d.scratch, err = repack(d.scratch, mapInfo.Bytes(), format, width, height)
	buffer.Unmap()
	if err != nil {
		return media.Picture{}, err
	}

	pic := media.Picture{
		Width:  width,
		Height: height,
		Format: format,
		Data:   d.scratch,
	}
	if pts := buffer.PresentationTimestamp(); pts >= 0 {
		pic.PTS = d.timeBase.Ticks(pts)
		pic.HasPTS = true
	}

	slog.Debug("gstdecode: picture decoded",
		"resolution", fmt.Sprintf("%dx%d", width, height),
		"format", format,
		"pts", pic.PTS,
	)
	return pic, nil
}

func intField(s *gst.Structure, name string) (int, error) {
	val, err := s.GetValue(name)
	if err != nil {
		return 0, fmt.Errorf("gstdecode: caps without %s: %w", name, err)
	}
	n, ok := val.(int)
	if !ok || n <= 0 {
		return 0, fmt.Errorf("gstdecode: invalid caps %s %v", name, val)
	}
	return n, nil
}

// pollBus drains pending bus messages without blocking and turns a
// pipeline error into a Go error carrying the GStreamer debug detail.
func (d *Decoder) pollBus() error {
	for {
		msg := d.bus.TimedPop(0)
		if msg == nil {
			return nil
		}

		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			slog.Error("gstdecode: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"codec", d.codec,
			)
			return fmt.Errorf("gstdecode: %s decode failed: %s (%s)", d.codec, gerr.Error(), gerr.DebugString())

		case gst.MessageWarning:
			gerr := msg.ParseWarning()
			slog.Warn("gstdecode: pipeline warning",
				"warning", gerr.Error(),
				"debug", gerr.DebugString(),
			)

		case gst.MessageStateChanged:
			if msg.Source() == d.pipeline.GetName() {
				oldState, newState := msg.ParseStateChanged()
				slog.Debug("gstdecode: pipeline state changed", "from", oldState, "to", newState)
			}
		}
	}
}

// Flush signals end of input; buffered pictures drain through Receive.
func (d *Decoder) Flush() error {
	if d.closed || d.flushed {
		return nil
	}
	d.flushed = true
	if ret := d.src.EndStream(); ret != gst.FlowOK {
		return fmt.Errorf("gstdecode: end of stream rejected: %v", ret)
	}
	return nil
}

// Close stops the pipeline and releases its resources. Idempotent.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if d.pipeline == nil {
		return nil
	}
	if err := d.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstdecode: failed to set pipeline to NULL: %w", err)
	}
	return nil
}
