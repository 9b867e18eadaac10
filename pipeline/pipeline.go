// Package pipeline runs the synchronous detection cycle: read one frame,
// letterbox it into the model input, run inference, decode detections.
//
// Stages never overlap. Step owns every scratch buffer between calls and
// the Result it returns does not alias any of them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-live-detect/inference"
	"github.com/e7canasta/orion-live-detect/letterbox"
	"github.com/e7canasta/orion-live-detect/postprocess"
	"github.com/e7canasta/orion-live-detect/preprocess"
	"github.com/e7canasta/orion-live-detect/streamcapture"
)

// Stage names a step of the cycle, used for errors and metric labels.
type Stage string

const (
	StageRead        Stage = "read"
	StagePreprocess  Stage = "preprocess"
	StageInference   Stage = "inference"
	StagePostprocess Stage = "postprocess"
)

// StageError reports which stage of a cycle failed. It unwraps to the
// stage's typed error (*streamcapture.DecodeError, *preprocess.ShapeMismatchError,
// *postprocess.FormatError, ...).
type StageError struct {
	Stage Stage
	Seq   uint64
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s failed at frame %d: %v", e.Stage, e.Seq, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Preprocessor letterboxes a frame into a planar tensor.
// *preprocess.Preprocessor satisfies it.
type Preprocessor interface {
	TensorLen() int
	Process(img preprocess.Image, dst []float32) (letterbox.Geometry, error)
}

// Options configures a pipeline.
type Options struct {
	Postprocess postprocess.Options
	// Metrics is optional
	Metrics *Metrics
}

// Timings holds per-stage wall time of one cycle.
type Timings struct {
	Read        time.Duration
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

// Result is the outcome of one cycle.
type Result struct {
	Seq          uint64
	PTS          int64 // microseconds
	TraceID      string
	CapturedAt   time.Time
	SourceStream string
	Width        int
	Height       int
	Letterbox    letterbox.Info
	// Detections in query scan order, original-image pixels
	Detections []postprocess.Detection
	Timings    Timings
}

// inputBufferer is implemented by backends that expose their own input
// tensor backing, so preprocessing writes straight into it.
type inputBufferer interface {
	InputBuffer() []float32
}

// Pipeline owns the frame and tensor scratch for one source. Not safe for
// concurrent use.
type Pipeline struct {
	src     streamcapture.Source
	pre     Preprocessor
	backend inference.Backend
	opts    Options

	frame streamcapture.Frame
	input []float32
}

// New wires a source, preprocessor and backend together.
//
// The preprocessor tensor must match the backend input size. When the
// backend exposes its input buffer, preprocessing writes into it directly.
func New(src streamcapture.Source, pre Preprocessor, backend inference.Backend, opts Options) (*Pipeline, error) {
	if src == nil || pre == nil || backend == nil {
		return nil, fmt.Errorf("pipeline: source, preprocessor and backend are required")
	}

	w, h := backend.InputSize()
	if want := 3 * w * h; pre.TensorLen() != want {
		return nil, fmt.Errorf("pipeline: preprocessor produces %d elements, backend %dx%d expects %d",
			pre.TensorLen(), w, h, want)
	}

	p := &Pipeline{src: src, pre: pre, backend: backend, opts: opts}
	if ib, ok := backend.(inputBufferer); ok && len(ib.InputBuffer()) == pre.TensorLen() {
		p.input = ib.InputBuffer()
	} else {
		p.input = make([]float32, pre.TensorLen())
	}

	slog.Info("pipeline: ready",
		"input", fmt.Sprintf("%dx%d", w, h),
		"score_threshold", opts.Postprocess.ScoreThreshold,
		"apply_sigmoid", opts.Postprocess.ApplySigmoid,
	)
	return p, nil
}

// Step runs one cycle.
//
// Returns io.EOF once the source reaches end of stream, the context error
// if ctx is done, or a *StageError on failure. A read failure leaves the
// source in StateError; the caller closes it.
func (p *Pipeline) Step(ctx context.Context) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	if !p.src.Read(&p.frame) {
		if err := p.src.Err(); err != nil {
			return nil, p.fail(StageRead, err)
		}
		return nil, io.EOF
	}
	readDone := time.Now()

	r := &Result{
		Seq:          p.frame.Seq,
		PTS:          p.frame.PTS,
		TraceID:      uuid.New().String(),
		CapturedAt:   p.frame.CapturedAt,
		SourceStream: p.frame.SourceStream,
		Width:        p.frame.Width,
		Height:       p.frame.Height,
	}
	p.frame.TraceID = r.TraceID

	geom, err := p.pre.Process(preprocess.Image{
		Data:   p.frame.Data,
		Width:  p.frame.Width,
		Height: p.frame.Height,
	}, p.input)
	if err != nil {
		return nil, p.fail(StagePreprocess, err)
	}
	r.Letterbox = geom.Info
	preDone := time.Now()

	outputs, err := p.backend.Run(p.input)
	if err != nil {
		return nil, p.fail(StageInference, err)
	}
	inferDone := time.Now()

	dets, err := p.decode(outputs, geom.Info)
	outputs.Close()
	if err != nil {
		return nil, p.fail(StagePostprocess, err)
	}
	r.Detections = dets
	end := time.Now()

	r.Timings = Timings{
		Read:        readDone.Sub(start),
		Preprocess:  preDone.Sub(readDone),
		Inference:   inferDone.Sub(preDone),
		Postprocess: end.Sub(inferDone),
		Total:       end.Sub(start),
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.observe(r)
	}

	slog.Debug("pipeline: frame processed",
		"seq", r.Seq,
		"trace_id", r.TraceID,
		"pts_us", r.PTS,
		"detections", len(r.Detections),
		"inference_ms", r.Timings.Inference.Milliseconds(),
		"total_ms", r.Timings.Total.Milliseconds(),
	)
	return r, nil
}

func (p *Pipeline) decode(outputs *inference.Outputs, info letterbox.Info) ([]postprocess.Detection, error) {
	out, err := outputs.First()
	if err != nil {
		return nil, err
	}
	return postprocess.Decode(out, info, p.frame.Width, p.frame.Height, p.opts.Postprocess)
}

func (p *Pipeline) fail(stage Stage, err error) error {
	if p.opts.Metrics != nil {
		p.opts.Metrics.fail(stage)
	}
	return &StageError{Stage: stage, Seq: p.frame.Seq, Err: err}
}

// Handler receives each cycle's result. Returning an error stops Run.
type Handler func(*Result) error

// Run calls Step until end of stream, failure or cancellation.
//
// Returns nil at end of stream, ctx.Err() on cancellation, otherwise the
// first Step or handler error.
func (p *Pipeline) Run(ctx context.Context, handle Handler) error {
	for {
		r, err := p.Step(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if handle != nil {
			if err := handle(r); err != nil {
				return err
			}
		}
	}
}
