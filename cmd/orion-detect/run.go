package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/orion-live-detect/config"
	"github.com/e7canasta/orion-live-detect/emitter"
	"github.com/e7canasta/orion-live-detect/inference"
	"github.com/e7canasta/orion-live-detect/internal/reconnect"
	"github.com/e7canasta/orion-live-detect/pipeline"
	"github.com/e7canasta/orion-live-detect/postprocess"
	"github.com/e7canasta/orion-live-detect/streamcapture"
)

// errMaxFrames ends a session once -max-frames is reached
var errMaxFrames = errors.New("maximum frames reached")

// runner owns everything that outlives a single source session.
type runner struct {
	cfg       *config.Config
	pre       pipeline.Preprocessor
	backend   inference.Backend
	metrics   *pipeline.Metrics
	publisher *emitter.MQTTEmitter
	labels    postprocess.Labels
	maxFrames int
	started   time.Time

	reconnects reconnect.State
	frames     int

	mu     sync.RWMutex
	source streamcapture.Source
}

// attempt runs one source session: open, warm up, detect until the stream
// ends or fails. Errors that a reconnect cannot fix are marked permanent.
func (r *runner) attempt(ctx context.Context) error {
	src, err := newSource(r.cfg)
	if err != nil {
		return reconnect.Permanent(err)
	}
	defer src.Close()

	r.setSource(src)
	defer r.setSource(nil)

	if err := src.Open(ctx, r.cfg.Source.URL); err != nil {
		if isPermanent(r.cfg.Source.Kind, err) {
			return reconnect.Permanent(err)
		}
		return err
	}

	p, err := pipeline.New(src, r.pre, r.backend, pipeline.Options{
		Postprocess: postprocess.Options{
			ScoreThreshold: float32(r.cfg.Postprocess.ScoreThreshold),
			ApplySigmoid:   r.cfg.Postprocess.Sigmoid(),
		},
		Metrics: r.metrics,
	})
	if err != nil {
		return reconnect.Permanent(err)
	}

	warmup := newWarmup(r.cfg.Source.WarmupFrames)
	healthy := false

	err = p.Run(ctx, func(res *pipeline.Result) error {
		if !healthy {
			// First frame proves the session; a later drop gets the full retry budget
			r.reconnects.Reset()
			healthy = true
		}

		warmup.add(res)
		r.handle(res)

		r.frames++
		if r.maxFrames > 0 && r.frames >= r.maxFrames {
			return errMaxFrames
		}
		return nil
	})

	switch {
	case err == nil:
		slog.Info("source finished", "url", streamcapture.RedactURL(r.cfg.Source.URL), "frames", r.frames)
		return nil
	case errors.Is(err, errMaxFrames):
		slog.Info("reached maximum frames, stopping", "max_frames", r.maxFrames)
		return nil
	case isPermanent(r.cfg.Source.Kind, err):
		return reconnect.Permanent(err)
	default:
		return err
	}
}

// handle logs and publishes one result
func (r *runner) handle(res *pipeline.Result) {
	for _, d := range res.Detections {
		slog.Debug("detection",
			"seq", res.Seq,
			"trace_id", res.TraceID,
			"class", r.labels.Name(d.ClassID),
			"score", fmt.Sprintf("%.3f", d.Score),
			"box", fmt.Sprintf("%.0f,%.0f,%.0f,%.0f", d.X1, d.Y1, d.X2, d.Y2),
		)
	}

	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(res); err != nil {
		slog.Error("failed to publish result", "seq", res.Seq, "error", err)
	}
}

// isPermanent reports whether reconnecting cannot help: format and decoder
// problems, rejected credentials, model or tensor mismatches, and any
// failure of a recorded file.
func isPermanent(kind string, err error) bool {
	if kind == "file" {
		return true
	}

	var formatErr *streamcapture.StreamFormatError
	var initErr *streamcapture.DecoderInitError
	if errors.As(err, &formatErr) || errors.As(err, &initErr) {
		return true
	}

	var connErr *streamcapture.ConnectionError
	if errors.As(err, &connErr) && connErr.Category == streamcapture.ErrCategoryAuth {
		return true
	}

	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) && stageErr.Stage != pipeline.StageRead {
		return true
	}
	return false
}

func (r *runner) setSource(src streamcapture.Source) {
	r.mu.Lock()
	r.source = src
	r.mu.Unlock()
	r.metrics.WatchSource(src)
}

func (r *runner) currentStats() (streamcapture.StreamStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.source == nil {
		return streamcapture.StreamStats{}, false
	}
	return r.source.Stats(), true
}

// reportStats logs periodic statistics until ctx is done
func (r *runner) reportStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attrs := []any{
				"uptime", time.Since(r.started).Round(time.Second),
				"frames_processed", r.metrics.FramesProcessed.Load(),
				"detections", r.metrics.Detections.Load(),
				"failures", r.metrics.Failures.Load(),
				"last_inference_ms", r.metrics.LastInferenceMs.Load(),
				"reconnects", r.reconnects.Reconnects.Load(),
			}
			if stats, ok := r.currentStats(); ok {
				attrs = append(attrs,
					"state", stats.State.String(),
					"codec", stats.Codec,
					"resolution", stats.Resolution,
					"fps_real", fmt.Sprintf("%.2f", stats.FPSReal),
					"latency_ms", stats.LatencyMS,
					"bytes_read_mb", fmt.Sprintf("%.2f", float64(stats.BytesRead)/1024/1024),
				)
				if total := stats.ErrorsNetwork + stats.ErrorsCodec + stats.ErrorsAuth + stats.ErrorsUnknown; total > 0 {
					attrs = append(attrs,
						"errors_network", stats.ErrorsNetwork,
						"errors_codec", stats.ErrorsCodec,
						"errors_auth", stats.ErrorsAuth,
						"errors_unknown", stats.ErrorsUnknown,
					)
				}
			}
			if r.publisher != nil {
				ps := r.publisher.Stats()
				attrs = append(attrs, "mqtt_connected", ps.Connected, "mqtt_errors", ps.Errors)
			}
			slog.Info("pipeline stats", attrs...)
		}
	}
}

func (r *runner) logFinalStats() {
	slog.Info("final statistics",
		"uptime", time.Since(r.started).Round(time.Second),
		"frames_processed", r.metrics.FramesProcessed.Load(),
		"detections", r.metrics.Detections.Load(),
		"failures", r.metrics.Failures.Load(),
		"reconnects", r.reconnects.Reconnects.Load(),
	)
}

// warmup collects the PTS of a session's first frames and logs stream
// stability once.
type warmup struct {
	want     int
	pts      []int64
	cycleSum time.Duration
	done     bool
}

func newWarmup(frames int) *warmup {
	return &warmup{want: frames, pts: make([]int64, 0, frames), done: frames <= 0}
}

func (w *warmup) add(res *pipeline.Result) {
	if w.done {
		return
	}
	w.pts = append(w.pts, res.PTS)
	w.cycleSum += res.Timings.Total
	if len(w.pts) < w.want {
		return
	}
	w.done = true

	stats := streamcapture.CalculateFPSStats(w.pts)

	// Detection throughput is bounded by the cycle time
	var maxRate float64
	if mean := w.cycleSum.Seconds() / float64(len(w.pts)); mean > 0 {
		maxRate = 1 / mean
	}

	slog.Info("warmup complete",
		"frames", stats.FramesReceived,
		"duration", stats.Duration.Round(time.Millisecond),
		"fps_mean", fmt.Sprintf("%.2f", stats.FPSMean),
		"fps_stddev", fmt.Sprintf("%.2f", stats.FPSStdDev),
		"fps_range", fmt.Sprintf("%.1f-%.1f", stats.FPSMin, stats.FPSMax),
		"jitter_mean_s", fmt.Sprintf("%.4f", stats.JitterMean),
		"jitter_max_s", fmt.Sprintf("%.4f", stats.JitterMax),
		"stable", stats.IsStable,
		"detection_rate_hz", fmt.Sprintf("%.2f", streamcapture.CalculateOptimalInferenceRate(stats, maxRate)),
	)
	if !stats.IsStable {
		slog.Warn("stream is unstable (high FPS variance or jitter)")
	}
}
