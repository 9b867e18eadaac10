package pipeline

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/orion-live-detect/streamcapture"
)

// Metrics holds pipeline counters and exposes them to Prometheus.
type Metrics struct {
	// Frame counters
	FramesProcessed atomic.Uint64
	Detections      atomic.Uint64
	Failures        atomic.Uint64

	// Latency of the last cycle
	LastInferenceMs atomic.Uint64
	LastTotalMs     atomic.Uint64

	stageLatency *prometheus.HistogramVec
	stageFailure *prometheus.CounterVec

	mu     sync.RWMutex
	source func() streamcapture.StreamStats

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "detect_stage_duration_seconds",
			Help:    "Per-stage duration of a detection cycle",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),
		stageFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "detect_stage_failures_total",
			Help: "Detection cycles that failed, by stage",
		}, []string{"stage"}),
	}

	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.stageLatency, m.stageFailure)

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_frames_processed_total",
			Help: "Total frames that completed a detection cycle",
		},
		func() float64 { return float64(m.FramesProcessed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_detections_total",
			Help: "Total detections emitted",
		},
		func() float64 { return float64(m.Detections.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_inference_latency_ms",
			Help: "Inference latency of the last cycle in milliseconds",
		},
		func() float64 { return float64(m.LastInferenceMs.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_cycle_latency_ms",
			Help: "Total latency of the last cycle in milliseconds",
		},
		func() float64 { return float64(m.LastTotalMs.Load()) },
	))

	// Source stats follow whichever source is currently watched
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_source_connected",
			Help: "Source streaming (0=no, 1=yes)",
		},
		func() float64 {
			if m.sourceStats().IsConnected {
				return 1
			}
			return 0
		},
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_source_fps",
			Help: "Frame delivery rate of the current source session",
		},
		func() float64 { return m.sourceStats().FPSReal },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "detect_source_bytes_read",
			Help: "Compressed bytes read by the current source session",
		},
		func() float64 { return float64(m.sourceStats().BytesRead) },
	))
}

// WatchSource makes the source gauges report s. Called again after each
// reconnect.
func (m *Metrics) WatchSource(s interface{ Stats() streamcapture.StreamStats }) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s == nil {
		m.source = nil
		return
	}
	m.source = s.Stats
}

func (m *Metrics) sourceStats() streamcapture.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.source == nil {
		return streamcapture.StreamStats{}
	}
	return m.source()
}

func (m *Metrics) observe(r *Result) {
	m.FramesProcessed.Add(1)
	m.Detections.Add(uint64(len(r.Detections)))
	m.LastInferenceMs.Store(uint64(r.Timings.Inference.Milliseconds()))
	m.LastTotalMs.Store(uint64(r.Timings.Total.Milliseconds()))

	m.stageLatency.WithLabelValues(string(StageRead)).Observe(r.Timings.Read.Seconds())
	m.stageLatency.WithLabelValues(string(StagePreprocess)).Observe(r.Timings.Preprocess.Seconds())
	m.stageLatency.WithLabelValues(string(StageInference)).Observe(r.Timings.Inference.Seconds())
	m.stageLatency.WithLabelValues(string(StagePostprocess)).Observe(r.Timings.Postprocess.Seconds())
}

func (m *Metrics) fail(stage Stage) {
	m.Failures.Add(1)
	m.stageFailure.WithLabelValues(string(stage)).Inc()
}

// Registry exposes the registry so emitters can register their own
// collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
