package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/e7canasta/orion-live-detect/config"
	"github.com/e7canasta/orion-live-detect/emitter"
	"github.com/e7canasta/orion-live-detect/inference/onnx"
	"github.com/e7canasta/orion-live-detect/internal/reconnect"
	"github.com/e7canasta/orion-live-detect/pipeline"
	"github.com/e7canasta/orion-live-detect/postprocess"
	"github.com/e7canasta/orion-live-detect/preprocess"
)

// Version information
const version = "v0.1.0"

// overrides holds flag values that take precedence over the config file.
// Zero values leave the file value alone; a zero threshold is therefore
// "unset", matching score_threshold: 0 in the file meaning the default.
type overrides struct {
	url       string
	model     string
	threshold float64
	transport string
	accel     string
	provider  string
	metrics   string
}

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file (optional)")
	url := flag.String("url", "", "Stream URL: rtsp://... or a video file path")
	model := flag.String("model", "", "Path to the ONNX detector model")
	threshold := flag.Float64("threshold", 0, "Score threshold in (0,1]; 0 keeps the config value (default 0.5)")
	transport := flag.String("transport", "", "RTSP transport: reliable, low-latency")
	accel := flag.String("accel", "", "Decoder acceleration: auto, vaapi, software")
	provider := flag.String("provider", "", "Inference provider: auto, cuda, cpu")
	maxFrames := flag.Int("max-frames", 0, "Maximum frames to process (0 = unlimited)")
	statsInterval := flag.Int("stats-interval", 10, "Seconds between stats reports")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus listen address, e.g. :9090")
	logFormat := flag.String("log-format", "text", "Log format: text, json")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("orion-detect %s\n", version)
		os.Exit(0)
	}

	setupLogging(*logFormat, *debug)

	cfg, err := loadConfig(*configPath, overrides{
		url:       *url,
		model:     *model,
		threshold: *threshold,
		transport: *transport,
		accel:     *accel,
		provider:  *provider,
		metrics:   *metricsAddr,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		fmt.Fprintf(os.Stderr, "Usage example:\n")
		fmt.Fprintf(os.Stderr, "  orion-detect --url rtsp://192.168.1.100/stream --model models/rtdetr-l.onnx\n")
		fmt.Fprintf(os.Stderr, "  orion-detect --config config/orion-detect.yaml --debug\n\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	if err := run(cfg, *maxFrames, time.Duration(*statsInterval)*time.Second); err != nil {
		slog.Error("orion-detect failed", "error", err)
		os.Exit(1)
	}
	slog.Info("orion-detect stopped")
}

func setupLogging(format string, debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// loadConfig reads the file (or defaults), applies flag overrides and
// validates the result.
func loadConfig(path string, o overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if o.url != "" {
		cfg.Source.URL = o.url
		cfg.Source.Kind = ""
	}
	if o.model != "" {
		cfg.Model.Path = o.model
	}
	if o.threshold != 0 {
		cfg.Postprocess.ScoreThreshold = o.threshold
	}
	if o.transport != "" {
		cfg.Source.Transport = o.transport
	}
	if o.accel != "" {
		cfg.Source.Accel = o.accel
	}
	if o.provider != "" {
		cfg.Model.Provider = o.provider
	}
	if o.metrics != "" {
		cfg.Metrics.Addr = o.metrics
	}

	if err := config.ValidateRuntime(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := config.RequireRunnable(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// run wires the model, preprocessor, metrics and emitter, then drives
// sessions until shutdown.
func run(cfg *config.Config, maxFrames int, statsInterval time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	slog.Info("starting orion-detect",
		"version", version,
		"instance_id", cfg.InstanceID,
		"source_kind", cfg.Source.Kind,
		"model", cfg.Model.Path,
	)

	var labels postprocess.Labels
	if cfg.Model.LabelsPath != "" {
		l, err := postprocess.LoadLabels(cfg.Model.LabelsPath)
		if err != nil {
			return err
		}
		labels = l
	}

	provider, err := onnx.ParseProvider(cfg.Model.Provider)
	if err != nil {
		return err
	}
	backend, err := onnx.Load(cfg.Model.Path, onnx.Options{
		SharedLibraryPath: cfg.Model.RuntimeLibrary,
		Provider:          provider,
		InputWidth:        cfg.Model.InputW,
		InputHeight:       cfg.Model.InputH,
		IntraOpThreads:    cfg.Model.Threads,
	})
	if err != nil {
		return err
	}
	defer backend.Close()

	networkOrder, err := preprocess.ParseChannelOrder(cfg.Model.NetworkOrder)
	if err != nil {
		return err
	}
	inW, inH := backend.InputSize()
	preCfg := preprocess.DefaultConfig(inW, inH)
	preCfg.NetworkOrder = networkOrder
	pre, err := preprocess.New(preCfg)
	if err != nil {
		return err
	}
	defer pre.Close()

	metrics := pipeline.NewMetrics()
	if cfg.Metrics.Addr != "" {
		srv := startMetricsServer(cfg.Metrics.Addr, metrics)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Warn("metrics server shutdown failed", "error", err)
			}
		}()
	}

	var publisher *emitter.MQTTEmitter
	if cfg.MQTT.Broker != "" {
		encoding, err := emitter.ParseEncoding(cfg.MQTT.Encoding)
		if err != nil {
			return err
		}
		publisher, err = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			InstanceID:  cfg.InstanceID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Encoding:    encoding,
			Labels:      labels,
		})
		if err != nil {
			return err
		}
		if err := publisher.Connect(ctx); err != nil {
			return err
		}
		defer publisher.Disconnect()
		if err := publisher.RegisterMetrics(metrics.Registry()); err != nil {
			return err
		}
	}

	r := &runner{
		cfg:       cfg,
		pre:       pre,
		backend:   backend,
		metrics:   metrics,
		publisher: publisher,
		labels:    labels,
		maxFrames: maxFrames,
		started:   time.Now(),
	}

	if statsInterval > 0 {
		go r.reportStats(ctx, statsInterval)
	}

	err = reconnect.Run(ctx, r.attempt, reconnect.Config{
		MaxRetries:    cfg.Reconnect.MaxRetries,
		RetryDelay:    cfg.Reconnect.InitialDelay,
		MaxRetryDelay: cfg.Reconnect.MaxDelay,
	}, &r.reconnects)

	r.logFinalStats()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func startMetricsServer(addr string, metrics *pipeline.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv
}
