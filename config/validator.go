package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

const (
	defaultScoreThreshold = 0.5
	defaultConnectTimeout = 5 * time.Second
	defaultWarmupFrames   = 50
	defaultMaxRetries     = 5
	defaultInitialDelay   = 1 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultTopicPrefix    = "orion/detections"
)

// applyDefaults fills zero values. Called by Validate.
func applyDefaults(cfg *Config) {
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = inferKind(cfg.Source.URL)
	}
	if cfg.Source.Transport == "" {
		cfg.Source.Transport = "reliable"
	}
	if cfg.Source.ConnectTimeout == 0 {
		cfg.Source.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.Source.Accel == "" {
		cfg.Source.Accel = "auto"
	}
	if cfg.Source.WarmupFrames == 0 {
		cfg.Source.WarmupFrames = defaultWarmupFrames
	}

	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "auto"
	}
	if cfg.Model.NetworkOrder == "" {
		cfg.Model.NetworkOrder = "rgb"
	}

	if cfg.Postprocess.ScoreThreshold == 0 {
		cfg.Postprocess.ScoreThreshold = defaultScoreThreshold
	}

	if cfg.Reconnect.MaxRetries == 0 {
		cfg.Reconnect.MaxRetries = defaultMaxRetries
	}
	if cfg.Reconnect.InitialDelay == 0 {
		cfg.Reconnect.InitialDelay = defaultInitialDelay
	}
	if cfg.Reconnect.MaxDelay == 0 {
		cfg.Reconnect.MaxDelay = defaultMaxDelay
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = defaultTopicPrefix
	}
	if cfg.MQTT.Encoding == "" {
		cfg.MQTT.Encoding = "json"
	}
	if cfg.MQTT.ClientID == "" && cfg.InstanceID != "" {
		cfg.MQTT.ClientID = "orion-detect-" + cfg.InstanceID
	}
}

// inferKind maps rtsp:// and rtsps:// URLs to "rtsp" and anything else to
// "file".
func inferKind(url string) string {
	if url == "" {
		return ""
	}
	if strings.HasPrefix(url, "rtsp://") || strings.HasPrefix(url, "rtsps://") {
		return "rtsp"
	}
	return "file"
}

// Validate fills defaults and checks the configuration is usable.
//
// The model input size is left at zero when unset so the model-declared
// size wins, falling back to 640x640 at load.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	applyDefaults(cfg)

	return ValidateRuntime(cfg)
}

// ValidateRuntime checks the fields a run needs. Run again after flag
// overrides.
func ValidateRuntime(cfg *Config) error {
	if cfg.Source.Kind == "" {
		cfg.Source.Kind = inferKind(cfg.Source.URL)
	}
	switch cfg.Source.Kind {
	case "", "rtsp", "file":
	default:
		return fmt.Errorf("source.kind must be 'rtsp' or 'file', got %q", cfg.Source.Kind)
	}
	switch cfg.Source.Transport {
	case "reliable", "low-latency", "tcp", "udp":
	default:
		return fmt.Errorf("source.transport must be 'reliable' or 'low-latency', got %q", cfg.Source.Transport)
	}
	if cfg.Source.ConnectTimeout < 0 {
		return fmt.Errorf("source.connect_timeout must be > 0")
	}
	if cfg.Source.WarmupFrames < 0 {
		return fmt.Errorf("source.warmup_frames must be >= 0")
	}

	if cfg.Model.InputW < 0 || cfg.Model.InputH < 0 {
		return fmt.Errorf("model.input_w and model.input_h must be > 0")
	}
	if (cfg.Model.InputW == 0) != (cfg.Model.InputH == 0) {
		return fmt.Errorf("model.input_w and model.input_h must be set together")
	}
	if cfg.Model.Threads < 0 {
		return fmt.Errorf("model.threads must be >= 0")
	}

	if t := cfg.Postprocess.ScoreThreshold; t < 0 || t > 1 {
		return fmt.Errorf("postprocess.score_threshold must be in [0,1], got %v", t)
	}

	if cfg.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("reconnect.max_retries must be >= 0")
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect.max_delay (%s) must be >= reconnect.initial_delay (%s)",
			cfg.Reconnect.MaxDelay, cfg.Reconnect.InitialDelay)
	}

	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	switch cfg.MQTT.Encoding {
	case "json", "msgpack":
	default:
		return fmt.Errorf("mqtt.encoding must be 'json' or 'msgpack', got %q", cfg.MQTT.Encoding)
	}

	return nil
}

// RequireRunnable checks a source and model are present
func RequireRunnable(cfg *Config) error {
	if cfg.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	if cfg.Model.Path == "" {
		return fmt.Errorf("model.path is required")
	}
	return nil
}
