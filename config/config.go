// Package config loads the detector's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete detector configuration
type Config struct {
	InstanceID  string            `yaml:"instance_id"`
	Source      SourceConfig      `yaml:"source"`
	Model       ModelConfig       `yaml:"model"`
	Postprocess PostprocessConfig `yaml:"postprocess"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// SourceConfig contains stream acquisition settings
type SourceConfig struct {
	URL            string        `yaml:"url"`
	Kind           string        `yaml:"kind"`      // rtsp, file (inferred from url when empty)
	Transport      string        `yaml:"transport"` // reliable, low-latency
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Accel          string        `yaml:"accel"`         // auto, vaapi, software
	SourceStream   string        `yaml:"source_stream"` // LQ, HQ, ...
	WarmupFrames   int           `yaml:"warmup_frames"` // frames measured for FPS stability
}

// ModelConfig contains detector model settings
type ModelConfig struct {
	Path           string `yaml:"path"`
	RuntimeLibrary string `yaml:"runtime_library"` // libonnxruntime location (empty = default)
	Provider       string `yaml:"provider"`        // auto, cuda, cpu
	InputW         int    `yaml:"input_w"`
	InputH         int    `yaml:"input_h"`
	Threads        int    `yaml:"threads"`
	NetworkOrder   string `yaml:"network_order"` // rgb, bgr
	LabelsPath     string `yaml:"labels_path"`
}

// PostprocessConfig contains score selection settings
type PostprocessConfig struct {
	ScoreThreshold float64 `yaml:"score_threshold"`
	// ApplySigmoid is a pointer so an explicit false survives defaulting
	ApplySigmoid *bool `yaml:"apply_sigmoid"`
}

// Sigmoid reports whether logits go through sigmoid (default true)
func (p PostprocessConfig) Sigmoid() bool {
	return p.ApplySigmoid == nil || *p.ApplySigmoid
}

// ReconnectConfig contains the caller-side reconnect policy
type ReconnectConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables
// publishing.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Encoding    string `yaml:"encoding"` // json, msgpack
}

// MetricsConfig contains the Prometheus endpoint. An empty addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns a configuration with every default filled in and no
// source or model.
func Default() *Config {
	cfg := &Config{InstanceID: "orion-detect"}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML and validates it. Defaults are filled in before
// validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
