package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
instance_id: cam-01
source:
  url: rtsp://10.0.0.5/live
  transport: low-latency
  connect_timeout: 3s
  accel: vaapi
model:
  path: models/rtdetr-l.onnx
  provider: cpu
  input_w: 640
  input_h: 480
  threads: 4
postprocess:
  score_threshold: 0.6
  apply_sigmoid: false
reconnect:
  max_retries: 3
  initial_delay: 500ms
  max_delay: 10s
mqtt:
  broker: tcp://localhost:1883
  qos: 1
  encoding: msgpack
metrics:
  addr: ":9090"
`

func TestLoad_Full(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orion.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Source.Kind != "rtsp" {
		t.Errorf("Source.Kind = %q, want rtsp (inferred)", cfg.Source.Kind)
	}
	if cfg.Source.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %s, want 3s", cfg.Source.ConnectTimeout)
	}
	if cfg.Model.InputW != 640 || cfg.Model.InputH != 480 {
		t.Errorf("input = %dx%d, want 640x480", cfg.Model.InputW, cfg.Model.InputH)
	}
	if cfg.Postprocess.Sigmoid() {
		t.Error("explicit apply_sigmoid: false was overridden")
	}
	if cfg.Reconnect.InitialDelay != 500*time.Millisecond {
		t.Errorf("InitialDelay = %s, want 500ms", cfg.Reconnect.InitialDelay)
	}
	if cfg.MQTT.ClientID != "orion-detect-cam-01" {
		t.Errorf("MQTT.ClientID = %q", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != defaultTopicPrefix {
		t.Errorf("MQTT.TopicPrefix = %q, want default", cfg.MQTT.TopicPrefix)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("instance_id: lobby\nsource:\n  url: /videos/lobby.mp4\n"))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}

	if cfg.Source.Kind != "file" {
		t.Errorf("Kind = %q, want file", cfg.Source.Kind)
	}
	if cfg.Source.Transport != "reliable" {
		t.Errorf("Transport = %q, want reliable", cfg.Source.Transport)
	}
	if cfg.Source.ConnectTimeout != 5*time.Second {
		t.Errorf("ConnectTimeout = %s, want 5s", cfg.Source.ConnectTimeout)
	}
	if cfg.Postprocess.ScoreThreshold != 0.5 || !cfg.Postprocess.Sigmoid() {
		t.Errorf("postprocess = %+v, want threshold 0.5 with sigmoid", cfg.Postprocess)
	}
	if cfg.Model.InputW != 0 || cfg.Model.InputH != 0 {
		t.Error("input size must stay unset so the model-declared size wins")
	}
	if cfg.Reconnect.MaxRetries != 5 || cfg.Reconnect.InitialDelay != time.Second || cfg.Reconnect.MaxDelay != 30*time.Second {
		t.Errorf("reconnect = %+v, want 5 / 1s / 30s", cfg.Reconnect)
	}
	if cfg.MQTT.Encoding != "json" {
		t.Errorf("Encoding = %q, want json", cfg.MQTT.Encoding)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing instance", "source:\n  url: rtsp://x\n", "instance_id is required"},
		{"bad instance", "instance_id: Cam_01\n", "instance_id must match"},
		{"bad kind", "instance_id: a\nsource:\n  kind: usb\n", "source.kind"},
		{"bad transport", "instance_id: a\nsource:\n  transport: multicast\n", "source.transport"},
		{"half input size", "instance_id: a\nmodel:\n  input_w: 640\n", "set together"},
		{"threshold range", "instance_id: a\npostprocess:\n  score_threshold: 1.5\n", "score_threshold"},
		{"delays inverted", "instance_id: a\nreconnect:\n  initial_delay: 1m\n  max_delay: 1s\n", "max_delay"},
		{"qos", "instance_id: a\nmqtt:\n  qos: 3\n", "mqtt.qos"},
		{"encoding", "instance_id: a\nmqtt:\n  encoding: xml\n", "mqtt.encoding"},
		{"bad yaml", "instance_id: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatalf("Parse() accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestRequireRunnable(t *testing.T) {
	cfg := Default()
	if err := RequireRunnable(cfg); err == nil {
		t.Error("default config has no source and should not be runnable")
	}
	cfg.Source.URL = "rtsp://cam/live"
	cfg.Model.Path = "model.onnx"
	if err := RequireRunnable(cfg); err != nil {
		t.Errorf("RequireRunnable() error: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() of a missing file succeeded")
	}
}
