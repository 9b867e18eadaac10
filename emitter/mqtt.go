package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/e7canasta/orion-live-detect/pipeline"
	"github.com/e7canasta/orion-live-detect/postprocess"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second
)

// Config configures the MQTT emitter
type Config struct {
	// Broker address; "host:port" gets a tcp:// scheme
	Broker      string
	ClientID    string
	InstanceID  string
	TopicPrefix string
	QoS         byte
	Encoding    Encoding
	// Labels name class ids in payloads (optional)
	Labels postprocess.Labels
}

// MQTTEmitter publishes detection results to an MQTT broker
type MQTTEmitter struct {
	cfg    Config
	topic  string
	client mqtt.Client

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an emitter. Connect must be called before Publish.
func NewMQTTEmitter(cfg Config) (*MQTTEmitter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("emitter: broker is required")
	}
	if cfg.InstanceID == "" {
		return nil, fmt.Errorf("emitter: instance id is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("emitter: invalid qos %d", cfg.QoS)
	}
	if _, err := ParseEncoding(string(cfg.Encoding)); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = cfg.InstanceID
	}

	return &MQTTEmitter{
		cfg:       cfg,
		topic:     Topic(cfg.TopicPrefix, cfg.InstanceID),
		published: make(map[string]uint64),
	}, nil
}

// Topic returns <prefix>/<instance_id>/detections
func Topic(prefix, instanceID string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/detections", instanceID)
	}
	return fmt.Sprintf("%s/%s/detections", prefix, instanceID)
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect establishes the broker connection with auto-reconnect enabled.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID,
			"topic", e.topic,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker,
		)
	}

	client := mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		client.Disconnect(0)
		return fmt.Errorf("emitter: mqtt connection timeout")
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Publish encodes a result and publishes it to the detections topic.
// Frames without detections are published too so consumers see liveness.
func (e *MQTTEmitter) Publish(r *pipeline.Result) error {
	e.mu.RLock()
	client, connected := e.client, e.connected
	e.mu.RUnlock()

	if client == nil || !connected {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	payload, err := Encode(NewMessage(e.cfg.InstanceID, r, e.cfg.Labels), e.cfg.Encoding)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: failed to marshal result: %w", err)
	}

	token := client.Publish(e.topic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[e.topic]++
	e.mu.Unlock()

	slog.Debug("emitter: result published",
		"topic", e.topic,
		"seq", r.Seq,
		"trace_id", r.TraceID,
		"detections", len(r.Detections),
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection. Idempotent.
func (e *MQTTEmitter) Disconnect() error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.connected = false
	e.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}
	return nil
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// RegisterMetrics exposes publish counters on reg
func (e *MQTTEmitter) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "detect_mqtt_published_total",
				Help: "Results published to MQTT",
			},
			func() float64 {
				var n uint64
				for _, v := range e.Stats().Published {
					n += v
				}
				return float64(n)
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "detect_mqtt_errors_total",
				Help: "MQTT publish failures",
			},
			func() float64 { return float64(e.Stats().Errors) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "detect_mqtt_connected",
				Help: "MQTT connected (0=no, 1=yes)",
			},
			func() float64 {
				if e.Stats().Connected {
					return 1
				}
				return 0
			},
		),
	}

	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("emitter: failed to register metrics: %w", err)
		}
	}
	return nil
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
