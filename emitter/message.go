// Package emitter publishes detection results to MQTT.
package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/e7canasta/orion-live-detect/pipeline"
	"github.com/e7canasta/orion-live-detect/postprocess"
)

// Encoding selects the payload format
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding maps "json" or "msgpack" to an Encoding. Empty means JSON.
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingJSON:
		return EncodingJSON, nil
	case EncodingMsgpack:
		return EncodingMsgpack, nil
	default:
		return "", fmt.Errorf("emitter: unknown encoding %q (must be json or msgpack)", s)
	}
}

// Detection is one box on the wire
type Detection struct {
	X1      float32 `json:"x1" msgpack:"x1"`
	Y1      float32 `json:"y1" msgpack:"y1"`
	X2      float32 `json:"x2" msgpack:"x2"`
	Y2      float32 `json:"y2" msgpack:"y2"`
	ClassID int     `json:"class_id" msgpack:"class_id"`
	Label   string  `json:"label,omitempty" msgpack:"label,omitempty"`
	Score   float32 `json:"score" msgpack:"score"`
}

// Metadata contains per-frame processing details
type Metadata struct {
	ProcessingTimeMs float64 `json:"processing_time_ms" msgpack:"processing_time_ms"`
	InferenceTimeMs  float64 `json:"inference_time_ms" msgpack:"inference_time_ms"`
	FrameWidth       int     `json:"frame_width" msgpack:"frame_width"`
	FrameHeight      int     `json:"frame_height" msgpack:"frame_height"`
	ImgSize          string  `json:"img_size" msgpack:"img_size"` // model input, e.g. "640x640"
}

// Message is the payload published for one frame
type Message struct {
	InstanceID   string      `json:"instance_id" msgpack:"instance_id"`
	SourceStream string      `json:"source_stream,omitempty" msgpack:"source_stream,omitempty"`
	TraceID      string      `json:"trace_id" msgpack:"trace_id"`
	Seq          uint64      `json:"seq" msgpack:"seq"`
	PTSMicros    int64       `json:"pts_us" msgpack:"pts_us"`
	Timestamp    string      `json:"timestamp" msgpack:"timestamp"`
	Detections   []Detection `json:"detections" msgpack:"detections"`
	Metadata     Metadata    `json:"metadata" msgpack:"metadata"`
}

// NewMessage builds the payload for a pipeline result. Labels may be nil.
func NewMessage(instanceID string, r *pipeline.Result, labels postprocess.Labels) Message {
	ts := r.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	dets := make([]Detection, len(r.Detections))
	for i, d := range r.Detections {
		dets[i] = Detection{
			X1:      d.X1,
			Y1:      d.Y1,
			X2:      d.X2,
			Y2:      d.Y2,
			ClassID: d.ClassID,
			Label:   labels.Name(d.ClassID),
			Score:   d.Score,
		}
	}

	return Message{
		InstanceID:   instanceID,
		SourceStream: r.SourceStream,
		TraceID:      r.TraceID,
		Seq:          r.Seq,
		PTSMicros:    r.PTS,
		Timestamp:    ts.UTC().Format(time.RFC3339Nano),
		Detections:   dets,
		Metadata: Metadata{
			ProcessingTimeMs: float64(r.Timings.Total.Microseconds()) / 1000,
			InferenceTimeMs:  float64(r.Timings.Inference.Microseconds()) / 1000,
			FrameWidth:       r.Width,
			FrameHeight:      r.Height,
			ImgSize:          fmt.Sprintf("%dx%d", r.Letterbox.DstW, r.Letterbox.DstH),
		},
	}
}

// Encode marshals m in the given encoding
func Encode(m Message, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingMsgpack:
		return msgpack.Marshal(m)
	case EncodingJSON, "":
		return json.Marshal(m)
	default:
		return nil, fmt.Errorf("emitter: unknown encoding %q", enc)
	}
}
