// Package postprocess turns raw detector output into bounding boxes in
// original-image pixel coordinates.
//
// The decoder targets query-based detectors (RT-DETR family) whose head
// emits one row per object query: [cx, cy, w, h, logit_0 ... logit_{C-1}],
// box values normalized to the model input. Each query is decoded on its
// own; there is no cross-query suppression.
package postprocess

import (
	"fmt"
	"math"

	"github.com/e7canasta/orion-live-detect/inference"
	"github.com/e7canasta/orion-live-detect/letterbox"
)

// boxFields is the number of leading box values per query row.
const boxFields = 4

// Options controls score selection.
type Options struct {
	// ScoreThreshold rejects queries whose score is strictly below it
	ScoreThreshold float32
	// ApplySigmoid maps raw logits to probabilities before thresholding
	ApplySigmoid bool
}

// DefaultOptions returns threshold 0.5 with sigmoid enabled.
func DefaultOptions() Options {
	return Options{
		ScoreThreshold: 0.5,
		ApplySigmoid:   true,
	}
}

// Detection is one box in original-image pixels.
//
// Invariant: X1 < X2, Y1 < Y2, and every coordinate lies in [0, dim-1].
type Detection struct {
	X1      float32 `json:"x1" msgpack:"x1"`
	Y1      float32 `json:"y1" msgpack:"y1"`
	X2      float32 `json:"x2" msgpack:"x2"`
	Y2      float32 `json:"y2" msgpack:"y2"`
	ClassID int     `json:"class_id" msgpack:"class_id"`
	Score   float32 `json:"score" msgpack:"score"`
}

// Width returns the box width in pixels
func (d Detection) Width() float32 { return d.X2 - d.X1 }

// Height returns the box height in pixels
func (d Detection) Height() float32 { return d.Y2 - d.Y1 }

// FormatError reports an output tensor the decoder cannot interpret. It is
// fatal for the frame; per-query rejections are filtering, never errors.
type FormatError struct {
	Reason string
	Shape  []int64
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("postprocess: unsupported output %s: %s", inference.FormatShape(e.Shape), e.Reason)
}

// Decode converts one detector output tensor into detections.
//
// This function:
//  1. Validates the tensor is float32 [1, Q, 4+C] with 4+C >= 6
//  2. Picks the best class per query (first index wins ties)
//  3. Optionally applies sigmoid, then rejects score < threshold
//  4. Scales the normalized box to model pixels (info.DstW, info.DstH)
//  5. Undoes the letterbox and clamps to [0, dim-1] of the original image
//  6. Drops boxes that collapse to zero width or height
//
// Detections are returned in query scan order.
func Decode(out inference.Tensor, info letterbox.Info, origW, origH int, opts Options) ([]Detection, error) {
	if out == nil {
		return nil, &FormatError{Reason: "missing output tensor"}
	}

	shape := out.Shape()
	if len(shape) != 3 {
		return nil, &FormatError{Reason: fmt.Sprintf("rank must be 3, got %d", len(shape)), Shape: shape}
	}
	if out.ElementType() != inference.ElementFloat32 {
		return nil, &FormatError{Reason: fmt.Sprintf("element type must be float32, got %s", out.ElementType()), Shape: shape}
	}
	if shape[0] != 1 {
		return nil, &FormatError{Reason: fmt.Sprintf("batch must be 1, got %d", shape[0]), Shape: shape}
	}
	if shape[2] < boxFields+2 {
		return nil, &FormatError{Reason: fmt.Sprintf("last dimension must be >= %d, got %d", boxFields+2, shape[2]), Shape: shape}
	}
	if origW <= 0 || origH <= 0 {
		return nil, fmt.Errorf("postprocess: invalid original size %dx%d", origW, origH)
	}
	if info.Scale <= 0 {
		return nil, fmt.Errorf("postprocess: invalid letterbox scale %v", info.Scale)
	}

	data, err := out.Float32s()
	if err != nil {
		return nil, &FormatError{Reason: err.Error(), Shape: shape}
	}

	queries := int(shape[1])
	stride := int(shape[2])
	if len(data) != queries*stride {
		return nil, &FormatError{
			Reason: fmt.Sprintf("data length %d does not match %d queries x %d", len(data), queries, stride),
			Shape:  shape,
		}
	}

	var (
		inW   = float32(info.DstW)
		inH   = float32(info.DstH)
		maxX  = float32(origW - 1)
		maxY  = float32(origH - 1)
		dets  []Detection
		scale = float32(info.Scale)
		padX  = float32(info.PadX)
		padY  = float32(info.PadY)
	)

	for q := 0; q < queries; q++ {
		row := data[q*stride : (q+1)*stride]

		classID, best := argmax(row[boxFields:])
		score := best
		if opts.ApplySigmoid {
			score = sigmoid(best)
		}
		if !(score >= opts.ScoreThreshold) {
			continue
		}

		cx, cy, bw, bh := row[0], row[1], row[2], row[3]

		x1 := (cx - bw/2) * inW
		y1 := (cy - bh/2) * inH
		x2 := (cx + bw/2) * inW
		y2 := (cy + bh/2) * inH

		x1 = clamp((x1-padX)/scale, 0, maxX)
		y1 = clamp((y1-padY)/scale, 0, maxY)
		x2 = clamp((x2-padX)/scale, 0, maxX)
		y2 = clamp((y2-padY)/scale, 0, maxY)

		if !(x2 > x1 && y2 > y1) {
			continue
		}

		dets = append(dets, Detection{
			X1:      x1,
			Y1:      y1,
			X2:      x2,
			Y2:      y2,
			ClassID: classID,
			Score:   score,
		})
	}

	return dets, nil
}

// argmax returns the index and value of the largest logit. The first
// maximum wins on ties. When no logit exceeds -Inf (all NaN or -Inf) it
// returns class 0 with -Inf, so the query is dropped under any positive
// threshold.
func argmax(logits []float32) (int, float32) {
	bestIdx := 0
	best := float32(math.Inf(-1))
	for i, v := range logits {
		if v > best {
			best = v
			bestIdx = i
		}
	}
	return bestIdx, best
}

func sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(-float64(x))))
}

// clamp maps NaN to lo.
func clamp(v, lo, hi float32) float32 {
	if v != v || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
