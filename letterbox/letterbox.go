// Package letterbox computes the aspect-preserving scale and padding that
// maps a source image into a fixed model input, and the inverse mapping
// used to bring model-space boxes back to source pixels.
//
// The geometry is computed once per frame by the preprocessor and handed,
// read-only, to the postprocessor. It is never recomputed downstream.
package letterbox

import (
	"fmt"
	"math"
)

// PadValue is the constant fill value written into every channel of the
// padded border.
const PadValue = 114

// Info describes how a source image was placed inside the model input.
type Info struct {
	// Scale is the uniform resize factor applied to the source (> 0)
	Scale float64
	// PadX is the left padding in model pixels (>= 0)
	PadX int
	// PadY is the top padding in model pixels (>= 0)
	PadY int
	// DstW is the model input width
	DstW int
	// DstH is the model input height
	DstH int
}

// Geometry is the full placement of a source image inside the model input.
// Info is the subset the postprocessor needs.
type Geometry struct {
	Info

	// SrcW and SrcH are the source dimensions
	SrcW int
	SrcH int
	// NewW and NewH are the resized dimensions before padding
	NewW int
	NewH int

	// Border widths (model pixels)
	Left   int
	Right  int
	Top    int
	Bottom int
}

// Compute returns the letterbox geometry for placing a srcW x srcH image
// into a dstW x dstH model input.
//
// This function:
//  1. Picks scale = min(dstW/srcW, dstH/srcH)
//  2. Rounds the resized size to the nearest integer, never below 1px
//  3. Splits the slack so left/top get floor(slack/2)
//
// Returns an error if any dimension is not positive.
func Compute(srcW, srcH, dstW, dstH int) (Geometry, error) {
	if srcW <= 0 || srcH <= 0 {
		return Geometry{}, fmt.Errorf("letterbox: invalid source size %dx%d", srcW, srcH)
	}
	if dstW <= 0 || dstH <= 0 {
		return Geometry{}, fmt.Errorf("letterbox: invalid destination size %dx%d", dstW, dstH)
	}

	scale := math.Min(float64(dstW)/float64(srcW), float64(dstH)/float64(srcH))

	newW := int(math.Round(float64(srcW) * scale))
	newH := int(math.Round(float64(srcH) * scale))

	// Rounding can never push the resized image past the input, but a
	// degenerate 1px axis must still survive the resize.
	newW = clampInt(newW, 1, dstW)
	newH = clampInt(newH, 1, dstH)

	padW := dstW - newW
	padH := dstH - newH
	left := padW / 2
	top := padH / 2

	return Geometry{
		Info: Info{
			Scale: scale,
			PadX:  left,
			PadY:  top,
			DstW:  dstW,
			DstH:  dstH,
		},
		SrcW:   srcW,
		SrcH:   srcH,
		NewW:   newW,
		NewH:   newH,
		Left:   left,
		Right:  padW - left,
		Top:    top,
		Bottom: padH - top,
	}, nil
}

// ToSource maps a model-space point back to source pixels:
// orig = (model - pad) / scale, per axis.
func (i Info) ToSource(x, y float64) (float64, float64) {
	return (x - float64(i.PadX)) / i.Scale, (y - float64(i.PadY)) / i.Scale
}

// ToModel maps a source pixel into model space. It is the forward
// counterpart of ToSource.
func (i Info) ToModel(x, y float64) (float64, float64) {
	return x*i.Scale + float64(i.PadX), y*i.Scale + float64(i.PadY)
}

// String returns a compact representation for logs.
func (i Info) String() string {
	return fmt.Sprintf("scale=%.4f pad=(%d,%d) dst=%dx%d", i.Scale, i.PadX, i.PadY, i.DstW, i.DstH)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
