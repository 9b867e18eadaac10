// Package inference defines the contract between the detection pipeline and
// a neural network runtime: one fixed-shape float tensor in, raw output
// tensors out.
//
// The runtime itself is an external collaborator. Implementations live in
// subpackages (see inference/onnx).
package inference

import (
	"fmt"
	"strings"
)

// DefaultInputSize is used when neither the configuration nor the model
// declares a spatial input size.
const DefaultInputSize = 640

// ElementType identifies the scalar type stored in a tensor.
type ElementType int

const (
	// ElementFloat32 is a 32-bit IEEE float tensor
	ElementFloat32 ElementType = iota
	// ElementFloat64 is a 64-bit IEEE float tensor
	ElementFloat64
	// ElementInt64 is a 64-bit signed integer tensor
	ElementInt64
	// ElementInt32 is a 32-bit signed integer tensor
	ElementInt32
	// ElementUint8 is an 8-bit unsigned integer tensor
	ElementUint8
	// ElementUnknown is any type the pipeline cannot read
	ElementUnknown
)

// String returns a human-readable name for the element type
func (e ElementType) String() string {
	switch e {
	case ElementFloat32:
		return "float32"
	case ElementFloat64:
		return "float64"
	case ElementInt64:
		return "int64"
	case ElementInt32:
		return "int32"
	case ElementUint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// Tensor is a read-only view over one output tensor.
//
// A view is consumed once per frame and must not be retained after the
// owning Outputs is closed.
type Tensor interface {
	// Name is the output name declared by the model
	Name() string
	// Shape returns the tensor dimensions
	Shape() []int64
	// ElementType returns the scalar type of the tensor data
	ElementType() ElementType
	// Float32s returns the flat row-major data. Returns an error when the
	// element type is not float32.
	Float32s() ([]float32, error)
}

// Outputs holds the raw output tensors of one Run call.
type Outputs struct {
	Tensors []Tensor

	release func()
}

// NewOutputs wraps tensors with a release hook invoked by Close.
func NewOutputs(tensors []Tensor, release func()) *Outputs {
	return &Outputs{Tensors: tensors, release: release}
}

// First returns the first output tensor, which detectors use for their
// prediction head.
func (o *Outputs) First() (Tensor, error) {
	if o == nil || len(o.Tensors) == 0 {
		return nil, fmt.Errorf("inference: model produced no outputs")
	}
	return o.Tensors[0], nil
}

// Close releases the runtime memory behind the views. Idempotent.
func (o *Outputs) Close() {
	if o == nil || o.release == nil {
		return
	}
	o.release()
	o.release = nil
}

// Backend runs a model synchronously.
//
// Implementations validate the model's input at load time and resolve
// input/output names once. Run blocks until outputs are available.
type Backend interface {
	// InputSize returns the spatial size (width, height) of the model input
	InputSize() (width, height int)
	// Run executes the model on a [1,3,H,W] float32 tensor
	Run(input []float32) (*Outputs, error)
	// Close releases the session
	Close() error
}

// ModelShapeError reports a model whose input does not match the single
// [1,3,H,W] tensor the pipeline produces.
type ModelShapeError struct {
	Model  string
	Reason string
	Shape  []int64
}

func (e *ModelShapeError) Error() string {
	if len(e.Shape) == 0 {
		return fmt.Sprintf("inference: model %s: %s", e.Model, e.Reason)
	}
	return fmt.Sprintf("inference: model %s: %s (input shape %s)", e.Model, e.Reason, FormatShape(e.Shape))
}

// FormatShape renders a shape as [d0,d1,...] with -1 for dynamic dims.
func FormatShape(shape []int64) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// ResolveInputSize picks the model input size: a configured size wins,
// then the model-declared size, then DefaultInputSize.
func ResolveInputSize(configured, declared int64) int {
	if configured > 0 {
		return int(configured)
	}
	if declared > 0 {
		return int(declared)
	}
	return DefaultInputSize
}

// ValidateInputShape checks a declared input shape against [1,3,H,W].
// Dynamic dimensions (<= 0) are accepted.
func ValidateInputShape(model string, shape []int64) error {
	if len(shape) != 4 {
		return &ModelShapeError{Model: model, Reason: fmt.Sprintf("input must be rank 4, got rank %d", len(shape)), Shape: shape}
	}
	if shape[0] > 0 && shape[0] != 1 {
		return &ModelShapeError{Model: model, Reason: fmt.Sprintf("batch must be 1, got %d", shape[0]), Shape: shape}
	}
	if shape[1] > 0 && shape[1] != 3 {
		return &ModelShapeError{Model: model, Reason: fmt.Sprintf("channels must be 3, got %d", shape[1]), Shape: shape}
	}
	return nil
}
