// Package onnx runs detector models through ONNX Runtime.
//
// The runtime environment is process-wide and reference counted: every
// Backend acquires it on Load and releases it on Close.
package onnx

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/e7canasta/orion-live-detect/inference"
	"github.com/e7canasta/orion-live-detect/internal/libinit"
)

var environment = &libinit.Library{
	Name:     "onnxruntime",
	Init:     func() error { return ort.InitializeEnvironment() },
	Teardown: func() error { return ort.DestroyEnvironment() },
}

// Provider selects the execution provider.
type Provider string

const (
	// ProviderAuto tries CUDA and falls back to CPU
	ProviderAuto Provider = "auto"
	// ProviderCUDA requires CUDA
	ProviderCUDA Provider = "cuda"
	// ProviderCPU uses the default CPU provider
	ProviderCPU Provider = "cpu"
)

// ParseProvider maps a config string to a Provider. Empty means auto.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case "", ProviderAuto:
		return ProviderAuto, nil
	case ProviderCUDA, ProviderCPU:
		return Provider(s), nil
	default:
		return "", fmt.Errorf("onnx: unknown provider %q (must be auto, cuda or cpu)", s)
	}
}

// Options configures model loading.
type Options struct {
	// SharedLibraryPath locates libonnxruntime. Empty uses the runtime default.
	SharedLibraryPath string
	// Provider selects CUDA or CPU execution
	Provider Provider
	// InputWidth and InputHeight override the model-declared size (0 = model)
	InputWidth  int
	InputHeight int
	// IntraOpThreads bounds per-session threads (0 = runtime default)
	IntraOpThreads int
}

// Info describes the loaded session.
type Info struct {
	Model    string
	Provider Provider
	Input    string
	Outputs  []string
	Width    int
	Height   int
	InitTime time.Duration
}

// Backend is an inference.Backend over one ONNX Runtime session.
//
// Input and output tensors are allocated once at load and reused for every
// Run. Output views returned by Run are valid until the next Run.
type Backend struct {
	info Info

	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []ort.Value
	views   []inference.Tensor

	closed atomic.Bool
}

// Load opens a model and validates its input.
//
// This function:
//  1. Acquires the process-wide ONNX Runtime environment
//  2. Checks the model has exactly one [1,3,H,W] float input
//  3. Resolves the input size (configured, then declared, then 640)
//  4. Allocates input and output tensors once
//  5. Creates the session on the selected provider (auto = CUDA then CPU)
//
// Returns *inference.ModelShapeError when the model input is incompatible.
func Load(path string, opts Options) (*Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("onnx: model path is required")
	}
	provider, err := ParseProvider(string(opts.Provider))
	if err != nil {
		return nil, err
	}

	start := time.Now()

	if opts.SharedLibraryPath != "" && !ort.IsInitialized() {
		ort.SetSharedLibraryPath(opts.SharedLibraryPath)
	}
	if err := environment.Acquire(); err != nil {
		return nil, fmt.Errorf("onnx: runtime not available: %w", err)
	}

	b, err := load(path, opts, provider)
	if err != nil {
		if relErr := environment.Release(); relErr != nil {
			slog.Warn("onnx: failed to release runtime after load error", "error", relErr)
		}
		return nil, err
	}
	b.info.InitTime = time.Since(start)

	slog.Info("onnx: model loaded",
		"model", path,
		"provider", b.info.Provider,
		"input", b.info.Input,
		"outputs", b.info.Outputs,
		"input_size", fmt.Sprintf("%dx%d", b.info.Width, b.info.Height),
		"init_time", b.info.InitTime,
	)

	return b, nil
}

func load(path string, opts Options, provider Provider) (*Backend, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to read model %s: %w", path, err)
	}

	if len(inputs) != 1 {
		return nil, &inference.ModelShapeError{
			Model:  path,
			Reason: fmt.Sprintf("expected exactly 1 input, got %d", len(inputs)),
		}
	}
	in := inputs[0]
	dims := []int64(in.Dimensions)
	if err := inference.ValidateInputShape(path, dims); err != nil {
		return nil, err
	}
	if in.DataType != ort.TensorElementDataTypeFloat {
		return nil, &inference.ModelShapeError{Model: path, Reason: "input must be float32", Shape: dims}
	}
	if len(outputs) == 0 {
		return nil, &inference.ModelShapeError{Model: path, Reason: "model declares no outputs"}
	}

	width := inference.ResolveInputSize(int64(opts.InputWidth), dims[3])
	height := inference.ResolveInputSize(int64(opts.InputHeight), dims[2])
	if (dims[3] > 0 && int64(width) != dims[3]) || (dims[2] > 0 && int64(height) != dims[2]) {
		return nil, &inference.ModelShapeError{
			Model:  path,
			Reason: fmt.Sprintf("configured input %dx%d conflicts with static model input", width, height),
			Shape:  dims,
		}
	}

	b := &Backend{
		info: Info{
			Model:  path,
			Input:  in.Name,
			Width:  width,
			Height: height,
		},
	}

	b.input, err = ort.NewTensor(ort.NewShape(1, 3, int64(height), int64(width)), make([]float32, 3*width*height))
	if err != nil {
		return nil, fmt.Errorf("onnx: failed to allocate input tensor: %w", err)
	}

	for _, out := range outputs {
		value, view, err := allocateOutput(path, out)
		if err != nil {
			b.destroyTensors()
			return nil, err
		}
		b.outputs = append(b.outputs, value)
		b.views = append(b.views, view)
		b.info.Outputs = append(b.info.Outputs, out.Name)
	}

	session, actual, err := newSession(path, in.Name, b.info.Outputs, b.input, b.outputs, opts, provider)
	if err != nil {
		b.destroyTensors()
		return nil, err
	}
	b.session = session
	b.info.Provider = actual

	return b, nil
}

// newSession creates the session, falling back from CUDA to CPU in auto mode.
func newSession(
	path, input string,
	outputs []string,
	in ort.Value,
	out []ort.Value,
	opts Options,
	provider Provider,
) (*ort.AdvancedSession, Provider, error) {
	if provider == ProviderCUDA || provider == ProviderAuto {
		session, err := createSession(path, input, outputs, in, out, opts, true)
		if err == nil {
			return session, ProviderCUDA, nil
		}
		if provider == ProviderCUDA {
			return nil, "", fmt.Errorf("onnx: CUDA session failed: %w", err)
		}
		slog.Warn("onnx: CUDA provider unavailable, falling back to CPU", "error", err)
	}

	session, err := createSession(path, input, outputs, in, out, opts, false)
	if err != nil {
		return nil, "", fmt.Errorf("onnx: failed to create session: %w", err)
	}
	return session, ProviderCPU, nil
}

func createSession(
	path, input string,
	outputs []string,
	in ort.Value,
	out []ort.Value,
	opts Options,
	cuda bool,
) (*ort.AdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			return nil, err
		}
	}

	if cuda {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, err
		}
	}

	return ort.NewAdvancedSession(path, []string{input}, outputs, []ort.Value{in}, out, options)
}

// allocateOutput creates a reusable tensor for a declared output. The batch
// dimension may be dynamic; every other dimension must be static.
func allocateOutput(model string, info ort.InputOutputInfo) (ort.Value, inference.Tensor, error) {
	dims := make([]int64, len(info.Dimensions))
	for i, d := range info.Dimensions {
		switch {
		case d > 0:
			dims[i] = d
		case i == 0:
			dims[i] = 1
		default:
			return nil, nil, &inference.ModelShapeError{
				Model:  model,
				Reason: fmt.Sprintf("output %s has dynamic dimension %d", info.Name, i),
				Shape:  []int64(info.Dimensions),
			}
		}
	}
	shape := ort.NewShape(dims...)

	var (
		value ort.Value
		elem  inference.ElementType
		err   error
	)
	switch info.DataType {
	case ort.TensorElementDataTypeFloat:
		value, err = ort.NewEmptyTensor[float32](shape)
		elem = inference.ElementFloat32
	case ort.TensorElementDataTypeDouble:
		value, err = ort.NewEmptyTensor[float64](shape)
		elem = inference.ElementFloat64
	case ort.TensorElementDataTypeInt64:
		value, err = ort.NewEmptyTensor[int64](shape)
		elem = inference.ElementInt64
	case ort.TensorElementDataTypeInt32:
		value, err = ort.NewEmptyTensor[int32](shape)
		elem = inference.ElementInt32
	case ort.TensorElementDataTypeUint8:
		value, err = ort.NewEmptyTensor[uint8](shape)
		elem = inference.ElementUint8
	default:
		return nil, nil, &inference.ModelShapeError{
			Model:  model,
			Reason: fmt.Sprintf("output %s has unsupported element type %v", info.Name, info.DataType),
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("onnx: failed to allocate output %s: %w", info.Name, err)
	}

	return value, &tensorView{name: info.Name, value: value, elem: elem}, nil
}

// InputSize returns the model input width and height
func (b *Backend) InputSize() (int, int) {
	return b.info.Width, b.info.Height
}

// Info returns the session description
func (b *Backend) Info() Info {
	return b.info
}

// Run copies input into the session's input tensor and runs the model.
//
// The returned views alias tensors owned by the backend; they are valid
// until the next Run or Close.
func (b *Backend) Run(input []float32) (*inference.Outputs, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("onnx: backend closed")
	}

	dst := b.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("onnx: input has %d elements, model expects %d", len(input), len(dst))
	}
	if len(input) > 0 && &input[0] != &dst[0] {
		copy(dst, input)
	}

	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("onnx: run failed: %w", err)
	}

	return inference.NewOutputs(b.views, nil), nil
}

// InputBuffer exposes the session's input backing so a preprocessor can
// write the tensor in place and skip the copy in Run.
func (b *Backend) InputBuffer() []float32 {
	return b.input.GetData()
}

// Close destroys the session and releases the runtime. Idempotent.
func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if b.session != nil {
		if err := b.session.Destroy(); err != nil {
			slog.Warn("onnx: failed to destroy session", "error", err)
		}
		b.session = nil
	}
	b.destroyTensors()

	slog.Info("onnx: model unloaded", "model", b.info.Model)

	return environment.Release()
}

func (b *Backend) destroyTensors() {
	if b.input != nil {
		b.input.Destroy()
		b.input = nil
	}
	for _, v := range b.outputs {
		v.Destroy()
	}
	b.outputs = nil
	b.views = nil
}

// tensorView is a read-only inference.Tensor over an ORT value
type tensorView struct {
	name  string
	value ort.Value
	elem  inference.ElementType
}

func (v *tensorView) Name() string { return v.name }

func (v *tensorView) Shape() []int64 {
	return append([]int64(nil), v.value.GetShape()...)
}

func (v *tensorView) ElementType() inference.ElementType { return v.elem }

func (v *tensorView) Float32s() ([]float32, error) {
	t, ok := v.value.(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: output %s is %s, not float32", v.name, v.elem)
	}
	return t.GetData(), nil
}
