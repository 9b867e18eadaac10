package onnx

import (
	"errors"
	"os"
	"testing"

	"github.com/e7canasta/orion-live-detect/inference"
)

func TestParseProvider(t *testing.T) {
	testCases := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"", ProviderAuto, false},
		{"auto", ProviderAuto, false},
		{"cuda", ProviderCUDA, false},
		{"cpu", ProviderCPU, false},
		{"tensorrt", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseProvider(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Errorf("Expected error for %q", tc.in)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Errorf("ParseProvider(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
		})
	}
}

func TestLoad_FailFast(t *testing.T) {
	if _, err := Load("", Options{}); err == nil {
		t.Error("Expected error for empty model path")
	}
	if _, err := Load("model.onnx", Options{Provider: "npu"}); err == nil {
		t.Error("Expected error for unknown provider")
	}
	if environment.Refs() != 0 {
		t.Errorf("runtime refs = %d after failed loads, want 0", environment.Refs())
	}
}

// TestLoad_Model runs a real model when ONNXRUNTIME_LIB and ORION_TEST_MODEL
// point at a shared library and an RT-DETR style export.
func TestLoad_Model(t *testing.T) {
	lib := os.Getenv("ONNXRUNTIME_LIB")
	model := os.Getenv("ORION_TEST_MODEL")
	if lib == "" || model == "" {
		t.Skip("Skipping test: ONNXRUNTIME_LIB and ORION_TEST_MODEL not set")
	}

	b, err := Load(model, Options{SharedLibraryPath: lib, Provider: ProviderCPU})
	if err != nil {
		var shapeErr *inference.ModelShapeError
		if errors.As(err, &shapeErr) {
			t.Fatalf("model rejected: %v", err)
		}
		t.Skipf("Skipping test: ONNX Runtime not available: %v", err)
	}

	w, h := b.InputSize()
	if w <= 0 || h <= 0 {
		t.Fatalf("InputSize = %dx%d", w, h)
	}

	outs, err := b.Run(make([]float32, 3*w*h))
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	first, err := outs.First()
	if err != nil {
		t.Fatalf("First() error: %v", err)
	}
	t.Logf("✅ %s -> %s %s %v", model, first.Name(), first.ElementType(), first.Shape())
	outs.Close()

	if _, err := b.Run(make([]float32, 3)); err == nil {
		t.Error("Expected error for wrong input length")
	}

	if err := b.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if _, err := b.Run(make([]float32, 3*w*h)); err == nil {
		t.Error("Expected error from Run after Close")
	}
}
