package colorconv

import (
	"testing"

	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

func absDiff(a, b byte) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestConvert_Formats(t *testing.T) {
	const w, h = 4, 2

	// Y=128 with neutral chroma is gray; OpenCV uses studio range, so ~130
	gray420 := func() []byte {
		data := make([]byte, media.FormatI420.PackedSize(w, h))
		for i := range data {
			data[i] = 128
		}
		return data
	}

	rgb := make([]byte, w*h*3)
	bgra := make([]byte, w*h*4)
	for i := 0; i < w*h; i++ {
		rgb[i*3], rgb[i*3+1], rgb[i*3+2] = 10, 20, 30
		bgra[i*4], bgra[i*4+1], bgra[i*4+2], bgra[i*4+3] = 30, 20, 10, 255
	}

	tests := []struct {
		name   string
		format media.PixelFormat
		data   []byte
		want   [3]byte // B, G, R of every pixel
		tol    int
	}{
		{"I420 gray", media.FormatI420, gray420(), [3]byte{130, 130, 130}, 4},
		{"YV12 gray", media.FormatYV12, gray420(), [3]byte{130, 130, 130}, 4},
		{"NV12 gray", media.FormatNV12, gray420(), [3]byte{130, 130, 130}, 4},
		{"RGB swaps", media.FormatRGB, rgb, [3]byte{30, 20, 10}, 0},
		{"BGRA drops alpha", media.FormatBGRA, bgra, [3]byte{30, 20, 10}, 0},
		{"BGR copies", media.FormatBGR, []byte{30, 20, 10, 30, 20, 10, 30, 20, 10, 30, 20, 10, 30, 20, 10, 30, 20, 10, 30, 20, 10, 30, 20, 10}, [3]byte{30, 20, 10}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conv, err := New(w, h, tt.format)
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			defer conv.Close()

			dst := make([]byte, w*h*3)
			pic := media.Picture{Width: w, Height: h, Format: tt.format, Data: tt.data}
			if err := conv.Convert(pic, dst); err != nil {
				t.Fatalf("Convert() error: %v", err)
			}

			for i := 0; i < w*h; i++ {
				for c := 0; c < 3; c++ {
					if d := absDiff(dst[i*3+c], tt.want[c]); d > tt.tol {
						t.Fatalf("pixel %d channel %d = %d, want %d±%d", i, c, dst[i*3+c], tt.want[c], tt.tol)
					}
				}
			}
		})
	}
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		format media.PixelFormat
	}{
		{"odd width 4:2:0", 3, 2, media.FormatI420},
		{"odd height NV12", 4, 5, media.FormatNV12},
		{"zero size", 0, 2, media.FormatBGR},
		{"unknown format", 4, 4, media.PixelFormat("P010")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if conv, err := New(tt.w, tt.h, tt.format); err == nil {
				conv.Close()
				t.Error("Expected error")
			}
		})
	}
}

func TestConvert_Mismatch(t *testing.T) {
	conv, err := New(4, 2, media.FormatRGB)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer conv.Close()

	dst := make([]byte, 4*2*3)

	if err := conv.Convert(media.Picture{Width: 8, Height: 2, Format: media.FormatRGB, Data: make([]byte, 48)}, dst); err == nil {
		t.Error("Expected error for a picture of another size")
	}
	if err := conv.Convert(media.Picture{Width: 4, Height: 2, Format: media.FormatRGB, Data: make([]byte, 10)}, dst); err == nil {
		t.Error("Expected error for a short picture")
	}
	if err := conv.Convert(media.Picture{Width: 4, Height: 2, Format: media.FormatRGB, Data: make([]byte, 24)}, dst[:5]); err == nil {
		t.Error("Expected error for a short destination")
	}

	if err := conv.Close(); err != nil {
		t.Fatal(err)
	}
	if err := conv.Close(); err != nil {
		t.Errorf("second Close(): %v", err)
	}
}
