package preprocess

import (
	"errors"
	"math"
	"testing"
)

const pad = float32(114) / 255

func solidBGR(w, h int, b, g, r byte) Image {
	data := make([]byte, w*h*3)
	for i := 0; i < w*h; i++ {
		data[i*3] = b
		data[i*3+1] = g
		data[i*3+2] = r
	}
	return Image{Data: data, Width: w, Height: h}
}

func near(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1.0/255
}

func TestMarshalPlanar_Reorder(t *testing.T) {
	// 2x1 image: pixel0 = BGR(10,20,30), pixel1 = BGR(40,50,60)
	img := []byte{10, 20, 30, 40, 50, 60}

	testCases := []struct {
		name     string
		src, dst ChannelOrder
		want     []float32
	}{
		{"bgr_to_rgb", OrderBGR, OrderRGB, []float32{30, 60, 20, 50, 10, 40}},
		{"bgr_to_bgr", OrderBGR, OrderBGR, []float32{10, 40, 20, 50, 30, 60}},
		{"rgb_to_rgb", OrderRGB, OrderRGB, []float32{10, 40, 20, 50, 30, 60}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := make([]float32, 6)
			if err := MarshalPlanar(img, 2, 1, tc.src, tc.dst, out); err != nil {
				t.Fatalf("MarshalPlanar() error: %v", err)
			}
			for i, w := range tc.want {
				if !near(out[i], w/255) {
					t.Errorf("out[%d] = %v, want %v", i, out[i], w/255)
				}
			}
		})
	}
}

func TestProcess_RejectsWrongTensorSize(t *testing.T) {
	p, err := New(DefaultConfig(64, 64))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Close()

	for _, size := range []int{0, 64 * 64, 3*64*64 - 1, 3*64*64 + 1} {
		dst := make([]float32, size)
		for i := range dst {
			dst[i] = -1
		}

		_, err := p.Process(solidBGR(32, 16, 1, 2, 3), dst)

		var mismatch *ShapeMismatchError
		if !errors.As(err, &mismatch) {
			t.Fatalf("size %d: expected *ShapeMismatchError, got %v", size, err)
		}
		for i, v := range dst {
			if v != -1 {
				t.Fatalf("size %d: dst[%d] written before validation", size, i)
			}
		}
	}

	t.Log("✅ Destination not sized 3*H*W rejected without writes")
}

func TestProcess_RejectsShortImage(t *testing.T) {
	p, err := New(DefaultConfig(64, 64))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Close()

	img := Image{Data: make([]byte, 10), Width: 32, Height: 32}
	_, err = p.Process(img, make([]float32, p.TensorLen()))

	var mismatch *ShapeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected *ShapeMismatchError for short image, got %v", err)
	}
}

// TestProcess_LetterboxLayout checks pad bands and the interior of a wide
// solid-color frame: 128x64 into 64x64 gives scale 0.5, 64x32 content and
// 16px bands above and below.
func TestProcess_LetterboxLayout(t *testing.T) {
	const w, h = 64, 64
	p, err := New(DefaultConfig(w, h))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Close()

	dst := make([]float32, p.TensorLen())
	geom, err := p.Process(solidBGR(128, 64, 200, 100, 50), dst)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}

	if geom.Scale != 0.5 || geom.PadX != 0 || geom.PadY != 16 {
		t.Fatalf("geometry = %+v, want scale 0.5 pad (0,16)", geom.Info)
	}

	plane := w * h
	at := func(c, x, y int) float32 { return dst[c*plane+y*w+x] }

	// Padding rows
	for _, y := range []int{0, 15, 48, 63} {
		for c := 0; c < 3; c++ {
			if !near(at(c, 10, y), pad) {
				t.Errorf("pad row y=%d c=%d = %v, want %v", y, c, at(c, 10, y), pad)
			}
		}
	}

	// Interior, RGB planes
	want := [3]float32{50.0 / 255, 100.0 / 255, 200.0 / 255}
	for _, y := range []int{17, 32, 46} {
		for c := 0; c < 3; c++ {
			if !near(at(c, 32, y), want[c]) {
				t.Errorf("interior y=%d c=%d = %v, want %v", y, c, at(c, 32, y), want[c])
			}
		}
	}

	t.Logf("✅ Letterbox %s", geom.Info)
}

func TestProcess_NoResizeWhenFits(t *testing.T) {
	p, err := New(DefaultConfig(32, 32))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer p.Close()

	dst := make([]float32, p.TensorLen())
	geom, err := p.Process(solidBGR(32, 32, 0, 0, 255), dst)
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if geom.Scale != 1 || geom.PadX != 0 || geom.PadY != 0 {
		t.Fatalf("geometry = %+v, want identity", geom.Info)
	}
	if !near(dst[0], 1) || !near(dst[32*32], 0) || !near(dst[2*32*32], 0) {
		t.Errorf("red pixel not in R plane: R=%v G=%v B=%v", dst[0], dst[32*32], dst[2*32*32])
	}
}

func TestNew_InvalidSize(t *testing.T) {
	if _, err := New(Config{Width: 0, Height: 640}); err == nil {
		t.Error("Expected error for zero width")
	}
}
