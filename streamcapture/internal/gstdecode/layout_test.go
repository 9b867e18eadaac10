package gstdecode

import (
	"bytes"
	"testing"

	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// strided builds a buffer with the default layout, filling payload bytes
// with a running counter and padding with 0xEE. It returns the buffer and
// the tightly packed payload expected after repack.
func strided(t *testing.T, f media.PixelFormat, w, h int) ([]byte, []byte) {
	t.Helper()
	planes, err := planeLayout(f, w, h)
	if err != nil {
		t.Fatal(err)
	}

	var buf, want []byte
	var v byte
	for _, p := range planes {
		for r := 0; r < p.rows; r++ {
			row := bytes.Repeat([]byte{0xEE}, p.stride)
			for c := 0; c < p.rowBytes; c++ {
				v++
				if v == 0xEE {
					v++
				}
				row[c] = v
				want = append(want, v)
			}
			buf = append(buf, row...)
		}
	}
	return buf, want
}

func TestRepack_RemovesPadding(t *testing.T) {
	tests := []struct {
		format media.PixelFormat
		w, h   int
	}{
		{media.FormatI420, 6, 4},
		{media.FormatI420, 5, 3},
		{media.FormatYV12, 10, 2},
		{media.FormatNV12, 6, 4},
		{media.FormatNV12, 7, 5},
		{media.FormatBGR, 5, 3},
		{media.FormatRGB, 2, 2},
		{media.FormatBGRA, 3, 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			src, want := strided(t, tt.format, tt.w, tt.h)
			if len(want) != tt.format.PackedSize(tt.w, tt.h) {
				t.Fatalf("layout payload %d bytes, PackedSize %d", len(want), tt.format.PackedSize(tt.w, tt.h))
			}

			got, err := repack(nil, src, tt.format, tt.w, tt.h)
			if err != nil {
				t.Fatalf("repack() error: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("repack %dx%d %s mismatch", tt.w, tt.h, tt.format)
			}
		})
	}
}

func TestRepack_TightBufferIsCopied(t *testing.T) {
	src := make([]byte, media.FormatI420.PackedSize(8, 4))
	for i := range src {
		src[i] = byte(i)
	}

	scratch := make([]byte, 0, 1024)
	got, err := repack(scratch, src, media.FormatI420, 8, 4)
	if err != nil {
		t.Fatalf("repack() error: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Error("tight buffer changed by repack")
	}
	if &got[0] != &scratch[:1][0] {
		t.Error("repack did not reuse the scratch buffer")
	}
}

func TestRepack_ShortBuffer(t *testing.T) {
	src, _ := strided(t, media.FormatBGR, 5, 3)
	if _, err := repack(nil, src[:len(src)-8], media.FormatBGR, 5, 3); err == nil {
		t.Error("Expected error for a truncated buffer")
	}
	if _, err := repack(nil, src, media.PixelFormat("P010"), 5, 3); err == nil {
		t.Error("Expected error for an unknown format")
	}
}
