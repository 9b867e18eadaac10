package gstdecode

import (
	"fmt"

	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// plane describes one image plane as laid out in a GStreamer buffer.
type plane struct {
	stride   int // bytes between row starts in the buffer
	rowBytes int // payload bytes per row
	rows     int
}

func roundUp4(n int) int { return (n + 3) &^ 3 }

// planeLayout returns the default GStreamer layout (no video meta) for a
// raw format: rows are padded to 4-byte strides.
func planeLayout(f media.PixelFormat, w, h int) ([]plane, error) {
	cw, ch := (w+1)/2, (h+1)/2

	switch f {
	case media.FormatI420, media.FormatYV12:
		return []plane{
			{stride: roundUp4(w), rowBytes: w, rows: h},
			{stride: roundUp4(cw), rowBytes: cw, rows: ch},
			{stride: roundUp4(cw), rowBytes: cw, rows: ch},
		}, nil
	case media.FormatNV12:
		return []plane{
			{stride: roundUp4(w), rowBytes: w, rows: h},
			{stride: roundUp4(cw * 2), rowBytes: cw * 2, rows: ch},
		}, nil
	case media.FormatBGR, media.FormatRGB:
		return []plane{{stride: roundUp4(w * 3), rowBytes: w * 3, rows: h}}, nil
	case media.FormatBGRx, media.FormatBGRA:
		return []plane{{stride: w * 4, rowBytes: w * 4, rows: h}}, nil
	default:
		return nil, fmt.Errorf("gstdecode: no layout for format %q", f)
	}
}

// repack copies a strided buffer into dst with every row tightly packed.
// dst is grown as needed and returned.
func repack(dst, src []byte, f media.PixelFormat, w, h int) ([]byte, error) {
	packed := f.PackedSize(w, h)
	if packed == 0 {
		return dst, fmt.Errorf("gstdecode: unsupported format %q", f)
	}
	if cap(dst) < packed {
		dst = make([]byte, packed)
	}
	dst = dst[:packed]

	// Already tight
	if len(src) == packed {
		copy(dst, src)
		return dst, nil
	}

	planes, err := planeLayout(f, w, h)
	if err != nil {
		return dst, err
	}

	var need int
	for i, p := range planes {
		if i == len(planes)-1 {
			// The last row of the last plane need not carry padding
			need += p.stride*(p.rows-1) + p.rowBytes
		} else {
			need += p.stride * p.rows
		}
	}
	if len(src) < need {
		return dst, fmt.Errorf("gstdecode: %dx%d %s buffer holds %d bytes, want at least %d", w, h, f, len(src), need)
	}

	in, out := 0, 0
	for _, p := range planes {
		for r := 0; r < p.rows; r++ {
			copy(dst[out:out+p.rowBytes], src[in+r*p.stride:])
			out += p.rowBytes
		}
		in += p.stride * p.rows
	}
	return dst, nil
}
