package preprocess

import "fmt"

// ChannelOrder is the byte order of a packed 3-channel pixel.
type ChannelOrder int

const (
	// OrderBGR is blue, green, red (OpenCV and decoder output)
	OrderBGR ChannelOrder = iota
	// OrderRGB is red, green, blue (most detector exports)
	OrderRGB
)

// String returns the order name
func (o ChannelOrder) String() string {
	switch o {
	case OrderBGR:
		return "bgr"
	case OrderRGB:
		return "rgb"
	default:
		return "unknown"
	}
}

// ParseChannelOrder maps "bgr" / "rgb" to a ChannelOrder.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch s {
	case "bgr", "BGR":
		return OrderBGR, nil
	case "rgb", "RGB", "":
		return OrderRGB, nil
	default:
		return 0, fmt.Errorf("preprocess: unknown channel order %q", s)
	}
}

// ShapeMismatchError reports a buffer whose length does not match the
// declared geometry. Nothing is written when it is returned.
type ShapeMismatchError struct {
	What string
	Want int
	Got  int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("preprocess: %s has %d elements, want %d", e.What, e.Got, e.Want)
}

// MarshalPlanar converts a packed width x height 3-channel image into a
// planar [3,H,W] float32 tensor scaled to [0,1], reordering channels from
// src to dst order.
//
// dst must hold exactly 3*width*height elements.
func MarshalPlanar(img []byte, width, height int, src, dst ChannelOrder, out []float32) error {
	plane := width * height
	if len(out) != 3*plane {
		return &ShapeMismatchError{What: "tensor", Want: 3 * plane, Got: len(out)}
	}
	if len(img) < 3*plane {
		return &ShapeMismatchError{What: "image", Want: 3 * plane, Got: len(img)}
	}

	// perm[c] is the packed byte offset feeding output plane c
	perm := [3]int{0, 1, 2}
	if src != dst {
		perm = [3]int{2, 1, 0}
	}

	const inv = 1.0 / 255.0
	p0 := out[0:plane]
	p1 := out[plane : 2*plane]
	p2 := out[2*plane : 3*plane]
	for i := 0; i < plane; i++ {
		px := img[i*3 : i*3+3]
		p0[i] = float32(px[perm[0]]) * inv
		p1[i] = float32(px[perm[1]]) * inv
		p2[i] = float32(px[perm[2]]) * inv
	}
	return nil
}
