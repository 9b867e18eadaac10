// Package preprocess letterboxes decoded frames into the fixed model input
// and marshals them into a planar float tensor.
package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-live-detect/letterbox"
)

// Config describes the model input.
type Config struct {
	// Width and Height of the model input (> 0)
	Width  int
	Height int
	// SourceOrder is the channel order of incoming frames
	SourceOrder ChannelOrder
	// NetworkOrder is the channel order the model expects
	NetworkOrder ChannelOrder
}

// DefaultConfig returns a BGR-frame to RGB-network config for the given
// input size.
func DefaultConfig(width, height int) Config {
	return Config{
		Width:        width,
		Height:       height,
		SourceOrder:  OrderBGR,
		NetworkOrder: OrderRGB,
	}
}

// Image is a packed 3-channel, 8-bit image.
type Image struct {
	Data   []byte
	Width  int
	Height int
}

// Preprocessor owns the resize and pad scratch matrices. Not safe for
// concurrent use; one per pipeline.
type Preprocessor struct {
	cfg Config

	resized gocv.Mat
	padded  gocv.Mat
}

// New creates a preprocessor for a fixed model input size.
func New(cfg Config) (*Preprocessor, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("preprocess: invalid input size %dx%d", cfg.Width, cfg.Height)
	}

	return &Preprocessor{
		cfg:     cfg,
		resized: gocv.NewMat(),
		padded:  gocv.NewMat(),
	}, nil
}

// TensorLen returns the element count Process expects in dst.
func (p *Preprocessor) TensorLen() int {
	return 3 * p.cfg.Width * p.cfg.Height
}

// Process letterboxes img into the model input and writes the planar
// tensor into dst.
//
// This method:
//  1. Validates dst holds exactly 3*H*W elements
//  2. Computes the letterbox geometry for the frame
//  3. Resizes with linear interpolation (skipped when the size already fits)
//  4. Pads with the constant 114 on every channel
//  5. Writes [3,H,W] float32 in [0,1] in the network channel order
//
// Returns *ShapeMismatchError without touching dst when a buffer size is
// wrong. The returned geometry is what the postprocessor must use.
func (p *Preprocessor) Process(img Image, dst []float32) (letterbox.Geometry, error) {
	if want := p.TensorLen(); len(dst) != want {
		return letterbox.Geometry{}, &ShapeMismatchError{What: "tensor", Want: want, Got: len(dst)}
	}
	if want := img.Width * img.Height * 3; img.Width <= 0 || img.Height <= 0 || len(img.Data) < want {
		return letterbox.Geometry{}, &ShapeMismatchError{What: "image", Want: want, Got: len(img.Data)}
	}

	geom, err := letterbox.Compute(img.Width, img.Height, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return letterbox.Geometry{}, err
	}

	src, err := gocv.NewMatFromBytes(img.Height, img.Width, gocv.MatTypeCV8UC3, img.Data[:img.Width*img.Height*3])
	if err != nil {
		return letterbox.Geometry{}, fmt.Errorf("preprocess: failed to wrap frame: %w", err)
	}
	defer src.Close()

	scaled := src
	if geom.NewW != img.Width || geom.NewH != img.Height {
		gocv.Resize(src, &p.resized, image.Pt(geom.NewW, geom.NewH), 0, 0, gocv.InterpolationLinear)
		scaled = p.resized
	}

	pad := color.RGBA{R: letterbox.PadValue, G: letterbox.PadValue, B: letterbox.PadValue, A: 0}
	gocv.CopyMakeBorder(scaled, &p.padded, geom.Top, geom.Bottom, geom.Left, geom.Right, gocv.BorderConstant, pad)

	if p.padded.Cols() != p.cfg.Width || p.padded.Rows() != p.cfg.Height {
		return letterbox.Geometry{}, fmt.Errorf("preprocess: letterbox produced %dx%d, want %dx%d",
			p.padded.Cols(), p.padded.Rows(), p.cfg.Width, p.cfg.Height)
	}

	pixels, err := p.padded.DataPtrUint8()
	if err != nil {
		return letterbox.Geometry{}, fmt.Errorf("preprocess: failed to read letterboxed image: %w", err)
	}

	if err := MarshalPlanar(pixels, p.cfg.Width, p.cfg.Height, p.cfg.SourceOrder, p.cfg.NetworkOrder, dst); err != nil {
		return letterbox.Geometry{}, err
	}

	return geom, nil
}

// Close releases the scratch matrices. Idempotent.
func (p *Preprocessor) Close() error {
	if err := p.resized.Close(); err != nil {
		return err
	}
	return p.padded.Close()
}
