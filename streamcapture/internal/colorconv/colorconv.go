// Package colorconv converts decoded pictures into packed BGR24 with OpenCV.
package colorconv

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/e7canasta/orion-live-detect/streamcapture/internal/media"
)

// Converter is a conversion context for one geometry and native format.
// It keeps its output matrix across frames.
type Converter struct {
	width  int
	height int
	format media.PixelFormat

	code    gocv.ColorConversionCode
	rows    int
	matType gocv.MatType
	out     gocv.Mat
	closed  bool
}

// New builds a conversion context. It satisfies media.ConverterFactory.
//
// 4:2:0 formats need even dimensions; OpenCV refuses odd ones.
func New(width, height int, format media.PixelFormat) (media.Converter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("colorconv: invalid size %dx%d", width, height)
	}

	c := &Converter{width: width, height: height, format: format, rows: height}

	switch format {
	case media.FormatI420, media.FormatYV12, media.FormatNV12:
		if width%2 != 0 || height%2 != 0 {
			return nil, fmt.Errorf("colorconv: %s needs even dimensions, got %dx%d", format, width, height)
		}
		c.rows = height * 3 / 2
		c.matType = gocv.MatTypeCV8UC1
		switch format {
		case media.FormatI420:
			c.code = gocv.ColorYUVToBGRIYUV
		case media.FormatYV12:
			c.code = gocv.ColorYUVToBGRYV12
		default:
			c.code = gocv.ColorYUVToBGRNV12
		}
	case media.FormatRGB:
		c.matType = gocv.MatTypeCV8UC3
		c.code = gocv.ColorRGBToBGR
	case media.FormatBGRx, media.FormatBGRA:
		c.matType = gocv.MatTypeCV8UC4
		c.code = gocv.ColorBGRAToBGR
	case media.FormatBGR:
		// Already packed BGR24, Convert copies
		return c, nil
	default:
		return nil, fmt.Errorf("colorconv: unsupported native format %q", format)
	}

	c.out = gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	return c, nil
}

// Convert writes width*height*3 bytes of BGR24 into dst.
func (c *Converter) Convert(p media.Picture, dst []byte) error {
	if c.closed {
		return fmt.Errorf("colorconv: converter closed")
	}
	if p.Width != c.width || p.Height != c.height || p.Format != c.format {
		return fmt.Errorf("colorconv: picture %dx%d %s does not match context %dx%d %s",
			p.Width, p.Height, p.Format, c.width, c.height, c.format)
	}
	if want := c.width * c.height * 3; len(dst) != want {
		return fmt.Errorf("colorconv: destination holds %d bytes, want %d", len(dst), want)
	}
	if want := c.format.PackedSize(c.width, c.height); len(p.Data) < want {
		return fmt.Errorf("colorconv: picture holds %d bytes, want %d", len(p.Data), want)
	}

	if c.format == media.FormatBGR {
		copy(dst, p.Data)
		return nil
	}

	src, err := gocv.NewMatFromBytes(c.rows, c.width, c.matType, p.Data[:c.format.PackedSize(c.width, c.height)])
	if err != nil {
		return fmt.Errorf("colorconv: failed to wrap picture: %w", err)
	}
	defer src.Close()

	gocv.CvtColor(src, &c.out, c.code)

	pixels, err := c.out.DataPtrUint8()
	if err != nil {
		return fmt.Errorf("colorconv: failed to read converted picture: %w", err)
	}
	if len(pixels) != len(dst) {
		return fmt.Errorf("colorconv: conversion produced %d bytes, want %d", len(pixels), len(dst))
	}
	copy(dst, pixels)
	return nil
}

// Close releases the output matrix. Idempotent.
func (c *Converter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.format == media.FormatBGR {
		return nil
	}
	return c.out.Close()
}
