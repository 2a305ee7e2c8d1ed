// Package imaging holds the image primitives shared by live scanning and
// enrollment: the circular face crop and the capture quality gate.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png" // snapshot cameras that serve PNG

	"golang.org/x/image/draw"

	"github.com/REFLX0/RAM/internal/frame"
)

const (
	// DefaultCropRatio is the face window as a fraction of the short edge.
	DefaultCropRatio = 0.6
	// DefaultMaxEdge caps the side of a cropped verification frame.
	DefaultMaxEdge = 640
	// DefaultMinBytes rejects near-empty captures.
	DefaultMinBytes = 1000
	// DefaultMinEdge rejects thumbnails and broken streams.
	DefaultMinEdge = 240

	jpegQuality = 95
)

// ErrCropTooSmall is returned when the crop window would be empty.
var ErrCropTooSmall = errors.New("crop window too small")

// CropFace cuts a square centred on the image with side ratio*min(w,h),
// masks everything outside the inscribed circle to white and re-encodes as
// JPEG, scaling down so no edge exceeds maxEdge (0 keeps the native size).
func CropFace(f frame.Frame, ratio float64, maxEdge int) (frame.Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(f.Data))
	if err != nil {
		return frame.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if ratio <= 0 || ratio > 1 {
		ratio = DefaultCropRatio
	}

	b := src.Bounds()
	short := b.Dx()
	if b.Dy() < short {
		short = b.Dy()
	}
	side := int(float64(short) * ratio)
	if side < 2 {
		return frame.Frame{}, ErrCropTooSmall
	}
	x0 := b.Min.X + (b.Dx()-side)/2
	y0 := b.Min.Y + (b.Dy()-side)/2
	srcRect := image.Rect(x0, y0, x0+side, y0+side)

	edge := side
	if maxEdge > 0 && edge > maxEdge {
		edge = maxEdge
	}
	dst := image.NewRGBA(image.Rect(0, 0, edge, edge))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	mask := &circle{center: image.Pt(edge/2, edge/2), radius: edge / 2}
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, srcRect, draw.Over, &draw.Options{DstMask: mask})

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return frame.Frame{}, fmt.Errorf("encode frame: %w", err)
	}
	return frame.Frame{Data: buf.Bytes(), ContentType: "image/jpeg", CapturedAt: f.CapturedAt}, nil
}

// FaceTransform adapts CropFace to a camera transform.
func FaceTransform(ratio float64, maxEdge int) frame.Transform {
	return func(f frame.Frame) (frame.Frame, error) {
		return CropFace(f, ratio, maxEdge)
	}
}

// QualityCheck returns a predicate that accepts frames of at least minBytes
// whose decoded short edge is at least minEdge.
func QualityCheck(minBytes, minEdge int) func(frame.Frame) bool {
	return func(f frame.Frame) bool {
		if f.Len() < minBytes {
			return false
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(f.Data))
		if err != nil {
			return false
		}
		short := cfg.Width
		if cfg.Height < short {
			short = cfg.Height
		}
		return short >= minEdge
	}
}

type circle struct {
	center image.Point
	radius int
}

func (c *circle) ColorModel() color.Model {
	return color.AlphaModel
}

func (c *circle) Bounds() image.Rectangle {
	return image.Rect(c.center.X-c.radius, c.center.Y-c.radius, c.center.X+c.radius, c.center.Y+c.radius)
}

func (c *circle) At(x, y int) color.Color {
	dx := float64(x-c.center.X) + 0.5
	dy := float64(y-c.center.Y) + 0.5
	r := float64(c.radius)
	if dx*dx+dy*dy < r*r {
		return color.Alpha{A: 255}
	}
	return color.Alpha{}
}
