package models

import (
	"fmt"
	"image"
	"time"

	"usrecon/pkg/transform"
)

// PixelGrid is a single-channel 2D image stored row-major.
type PixelGrid struct {
	// Width and Height are the image dimensions in pixels
	Width  int
	Height int

	// Pix holds Width*Height intensity samples, index y*Width + x
	Pix []float64
}

// NewPixelGrid allocates a zeroed grid.
func NewPixelGrid(width, height int) PixelGrid {
	return PixelGrid{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the intensity at (x, y).
func (g PixelGrid) At(x, y int) float64 {
	return g.Pix[y*g.Width+x]
}

// Set stores an intensity at (x, y).
func (g PixelGrid) Set(x, y int, v float64) {
	g.Pix[y*g.Width+x] = v
}

// Empty reports whether the grid has no pixels.
func (g PixelGrid) Empty() bool {
	return g.Width <= 0 || g.Height <= 0 || len(g.Pix) < g.Width*g.Height
}

// GridFromImage converts an image to a grid, keeping the first color
// component in the image's native 16-bit range.
func GridFromImage(img image.Image) PixelGrid {
	bounds := img.Bounds()
	grid := NewPixelGrid(bounds.Dx(), bounds.Dy())
	for y := 0; y < grid.Height; y++ {
		for x := 0; x < grid.Width; x++ {
			r, _, _, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			grid.Pix[y*grid.Width+x] = float64(r)
		}
	}
	return grid
}

// TrackedFrame is one image slice together with the pose of the tracked tool
// at acquisition time.
type TrackedFrame struct {
	// Index is the position of the frame in its sequence
	Index int

	// Image is the slice pixel data
	Image PixelGrid

	// ToolToReference is the tracking pose; nil when tracking dropped out
	ToolToReference *transform.Matrix4

	// Timestamp is the acquisition time, zero when unknown
	Timestamp time.Duration
}

// HasPose reports whether the frame carries a usable pose.
func (f *TrackedFrame) HasPose() bool {
	return f != nil && f.ToolToReference != nil
}

// FrameList is an in-memory frame source.
type FrameList []*TrackedFrame

// Len returns the number of frames.
func (l FrameList) Len() int { return len(l) }

// Frame returns frame i.
func (l FrameList) Frame(i int) (*TrackedFrame, error) {
	if i < 0 || i >= len(l) {
		return nil, fmt.Errorf("frame index %d out of range [0,%d)", i, len(l))
	}
	return l[i], nil
}
