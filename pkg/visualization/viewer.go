package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
)

// Viewer extracts orthogonal slices and sub-regions from a reconstructed volume.
type Viewer struct {
	// volume holds the reconstructed intensities
	volume models.Volume

	// dimensions of the volume
	width  int
	height int
	depth  int

	// window maps intensities in [low, high] onto the 16-bit gray range
	low, high float64
}

// NewViewer creates a viewer whose display window spans the volume's
// intensity range.
func NewViewer(volume models.Volume) *Viewer {
	nx, ny, nz := volume.Dims()
	v := &Viewer{
		volume: volume,
		width:  nx,
		height: ny,
		depth:  nz,
	}
	if len(volume.Data) > 0 {
		v.low = floats.Min(volume.Data)
		v.high = floats.Max(volume.Data)
	}
	return v
}

// SetWindow overrides the display window.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	if v.high <= v.low {
		return color.Gray16{}
	}
	t := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Round(math.Max(0, math.Min(1, t)) * 65535))}
}

// ExtractSlice extracts a 2D slice from the volume along the specified axis
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.Gray16

	switch axis {
	case "x", "X":
		// Extract slice along YZ plane
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}

		img = image.NewGray16(image.Rect(0, 0, v.depth, v.height))
		for y := 0; y < v.height; y++ {
			for z := 0; z < v.depth; z++ {
				img.SetGray16(z, y, v.gray(v.volume.At(position, y, z)))
			}
		}

	case "y", "Y":
		// Extract slice along XZ plane
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}

		img = image.NewGray16(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, z, v.gray(v.volume.At(x, position, z)))
			}
		}

	case "z", "Z":
		// Extract slice along XY plane
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}

		img = image.NewGray16(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetGray16(x, y, v.gray(v.volume.At(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// ExtractRegion crops a sub-volume of sizeX*sizeY*sizeZ voxels starting at
// voxel (startX, startY, startZ). The crop keeps the spacing; its origin is
// the physical position of the start voxel.
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (models.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return models.Volume{}, fmt.Errorf("start voxel (%d,%d,%d) must be non-negative", startX, startY, startZ)
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return models.Volume{}, fmt.Errorf("region size %dx%dx%d must be positive", sizeX, sizeY, sizeZ)
	}
	if startX+sizeX > v.width || startY+sizeY > v.height || startZ+sizeZ > v.depth {
		return models.Volume{}, fmt.Errorf("region extends beyond %dx%dx%d volume", v.width, v.height, v.depth)
	}

	sp := v.volume.Spacing
	region := models.Volume{
		Data:    make([]float64, 0, sizeX*sizeY*sizeZ),
		Extent:  models.Extent{0, sizeX - 1, 0, sizeY - 1, 0, sizeZ - 1},
		Spacing: sp,
		Origin: r3.Add(v.volume.Origin, r3.Vec{
			X: float64(startX) * sp.X,
			Y: float64(startY) * sp.Y,
			Z: float64(startZ) * sp.Z,
		}),
	}
	for z := startZ; z < startZ+sizeZ; z++ {
		for y := startY; y < startY+sizeY; y++ {
			row := v.volume.Index(startX, y, z)
			region.Data = append(region.Data, v.volume.Data[row:row+sizeX]...)
		}
	}
	return region, nil
}

// SliceIndex returns the index of the slice along axis that contains the
// physical coordinate pos (in the volume's reference frame).
func (v *Viewer) SliceIndex(axis string, pos float64) (int, error) {
	var origin, spacing float64
	var n int
	switch axis {
	case "x", "X":
		origin, spacing, n = v.volume.Origin.X, v.volume.Spacing.X, v.width
	case "y", "Y":
		origin, spacing, n = v.volume.Origin.Y, v.volume.Spacing.Y, v.height
	case "z", "Z":
		origin, spacing, n = v.volume.Origin.Z, v.volume.Spacing.Z, v.depth
	default:
		return 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if !(spacing > 0) {
		return 0, fmt.Errorf("volume spacing along %s must be positive", axis)
	}
	i := int(math.Floor((pos-origin)/spacing + 0.5))
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%s = %g lies outside the volume", axis, pos)
	}
	return i, nil
}

// SaveSlice saves an extracted slice as a 16-bit TIFF image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return tiff.Encode(file, img, &tiff.Options{Compression: tiff.Deflate})
}

// SaveSliceSequence extracts and saves every slice along the specified axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.width
	case "y", "Y":
		maxPos = v.height
	case "z", "Z":
		maxPos = v.depth
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.tif", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
