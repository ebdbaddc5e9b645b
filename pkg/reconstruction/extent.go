package reconstruction

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

// FrameSource is an ordered, indexable sequence of tracked frames.
type FrameSource interface {
	Len() int
	Frame(i int) (*models.TrackedFrame, error)
}

// gridTolerance absorbs floating point error when a physical size is
// converted into a voxel count.
const gridTolerance = 1e-9

// Geometry is the placement of the output grid in the reference coordinate system.
type Geometry struct {
	Extent  models.Extent
	Spacing r3.Vec
	Origin  r3.Vec
}

// ExtentReport summarises which frames shaped the output extent.
type ExtentReport struct {
	// Bounds is the physical bounding box of all transformed slice corners
	Bounds r3.Box

	// FramesUsed counts frames with a valid pose
	FramesUsed int

	// Skipped lists frames without a pose or with a singular transform, as *FrameError
	Skipped []error
}

// EmptyBounds returns a box whose min/max sentinels are inverted, so that the
// first folded point defines it.
func EmptyBounds() r3.Box {
	inf := math.Inf(1)
	return r3.Box{
		Min: r3.Vec{X: inf, Y: inf, Z: inf},
		Max: r3.Vec{X: -inf, Y: -inf, Z: -inf},
	}
}

// IsEmptyBounds reports whether no point has been folded into b.
func IsEmptyBounds(b r3.Box) bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// SliceCorners returns the four pixel-space corners of a grid at z = 0.
func SliceCorners(grid models.PixelGrid) [4]r3.Vec {
	xmax := float64(grid.Width - 1)
	ymax := float64(grid.Height - 1)
	return [4]r3.Vec{
		{X: 0, Y: 0},
		{X: 0, Y: ymax},
		{X: xmax, Y: 0},
		{X: xmax, Y: ymax},
	}
}

// AddSliceToBounds expands b to include the slice's corners mapped through
// imageToReference.
func AddSliceToBounds(b r3.Box, grid models.PixelGrid, imageToReference transform.Matrix4) r3.Box {
	for _, c := range SliceCorners(grid) {
		b = foldPoint(b, imageToReference.TransformPoint(c))
	}
	return b
}

func foldPoint(b r3.Box, p r3.Vec) r3.Box {
	b.Min.X = math.Min(b.Min.X, p.X)
	b.Min.Y = math.Min(b.Min.Y, p.Y)
	b.Min.Z = math.Min(b.Min.Z, p.Z)
	b.Max.X = math.Max(b.Max.X, p.X)
	b.Max.Y = math.Max(b.Max.Y, p.Y)
	b.Max.Z = math.Max(b.Max.Z, p.Z)
	return b
}

func unionBounds(a, b r3.Box) r3.Box {
	if IsEmptyBounds(b) {
		return a
	}
	return foldPoint(foldPoint(a, b.Min), b.Max)
}

// ValidateSpacing checks that every spacing component is strictly positive.
func ValidateSpacing(spacing r3.Vec) error {
	for _, s := range []float64{spacing.X, spacing.Y, spacing.Z} {
		if !(s > 0) || math.IsInf(s, 0) {
			return fmt.Errorf("%w: got (%g, %g, %g)", ErrInvalidSpacing, spacing.X, spacing.Y, spacing.Z)
		}
	}
	return nil
}

// GeometryFromBounds converts a physical bounding box and voxel spacing into
// an integer extent whose lower bounds are 0 and whose origin is the box minimum.
func GeometryFromBounds(b r3.Box, spacing r3.Vec) (Geometry, error) {
	if err := ValidateSpacing(spacing); err != nil {
		return Geometry{}, err
	}
	if IsEmptyBounds(b) {
		return Geometry{}, ErrEmptyExtent
	}

	var g Geometry
	g.Spacing = spacing
	g.Origin = b.Min
	size := r3.Sub(b.Max, b.Min)
	axes := [3][2]float64{{size.X, spacing.X}, {size.Y, spacing.Y}, {size.Z, spacing.Z}}
	for axis, a := range axes {
		n := floorSnapped(a[0] / a[1])
		if math.IsNaN(n) || n > math.MaxInt32 {
			return Geometry{}, fmt.Errorf("%w: %g voxels along axis %d", ErrAllocation, n, axis)
		}
		g.Extent[axis*2+1] = int(n)
	}
	return g, nil
}

// floorSnapped floors q, treating values within gridTolerance of an integer
// as that integer. A size that is an exact multiple of the spacing can divide
// to k-ε; the far corner then rounds to voxel k and must stay inside.
func floorSnapped(q float64) float64 {
	if r := math.Round(q); math.Abs(q-r) < gridTolerance {
		return r
	}
	return math.Floor(q)
}

// EstimateExtent computes the output geometry that encloses every frame with
// a valid pose. Frames without a pose, or whose transform cannot place pixels,
// are skipped and reported. The per-frame corner folds run on up to workers
// goroutines.
func EstimateExtent(ctx context.Context, src FrameSource, imageToTool transform.Matrix4, spacing r3.Vec, workers int) (Geometry, ExtentReport, error) {
	report := ExtentReport{Bounds: EmptyBounds()}
	if err := ValidateSpacing(spacing); err != nil {
		return Geometry{}, report, err
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	n := src.Len()
	perFrame := make([]r3.Box, n)
	skipped := make([]error, n)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			frame, err := src.Frame(i)
			if err != nil {
				return fmt.Errorf("reading frame #%d: %w", i, err)
			}
			perFrame[i] = EmptyBounds()
			if !frame.HasPose() {
				skipped[i] = ErrMissingPose
				return nil
			}
			m := transform.Compose(*frame.ToolToReference, imageToTool)
			if err := m.ValidateSlicePlacement(); err != nil {
				skipped[i] = err
				return nil
			}
			perFrame[i] = AddSliceToBounds(perFrame[i], frame.Image, m)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Geometry{}, report, err
	}

	for i := 0; i < n; i++ {
		if skipped[i] != nil {
			report.Skipped = append(report.Skipped, &FrameError{Index: i, Err: skipped[i]})
			continue
		}
		report.FramesUsed++
		report.Bounds = unionBounds(report.Bounds, perFrame[i])
	}

	geom, err := GeometryFromBounds(report.Bounds, spacing)
	return geom, report, err
}
