package reconstruction

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

var unitSpacing = r3.Vec{X: 1, Y: 1, Z: 1}

// newFrame builds a frame whose pixels are filled by fn. A nil pose marks a
// tracking dropout.
func newFrame(index, width, height int, pose *transform.Matrix4, fn func(x, y int) float64) *models.TrackedFrame {
	grid := models.NewPixelGrid(width, height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			grid.Set(x, y, fn(x, y))
		}
	}
	return &models.TrackedFrame{Index: index, Image: grid, ToolToReference: pose}
}

func pose(m transform.Matrix4) *transform.Matrix4 {
	return &m
}

func constant(v float64) func(x, y int) float64 {
	return func(int, int) float64 { return v }
}

// TestEstimateExtentSingleFrame covers a slice spanning [0,10]x[0,20]x[0,0]
func TestEstimateExtentSingleFrame(t *testing.T) {
	frames := models.FrameList{newFrame(0, 11, 21, pose(transform.Identity()), constant(1))}

	geom, report, err := EstimateExtent(context.Background(), frames, transform.Identity(), unitSpacing, 1)
	require.NoError(t, err)

	assert.Equal(t, models.Extent{0, 10, 0, 20, 0, 0}, geom.Extent)
	assert.Equal(t, r3.Vec{}, geom.Origin)
	assert.Equal(t, unitSpacing, geom.Spacing)
	assert.Equal(t, 1, report.FramesUsed)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, r3.Vec{X: 10, Y: 20}, report.Bounds.Max)
}

// TestEstimateExtentUnion checks that the box encloses every posed frame
func TestEstimateExtentUnion(t *testing.T) {
	frames := models.FrameList{
		newFrame(0, 5, 5, pose(transform.Translation(-2, 0, 0)), constant(1)),
		newFrame(1, 5, 5, pose(transform.Translation(3, 1, 4)), constant(1)),
	}

	geom, _, err := EstimateExtent(context.Background(), frames, transform.Identity(), r3.Vec{X: 0.5, Y: 1, Z: 2}, 2)
	require.NoError(t, err)

	// x in [-2, 7], y in [0, 5], z in [0, 4]
	assert.Equal(t, models.Extent{0, 18, 0, 5, 0, 2}, geom.Extent)
	assert.Equal(t, r3.Vec{X: -2}, geom.Origin)
}

// TestEstimateExtentUsesCalibration checks that the calibration is applied
// before the pose when folding corners
func TestEstimateExtentUsesCalibration(t *testing.T) {
	calibration := transform.Scale(0.5, 0.5, 0)
	frames := models.FrameList{newFrame(0, 21, 11, pose(transform.Translation(1, 1, 1)), constant(1))}

	geom, _, err := EstimateExtent(context.Background(), frames, calibration, unitSpacing, 1)
	require.NoError(t, err)

	assert.Equal(t, models.Extent{0, 10, 0, 5, 0, 0}, geom.Extent)
	assert.Equal(t, r3.Vec{X: 1, Y: 1, Z: 1}, geom.Origin)
}

func TestEstimateExtentSkipsMissingPose(t *testing.T) {
	frames := models.FrameList{
		newFrame(0, 3, 3, nil, constant(1)),
		newFrame(1, 3, 3, pose(transform.Translation(100, 100, 100)), constant(1)),
		newFrame(2, 3, 3, nil, constant(1)),
	}

	geom, report, err := EstimateExtent(context.Background(), frames, transform.Identity(), unitSpacing, 4)
	require.NoError(t, err)

	assert.Equal(t, models.Extent{0, 2, 0, 2, 0, 0}, geom.Extent)
	assert.Equal(t, r3.Vec{X: 100, Y: 100, Z: 100}, geom.Origin)
	assert.Equal(t, 1, report.FramesUsed)
	require.Len(t, report.Skipped, 2)

	var frameErr *FrameError
	require.True(t, errors.As(report.Skipped[0], &frameErr))
	assert.Equal(t, 0, frameErr.Index)
	assert.ErrorIs(t, report.Skipped[1], ErrMissingPose)
}

func TestEstimateExtentEmpty(t *testing.T) {
	frames := models.FrameList{newFrame(0, 3, 3, nil, constant(1))}

	_, _, err := EstimateExtent(context.Background(), frames, transform.Identity(), unitSpacing, 1)
	assert.ErrorIs(t, err, ErrEmptyExtent)

	_, _, err = EstimateExtent(context.Background(), models.FrameList{}, transform.Identity(), unitSpacing, 1)
	assert.ErrorIs(t, err, ErrEmptyExtent)
}

func TestEstimateExtentInvalidSpacing(t *testing.T) {
	frames := models.FrameList{newFrame(0, 3, 3, pose(transform.Identity()), constant(1))}
	for _, spacing := range []r3.Vec{
		{X: 0, Y: 1, Z: 1},
		{X: 1, Y: -1, Z: 1},
		{X: 1, Y: 1, Z: math.NaN()},
		{X: math.Inf(1), Y: 1, Z: 1},
	} {
		_, _, err := EstimateExtent(context.Background(), frames, transform.Identity(), spacing, 1)
		assert.ErrorIs(t, err, ErrInvalidSpacing, "spacing %v", spacing)
	}
}

func TestEstimateExtentCanceled(t *testing.T) {
	frames := models.FrameList{newFrame(0, 3, 3, pose(transform.Identity()), constant(1))}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := EstimateExtent(ctx, frames, transform.Identity(), unitSpacing, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGeometryFromBounds(t *testing.T) {
	b := r3.Box{Min: r3.Vec{X: 1, Y: 2, Z: 3}, Max: r3.Vec{X: 11.7, Y: 2, Z: 4}}
	geom, err := GeometryFromBounds(b, r3.Vec{X: 0.5, Y: 1, Z: 0.3})
	require.NoError(t, err)

	// floor(10.7/0.5)=21, floor(0)=0, floor(1/0.3)=3
	assert.Equal(t, models.Extent{0, 21, 0, 0, 0, 3}, geom.Extent)
	assert.Equal(t, b.Min, geom.Origin)

	_, err = GeometryFromBounds(EmptyBounds(), unitSpacing)
	assert.ErrorIs(t, err, ErrEmptyExtent)

	huge := r3.Box{Max: r3.Vec{X: 1e12}}
	_, err = GeometryFromBounds(huge, unitSpacing)
	assert.ErrorIs(t, err, ErrAllocation)
}

func TestEmptyBounds(t *testing.T) {
	b := EmptyBounds()
	assert.True(t, IsEmptyBounds(b))

	b = foldPoint(b, r3.Vec{X: 1, Y: 2, Z: 3})
	assert.False(t, IsEmptyBounds(b))
	assert.Equal(t, b.Min, b.Max)

	assert.Equal(t, b, unionBounds(b, EmptyBounds()))
}

func TestEstimateExtentSkipsSingular(t *testing.T) {
	bad := transform.Identity()
	bad[0] = math.NaN()
	frames := models.FrameList{
		newFrame(0, 3, 3, pose(bad), constant(1)),
		newFrame(1, 3, 3, pose(transform.Identity()), constant(1)),
	}

	geom, report, err := EstimateExtent(context.Background(), frames, transform.Identity(), unitSpacing, 1)
	require.NoError(t, err)
	assert.Equal(t, models.Extent{0, 2, 0, 2, 0, 0}, geom.Extent)
	require.Len(t, report.Skipped, 1)
	assert.ErrorIs(t, report.Skipped[0], ErrTransformSingular)
}

func TestFloorSnapped(t *testing.T) {
	tests := []struct {
		q    float64
		want float64
	}{
		{3, 3},
		{3 - 1e-12, 3},
		{3 + 1e-12, 3},
		{2.9999, 2},
		{21.4, 21},
		{(0.1*2 + 0.7 - 0.7) / 0.1, 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, floorSnapped(tt.q), "q=%v", tt.q)
	}
	assert.True(t, math.IsNaN(floorSnapped(math.NaN())))
}
