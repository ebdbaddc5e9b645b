package reconstruction

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
)

// newTestGrid allocates an empty nx*ny*nz volume at the origin with unit spacing
func newTestGrid(t *testing.T, nx, ny, nz int) *Volume {
	t.Helper()
	v, err := NewVolume(Geometry{
		Extent:  models.Extent{0, nx - 1, 0, ny - 1, 0, nz - 1},
		Spacing: unitSpacing,
	}, 0)
	require.NoError(t, err)
	return v
}

func TestNewVolume(t *testing.T) {
	v := newTestGrid(t, 4, 3, 2)

	nx, ny, nz := v.Dims()
	assert.Equal(t, []int{4, 3, 2}, []int{nx, ny, nz})
	assert.Equal(t, 24, v.Len())
	assert.Len(t, v.Count, 24)
	assert.Equal(t, 4*3+2*4+1, v.Index(1, 2, 1))
	assert.True(t, v.Contains(3, 2, 1))
	assert.False(t, v.Contains(4, 0, 0))
	assert.False(t, v.Contains(0, -1, 0))

	for i := 0; i < v.Len(); i++ {
		assert.Equal(t, 0.0, v.Intensity[i])
		assert.Equal(t, VoxelHole, v.State(i))
	}
}

func TestNewVolumeMemoryBudget(t *testing.T) {
	geom := Geometry{Extent: models.Extent{0, 99, 0, 99, 0, 99}, Spacing: unitSpacing}

	_, err := NewVolume(geom, 1<<20)
	assert.ErrorIs(t, err, ErrAllocation)

	v, err := NewVolume(geom, 100*100*100*bytesPerVoxel)
	require.NoError(t, err)
	assert.Equal(t, 1000000, v.Len())
}

func TestNewVolumeInvalidGeometry(t *testing.T) {
	_, err := NewVolume(Geometry{Extent: models.Extent{0, 1, 0, 1, 0, 1}, Spacing: r3.Vec{X: 1, Y: 0, Z: 1}}, 0)
	assert.ErrorIs(t, err, ErrInvalidSpacing)

	_, err = NewVolume(Geometry{Extent: models.Extent{1, 2, 0, 1, 0, 1}, Spacing: unitSpacing}, 0)
	assert.Error(t, err)

	_, err = NewVolume(Geometry{Extent: models.Extent{0, -2, 0, 1, 0, 1}, Spacing: unitSpacing}, 0)
	assert.Error(t, err)
}

// TestResetZeroes verifies that a reset clears both channels and the fill mask
func TestResetZeroes(t *testing.T) {
	v := newTestGrid(t, 2, 2, 2)
	v.Intensity[3] = 7
	v.Count[3] = 2
	v.filled[5] = true

	require.NoError(t, v.Reset(v.Geometry, 0))
	for i := 0; i < v.Len(); i++ {
		assert.Equal(t, 0.0, v.Intensity[i])
		assert.Equal(t, uint32(0), v.Count[i])
		assert.Equal(t, VoxelHole, v.State(i))
	}

	// Resizing reallocates
	bigger := Geometry{Extent: models.Extent{0, 3, 0, 3, 0, 3}, Spacing: unitSpacing, Origin: r3.Vec{X: 5}}
	require.NoError(t, v.Reset(bigger, 0))
	assert.Equal(t, 64, v.Len())
	assert.Equal(t, r3.Vec{X: 5}, v.Origin)
}

func TestVoxelState(t *testing.T) {
	v := newTestGrid(t, 3, 1, 1)
	v.Count[0] = 1
	v.filled[1] = true

	assert.Equal(t, VoxelSampled, v.State(0))
	assert.Equal(t, VoxelFilled, v.State(1))
	assert.Equal(t, VoxelHole, v.State(2))
	assert.Equal(t, "sampled", VoxelSampled.String())
	assert.Equal(t, "filled", VoxelFilled.String())
	assert.Equal(t, "hole", VoxelHole.String())
}

func TestVoxelCountOverflow(t *testing.T) {
	_, ok := voxelCount(1<<31, 1<<31, 1<<31)
	assert.False(t, ok)

	n, ok := voxelCount(10, 20, 30)
	assert.True(t, ok)
	assert.Equal(t, int64(6000), n)
}
