package reconstruction

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

func ramp(width, height int) models.PixelGrid {
	return newFrame(0, width, height, nil, func(x, y int) float64 {
		return float64(y*width + x + 1)
	}).Image
}

func TestParsePolicy(t *testing.T) {
	tests := []struct {
		name string
		want Policy
	}{
		{"", LastWrite},
		{"last", LastWrite},
		{"Last-Write", LastWrite},
		{"max", Maximum},
		{"MAXIMUM", Maximum},
		{" mean ", Mean},
		{"average", Mean},
	}
	for _, tt := range tests {
		got, err := ParsePolicy(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParsePolicy("median")
	assert.Error(t, err)

	assert.False(t, LastWrite.Commutative())
	assert.True(t, Maximum.Commutative())
	assert.True(t, Mean.Commutative())
	assert.Equal(t, "mean", Mean.String())
}

func TestInsertSliceIdentity(t *testing.T) {
	v := newTestGrid(t, 4, 3, 1)
	grid := ramp(4, 3)

	stats, err := v.InsertSlice(grid, transform.Identity(), LastWrite)
	require.NoError(t, err)
	assert.Equal(t, SliceStats{Inserted: 12}, stats)

	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			i := v.Index(x, y, 0)
			assert.Equal(t, grid.At(x, y), v.Intensity[i])
			assert.Equal(t, uint32(1), v.Count[i])
		}
	}
}

// TestInsertSliceLastWriteIdempotent inserts the same slice twice: the
// intensity is unchanged and every touched voxel counts two samples
func TestInsertSliceLastWriteIdempotent(t *testing.T) {
	once := newTestGrid(t, 6, 6, 3)
	twice := newTestGrid(t, 6, 6, 3)
	grid := ramp(5, 4)
	m := transform.Translation(1, 1, 1)

	_, err := once.InsertSlice(grid, m, LastWrite)
	require.NoError(t, err)
	for n := 0; n < 2; n++ {
		_, err := twice.InsertSlice(grid, m, LastWrite)
		require.NoError(t, err)
	}

	if diff := cmp.Diff(once.Intensity, twice.Intensity); diff != "" {
		t.Errorf("intensity changed on repeated insertion (-once +twice):\n%s", diff)
	}

	total := func(v *Volume) int {
		sum := 0
		for _, c := range v.Count {
			sum += int(c)
		}
		return sum
	}
	assert.Equal(t, 20, total(once))
	assert.Equal(t, 40, total(twice))
}

// TestInsertSliceDeterministic replays the same insertions into two volumes
func TestInsertSliceDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var slices []models.PixelGrid
	var poses []transform.Matrix4
	for i := 0; i < 8; i++ {
		grid := models.NewPixelGrid(7, 5)
		for j := range grid.Pix {
			grid.Pix[j] = rng.Float64() * 255
		}
		slices = append(slices, grid)
		poses = append(poses, transform.Multiply(
			transform.Translation(rng.Float64()*3, rng.Float64()*3, rng.Float64()*3),
			transform.RotationZ(rng.Float64())))
	}

	run := func() *Volume {
		v := newTestGrid(t, 12, 12, 5)
		for i := range slices {
			_, err := v.InsertSlice(slices[i], poses[i], LastWrite)
			require.NoError(t, err)
		}
		return v
	}
	a, b := run(), run()

	if diff := cmp.Diff(a.Intensity, b.Intensity); diff != "" {
		t.Errorf("intensity differs between runs (-a +b):\n%s", diff)
	}
	if diff := cmp.Diff(a.Count, b.Count); diff != "" {
		t.Errorf("counts differ between runs (-a +b):\n%s", diff)
	}
}

func TestInsertSliceLaterFrameWins(t *testing.T) {
	v := newTestGrid(t, 2, 2, 1)
	first := newFrame(0, 2, 2, nil, constant(10)).Image
	second := newFrame(1, 2, 2, nil, constant(20)).Image

	_, err := v.InsertSlice(first, transform.Identity(), LastWrite)
	require.NoError(t, err)
	_, err = v.InsertSlice(second, transform.Identity(), LastWrite)
	require.NoError(t, err)

	for i := 0; i < v.Len(); i++ {
		assert.Equal(t, 20.0, v.Intensity[i])
		assert.Equal(t, uint32(2), v.Count[i])
	}
}

func TestInsertSliceOutOfBounds(t *testing.T) {
	v := newTestGrid(t, 4, 4, 1)
	grid := ramp(4, 4)

	// Half of the slice hangs past the +x face
	stats, err := v.InsertSlice(grid, transform.Translation(2, 0, 0), LastWrite)
	require.NoError(t, err)
	assert.Equal(t, SliceStats{Inserted: 8, Discarded: 8}, stats)
	assert.Equal(t, grid.At(0, 1), v.Intensity[v.Index(2, 1, 0)])
	assert.Equal(t, uint32(0), v.Count[v.Index(0, 0, 0)])

	// Entirely outside along z
	stats, err = v.InsertSlice(grid, transform.Translation(0, 0, 3), LastWrite)
	require.NoError(t, err)
	assert.Equal(t, SliceStats{Discarded: 16}, stats)
}

// TestInsertSliceRounding checks round-half-up voxel selection
func TestInsertSliceRounding(t *testing.T) {
	tests := []struct {
		name  string
		tx    float64
		wantX int
		in    bool
	}{
		{"exact", 1, 1, true},
		{"below half", 1.49, 1, true},
		{"half rounds up", 1.5, 2, true},
		{"negative half rounds to zero", -0.5, 0, true},
		{"past lower face", -0.51, 0, false},
		{"past upper face", 2.5, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newTestGrid(t, 3, 1, 1)
			grid := newFrame(0, 1, 1, nil, constant(5)).Image

			stats, err := v.InsertSlice(grid, transform.Translation(tt.tx, 0, 0), LastWrite)
			require.NoError(t, err)
			if !tt.in {
				assert.Equal(t, 1, stats.Discarded)
				return
			}
			assert.Equal(t, 1, stats.Inserted)
			assert.Equal(t, uint32(1), v.Count[v.Index(tt.wantX, 0, 0)])
		})
	}
}

func TestInsertSliceSingular(t *testing.T) {
	v := newTestGrid(t, 3, 3, 1)
	bad := transform.Identity()
	bad[0] = math.NaN()

	_, err := v.InsertSlice(ramp(3, 3), bad, LastWrite)
	assert.ErrorIs(t, err, ErrTransformSingular)

	_, err = v.InsertSlice(ramp(3, 3), transform.Scale(1, 0, 1), LastWrite)
	assert.ErrorIs(t, err, ErrTransformSingular)

	for i := 0; i < v.Len(); i++ {
		assert.Equal(t, uint32(0), v.Count[i], "voxel %d touched by a rejected slice", i)
	}
}

func TestInsertSliceWithoutVolume(t *testing.T) {
	var v Volume
	_, err := v.InsertSlice(ramp(2, 2), transform.Identity(), LastWrite)
	assert.ErrorIs(t, err, ErrNoVolume)
}

func TestInsertSliceMaximum(t *testing.T) {
	v := newTestGrid(t, 2, 1, 1)
	for _, value := range []float64{3, 9, 4} {
		_, err := v.InsertSlice(newFrame(0, 2, 1, nil, constant(value)).Image, transform.Identity(), Maximum)
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{9, 9}, v.Intensity)
	assert.Equal(t, []uint32{3, 3}, v.Count)

	// A first sample below zero still replaces the zero-initialised voxel
	neg := newTestGrid(t, 1, 1, 1)
	_, err := neg.InsertSlice(newFrame(0, 1, 1, nil, constant(-2)).Image, transform.Identity(), Maximum)
	require.NoError(t, err)
	assert.Equal(t, -2.0, neg.Intensity[0])
}

func TestInsertSliceMean(t *testing.T) {
	v := newTestGrid(t, 1, 1, 1)
	for _, value := range []float64{2, 4, 9} {
		_, err := v.InsertSlice(newFrame(0, 1, 1, nil, constant(value)).Image, transform.Identity(), Mean)
		require.NoError(t, err)
	}
	assert.InDelta(t, 5.0, v.Intensity[0], 1e-12)
	assert.Equal(t, uint32(3), v.Count[0])
}

func TestInsertSliceLockedRejectsLastWrite(t *testing.T) {
	v := newTestGrid(t, 2, 2, 1)
	_, err := v.InsertSliceLocked(ramp(2, 2), transform.Identity(), LastWrite)
	assert.Error(t, err)

	stats, err := v.InsertSliceLocked(ramp(2, 2), transform.Identity(), Maximum)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Inserted)
}

// TestInsertSliceClearsFilledFlag checks that a sample overrides hole filling
func TestInsertSliceClearsFilledFlag(t *testing.T) {
	v := newTestGrid(t, 1, 1, 1)
	v.filled[0] = true
	v.Intensity[0] = 3

	_, err := v.InsertSlice(newFrame(0, 1, 1, nil, constant(8)).Image, transform.Identity(), Maximum)
	require.NoError(t, err)
	assert.Equal(t, VoxelSampled, v.State(0))
	assert.Equal(t, 8.0, v.Intensity[0])
	assert.False(t, v.filled[0])
}

func TestNearestRejectsNonFinite(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, ok := nearest(f, 5)
		assert.False(t, ok, "f=%v", f)
	}
	i, ok := nearest(4.49, 5)
	assert.True(t, ok)
	assert.Equal(t, 4, i)
}
