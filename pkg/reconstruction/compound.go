package reconstruction

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"usrecon/internal/models"
	"usrecon/pkg/transform"
)

// Policy decides how a new sample combines with the value already stored in
// a voxel. A session uses exactly one policy for every insertion.
type Policy int

const (
	// LastWrite overwrites the voxel with the newest sample.
	LastWrite Policy = iota
	// Maximum keeps the largest sample.
	Maximum
	// Mean keeps the running mean of all samples.
	Mean
)

// ParsePolicy maps a config name to a Policy.
func ParsePolicy(name string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "last", "lastwrite", "last-write":
		return LastWrite, nil
	case "max", "maximum":
		return Maximum, nil
	case "mean", "average":
		return Mean, nil
	default:
		return LastWrite, fmt.Errorf("unknown compounding policy %q (must be last, max or mean)", name)
	}
}

func (p Policy) String() string {
	switch p {
	case Maximum:
		return "max"
	case Mean:
		return "mean"
	default:
		return "last"
	}
}

// Commutative reports whether the outcome is independent of insertion order,
// which is what allows slices to be inserted concurrently.
func (p Policy) Commutative() bool {
	return p == Maximum || p == Mean
}

// SliceStats counts what happened to a slice's pixels.
type SliceStats struct {
	// Inserted is the number of pixels written into the volume
	Inserted int
	// Discarded is the number of pixels that fell outside the volume
	Discarded int
}

// InsertSlice writes every pixel of grid into the volume. Each pixel (px, py)
// is mapped through imageToReference and rounded to the nearest voxel; pixels
// outside the extent are discarded. Callers must not run InsertSlice
// concurrently with itself; use InsertSliceLocked for that.
func (v *Volume) InsertSlice(grid models.PixelGrid, imageToReference transform.Matrix4, policy Policy) (SliceStats, error) {
	return v.insertSlice(grid, imageToReference, policy, false)
}

// InsertSliceLocked is InsertSlice guarded by per-block locks. It is safe to
// call from several goroutines when policy is commutative.
func (v *Volume) InsertSliceLocked(grid models.PixelGrid, imageToReference transform.Matrix4, policy Policy) (SliceStats, error) {
	if !policy.Commutative() {
		return SliceStats{}, fmt.Errorf("policy %s depends on insertion order and cannot be inserted concurrently", policy)
	}
	return v.insertSlice(grid, imageToReference, policy, true)
}

func (v *Volume) insertSlice(grid models.PixelGrid, m transform.Matrix4, policy Policy, locked bool) (SliceStats, error) {
	var stats SliceStats
	if v.Intensity == nil {
		return stats, ErrNoVolume
	}
	if err := m.ValidateSlicePlacement(); err != nil {
		return stats, err
	}
	if grid.Empty() {
		return stats, nil
	}

	for py := 0; py < grid.Height; py++ {
		row := grid.Pix[py*grid.Width : (py+1)*grid.Width]
		for px, sample := range row {
			p := m.TransformPoint(r3.Vec{X: float64(px), Y: float64(py)})
			i, ok := v.voxelIndex(p)
			if !ok {
				stats.Discarded++
				continue
			}
			if locked {
				mu := v.lockFor(i)
				mu.Lock()
				v.compound(i, sample, policy)
				mu.Unlock()
			} else {
				v.compound(i, sample, policy)
			}
			stats.Inserted++
		}
	}
	return stats, nil
}

// voxelIndex converts a reference-space point to the linear index of its
// nearest voxel.
func (v *Volume) voxelIndex(p r3.Vec) (int, bool) {
	x, okx := nearest((p.X-v.Origin.X)/v.Spacing.X, v.nx)
	y, oky := nearest((p.Y-v.Origin.Y)/v.Spacing.Y, v.ny)
	z, okz := nearest((p.Z-v.Origin.Z)/v.Spacing.Z, v.nz)
	if !okx || !oky || !okz {
		return 0, false
	}
	return v.Index(x, y, z), true
}

// nearest rounds half up and checks the result against [0, n). A NaN
// coordinate fails the lower bound test, so its pixel is discarded.
func nearest(f float64, n int) (int, bool) {
	r := math.Floor(f + 0.5)
	if !(r >= 0) || r >= float64(n) {
		return 0, false
	}
	return int(r), true
}

func (v *Volume) compound(i int, sample float64, policy Policy) {
	count := v.Count[i]
	switch policy {
	case Maximum:
		if count == 0 || sample > v.Intensity[i] {
			v.Intensity[i] = sample
		}
	case Mean:
		v.Intensity[i] += (sample - v.Intensity[i]) / float64(count+1)
	default:
		v.Intensity[i] = sample
	}
	if count < math.MaxUint32 {
		v.Count[i] = count + 1
	}
	v.filled[i] = false
}
