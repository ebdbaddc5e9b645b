package reconstruction

import (
	"fmt"
	"math"
	"sync"
)

// VoxelState is the mask value of a voxel.
type VoxelState uint8

const (
	// VoxelHole has received no slice sample and was not filled
	VoxelHole VoxelState = iota
	// VoxelSampled has received at least one slice sample
	VoxelSampled
	// VoxelFilled received no sample but was assigned a value by hole filling
	VoxelFilled
)

func (s VoxelState) String() string {
	switch s {
	case VoxelSampled:
		return "sampled"
	case VoxelFilled:
		return "filled"
	default:
		return "hole"
	}
}

const (
	// DefaultMaxBytes is the memory budget used when none is configured.
	DefaultMaxBytes int64 = 4 << 30

	// bytesPerVoxel covers intensity (float64), count (uint32) and fill flag.
	bytesPerVoxel = 8 + 4 + 1

	lockStripes    = 256
	lockBlockShift = 12
)

// Volume is the reconstruction grid: an intensity channel plus a contribution
// channel. It is owned by one session and passed explicitly to every insertion.
type Volume struct {
	Geometry

	// Intensity holds the compounded value of each voxel, index z*nx*ny + y*nx + x
	Intensity []float64

	// Count holds the number of slice samples each voxel received
	Count []uint32

	filled []bool

	nx, ny, nz int

	locks [lockStripes]sync.Mutex
}

// NewVolume allocates a zeroed volume for geom within maxBytes.
// A non-positive maxBytes selects DefaultMaxBytes.
func NewVolume(geom Geometry, maxBytes int64) (*Volume, error) {
	v := &Volume{}
	if err := v.Reset(geom, maxBytes); err != nil {
		return nil, err
	}
	return v, nil
}

// Dims returns the grid size in voxels.
func (v *Volume) Dims() (nx, ny, nz int) {
	return v.nx, v.ny, v.nz
}

// Len returns the number of voxels.
func (v *Volume) Len() int {
	return len(v.Intensity)
}

// Index returns the linear index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	return z*v.nx*v.ny + y*v.nx + x
}

// Contains reports whether (x, y, z) lies inside the grid.
func (v *Volume) Contains(x, y, z int) bool {
	return x >= 0 && y >= 0 && z >= 0 && x < v.nx && y < v.ny && z < v.nz
}

// State returns the mask state of voxel i.
func (v *Volume) State(i int) VoxelState {
	switch {
	case v.Count[i] > 0:
		return VoxelSampled
	case v.filled[i]:
		return VoxelFilled
	default:
		return VoxelHole
	}
}

// Reset (re)allocates the grid for geom and zeroes both channels. Storage is
// reused when the voxel count does not change.
func (v *Volume) Reset(geom Geometry, maxBytes int64) error {
	if err := ValidateSpacing(geom.Spacing); err != nil {
		return err
	}
	for axis := 0; axis < 3; axis++ {
		if geom.Extent[axis*2] != 0 || geom.Extent[axis*2+1] < 0 {
			return fmt.Errorf("invalid extent %v: lower bounds must be 0 and upper bounds non-negative", geom.Extent)
		}
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	nx, ny, nz := geom.Extent.Dims()
	voxels, ok := voxelCount(nx, ny, nz)
	if !ok || voxels > maxBytes/bytesPerVoxel {
		return fmt.Errorf("%w: %dx%dx%d voxels need more than %d bytes, try a coarser spacing",
			ErrAllocation, nx, ny, nz, maxBytes)
	}

	if int64(len(v.Intensity)) == voxels {
		clear(v.Intensity)
		clear(v.Count)
		clear(v.filled)
	} else {
		if err := v.allocate(int(voxels)); err != nil {
			return err
		}
	}

	v.Geometry = geom
	v.nx, v.ny, v.nz = nx, ny, nz
	return nil
}

func (v *Volume) allocate(n int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			v.Intensity, v.Count, v.filled = nil, nil, nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()
	v.Intensity = nil
	v.Count = nil
	v.filled = nil
	v.Intensity = make([]float64, n)
	v.Count = make([]uint32, n)
	v.filled = make([]bool, n)
	return nil
}

func voxelCount(nx, ny, nz int) (int64, bool) {
	total := int64(1)
	for _, d := range []int{nx, ny, nz} {
		if d <= 0 {
			return 0, false
		}
		if total > math.MaxInt64/int64(d) {
			return 0, false
		}
		total *= int64(d)
	}
	return total, true
}

func (v *Volume) lockFor(i int) *sync.Mutex {
	return &v.locks[(i>>lockBlockShift)%lockStripes]
}
