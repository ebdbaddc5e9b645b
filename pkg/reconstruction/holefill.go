package reconstruction

import (
	"fmt"
	"runtime"
	"sync"
)

// HoleFillOptions configures the hole-filling pass.
type HoleFillOptions struct {
	// Neighborhood is 6 (face neighbours) or 26 (full 3x3x3 block)
	Neighborhood int

	// MaxPasses bounds the number of passes; 0 repeats until no hole changes
	MaxPasses int

	// Workers is the number of goroutines per pass; 0 uses all CPUs
	Workers int
}

// DefaultHoleFillOptions is a single 6-neighbour pass.
func DefaultHoleFillOptions() HoleFillOptions {
	return HoleFillOptions{Neighborhood: 6, MaxPasses: 1}
}

// Validate checks the neighbourhood and pass settings.
func (o HoleFillOptions) Validate() error {
	if o.Neighborhood != 6 && o.Neighborhood != 26 {
		return fmt.Errorf("hole filling neighborhood must be 6 or 26, got %d", o.Neighborhood)
	}
	if o.MaxPasses < 0 {
		return fmt.Errorf("hole filling passes must be non-negative, got %d", o.MaxPasses)
	}
	return nil
}

// HoleFillStats reports the outcome of FillHoles.
type HoleFillStats struct {
	Passes    int
	Filled    int
	Remaining int
}

type offset struct{ dx, dy, dz int }

var (
	faceNeighbors = []offset{
		{-1, 0, 0}, {1, 0, 0},
		{0, -1, 0}, {0, 1, 0},
		{0, 0, -1}, {0, 0, 1},
	}
	blockNeighbors = func() []offset {
		var out []offset
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 || dz != 0 {
						out = append(out, offset{dx, dy, dz})
					}
				}
			}
		}
		return out
	}()
)

// FillHoles assigns every voxel without samples the mean of its known
// neighbours, where known means sampled or filled in an earlier pass.
// Sampled voxels and the contribution counts are never modified. Each pass
// decides from a snapshot taken before the pass, so results do not depend on
// scan order or on the number of workers.
func (v *Volume) FillHoles(opts HoleFillOptions) (HoleFillStats, error) {
	var stats HoleFillStats
	if v.Intensity == nil {
		return stats, ErrNoVolume
	}
	if err := opts.Validate(); err != nil {
		return stats, err
	}
	neighbors := faceNeighbors
	if opts.Neighborhood == 26 {
		neighbors = blockNeighbors
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	known := make([]bool, v.Len())
	for {
		for i := range known {
			known[i] = v.Count[i] > 0 || v.filled[i]
		}
		filled := v.fillPass(known, neighbors, workers)
		stats.Passes++
		stats.Filled += filled
		if filled == 0 || (opts.MaxPasses > 0 && stats.Passes >= opts.MaxPasses) {
			break
		}
	}

	for i := range v.Count {
		if v.Count[i] == 0 && !v.filled[i] {
			stats.Remaining++
		}
	}
	return stats, nil
}

// fillPass runs one pass split into z slabs. A hole written in this pass is
// not known in the snapshot, so its new value is never read as a neighbour.
func (v *Volume) fillPass(known []bool, neighbors []offset, workers int) int {
	var wg sync.WaitGroup
	counts := make([]int, workers)
	slabsPerWorker := (v.nz + workers - 1) / workers

	for w := 0; w < workers; w++ {
		zStart := w * slabsPerWorker
		zEnd := min(zStart+slabsPerWorker, v.nz)
		if zStart >= zEnd {
			break
		}
		wg.Add(1)
		go func(worker, zStart, zEnd int) {
			defer wg.Done()
			for z := zStart; z < zEnd; z++ {
				for y := 0; y < v.ny; y++ {
					for x := 0; x < v.nx; x++ {
						i := v.Index(x, y, z)
						if known[i] {
							continue
						}
						sum, n := 0.0, 0
						for _, o := range neighbors {
							qx, qy, qz := x+o.dx, y+o.dy, z+o.dz
							if !v.Contains(qx, qy, qz) {
								continue
							}
							j := v.Index(qx, qy, qz)
							if known[j] {
								sum += v.Intensity[j]
								n++
							}
						}
						if n > 0 {
							v.Intensity[i] = sum / float64(n)
							v.filled[i] = true
							counts[worker]++
						}
					}
				}
			}
		}(w, zStart, zEnd)
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	return total
}
