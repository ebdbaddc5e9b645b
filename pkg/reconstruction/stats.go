package reconstruction

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// VolumeStats summarises coverage and intensity of a reconstruction.
type VolumeStats struct {
	// Voxels is the total number of voxels in the grid
	Voxels int

	// Sampled, Filled and Holes partition the grid by mask state
	Sampled int
	Filled  int
	Holes   int

	// Coverage is the fraction of voxels that received at least one sample
	Coverage float64

	// MeanSamples is the average contribution count over sampled voxels
	MeanSamples float64

	// Intensity statistics over sampled voxels
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
	Median float64
}

// Stats computes coverage and intensity statistics of the volume.
func (v *Volume) Stats() VolumeStats {
	s := VolumeStats{Voxels: v.Len()}
	if s.Voxels == 0 {
		return s
	}

	sampled := make([]float64, 0, s.Voxels/4)
	counts := make([]float64, 0, s.Voxels/4)
	for i := range v.Intensity {
		switch v.State(i) {
		case VoxelSampled:
			sampled = append(sampled, v.Intensity[i])
			counts = append(counts, float64(v.Count[i]))
		case VoxelFilled:
			s.Filled++
		default:
			s.Holes++
		}
	}
	s.Sampled = len(sampled)
	s.Coverage = float64(s.Sampled) / float64(s.Voxels)
	if s.Sampled == 0 {
		return s
	}

	s.MeanSamples = stat.Mean(counts, nil)
	s.Mean, s.StdDev = stat.MeanStdDev(sampled, nil)
	if s.Sampled == 1 {
		s.StdDev = 0
	}
	s.Min = floats.Min(sampled)
	s.Max = floats.Max(sampled)

	sort.Float64s(sampled)
	s.Median = stat.Quantile(0.5, stat.Empirical, sampled, nil)
	return s
}
