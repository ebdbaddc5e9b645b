package reconstruction

import "usrecon/internal/models"

// Extract returns the intensity channel as a standalone single-channel volume
// with the same extent, spacing and origin. The contribution channel is not
// part of the result. The copy stays valid while insertion continues.
func (v *Volume) Extract() (models.Volume, error) {
	if v.Intensity == nil {
		return models.Volume{}, ErrNoVolume
	}
	data := make([]float64, len(v.Intensity))
	copy(data, v.Intensity)
	return models.Volume{
		Data:    data,
		Extent:  v.Geometry.Extent,
		Spacing: v.Spacing,
		Origin:  v.Origin,
	}, nil
}

// Mask returns the per-voxel mask state, kept apart from the extracted intensities.
func (v *Volume) Mask() []VoxelState {
	mask := make([]VoxelState, v.Len())
	for i := range mask {
		mask[i] = v.State(i)
	}
	return mask
}
