package models

import "gonum.org/v1/gonum/spatial/r3"

// Extent is an integer voxel-index box {x0, x1, y0, y1, z0, z1}; both bounds
// are inclusive.
type Extent [6]int

// Dims returns the number of voxels along each axis.
func (e Extent) Dims() (nx, ny, nz int) {
	return e[1] - e[0] + 1, e[3] - e[2] + 1, e[5] - e[4] + 1
}

// Voxels returns the total voxel count.
func (e Extent) Voxels() int {
	nx, ny, nz := e.Dims()
	return nx * ny * nz
}

// Volume is a single-channel 3D image on a regular grid.
type Volume struct {
	// Data is the intensity data as a 1D array: z*nx*ny + y*nx + x
	Data []float64

	// Extent is the voxel index extent
	Extent Extent

	// Spacing is the physical size of each voxel along x, y and z
	Spacing r3.Vec

	// Origin is the physical position of voxel (0, 0, 0)
	Origin r3.Vec
}

// Dims returns the volume dimensions in voxels.
func (v *Volume) Dims() (nx, ny, nz int) {
	return v.Extent.Dims()
}

// Index returns the linear index of voxel (x, y, z).
func (v *Volume) Index(x, y, z int) int {
	nx, ny, _ := v.Extent.Dims()
	return z*nx*ny + y*nx + x
}

// At returns the intensity of voxel (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}
