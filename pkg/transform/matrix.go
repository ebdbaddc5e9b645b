// Package transform provides the 4x4 homogeneous transforms used to place
// tracked image slices in a reference coordinate system.
package transform

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrSingular is returned when a matrix cannot place image points in space.
var ErrSingular = errors.New("transform is singular")

// degenerateArea is the smallest in-plane pixel area (squared units) accepted
// for an image-to-reference transform.
const degenerateArea = 1e-12

// Matrix4 is a 4x4 homogeneous transform stored in row-major order:
// m00,m01,m02,m03, m10,...
type Matrix4 [16]float64

// Identity returns the identity transform.
func Identity() Matrix4 {
	return Matrix4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a translation-only transform.
func Translation(tx, ty, tz float64) Matrix4 {
	m := Identity()
	m[3], m[7], m[11] = tx, ty, tz
	return m
}

// Scale returns a scaling transform.
func Scale(sx, sy, sz float64) Matrix4 {
	m := Identity()
	m[0], m[5], m[10] = sx, sy, sz
	return m
}

// RotationZ returns a rotation about the z axis (angle in radians).
func RotationZ(angle float64) Matrix4 {
	c, s := math.Cos(angle), math.Sin(angle)
	m := Identity()
	m[0], m[1] = c, -s
	m[4], m[5] = s, c
	return m
}

// RotationX returns a rotation about the x axis (angle in radians).
func RotationX(angle float64) Matrix4 {
	c, s := math.Cos(angle), math.Sin(angle)
	m := Identity()
	m[5], m[6] = c, -s
	m[9], m[10] = s, c
	return m
}

// FromSlice builds a matrix from 16 row-major values.
func FromSlice(values []float64) (Matrix4, error) {
	var m Matrix4
	if len(values) != 16 {
		return m, fmt.Errorf("expected 16 matrix values, got %d", len(values))
	}
	copy(m[:], values)
	return m, nil
}

// At returns the element at row r, column c.
func (m Matrix4) At(r, c int) float64 {
	return m[r*4+c]
}

// Dense returns a gonum view of the matrix.
func (m Matrix4) Dense() *mat.Dense {
	data := make([]float64, 16)
	copy(data, m[:])
	return mat.NewDense(4, 4, data)
}

// Multiply composes two transforms: result = a * b.
// Applying the result is equivalent to applying b first, then a.
func Multiply(a, b Matrix4) Matrix4 {
	var product mat.Dense
	product.Mul(a.Dense(), b.Dense())

	var out Matrix4
	copy(out[:], product.RawMatrix().Data)
	return out
}

// Compose returns ImageToReference = ToolToReference * ImageToTool.
// The calibration is applied first, the tracking pose second.
func Compose(toolToReference, imageToTool Matrix4) Matrix4 {
	return Multiply(toolToReference, imageToTool)
}

// Inverse returns the inverse transform, or ErrSingular when the matrix has
// no usable inverse.
func (m Matrix4) Inverse() (Matrix4, error) {
	var inv mat.Dense
	if err := inv.Inverse(m.Dense()); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return Matrix4{}, fmt.Errorf("%w: %v", ErrSingular, err)
		}
		if math.IsInf(float64(cond), 1) {
			return Matrix4{}, ErrSingular
		}
		// ill-conditioned but computed; fall through
	}
	var out Matrix4
	copy(out[:], inv.RawMatrix().Data)
	return out, nil
}

// Determinant returns the determinant of the full 4x4 matrix.
func (m Matrix4) Determinant() float64 {
	return mat.Det(m.Dense())
}

// TransformPoint applies the transform to a point (homogeneous w = 1).
func (m Matrix4) TransformPoint(p r3.Vec) r3.Vec {
	x := m[0]*p.X + m[1]*p.Y + m[2]*p.Z + m[3]
	y := m[4]*p.X + m[5]*p.Y + m[6]*p.Z + m[7]
	z := m[8]*p.X + m[9]*p.Y + m[10]*p.Z + m[11]
	w := m[12]*p.X + m[13]*p.Y + m[14]*p.Z + m[15]
	if w != 1 && w != 0 {
		return r3.Vec{X: x / w, Y: y / w, Z: z / w}
	}
	return r3.Vec{X: x, Y: y, Z: z}
}

// Column returns the first three components of column c.
func (m Matrix4) Column(c int) r3.Vec {
	return r3.Vec{X: m[c], Y: m[4+c], Z: m[8+c]}
}

// IsFinite reports whether every element is a finite number.
func (m Matrix4) IsFinite() bool {
	for _, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidateSlicePlacement checks that the matrix can map image pixels (z = 0)
// into space: all elements finite, an affine bottom row, and image x and y
// axes that span a plane.
func (m Matrix4) ValidateSlicePlacement() error {
	if !m.IsFinite() {
		return fmt.Errorf("%w: non-finite element", ErrSingular)
	}
	if m[12] != 0 || m[13] != 0 || m[14] != 0 || m[15] == 0 {
		return fmt.Errorf("%w: bottom row is not affine", ErrSingular)
	}
	area := r3.Cross(m.Column(0), m.Column(1))
	if r3.Norm2(area) < degenerateArea {
		return fmt.Errorf("%w: image axes are degenerate", ErrSingular)
	}
	return nil
}

// Equal reports whether two matrices are equal within tol.
func Equal(a, b Matrix4, tol float64) bool {
	return mat.EqualApprox(a.Dense(), b.Dense(), tol)
}

// String formats the matrix as four rows.
func (m Matrix4) String() string {
	return fmt.Sprintf("[%g %g %g %g; %g %g %g %g; %g %g %g %g; %g %g %g %g]",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7],
		m[8], m[9], m[10], m[11], m[12], m[13], m[14], m[15])
}
