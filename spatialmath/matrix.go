package spatialmath

import (
	"fmt"
	"math"
	"strings"
)

// RotationMatrix is a 4x4 homogeneous transform stored row-major as 16 float32 values. Rotation
// sources deliver these with a zero translation column and a bottom row of (0, 0, 0, 1).
type RotationMatrix [16]float32

// NewIdentityMatrix returns the identity transform.
func NewIdentityMatrix() RotationMatrix {
	return RotationMatrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// At returns the entry at the given row and column.
func (m *RotationMatrix) At(row, col int) float32 {
	return m[row*4+col]
}

// IsFinite reports whether every entry is a finite number.
func (m *RotationMatrix) IsFinite() bool {
	for _, v := range m {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// String prints the matrix as four bracketed rows.
func (m *RotationMatrix) String() string {
	var sb strings.Builder
	for r := 0; r < 4; r++ {
		if r > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "[%.5f %.5f %.5f %.5f]", m[r*4], m[r*4+1], m[r*4+2], m[r*4+3])
	}
	return sb.String()
}

// MatrixAlmostEqual returns whether every entry of a and b differs by at most tol.
func MatrixAlmostEqual(a, b *RotationMatrix, tol float64) bool {
	for i := range a {
		if math.Abs(float64(a[i])-float64(b[i])) > tol {
			return false
		}
	}
	return true
}

// Mul writes b·a into out: b is applied in the basis of the accumulated transform a.
// Concretely out[r][c] = Σk b[r][k]·a[k][c]. Both operands are read in full before out is
// written, so out may be the same matrix as a or b.
func Mul(out, a, b *RotationMatrix) {
	a00, a01, a02, a03 := a[0], a[1], a[2], a[3]
	a10, a11, a12, a13 := a[4], a[5], a[6], a[7]
	a20, a21, a22, a23 := a[8], a[9], a[10], a[11]
	a30, a31, a32, a33 := a[12], a[13], a[14], a[15]
	bv := *b

	for r := 0; r < 4; r++ {
		b0, b1, b2, b3 := bv[r*4], bv[r*4+1], bv[r*4+2], bv[r*4+3]
		out[r*4] = b0*a00 + b1*a10 + b2*a20 + b3*a30
		out[r*4+1] = b0*a01 + b1*a11 + b2*a21 + b3*a31
		out[r*4+2] = b0*a02 + b1*a12 + b2*a22 + b3*a32
		out[r*4+3] = b0*a03 + b1*a13 + b2*a23 + b3*a33
	}
}

// minors holds the twelve 2x2 determinants shared by Invert and Determinant.
type minors struct {
	b00, b01, b02, b03, b04, b05, b06, b07, b08, b09, b10, b11 float32
}

func minorsOf(a *RotationMatrix) minors {
	a00, a01, a02, a03 := a[0], a[1], a[2], a[3]
	a10, a11, a12, a13 := a[4], a[5], a[6], a[7]
	a20, a21, a22, a23 := a[8], a[9], a[10], a[11]
	a30, a31, a32, a33 := a[12], a[13], a[14], a[15]

	return minors{
		b00: a00*a11 - a01*a10,
		b01: a00*a12 - a02*a10,
		b02: a00*a13 - a03*a10,
		b03: a01*a12 - a02*a11,
		b04: a01*a13 - a03*a11,
		b05: a02*a13 - a03*a12,
		b06: a20*a31 - a21*a30,
		b07: a20*a32 - a22*a30,
		b08: a20*a33 - a23*a30,
		b09: a21*a32 - a22*a31,
		b10: a21*a33 - a23*a31,
		b11: a22*a33 - a23*a32,
	}
}

func (b *minors) determinant() float32 {
	return b.b00*b.b11 - b.b01*b.b10 + b.b02*b.b09 + b.b03*b.b08 - b.b04*b.b07 + b.b05*b.b06
}

// Determinant returns the determinant of a.
func Determinant(a *RotationMatrix) float32 {
	b := minorsOf(a)
	return b.determinant()
}

// Invert writes the general inverse of a into out using cofactor expansion. A singular input
// (determinant exactly zero) produces non-finite entries; callers that can see degenerate input
// must check Determinant or IsFinite themselves.
func Invert(out, a *RotationMatrix) {
	av := *a
	b := minorsOf(&av)
	det := 1 / b.determinant()

	a00, a01, a02, a03 := av[0], av[1], av[2], av[3]
	a10, a11, a12, a13 := av[4], av[5], av[6], av[7]
	a20, a21, a22, a23 := av[8], av[9], av[10], av[11]
	a30, a31, a32, a33 := av[12], av[13], av[14], av[15]

	out[0] = (a11*b.b11 - a12*b.b10 + a13*b.b09) * det
	out[1] = (a02*b.b10 - a01*b.b11 - a03*b.b09) * det
	out[2] = (a31*b.b05 - a32*b.b04 + a33*b.b03) * det
	out[3] = (a22*b.b04 - a21*b.b05 - a23*b.b03) * det
	out[4] = (a12*b.b08 - a10*b.b11 - a13*b.b07) * det
	out[5] = (a00*b.b11 - a02*b.b08 + a03*b.b07) * det
	out[6] = (a32*b.b02 - a30*b.b05 - a33*b.b01) * det
	out[7] = (a20*b.b05 - a22*b.b02 + a23*b.b01) * det
	out[8] = (a10*b.b10 - a11*b.b08 + a13*b.b06) * det
	out[9] = (a01*b.b08 - a00*b.b10 - a03*b.b06) * det
	out[10] = (a30*b.b04 - a31*b.b02 + a33*b.b00) * det
	out[11] = (a21*b.b02 - a20*b.b04 - a23*b.b00) * det
	out[12] = (a11*b.b07 - a10*b.b09 - a12*b.b06) * det
	out[13] = (a00*b.b09 - a01*b.b07 + a02*b.b06) * det
	out[14] = (a31*b.b01 - a30*b.b03 - a32*b.b00) * det
	out[15] = (a20*b.b03 - a21*b.b01 + a22*b.b00) * det
}
