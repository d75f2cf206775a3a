package spatialmath

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func randomRotation(rnd *rand.Rand) RotationMatrix {
	axis := r3.Vector{X: rnd.Float64()*2 - 1, Y: rnd.Float64()*2 - 1, Z: rnd.Float64()*2 - 1}
	if axis.Norm() < 1e-3 {
		axis = r3.Vector{Z: 1}
	}
	var m RotationMatrix
	err := RotationVectorDecoder{}.Decode(&m, NewRotationVector(axis, rnd.Float64()*2*math.Pi))
	if err != nil {
		panic(err)
	}
	return m
}

func toDense(m *RotationMatrix) *mat.Dense {
	data := make([]float64, 16)
	for i, v := range m {
		data[i] = float64(v)
	}
	return mat.NewDense(4, 4, data)
}

func matricesAlmostEqual(t *testing.T, actual, expected *RotationMatrix, tol float64) {
	t.Helper()
	for i := range actual {
		test.That(t, actual[i], test.ShouldAlmostEqual, expected[i], tol)
	}
}

func TestIdentity(t *testing.T) {
	id := NewIdentityMatrix()
	test.That(t, Determinant(&id), test.ShouldEqual, float32(1))
	test.That(t, id.IsFinite(), test.ShouldBeTrue)
	test.That(t, id.At(3, 3), test.ShouldEqual, float32(1))
	test.That(t, id.At(0, 1), test.ShouldEqual, float32(0))
	test.That(t, id.String(), test.ShouldContainSubstring, "[1.00000 0.00000 0.00000 0.00000]")

	rnd := rand.New(rand.NewSource(1))
	b := randomRotation(rnd)
	b[3], b[7] = 0.5, -2 // a translation must survive the identity too

	var out RotationMatrix
	Mul(&out, &id, &b)
	test.That(t, out, test.ShouldResemble, b)
	Mul(&out, &b, &id)
	test.That(t, out, test.ShouldResemble, b)

	var inv RotationMatrix
	Invert(&inv, &id)
	test.That(t, inv, test.ShouldResemble, id)
}

func TestMulOperandOrder(t *testing.T) {
	rnd := rand.New(rand.NewSource(2))
	for i := 0; i < 20; i++ {
		a := randomRotation(rnd)
		b := randomRotation(rnd)

		var out RotationMatrix
		Mul(&out, &a, &b)

		var expected mat.Dense
		expected.Mul(toDense(&b), toDense(&a))
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				test.That(t, out.At(r, c), test.ShouldAlmostEqual, expected.At(r, c), 1e-5)
			}
		}
	}
}

func TestInvert(t *testing.T) {
	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 50; i++ {
		a := randomRotation(rnd)

		var inv, back RotationMatrix
		Invert(&inv, &a)
		Invert(&back, &inv)
		test.That(t, inv.IsFinite(), test.ShouldBeTrue)
		matricesAlmostEqual(t, &back, &a, 1e-4)

		// a rotation's inverse is its transpose
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				test.That(t, inv.At(r, c), test.ShouldAlmostEqual, a.At(c, r), 1e-4)
			}
		}

		var expected mat.Dense
		test.That(t, expected.Inverse(toDense(&a)), test.ShouldBeNil)
		for r := 0; r < 4; r++ {
			for c := 0; c < 4; c++ {
				test.That(t, inv.At(r, c), test.ShouldAlmostEqual, expected.At(r, c), 1e-4)
			}
		}

		var prod RotationMatrix
		id := NewIdentityMatrix()
		Mul(&prod, &a, &inv)
		matricesAlmostEqual(t, &prod, &id, 1e-4)
	}
}

func TestInvertGeneral(t *testing.T) {
	// not a rotation: scaled and translated
	a := RotationMatrix{
		2, 0, 0, 1,
		0, 4, 0, 2,
		0, 0, 0.5, 3,
		0, 0, 0, 1,
	}
	test.That(t, Determinant(&a), test.ShouldAlmostEqual, 4, 1e-6)

	var inv RotationMatrix
	Invert(&inv, &a)
	expected := RotationMatrix{
		0.5, 0, 0, -0.5,
		0, 0.25, 0, -0.5,
		0, 0, 2, -6,
		0, 0, 0, 1,
	}
	matricesAlmostEqual(t, &inv, &expected, 1e-6)
}

func TestInvertSingular(t *testing.T) {
	var zero RotationMatrix
	test.That(t, Determinant(&zero), test.ShouldEqual, float32(0))

	var out RotationMatrix
	Invert(&out, &zero)
	test.That(t, out.IsFinite(), test.ShouldBeFalse)
	for _, v := range out {
		f := float64(v)
		test.That(t, math.IsNaN(f) || math.IsInf(f, 0), test.ShouldBeTrue)
	}
}

func TestAliasing(t *testing.T) {
	rnd := rand.New(rand.NewSource(4))
	a := randomRotation(rnd)
	b := randomRotation(rnd)

	var fresh RotationMatrix
	Mul(&fresh, &a, &b)

	aliasA := a
	Mul(&aliasA, &aliasA, &b)
	test.That(t, aliasA, test.ShouldResemble, fresh)

	aliasB := b
	Mul(&aliasB, &a, &aliasB)
	test.That(t, aliasB, test.ShouldResemble, fresh)

	square := a
	var freshSquare RotationMatrix
	Mul(&freshSquare, &a, &a)
	Mul(&square, &square, &square)
	test.That(t, square, test.ShouldResemble, freshSquare)

	var freshInv RotationMatrix
	Invert(&freshInv, &a)
	aliasInv := a
	Invert(&aliasInv, &aliasInv)
	test.That(t, aliasInv, test.ShouldResemble, freshInv)
}

func TestMatrixAlmostEqual(t *testing.T) {
	a := NewIdentityMatrix()
	b := a
	b[5] += 1e-5
	test.That(t, MatrixAlmostEqual(&a, &b, 1e-4), test.ShouldBeTrue)
	test.That(t, MatrixAlmostEqual(&a, &b, 1e-6), test.ShouldBeFalse)
}
