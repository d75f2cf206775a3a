package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"
)

// ErrShortRotationVector is returned when a rotation vector sample carries fewer than the three
// axis components.
var ErrShortRotationVector = errors.New("rotation vector needs at least 3 components")

// NewRotationVector builds the sample a rotation-vector sensor reports for a rotation of theta
// radians about axis: (x·sin(θ/2), y·sin(θ/2), z·sin(θ/2), cos(θ/2)). The axis is normalized.
func NewRotationVector(axis r3.Vector, theta float64) []float32 {
	axis = axis.Normalize()
	s := math.Sin(theta / 2)
	return []float32{
		float32(axis.X * s),
		float32(axis.Y * s),
		float32(axis.Z * s),
		float32(math.Cos(theta / 2)),
	}
}

// RotationVectorQuaternion returns the unit quaternion encoded by a rotation vector sample. When
// the scalar component is omitted it is recovered from the unit-norm constraint, clamped at 0 for
// slightly over-length vectors.
func RotationVectorQuaternion(values []float32) (quat.Number, error) {
	if len(values) < 3 {
		return quat.Number{}, errors.Wrapf(ErrShortRotationVector, "got %d", len(values))
	}
	q1, q2, q3 := float64(values[0]), float64(values[1]), float64(values[2])
	var q0 float64
	if len(values) >= 4 {
		q0 = float64(values[3])
	} else {
		q0 = 1 - q1*q1 - q2*q2 - q3*q3
		if q0 > 0 {
			q0 = math.Sqrt(q0)
		} else {
			q0 = 0
		}
	}
	return quat.Number{Real: q0, Imag: q1, Jmag: q2, Kmag: q3}, nil
}

// QuaternionToMatrix writes the rotation described by q into out as a homogeneous transform.
// q is used as given; it is expected to be of unit length.
func QuaternionToMatrix(out *RotationMatrix, q quat.Number) {
	q0, q1, q2, q3 := q.Real, q.Imag, q.Jmag, q.Kmag

	sqQ1 := 2 * q1 * q1
	sqQ2 := 2 * q2 * q2
	sqQ3 := 2 * q3 * q3
	q1q2 := 2 * q1 * q2
	q3q0 := 2 * q3 * q0
	q1q3 := 2 * q1 * q3
	q2q0 := 2 * q2 * q0
	q2q3 := 2 * q2 * q3
	q1q0 := 2 * q1 * q0

	*out = RotationMatrix{
		float32(1 - sqQ2 - sqQ3), float32(q1q2 - q3q0), float32(q1q3 + q2q0), 0,
		float32(q1q2 + q3q0), float32(1 - sqQ1 - sqQ3), float32(q2q3 - q1q0), 0,
		float32(q1q3 - q2q0), float32(q2q3 + q1q0), float32(1 - sqQ1 - sqQ2), 0,
		0, 0, 0, 1,
	}
}

// RotationVectorDecoder decodes rotation vector samples into rotation matrices using the usual
// mobile platform convention. It is the default decoder for both the magnetic and the
// gyroscopic source.
type RotationVectorDecoder struct{}

// Decode writes the matrix for values into out. On error out is left untouched.
func (RotationVectorDecoder) Decode(out *RotationMatrix, values []float32) error {
	q, err := RotationVectorQuaternion(values)
	if err != nil {
		return err
	}
	QuaternionToMatrix(out, q)
	return nil
}

// RotationVectorFromQuaternion returns the 4-component sample a rotation-vector sensor reports
// for q. The sign is chosen so the scalar component is non-negative.
func RotationVectorFromQuaternion(q quat.Number) []float32 {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return []float32{float32(q.Imag), float32(q.Jmag), float32(q.Kmag), float32(q.Real)}
}
