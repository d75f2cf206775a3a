package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.viam.com/test"

	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
)

const matrixTolerance = 1e-5

type recordingEmitter struct {
	emitted []spatialmath.RotationMatrix
	err     error
}

func (e *recordingEmitter) Emit(m spatialmath.RotationMatrix) error {
	e.emitted = append(e.emitted, m)
	return e.err
}

func decode(t *testing.T, values []float32) spatialmath.RotationMatrix {
	t.Helper()
	var m spatialmath.RotationMatrix
	test.That(t, spatialmath.RotationVectorDecoder{}.Decode(&m, values), test.ShouldBeNil)
	return m
}

func product(a, b spatialmath.RotationMatrix) spatialmath.RotationMatrix {
	var out spatialmath.RotationMatrix
	spatialmath.Mul(&out, &a, &b)
	return out
}

func inverse(a spatialmath.RotationMatrix) spatialmath.RotationMatrix {
	var out spatialmath.RotationMatrix
	spatialmath.Invert(&out, &a)
	return out
}

func newTestSession(t *testing.T, cfg Config) (*Session, *clock.Mock, *recordingEmitter, *Metrics) {
	t.Helper()
	clk := clock.NewMock()
	emitter := &recordingEmitter{}
	metrics := NewMetrics(prometheus.NewRegistry())
	s, err := NewSession(cfg, Dependencies{Clock: clk, Emitter: emitter, Metrics: metrics}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return s, clk, emitter, metrics
}

var (
	magneticVector   = spatialmath.NewRotationVector(r3.Vector{X: 0.2, Y: -0.4, Z: 1}, 1.1)
	gyroscopicVector = spatialmath.NewRotationVector(r3.Vector{X: 1, Y: 0.3, Z: 0.1}, 0.7)
	driftedVector    = spatialmath.NewRotationVector(r3.Vector{X: 1, Y: 0.3, Z: 0.2}, 0.75)
)

func TestNewSession(t *testing.T) {
	logger := logging.NewTestLogger(t)

	_, err := NewSession(Config{Mode: "triple"}, Dependencies{}, logger)
	test.That(t, errors.Is(err, ErrUnknownMode), test.ShouldBeTrue)

	_, err = NewSession(Config{UpdateIntervalMs: -1}, Dependencies{}, logger)
	test.That(t, errors.Is(err, ErrInvalidInterval), test.ShouldBeTrue)

	_, err = NewSession(Config{SingularPolicy: "ignore"}, Dependencies{}, logger)
	test.That(t, errors.Is(err, ErrUnknownSingularPolicy), test.ShouldBeTrue)

	s, err := NewSession(Config{}, Dependencies{}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s.Mode(), test.ShouldEqual, ModeDual)

	identity := spatialmath.NewIdentityMatrix()
	state := s.State()
	test.That(t, state.Magnetic, test.ShouldResemble, identity)
	test.That(t, state.Gyroscopic, test.ShouldResemble, identity)
	test.That(t, state.Correction, test.ShouldResemble, identity)
	test.That(t, state.Output, test.ShouldResemble, identity)
	test.That(t, state.PendingMagnetic, test.ShouldBeFalse)
	test.That(t, state.HasAccepted, test.ShouldBeFalse)
}

func TestSessionDefaults(t *testing.T) {
	metrics := NewMetrics(nil)
	s, err := NewSession(Config{}, Dependencies{Decoder: zeroingDecoder, Metrics: metrics}, nil)
	test.That(t, err, test.ShouldBeNil)

	s.OnMagneticSample(magneticVector)
	res := s.OnGyroscopicSample(degenerateVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, testutil.ToFloat64(metrics.singular), test.ShouldEqual, 1.)

	// emissions count even with nowhere to send them
	test.That(t, s.OnGyroscopicSample(gyroscopicVector).Emitted, test.ShouldBeTrue)
	test.That(t, testutil.ToFloat64(metrics.emissions.WithLabelValues("ok")), test.ShouldEqual, 2.)
}

func TestDualFusion(t *testing.T) {
	s, clk, emitter, metrics := newTestSession(t, Config{Mode: ModeDual})

	m1 := decode(t, magneticVector)
	g1 := decode(t, gyroscopicVector)
	g2 := decode(t, driftedVector)

	res := s.OnMagneticSample(magneticVector)
	test.That(t, res.Accepted, test.ShouldBeTrue)
	test.That(t, res.Emitted, test.ShouldBeFalse)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, emitter.emitted, test.ShouldBeEmpty)
	test.That(t, s.State().PendingMagnetic, test.ShouldBeTrue)

	clk.Add(10 * time.Millisecond)
	res = s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Accepted, test.ShouldBeTrue)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, res.Err, test.ShouldBeNil)
	test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &m1, matrixTolerance), test.ShouldBeTrue)
	test.That(t, emitter.emitted, test.ShouldHaveLength, 1)
	test.That(t, emitter.emitted[0], test.ShouldResemble, res.Matrix)

	state := s.State()
	test.That(t, state.PendingMagnetic, test.ShouldBeFalse)
	expectedCorrection := product(inverse(g1), m1)
	test.That(t, spatialmath.MatrixAlmostEqual(&state.Correction, &expectedCorrection, matrixTolerance), test.ShouldBeTrue)

	t.Run("gyroscopic samples reuse the correction", func(t *testing.T) {
		correction := s.State().Correction
		for i := 0; i < 3; i++ {
			clk.Add(10 * time.Millisecond)
			res := s.OnGyroscopicSample(driftedVector)
			test.That(t, res.Emitted, test.ShouldBeTrue)

			expected := product(g2, correction)
			test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &expected, matrixTolerance), test.ShouldBeTrue)
			test.That(t, s.State().Correction, test.ShouldResemble, correction)
		}
		test.That(t, testutil.ToFloat64(metrics.corrections), test.ShouldEqual, 1.)
	})

	t.Run("new magnetic sample realigns output", func(t *testing.T) {
		clk.Add(10 * time.Millisecond)
		m2Vector := spatialmath.NewRotationVector(r3.Vector{Z: 1}, 2)
		m2 := decode(t, m2Vector)
		s.OnMagneticSample(m2Vector)

		clk.Add(10 * time.Millisecond)
		res := s.OnGyroscopicSample(driftedVector)
		test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &m2, matrixTolerance), test.ShouldBeTrue)
		test.That(t, testutil.ToFloat64(metrics.corrections), test.ShouldEqual, 2.)
	})

	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("magnetic", outcomeAccepted)), test.ShouldEqual, 2.)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("gyroscopic", outcomeAccepted)), test.ShouldEqual, 5.)
	test.That(t, testutil.ToFloat64(metrics.emissions.WithLabelValues("ok")), test.ShouldEqual, 5.)
}

func TestSharedGate(t *testing.T) {
	s, clk, emitter, metrics := newTestSession(t, Config{UpdateIntervalMs: 50})

	// an unprimed gate passes the magnetic sample but only the gyroscopic source primes it
	test.That(t, s.OnMagneticSample(magneticVector).Accepted, test.ShouldBeTrue)
	test.That(t, s.State().HasAccepted, test.ShouldBeFalse)

	clk.Add(20 * time.Millisecond)
	res := s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, s.State().LastAcceptedMs, test.ShouldEqual, int64(20))

	// magnetic samples inside the window are checked against the gate
	clk.Add(10 * time.Millisecond)
	test.That(t, s.OnMagneticSample(driftedVector), test.ShouldResemble, EmitResult{})
	test.That(t, s.State().PendingMagnetic, test.ShouldBeFalse)

	// and once the window has passed they refresh the reference without moving it
	clk.Add(40 * time.Millisecond)
	test.That(t, s.OnMagneticSample(driftedVector).Accepted, test.ShouldBeTrue)
	state := s.State()
	test.That(t, state.PendingMagnetic, test.ShouldBeTrue)
	test.That(t, state.LastAcceptedMs, test.ShouldEqual, int64(20))

	res = s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, s.State().LastAcceptedMs, test.ShouldEqual, int64(70))

	clk.Add(20 * time.Millisecond)
	test.That(t, s.OnGyroscopicSample(gyroscopicVector), test.ShouldResemble, EmitResult{})
	test.That(t, emitter.emitted, test.ShouldHaveLength, 2)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("gyroscopic", outcomeSuppressed)), test.ShouldEqual, 1.)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("magnetic", outcomeSuppressed)), test.ShouldEqual, 1.)

	test.That(t, s.SetInterval(-5), test.ShouldNotBeNil)
	test.That(t, s.SetInterval(0), test.ShouldBeNil)
	test.That(t, s.OnGyroscopicSample(gyroscopicVector).Emitted, test.ShouldBeTrue)
}

// A magnetic source sampling far faster than the interval must not starve the output.
func TestFastMagneticSource(t *testing.T) {
	s, clk, emitter, metrics := newTestSession(t, Config{UpdateIntervalMs: 100})

	for ms := 0; ms < 2000; ms++ {
		s.OnMagneticSample(magneticVector)
		if ms%100 == 0 {
			s.OnGyroscopicSample(driftedVector)
		}
		clk.Add(time.Millisecond)
	}

	test.That(t, emitter.emitted, test.ShouldHaveLength, 20)
	test.That(t, testutil.ToFloat64(metrics.corrections), test.ShouldEqual, 20.)
	m1 := decode(t, magneticVector)
	for _, m := range emitter.emitted {
		test.That(t, spatialmath.MatrixAlmostEqual(&m, &m1, matrixTolerance), test.ShouldBeTrue)
	}
}

func TestSingleSource(t *testing.T) {
	s, clk, emitter, metrics := newTestSession(t, Config{Mode: ModeSingleSource, UpdateIntervalMs: 50})

	vectors := [][]float32{
		magneticVector,
		spatialmath.NewRotationVector(r3.Vector{Y: 1}, 0.3),
		spatialmath.NewRotationVector(r3.Vector{X: 1, Z: 1}, -1.2),
	}
	for _, v := range vectors {
		res := s.OnMagneticSample(v)
		test.That(t, res.Accepted, test.ShouldBeTrue)
		test.That(t, res.Emitted, test.ShouldBeTrue)
		test.That(t, res.Matrix, test.ShouldResemble, decode(t, v))

		// gyroscopic samples are ignored and do not touch the gate
		test.That(t, s.OnGyroscopicSample(gyroscopicVector), test.ShouldResemble, EmitResult{})

		clk.Add(10 * time.Millisecond)
		test.That(t, s.OnMagneticSample(v).Accepted, test.ShouldBeFalse)
		clk.Add(40 * time.Millisecond)
	}

	test.That(t, emitter.emitted, test.ShouldHaveLength, 3)
	state := s.State()
	test.That(t, state.Correction, test.ShouldResemble, spatialmath.NewIdentityMatrix())
	test.That(t, state.PendingMagnetic, test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("gyroscopic", outcomeIgnored)), test.ShouldEqual, 3.)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("magnetic", outcomeSuppressed)), test.ShouldEqual, 3.)
}

// zeroingDecoder decodes to the zero matrix when the first component is NaN, standing in for a
// degenerate gyroscopic frame.
var zeroingDecoder = DecoderFunc(func(out *spatialmath.RotationMatrix, values []float32) error {
	if len(values) > 0 && math.IsNaN(float64(values[0])) {
		*out = spatialmath.RotationMatrix{}
		return nil
	}
	return spatialmath.RotationVectorDecoder{}.Decode(out, values)
})

var degenerateVector = []float32{float32(math.NaN()), 0, 0, 1}

func TestSingularRetain(t *testing.T) {
	clk := clock.NewMock()
	emitter := &recordingEmitter{}
	metrics := NewMetrics(nil)
	logger, logs := logging.NewObservedTestLogger(t)
	s, err := NewSession(Config{}, Dependencies{Decoder: zeroingDecoder, Clock: clk, Emitter: emitter, Metrics: metrics}, logger)
	test.That(t, err, test.ShouldBeNil)

	s.OnMagneticSample(magneticVector)
	s.OnGyroscopicSample(gyroscopicVector)
	correction := s.State().Correction

	s.OnMagneticSample(spatialmath.NewRotationVector(r3.Vector{Z: 1}, 2))
	res := s.OnGyroscopicSample(degenerateVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, res.Matrix.IsFinite(), test.ShouldBeTrue)

	state := s.State()
	test.That(t, state.Correction, test.ShouldResemble, correction)
	test.That(t, state.PendingMagnetic, test.ShouldBeTrue)
	test.That(t, testutil.ToFloat64(metrics.singular), test.ShouldEqual, 1.)
	test.That(t, logs.FilterMessageSnippet("singular").Len(), test.ShouldEqual, 1)

	// the next usable frame picks the pending correction up
	m2 := decode(t, spatialmath.NewRotationVector(r3.Vector{Z: 1}, 2))
	res = s.OnGyroscopicSample(driftedVector)
	test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &m2, matrixTolerance), test.ShouldBeTrue)
	test.That(t, s.State().PendingMagnetic, test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(metrics.corrections), test.ShouldEqual, 2.)
}

func TestSingularPropagate(t *testing.T) {
	clk := clock.NewMock()
	emitter := &recordingEmitter{}
	metrics := NewMetrics(nil)
	s, err := NewSession(
		Config{SingularPolicy: SingularPolicyPropagate},
		Dependencies{Decoder: zeroingDecoder, Clock: clk, Emitter: emitter, Metrics: metrics},
		logging.NewTestLogger(t),
	)
	test.That(t, err, test.ShouldBeNil)

	s.OnMagneticSample(magneticVector)
	res := s.OnGyroscopicSample(degenerateVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, res.Matrix.IsFinite(), test.ShouldBeFalse)
	test.That(t, s.State().PendingMagnetic, test.ShouldBeFalse)
	test.That(t, testutil.ToFloat64(metrics.singular), test.ShouldEqual, 1.)

	// without a fresh magnetic sample the bad correction sticks
	res = s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Matrix.IsFinite(), test.ShouldBeFalse)

	s.OnMagneticSample(magneticVector)
	res = s.OnGyroscopicSample(gyroscopicVector)
	m1 := decode(t, magneticVector)
	test.That(t, res.Matrix.IsFinite(), test.ShouldBeTrue)
	test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &m1, matrixTolerance), test.ShouldBeTrue)
}

func TestEmitterFailure(t *testing.T) {
	s, clk, emitter, metrics := newTestSession(t, Config{})
	emitter.err = errors.New("bridge gone")

	s.OnMagneticSample(magneticVector)
	clk.Add(time.Millisecond)
	res := s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Emitted, test.ShouldBeTrue)
	test.That(t, res.Err, test.ShouldNotBeNil)
	test.That(t, res.Err.Error(), test.ShouldContainSubstring, "bridge gone")

	// state moved on regardless
	state := s.State()
	test.That(t, state.PendingMagnetic, test.ShouldBeFalse)
	test.That(t, state.Output, test.ShouldResemble, res.Matrix)

	emitter.err = nil
	clk.Add(time.Millisecond)
	res = s.OnGyroscopicSample(gyroscopicVector)
	test.That(t, res.Err, test.ShouldBeNil)
	m1 := decode(t, magneticVector)
	test.That(t, spatialmath.MatrixAlmostEqual(&res.Matrix, &m1, matrixTolerance), test.ShouldBeTrue)

	test.That(t, testutil.ToFloat64(metrics.emissions.WithLabelValues("failed")), test.ShouldEqual, 1.)
	test.That(t, testutil.ToFloat64(metrics.emissions.WithLabelValues("ok")), test.ShouldEqual, 1.)
}

func TestDecodeError(t *testing.T) {
	s, _, emitter, metrics := newTestSession(t, Config{})

	res := s.OnMagneticSample([]float32{0.1})
	test.That(t, res.Accepted, test.ShouldBeTrue)
	test.That(t, res.Emitted, test.ShouldBeFalse)
	test.That(t, errors.Is(res.Err, spatialmath.ErrShortRotationVector), test.ShouldBeTrue)
	test.That(t, res.Err.Error(), test.ShouldContainSubstring, "decoding magnetic sample")

	state := s.State()
	test.That(t, state.Magnetic, test.ShouldResemble, spatialmath.NewIdentityMatrix())
	test.That(t, state.PendingMagnetic, test.ShouldBeFalse)

	res = s.OnGyroscopicSample(nil)
	test.That(t, res.Emitted, test.ShouldBeFalse)
	test.That(t, res.Err, test.ShouldNotBeNil)
	test.That(t, emitter.emitted, test.ShouldBeEmpty)
	test.That(t, testutil.ToFloat64(metrics.samples.WithLabelValues("magnetic", outcomeInvalid)), test.ShouldEqual, 1.)
}
