package fusion

import (
	"math"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
)

// A gyroscopic frame whose determinant is smaller than this is treated as singular under
// SingularPolicyRetain. Decoded rotations have a determinant of 1.
const singularDeterminantTolerance = 1e-6

// Decoder turns a raw rotation sample into a rotation matrix, writing all 16 entries of out.
type Decoder interface {
	Decode(out *spatialmath.RotationMatrix, values []float32) error
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(out *spatialmath.RotationMatrix, values []float32) error

// Decode calls f.
func (f DecoderFunc) Decode(out *spatialmath.RotationMatrix, values []float32) error {
	return f(out, values)
}

// Emitter receives every rotation matrix a session produces. It is called on the goroutine
// that delivered the sample and should not block.
type Emitter interface {
	Emit(matrix spatialmath.RotationMatrix) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(matrix spatialmath.RotationMatrix) error

// Emit calls f.
func (f EmitterFunc) Emit(matrix spatialmath.RotationMatrix) error {
	return f(matrix)
}

// EmitResult describes what happened to one sample.
type EmitResult struct {
	// Accepted is true when the sample passed the sampling gate.
	Accepted bool
	// Emitted is true when the sample produced an output matrix and it was handed to the emitter.
	Emitted bool
	// Matrix is the output when Emitted is true.
	Matrix spatialmath.RotationMatrix
	// Err holds a decode error (Emitted is false) or the emitter's error (Emitted is true). In
	// both cases the session state has already been updated and later samples are unaffected.
	Err error
}

// Dependencies are the collaborators a session calls into. Nil fields get defaults: the
// rotation-vector decoder, the wall clock, no emitter and no metrics.
type Dependencies struct {
	Decoder Decoder
	Clock   clock.Clock
	Emitter Emitter
	Metrics *Metrics
}

// State is a copy of a session's internal matrices.
type State struct {
	Magnetic        spatialmath.RotationMatrix
	Gyroscopic      spatialmath.RotationMatrix
	Correction      spatialmath.RotationMatrix
	Output          spatialmath.RotationMatrix
	PendingMagnetic bool
	LastAcceptedMs  int64
	HasAccepted     bool
}

// Session holds the fusion state for one start/stop cycle of the host. All matrices begin at
// identity.
type Session struct {
	mu      sync.Mutex
	mode    Mode
	policy  SingularPolicy
	gate    *Gate
	decoder Decoder
	clock   clock.Clock
	emitter Emitter
	metrics *Metrics
	logger  logging.Logger

	magnetic           spatialmath.RotationMatrix
	gyroscopic         spatialmath.RotationMatrix
	correction         spatialmath.RotationMatrix
	invertedGyroscopic spatialmath.RotationMatrix
	output             spatialmath.RotationMatrix
	scratch            spatialmath.RotationMatrix
	pendingMagnetic    bool
}

// NewSession validates cfg and returns a session in its identity state. A nil logger logs to
// stdout.
func NewSession(cfg Config, deps Dependencies, logger logging.Logger) (*Session, error) {
	if err := cfg.Validate("fusion"); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	if deps.Decoder == nil {
		deps.Decoder = spatialmath.RotationVectorDecoder{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if logger == nil {
		logger = logging.NewLogger("fusion")
	}

	identity := spatialmath.NewIdentityMatrix()
	return &Session{
		mode:               cfg.Mode,
		policy:             cfg.SingularPolicy,
		gate:               NewGate(cfg.UpdateIntervalMs),
		decoder:            deps.Decoder,
		clock:              deps.Clock,
		emitter:            deps.Emitter,
		metrics:            deps.Metrics,
		logger:             logger,
		magnetic:           identity,
		gyroscopic:         identity,
		correction:         identity,
		invertedGyroscopic: identity,
		output:             identity,
	}, nil
}

// Mode returns the mode the session was created with.
func (s *Session) Mode() Mode {
	return s.mode
}

// SetInterval changes the sampling interval for the next sample evaluated.
func (s *Session) SetInterval(intervalMs int) error {
	if intervalMs < 0 {
		return errors.Wrapf(ErrInvalidInterval, "got %d", intervalMs)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate.SetInterval(intervalMs)
	return nil
}

// State returns a copy of the session's matrices and flags.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.gate.LastAccepted()
	return State{
		Magnetic:        s.magnetic,
		Gyroscopic:      s.gyroscopic,
		Correction:      s.correction,
		Output:          s.output,
		PendingMagnetic: s.pendingMagnetic,
		LastAcceptedMs:  last,
		HasAccepted:     ok,
	}
}

// OnMagneticSample handles one raw sample from the absolute source. In dual mode it is checked
// against the gate without advancing it, refreshes the magnetic reference and marks a correction
// as due. In single-source mode it drives the gate and the decoded matrix is emitted as is.
func (s *Session) OnMagneticSample(values []float32) EmitResult {
	s.mu.Lock()
	if ok, result := s.admit(SourceMagnetic, values, s.mode == ModeSingleSource); !ok {
		s.mu.Unlock()
		return result
	}
	s.magnetic = s.scratch

	if s.mode == ModeSingleSource {
		s.output = s.magnetic
		out := s.output
		s.mu.Unlock()
		return s.emit(out)
	}

	s.pendingMagnetic = true
	s.mu.Unlock()
	return EmitResult{Accepted: true}
}

// OnGyroscopicSample handles one raw sample from the relative source, recomputing the
// correction first if a magnetic sample arrived since the last recompute, and emits the
// corrected rotation. Single-source sessions ignore it.
func (s *Session) OnGyroscopicSample(values []float32) EmitResult {
	if s.mode == ModeSingleSource {
		s.metrics.sample(SourceGyroscopic, outcomeIgnored)
		return EmitResult{}
	}

	s.mu.Lock()
	if ok, result := s.admit(SourceGyroscopic, values, true); !ok {
		s.mu.Unlock()
		return result
	}
	s.gyroscopic = s.scratch

	if s.pendingMagnetic {
		s.updateCorrection()
	}
	spatialmath.Mul(&s.output, &s.gyroscopic, &s.correction)
	out := s.output
	s.mu.Unlock()

	return s.emit(out)
}

// admit runs the sampling gate and decodes values into scratch. Only a driving sample (advance)
// moves the gate. It must be called with mu held. ok is false when the caller should stop and
// return result.
func (s *Session) admit(source Source, values []float32, advance bool) (ok bool, result EmitResult) {
	now := s.clock.Now().UnixMilli()
	passed := s.gate.Check(now)
	if advance {
		passed = s.gate.Accept(now)
	}
	if !passed {
		s.metrics.sample(source, outcomeSuppressed)
		return false, EmitResult{}
	}

	if err := s.decoder.Decode(&s.scratch, values); err != nil {
		s.metrics.sample(source, outcomeInvalid)
		s.logger.Debugw("dropping undecodable sample", "source", source, "error", err)
		return false, EmitResult{Accepted: true, Err: errors.Wrapf(err, "decoding %s sample", source)}
	}
	s.metrics.sample(source, outcomeAccepted)
	return true, EmitResult{}
}

// updateCorrection solves gyroscopic · correction = magnetic for correction. It must be called
// with mu held.
func (s *Session) updateCorrection() {
	if s.policy == SingularPolicyPropagate {
		spatialmath.Invert(&s.invertedGyroscopic, &s.gyroscopic)
		spatialmath.Mul(&s.correction, &s.invertedGyroscopic, &s.magnetic)
		s.pendingMagnetic = false
		if !s.correction.IsFinite() {
			s.metrics.singularCorrection()
		}
		s.metrics.correction()
		return
	}

	det := float64(spatialmath.Determinant(&s.gyroscopic))
	if !(math.Abs(det) >= singularDeterminantTolerance) {
		s.metrics.singularCorrection()
		s.logger.Warnw("gyroscopic frame is singular; keeping previous correction", "det", det)
		return
	}

	var inverted, correction spatialmath.RotationMatrix
	spatialmath.Invert(&inverted, &s.gyroscopic)
	spatialmath.Mul(&correction, &inverted, &s.magnetic)
	if !correction.IsFinite() {
		s.metrics.singularCorrection()
		s.logger.Warnw("correction is not finite; keeping previous correction", "det", det)
		return
	}

	s.invertedGyroscopic = inverted
	s.correction = correction
	s.pendingMagnetic = false
	s.metrics.correction()
}

func (s *Session) emit(out spatialmath.RotationMatrix) EmitResult {
	result := EmitResult{Accepted: true, Emitted: true, Matrix: out}
	if s.emitter == nil {
		s.metrics.emission(nil)
		return result
	}
	if err := s.emitter.Emit(out); err != nil {
		result.Err = errors.Wrap(err, "emitting rotation")
		s.logger.Debugw("rotation emission failed", "error", err)
	}
	s.metrics.emission(result.Err)
	return result
}
