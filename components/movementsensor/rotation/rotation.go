// Package rotation implements a movement sensor that fuses a device's absolute and relative
// rotation-vector sensors into one drift-corrected orientation.
package rotation

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"go.viam.com/rotationfusion/components/movementsensor"
	"go.viam.com/rotationfusion/fusion"
	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
	"go.viam.com/rotationfusion/utils"
)

// ErrClosed is returned by operations on a closed sensor.
var ErrClosed = errors.New("rotation sensor is closed")

// Dependencies are what a rotation sensor is built from. Only Sources is required.
type Dependencies struct {
	Sources movementsensor.RotationSources
	Clock   clock.Clock
	Decoder fusion.Decoder
	// Registerer receives the fusion metrics. Nil skips registration.
	Registerer prometheus.Registerer
}

// Rotation is the host around a fusion session: it checks sensor availability, runs one worker
// per source while updates are on, and shares the output among subscribers.
type Rotation struct {
	cfg     Config
	sources movementsensor.RotationSources
	clock   clock.Clock
	decoder fusion.Decoder
	metrics *fusion.Metrics
	logger  logging.Logger

	broadcaster *Broadcaster
	lastError   movementsensor.LastError

	mu          sync.Mutex
	intervalMs  int
	session     *fusion.Session
	workers     *utils.StoppableWorkers
	subscribers int
	closed      bool

	latestMu  sync.Mutex
	latest    spatialmath.RotationMatrix
	hasLatest bool
}

var _ = movementsensor.MovementSensor(&Rotation{})

// NewRotation validates cfg and returns a stopped sensor. A nil logger logs to stdout.
func NewRotation(cfg Config, deps Dependencies, logger logging.Logger) (*Rotation, error) {
	if _, err := cfg.Validate("rotation"); err != nil {
		return nil, err
	}
	if deps.Sources == nil {
		return nil, errors.New("rotation sensor needs a source lookup")
	}
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if logger == nil {
		logger = logging.NewLogger("rotation")
	}

	return &Rotation{
		cfg:         cfg,
		sources:     deps.Sources,
		clock:       deps.Clock,
		decoder:     deps.Decoder,
		metrics:     fusion.NewMetrics(deps.Registerer),
		logger:      logger,
		broadcaster: NewBroadcaster(cfg.SubscriberBuffer),
		lastError:   movementsensor.NewLastError(10, 5),
		intervalMs:  cfg.UpdateIntervalMs,
		latest:      spatialmath.NewIdentityMatrix(),
	}, nil
}

// IsAvailable reports whether every source the configured mode needs is present.
func (r *Rotation) IsAvailable(ctx context.Context) error {
	_, err := r.requiredSources()
	return err
}

func (r *Rotation) requiredSources() (map[fusion.Source]movementsensor.RotationSource, error) {
	found := map[fusion.Source]movementsensor.RotationSource{}
	for _, kind := range r.cfg.Mode.RequiredSources() {
		src, ok := r.sources.RotationSource(kind)
		if !ok || src == nil {
			return nil, fusion.NewSensorUnavailableError(kind)
		}
		found[kind] = src
	}
	return found, nil
}

// SetUpdateInterval sets the sampling interval in milliseconds. It is used by the next
// StartUpdates and applies to a running session from its next sample.
func (r *Rotation) SetUpdateInterval(intervalMs int) error {
	if intervalMs < 0 {
		return errors.Wrapf(fusion.ErrInvalidInterval, "got %d", intervalMs)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.intervalMs = intervalMs
	if r.session != nil {
		return r.session.SetInterval(intervalMs)
	}
	return nil
}

// StartUpdates creates a fresh fusion session and starts feeding it. Calling it while updates are
// running does nothing.
func (r *Rotation) StartUpdates(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startUpdates()
}

func (r *Rotation) startUpdates() error {
	if r.closed {
		return ErrClosed
	}
	if r.workers != nil {
		return nil
	}

	sources, err := r.requiredSources()
	if err != nil {
		return err
	}

	session, err := fusion.NewSession(
		fusion.Config{Mode: r.cfg.Mode, UpdateIntervalMs: r.intervalMs, SingularPolicy: r.cfg.SingularPolicy},
		fusion.Dependencies{
			Decoder: r.decoder,
			Clock:   r.clock,
			Emitter: fusion.EmitterFunc(r.emit),
			Metrics: r.metrics,
		},
		r.logger,
	)
	if err != nil {
		return err
	}

	workers := utils.NewStoppableWorkers()
	for kind, src := range sources {
		samples, err := src.Samples(workers.Context(), r.samplingPeriodMicros(kind))
		if err != nil {
			workers.Stop()
			return errors.Wrapf(err, "starting %s rotation source", kind)
		}
		handle := session.OnGyroscopicSample
		if kind == fusion.SourceMagnetic {
			handle = session.OnMagneticSample
		}
		workers.AddWorkers(r.drain(kind, samples, handle))
	}

	r.session = session
	r.workers = workers
	r.logger.Debugw("rotation updates started", "mode", r.cfg.Mode, "interval_ms", r.intervalMs)
	return nil
}

// samplingPeriodMicros is the period each source is asked for. In dual mode the gyroscopic
// source drives output at the update interval and the magnetic source samples faster so a fresh
// reference is ready for every recompute.
func (r *Rotation) samplingPeriodMicros(kind fusion.Source) int {
	if kind == fusion.SourceMagnetic && r.cfg.Mode == fusion.ModeDual {
		return utils.SamplingPeriodMicros(r.intervalMs, r.cfg.MagneticRateMultiplier)
	}
	return utils.SamplingPeriodMicros(r.intervalMs, 1)
}

func (r *Rotation) drain(
	kind fusion.Source,
	samples <-chan []float32,
	handle func([]float32) fusion.EmitResult,
) func(context.Context) {
	return func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case values, ok := <-samples:
				if !ok {
					return
				}
				result := handle(values)
				if !result.Accepted {
					continue
				}
				if result.Emitted {
					// delivery failures are the subscribers' problem, not the sensor's
					r.lastError.Set(nil)
					continue
				}
				r.lastError.Set(result.Err)
				if result.Err != nil {
					r.logger.Debugw("bad rotation sample", "source", kind, "error", result.Err)
				}
			}
		}
	}
}

func (r *Rotation) emit(m spatialmath.RotationMatrix) error {
	r.latestMu.Lock()
	r.latest = m
	r.hasLatest = true
	r.latestMu.Unlock()

	return r.broadcaster.Emit(m)
}

// StopUpdates stops the workers and discards the session. Subscribers stay registered and
// receive nothing until updates start again.
func (r *Rotation) StopUpdates(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopUpdates()
	return nil
}

func (r *Rotation) stopUpdates() {
	if r.workers == nil {
		return
	}
	r.workers.Stop()
	r.workers = nil
	r.session = nil
	r.logger.Debug("rotation updates stopped")
}

// Running reports whether updates are on.
func (r *Rotation) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers != nil
}

// Subscription is one consumer of the shared rotation stream.
type Subscription struct {
	// C receives every emitted matrix the subscriber has room for. It is closed by Close.
	C <-chan spatialmath.RotationMatrix

	r    *Rotation
	id   int
	once sync.Once
}

// Close leaves the stream. The last subscriber to leave stops updates.
func (s *Subscription) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.r.unsubscribe(s.id)
	})
	return nil
}

// Subscribe joins the shared rotation stream, starting updates if this is the first subscriber.
func (r *Rotation) Subscribe(ctx context.Context) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.startUpdates(); err != nil {
		return nil, err
	}
	id, ch := r.broadcaster.Subscribe()
	r.subscribers++
	return &Subscription{C: ch, r: r, id: id}, nil
}

func (r *Rotation) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.broadcaster.Unsubscribe(id)
	if r.subscribers == 0 {
		return
	}
	r.subscribers--
	if r.subscribers == 0 {
		r.stopUpdates()
	}
}

// Orientation returns the most recently emitted rotation. Before anything is emitted it is the
// identity.
func (r *Rotation) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	if err := r.lastError.Get(); err != nil {
		return nil, err
	}
	r.latestMu.Lock()
	latest := r.latest
	r.latestMu.Unlock()
	return spatialmath.NewOrientationFromMatrix(&latest), nil
}

// RotationMatrix returns the most recently emitted matrix and whether anything was emitted yet.
func (r *Rotation) RotationMatrix() (spatialmath.RotationMatrix, bool) {
	r.latestMu.Lock()
	defer r.latestMu.Unlock()
	return r.latest, r.hasLatest
}

// Properties reports that only orientation is supported.
func (r *Rotation) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{OrientationSupported: true}, nil
}

// Readings returns the orientation plus stream counters.
func (r *Rotation) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	readings, err := movementsensor.Readings(ctx, r, extra)
	if err != nil {
		return nil, err
	}
	readings["mode"] = string(r.cfg.Mode)
	readings["running"] = r.Running()
	readings["subscribers"] = r.broadcaster.Len()
	readings["delivered"] = r.broadcaster.Delivered()
	readings["dropped"] = r.broadcaster.Dropped()
	return readings, nil
}

// Close stops updates and closes every subscription channel.
func (r *Rotation) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.stopUpdates()
	r.subscribers = 0
	r.broadcaster.Close()

	var err error
	if closer, ok := r.sources.(interface{ Close(context.Context) error }); ok {
		err = multierr.Combine(err, closer.Close(ctx))
	}
	return err
}
