// Package fake implements fake rotation sensors for testing and simulation.
//
// The device turns about its vertical axis at a constant rate while tilted by a fixed pitch. The
// magnetic source reports that orientation, optionally with yaw noise; the gyroscopic source
// reports it with a yaw error that grows linearly with time.
package fake

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rotationfusion/components/movementsensor"
	"go.viam.com/rotationfusion/fusion"
	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
	"go.viam.com/rotationfusion/utils"
)

const minSamplePeriod = time.Millisecond

// Config describes the simulated device.
type Config struct {
	RotationRateDegPerSec    float64 `json:"rotation_rate_deg_per_sec,omitempty"`
	GyroscopicDriftDegPerSec float64 `json:"gyroscopic_drift_deg_per_sec,omitempty"`
	TiltDeg                  float64 `json:"tilt_deg,omitempty"`
	MagneticNoiseDeg         float64 `json:"magnetic_noise_deg,omitempty"`
	Seed                     int64   `json:"seed,omitempty"`
	NoMagnetic               bool    `json:"no_magnetic,omitempty"`
	NoGyroscopic             bool    `json:"no_gyroscopic,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.MagneticNoiseDeg < 0 {
		return goutils.NewConfigValidationError(path, errors.New("magnetic_noise_deg must be non-negative"))
	}
	if cfg.NoMagnetic && cfg.NoGyroscopic {
		return goutils.NewConfigValidationError(path, errors.New("at least one rotation source must be present"))
	}
	return nil
}

// Sources is a fake device with up to two rotation sensors driven by a clock.
type Sources struct {
	cfg    Config
	clock  clock.Clock
	start  time.Time
	logger logging.Logger

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ = movementsensor.RotationSources(&Sources{})

// NewSources returns a fake device whose motion starts at the clock's current time.
func NewSources(cfg Config, clk clock.Clock, logger logging.Logger) *Sources {
	if clk == nil {
		clk = clock.New()
	}
	return &Sources{
		cfg:    cfg,
		clock:  clk,
		start:  clk.Now(),
		logger: logger,
		rnd:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// RotationSource returns the requested sensor unless it was configured absent.
func (s *Sources) RotationSource(kind fusion.Source) (movementsensor.RotationSource, bool) {
	switch kind {
	case fusion.SourceMagnetic:
		if s.cfg.NoMagnetic {
			return nil, false
		}
	case fusion.SourceGyroscopic:
		if s.cfg.NoGyroscopic {
			return nil, false
		}
	default:
		return nil, false
	}
	return &source{sources: s, kind: kind}, true
}

// TrueOrientation is where the device actually points after elapsed.
func (s *Sources) TrueOrientation(elapsed time.Duration) spatialmath.Orientation {
	return s.orientation(elapsed, 0)
}

func (s *Sources) orientation(elapsed time.Duration, yawErrorDeg float64) spatialmath.Orientation {
	seconds := elapsed.Seconds()
	return &spatialmath.EulerAngles{
		Pitch: utils.DegToRad(s.cfg.TiltDeg),
		Yaw:   utils.DegToRad(s.cfg.RotationRateDegPerSec*seconds + yawErrorDeg),
	}
}

// SampleAt returns the raw sample kind would report after elapsed.
func (s *Sources) SampleAt(kind fusion.Source, elapsed time.Duration) []float32 {
	var yawErrorDeg float64
	if kind == fusion.SourceGyroscopic {
		yawErrorDeg = s.cfg.GyroscopicDriftDegPerSec * elapsed.Seconds()
	} else if s.cfg.MagneticNoiseDeg > 0 {
		s.mu.Lock()
		yawErrorDeg = s.rnd.NormFloat64() * s.cfg.MagneticNoiseDeg
		s.mu.Unlock()
	}
	return spatialmath.RotationVectorFromQuaternion(s.orientation(elapsed, yawErrorDeg).Quaternion())
}

type source struct {
	sources *Sources
	kind    fusion.Source
}

// Samples ticks on the device clock. Periods shorter than a millisecond are raised to one.
func (src *source) Samples(ctx context.Context, periodMicros int) (<-chan []float32, error) {
	period := time.Duration(periodMicros) * time.Microsecond
	if period < minSamplePeriod {
		period = minSamplePeriod
	}
	ticker := src.sources.clock.Ticker(period)
	out := make(chan []float32, 1)

	if src.sources.logger != nil {
		src.sources.logger.Debugw("fake rotation source started", "source", src.kind, "period", period)
	}
	goutils.PanicCapturingGo(func() {
		defer close(out)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				values := src.sources.SampleAt(src.kind, now.Sub(src.sources.start))
				select {
				case out <- values:
				case <-ctx.Done():
					return
				}
			}
		}
	})
	return out, nil
}
