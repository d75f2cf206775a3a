// Package fusion reconciles an absolute ("magnetic") rotation source with a relative
// ("gyroscopic") rotation source into one drift-corrected rotation matrix.
//
// A Session is fed decoded samples one at a time through OnMagneticSample and
// OnGyroscopicSample. It never starts goroutines or blocks; the host that owns the sensors
// decides which goroutine calls in.
package fusion

import (
	"fmt"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
)

// Source identifies one of the two rotation estimates.
type Source string

const (
	// SourceMagnetic is the absolute rotation vector: noisy and low rate, but referenced to
	// magnetic north and gravity.
	SourceMagnetic Source = "magnetic"
	// SourceGyroscopic is the relative ("game") rotation vector: smooth and high rate, but drifts
	// in yaw.
	SourceGyroscopic Source = "gyroscopic"
)

// Mode selects which sources a session fuses.
type Mode string

const (
	// ModeDual fuses both sources. Gyroscopic samples drive emission.
	ModeDual Mode = "dual"
	// ModeSingleSource passes decoded magnetic samples straight through.
	ModeSingleSource Mode = "single"
)

// RequiredSources lists the sources that must be present for the mode to run.
func (m Mode) RequiredSources() []Source {
	if m == ModeSingleSource {
		return []Source{SourceMagnetic}
	}
	return []Source{SourceMagnetic, SourceGyroscopic}
}

// SingularPolicy decides what a session does when the gyroscopic frame cannot be inverted at the
// moment a correction is due.
type SingularPolicy string

const (
	// SingularPolicyRetain keeps the previous correction and retries on the next gyroscopic
	// sample.
	SingularPolicyRetain SingularPolicy = "retain"
	// SingularPolicyPropagate inverts regardless and lets non-finite values reach the output until
	// a later recompute succeeds.
	SingularPolicyPropagate SingularPolicy = "propagate"
)

var (
	// ErrSensorUnavailable is returned at setup when a source required by the mode is absent.
	ErrSensorUnavailable = errors.New("rotation sensor unavailable")
	// ErrInvalidInterval is returned for negative sampling intervals.
	ErrInvalidInterval = errors.New("sampling interval must be non-negative")
	// ErrUnknownMode is returned for modes other than dual and single.
	ErrUnknownMode = errors.New("unknown fusion mode")
	// ErrUnknownSingularPolicy is returned for policies other than retain and propagate.
	ErrUnknownSingularPolicy = errors.New("unknown singular policy")
)

// NewSensorUnavailableError wraps ErrSensorUnavailable with the missing source.
func NewSensorUnavailableError(source Source) error {
	return errors.Wrapf(ErrSensorUnavailable, "no %s rotation sensor found", source)
}

// Config is the per-session configuration.
type Config struct {
	Mode             Mode           `json:"mode,omitempty"`
	UpdateIntervalMs int            `json:"update_interval_ms"`
	SingularPolicy   SingularPolicy `json:"singular_policy,omitempty"`
}

// Validate ensures all parts of the config are valid. Empty fields are filled in by WithDefaults
// and are accepted here.
func (cfg *Config) Validate(path string) error {
	switch cfg.Mode {
	case "", ModeDual, ModeSingleSource:
	default:
		return goutils.NewConfigValidationError(path, errors.Wrapf(ErrUnknownMode, "%q", cfg.Mode))
	}
	switch cfg.SingularPolicy {
	case "", SingularPolicyRetain, SingularPolicyPropagate:
	default:
		return goutils.NewConfigValidationError(path,
			errors.Wrapf(ErrUnknownSingularPolicy, "%q", cfg.SingularPolicy))
	}
	if cfg.UpdateIntervalMs < 0 {
		return goutils.NewConfigValidationError(path,
			errors.Wrap(ErrInvalidInterval, fmt.Sprintf("update_interval_ms %d", cfg.UpdateIntervalMs)))
	}
	return nil
}

// WithDefaults returns a copy of the config with empty fields set to dual mode and the retain
// policy.
func (cfg Config) WithDefaults() Config {
	if cfg.Mode == "" {
		cfg.Mode = ModeDual
	}
	if cfg.SingularPolicy == "" {
		cfg.SingularPolicy = SingularPolicyRetain
	}
	return cfg
}
