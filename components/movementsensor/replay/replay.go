// Package replay implements a replay movement sensor that plays recorded rotation samples back
// through a fusion session.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/rotationfusion/components/movementsensor"
	"go.viam.com/rotationfusion/fusion"
	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
)

const (
	timeFormat = time.RFC3339
	// Recorded lines can carry long sample vectors; allow well past bufio's default.
	maxLineBytes = 1 << 20
)

var (
	// ErrEndOfDataset represents that the replay sensor has reached the end of the dataset.
	ErrEndOfDataset = errors.New("reached end of dataset")
	// ErrOutOfOrder is returned when a recording's timestamps go backwards.
	ErrOutOfOrder = errors.New("samples are not in time order")
	// ErrUnknownSource is returned for samples from neither rotation source.
	ErrUnknownSource = errors.New("unknown rotation source")
)

// Sample is one recorded raw sample.
type Sample struct {
	TimeMs int64         `json:"time_ms"`
	Source fusion.Source `json:"source"`
	Values []float32     `json:"values"`
}

// Output is one matrix emitted while replaying.
type Output struct {
	TimeMs int64
	Matrix spatialmath.RotationMatrix
}

// Stats summarizes a replay.
type Stats struct {
	Samples  int
	Accepted int
	Emitted  int
	Invalid  int
}

// ReadSamples parses a recording: one JSON sample per line. Blank lines are skipped.
func ReadSamples(r io.Reader) ([]Sample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var samples []Sample
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}
		var s Sample
		if err := json.Unmarshal(text, &s); err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading samples")
	}
	return samples, nil
}

// ReadSamplesFile reads a recording from disk.
func ReadSamplesFile(path string) (samples []Sample, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return ReadSamples(f)
}

// WriteSamples writes samples in the format ReadSamples reads.
func WriteSamples(w io.Writer, samples []Sample) error {
	enc := json.NewEncoder(w)
	for _, s := range samples {
		if err := enc.Encode(s); err != nil {
			return err
		}
	}
	return nil
}

// Run feeds samples through a new session on a mock clock set to each sample's timestamp, so a
// replay is deterministic. emit may be nil.
func Run(samples []Sample, cfg fusion.Config, logger logging.Logger, emit func(Output)) (Stats, error) {
	var stats Stats
	clk := clock.NewMock()

	var current int64
	session, err := fusion.NewSession(cfg, fusion.Dependencies{
		Clock: clk,
		Emitter: fusion.EmitterFunc(func(m spatialmath.RotationMatrix) error {
			if emit != nil {
				emit(Output{TimeMs: current, Matrix: m})
			}
			return nil
		}),
	}, logger)
	if err != nil {
		return stats, err
	}

	for i, s := range samples {
		if i > 0 && s.TimeMs < samples[i-1].TimeMs {
			return stats, errors.Wrapf(ErrOutOfOrder, "sample %d at %d ms follows %d ms", i, s.TimeMs, samples[i-1].TimeMs)
		}
		current = s.TimeMs
		clk.Set(time.UnixMilli(s.TimeMs))

		var res fusion.EmitResult
		switch s.Source {
		case fusion.SourceMagnetic:
			res = session.OnMagneticSample(s.Values)
		case fusion.SourceGyroscopic:
			res = session.OnGyroscopicSample(s.Values)
		default:
			return stats, errors.Wrapf(ErrUnknownSource, "sample %d: %q", i, s.Source)
		}

		stats.Samples++
		if res.Accepted {
			stats.Accepted++
		}
		if res.Emitted {
			stats.Emitted++
		} else if res.Err != nil {
			stats.Invalid++
		}
	}
	return stats, nil
}

// Config describes how to configure the replay movement sensor.
type Config struct {
	Source   string        `json:"source,omitempty"`
	Interval TimeInterval  `json:"time_interval,omitempty"`
	Fusion   fusion.Config `json:"fusion,omitempty"`
}

// TimeInterval holds the start and end time used to filter data.
type TimeInterval struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Validate checks that the config attributes are valid for a replay movement sensor.
func (cfg *Config) Validate(path string) ([]string, error) {
	if cfg.Source == "" {
		return nil, goutils.NewConfigValidationFieldRequiredError(path, "source")
	}

	start, end, err := cfg.Interval.parse()
	if err != nil {
		return nil, err
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return nil, errors.New("invalid config, end time (UTC) must be after start time (UTC)")
	}

	if err := cfg.Fusion.Validate(path + ".fusion"); err != nil {
		return nil, err
	}
	return nil, nil
}

func (ti TimeInterval) parse() (start, end time.Time, err error) {
	if ti.Start != "" {
		start, err = time.Parse(timeFormat, ti.Start)
		if err != nil {
			return start, end, errors.New("invalid time format for start time (UTC), use RFC3339")
		}
	}
	if ti.End != "" {
		end, err = time.Parse(timeFormat, ti.End)
		if err != nil {
			return start, end, errors.New("invalid time format for end time (UTC), use RFC3339")
		}
	}
	return start, end, nil
}

func (ti TimeInterval) contains(timeMs int64, start, end time.Time) bool {
	t := time.UnixMilli(timeMs)
	if !start.IsZero() && t.Before(start) {
		return false
	}
	if !end.IsZero() && t.After(end) {
		return false
	}
	return true
}

// replayMovementSensor hands out the fused outputs of a recording one per Orientation call.
type replayMovementSensor struct {
	logger logging.Logger
	stats  Stats

	mu      sync.Mutex
	outputs []Output
	closed  bool
}

var _ = movementsensor.MovementSensor(&replayMovementSensor{})

// NewReplayMovementSensor reads cfg.Source, keeps the samples inside the configured time interval,
// and fuses them up front.
func NewReplayMovementSensor(cfg Config, logger logging.Logger) (movementsensor.MovementSensor, error) {
	if _, err := cfg.Validate("replay"); err != nil {
		return nil, err
	}
	start, end, err := cfg.Interval.parse()
	if err != nil {
		return nil, err
	}

	samples, err := ReadSamplesFile(cfg.Source)
	if err != nil {
		return nil, errors.Wrapf(err, "loading recording %q", cfg.Source)
	}
	kept := samples[:0]
	for _, s := range samples {
		if cfg.Interval.contains(s.TimeMs, start, end) {
			kept = append(kept, s)
		}
	}

	replay := &replayMovementSensor{logger: logger}
	replay.stats, err = Run(kept, cfg.Fusion, logger, func(o Output) {
		replay.outputs = append(replay.outputs, o)
	})
	if err != nil {
		return nil, err
	}
	logger.Debugw("recording loaded", "source", cfg.Source, "samples", replay.stats.Samples, "outputs", len(replay.outputs))
	return replay, nil
}

// Orientation returns the next fused rotation, or ErrEndOfDataset once all are consumed.
func (replay *replayMovementSensor) Orientation(ctx context.Context, extra map[string]interface{}) (spatialmath.Orientation, error) {
	replay.mu.Lock()
	defer replay.mu.Unlock()
	if replay.closed {
		return nil, errors.New("session closed")
	}
	if len(replay.outputs) == 0 {
		return nil, ErrEndOfDataset
	}

	next := replay.outputs[0]
	replay.outputs = replay.outputs[1:]
	return spatialmath.NewOrientationFromMatrix(&next.Matrix), nil
}

// Properties returns the available properties for the given replay movement sensor.
func (replay *replayMovementSensor) Properties(ctx context.Context, extra map[string]interface{}) (*movementsensor.Properties, error) {
	return &movementsensor.Properties{OrientationSupported: true}, nil
}

// Readings returns the next orientation along with the replay counts.
func (replay *replayMovementSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	readings, err := movementsensor.Readings(ctx, replay, extra)
	if err != nil {
		return nil, err
	}
	replay.mu.Lock()
	defer replay.mu.Unlock()
	readings["remaining"] = len(replay.outputs)
	readings["samples"] = replay.stats.Samples
	return readings, nil
}

// Close stops replay movement sensor and clears the cache.
func (replay *replayMovementSensor) Close(ctx context.Context) error {
	replay.mu.Lock()
	defer replay.mu.Unlock()

	replay.closed = true
	replay.outputs = nil
	return nil
}
