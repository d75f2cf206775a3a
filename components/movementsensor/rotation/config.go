package rotation

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"go.viam.com/rotationfusion/fusion"
)

const (
	defaultSubscriberBuffer       = 8
	defaultMagneticRateMultiplier = 100
)

// Config describes how to configure the rotation movement sensor.
type Config struct {
	fusion.Config
	// SubscriberBuffer is the channel capacity handed to each subscriber.
	SubscriberBuffer int `json:"subscriber_buffer,omitempty"`
	// MagneticRateMultiplier is how many times faster than the update interval the magnetic source
	// is asked to sample in dual mode.
	MagneticRateMultiplier int `json:"magnetic_rate_multiplier,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) ([]string, error) {
	if err := cfg.Config.Validate(path); err != nil {
		return nil, err
	}
	if cfg.SubscriberBuffer < 0 {
		return nil, goutils.NewConfigValidationError(path,
			errors.Errorf("subscriber_buffer must be non-negative, got %d", cfg.SubscriberBuffer))
	}
	if cfg.MagneticRateMultiplier < 0 {
		return nil, goutils.NewConfigValidationError(path,
			errors.Errorf("magnetic_rate_multiplier must be non-negative, got %d", cfg.MagneticRateMultiplier))
	}
	return nil, nil
}

func (cfg Config) withDefaults() Config {
	cfg.Config = cfg.Config.WithDefaults()
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.MagneticRateMultiplier == 0 {
		cfg.MagneticRateMultiplier = defaultMagneticRateMultiplier
	}
	return cfg
}

// NewConfigFromAttributes decodes a loosely typed attribute map, such as one read from a YAML or
// JSON file, into a Config and validates it.
func NewConfigFromAttributes(attributes map[string]interface{}) (*Config, error) {
	var conf Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Squash:           true,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &conf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating decoder for rotation config")
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, errors.Wrap(err, "error decoding rotation config")
	}
	if _, err := conf.Validate("rotation"); err != nil {
		return nil, err
	}
	return &conf, nil
}
