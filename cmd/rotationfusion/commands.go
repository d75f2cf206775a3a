package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"gopkg.in/yaml.v3"

	"go.viam.com/rotationfusion/components/movementsensor/fake"
	"go.viam.com/rotationfusion/components/movementsensor/replay"
	"go.viam.com/rotationfusion/components/movementsensor/rotation"
	"go.viam.com/rotationfusion/fusion"
	"go.viam.com/rotationfusion/logging"
	"go.viam.com/rotationfusion/spatialmath"
	"go.viam.com/rotationfusion/utils"
)

const (
	defaultDuration          = 10 * time.Second
	defaultMagneticEveryMs   = 200
	defaultGyroscopicEveryMs = 10
)

// fileConfig is the on-disk layout: one attribute map per component.
type fileConfig struct {
	Rotation map[string]interface{} `yaml:"rotation"`
	Fake     map[string]interface{} `yaml:"fake"`
}

type appConfig struct {
	Rotation rotation.Config
	Fake     fake.Config
}

func loadConfig(path string) (*appConfig, error) {
	var attrs fileConfig
	if path != "" {
		//nolint:gosec
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "error reading config file")
		}
		if err := yaml.Unmarshal(data, &attrs); err != nil {
			return nil, errors.Wrapf(err, "error parsing config file %q", path)
		}
	}

	rotationConf, err := rotation.NewConfigFromAttributes(attrs.Rotation)
	if err != nil {
		return nil, err
	}

	var fakeConf fake.Config
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &fakeConf,
	})
	if err != nil {
		return nil, errors.Wrap(err, "error creating decoder for fake config")
	}
	if err := decoder.Decode(attrs.Fake); err != nil {
		return nil, errors.Wrap(err, "error decoding fake config")
	}
	if err := fakeConf.Validate("fake"); err != nil {
		return nil, err
	}

	return &appConfig{Rotation: *rotationConf, Fake: fakeConf}, nil
}

// generateSamples samples the fake device on a fixed schedule. When both sources are due in the
// same millisecond the magnetic sample comes first.
func generateSamples(sources *fake.Sources, duration time.Duration, gyroscopicEveryMs, magneticEveryMs int) []replay.Sample {
	if gyroscopicEveryMs <= 0 {
		gyroscopicEveryMs = defaultGyroscopicEveryMs
	}
	if magneticEveryMs <= 0 {
		magneticEveryMs = defaultMagneticEveryMs
	}
	_, hasMagnetic := sources.RotationSource(fusion.SourceMagnetic)
	_, hasGyroscopic := sources.RotationSource(fusion.SourceGyroscopic)

	var samples []replay.Sample
	for ms := int64(0); ms <= duration.Milliseconds(); ms++ {
		elapsed := time.Duration(ms) * time.Millisecond
		if hasMagnetic && ms%int64(magneticEveryMs) == 0 {
			samples = append(samples, replay.Sample{
				TimeMs: ms,
				Source: fusion.SourceMagnetic,
				Values: sources.SampleAt(fusion.SourceMagnetic, elapsed),
			})
		}
		if hasGyroscopic && ms%int64(gyroscopicEveryMs) == 0 {
			samples = append(samples, replay.Sample{
				TimeMs: ms,
				Source: fusion.SourceGyroscopic,
				Values: sources.SampleAt(fusion.SourceGyroscopic, elapsed),
			})
		}
	}
	return samples
}

func generateAction(c *cli.Context, logger logging.Logger) (err error) {
	conf, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}

	sources := fake.NewSources(conf.Fake, clock.NewMock(), logger)
	samples := generateSamples(sources, c.Duration(flagDuration), conf.Rotation.UpdateIntervalMs, c.Int(flagMagneticMs))

	path := c.String(flagOut)
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "error creating recording")
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	if err := replay.WriteSamples(f, samples); err != nil {
		return errors.Wrap(err, "error writing recording")
	}

	logger.Infow("recording written", "path", path, "samples", len(samples))
	return nil
}

func printRotation(w io.Writer, timeMs int64, m *spatialmath.RotationMatrix) {
	angles := spatialmath.NewOrientationFromMatrix(m).EulerAngles()
	fmt.Fprintf(w, "%d\troll=%.3f\tpitch=%.3f\tyaw=%.3f\n",
		timeMs, utils.RadToDeg(angles.Roll), utils.RadToDeg(angles.Pitch), utils.RadToDeg(angles.Yaw))
}

func replayAction(c *cli.Context, logger logging.Logger) error {
	conf, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}
	samples, err := replay.ReadSamplesFile(c.String(flagIn))
	if err != nil {
		return err
	}

	stats, err := replay.Run(samples, conf.Rotation.Config, logger, func(o replay.Output) {
		printRotation(c.App.Writer, o.TimeMs, &o.Matrix)
	})
	if err != nil {
		return err
	}
	logger.Infow("replay finished",
		"samples", stats.Samples, "accepted", stats.Accepted, "emitted", stats.Emitted, "invalid", stats.Invalid)
	return nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	goutils.PanicCapturingGo(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("metrics server stopped", "error", err)
		}
	})
	logger.Infow("serving metrics", "addr", addr)
	return server
}

func simulateAction(c *cli.Context, logger logging.Logger) (err error) {
	ctx := c.Context
	conf, err := loadConfig(c.String(flagConfig))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	if addr := c.String(flagMetricsAddr); addr != "" {
		server := serveMetrics(addr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = multierr.Combine(err, server.Shutdown(shutdownCtx))
		}()
	}

	clk := clock.New()
	sources := fake.NewSources(conf.Fake, clk, logger.Sublogger("fake"))
	sensor, err := rotation.NewRotation(conf.Rotation, rotation.Dependencies{
		Sources:    sources,
		Clock:      clk,
		Registerer: registry,
	}, logger.Sublogger("rotation"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sensor.Close(context.Background()))
	}()

	if err := sensor.IsAvailable(ctx); err != nil {
		return err
	}
	sub, err := sensor.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, sub.Close(context.Background()))
	}()

	return printStream(ctx, c.App.Writer, sub.C, clk, c.Duration(flagDuration), c.Int(flagEvery))
}

func printStream(
	ctx context.Context,
	w io.Writer,
	stream <-chan spatialmath.RotationMatrix,
	clk clock.Clock,
	duration time.Duration,
	every int,
) error {
	if every <= 0 {
		every = 1
	}
	start := clk.Now()
	timer := clk.Timer(duration)
	defer timer.Stop()

	for count := 0; ; count++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case m, ok := <-stream:
			if !ok {
				return nil
			}
			if count%every == 0 {
				printRotation(w, clk.Since(start).Milliseconds(), &m)
			}
		}
	}
}
