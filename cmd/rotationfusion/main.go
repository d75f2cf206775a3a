// Package main is the rotationfusion command: it records, replays and simulates fused rotation
// streams.
package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"go.viam.com/rotationfusion/logging"
)

const (
	// Flags.
	flagConfig      = "config"
	flagDebug       = "debug"
	flagOut         = "out"
	flagIn          = "in"
	flagDuration    = "duration"
	flagMagneticMs  = "magnetic-every-ms"
	flagMetricsAddr = "metrics-addr"
	flagEvery       = "print-every"
)

func main() {
	logger := logging.NewLogger("rotationfusion")

	app := &cli.App{
		Name:  "rotationfusion",
		Usage: "fuse absolute and relative rotation sensors",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger.SetLevel(logging.DEBUG)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "write a synthetic recording from the fake sensors",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagOut,
						Aliases:  []string{"o"},
						Usage:    "write samples to `FILE`",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "length of the recording",
						Value: defaultDuration,
					},
					&cli.IntFlag{
						Name:  flagMagneticMs,
						Usage: "magnetic sample period in milliseconds",
						Value: defaultMagneticEveryMs,
					},
				},
				Action: func(c *cli.Context) error {
					return generateAction(c, logger)
				},
			},
			{
				Name:  "replay",
				Usage: "run a recording through a fusion session and print the output",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagIn,
						Aliases:  []string{"i"},
						Usage:    "read samples from `FILE`",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					return replayAction(c, logger)
				},
			},
			{
				Name:  "simulate",
				Usage: "fuse the fake sensors in real time",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "how long to run",
						Value: defaultDuration,
					},
					&cli.IntFlag{
						Name:  flagEvery,
						Usage: "print every `N`th rotation",
						Value: 10,
					},
					&cli.StringFlag{
						Name:  flagMetricsAddr,
						Usage: "serve prometheus metrics on `ADDR`",
					},
				},
				Action: func(c *cli.Context) error {
					return simulateAction(c, logger)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
