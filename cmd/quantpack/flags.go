package main

import (
	"github.com/urfave/cli/v3"
)

var (
	logLevel   string
	logFormat  string
	debug      bool
	configFile string
	workers    int64
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, plain, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (default: $XDG_CONFIG_HOME/quantpack/config.yaml)",
		Sources:     cli.EnvVars("QUANTPACK_CONFIG"),
		Destination: &configFile,
	}
}

func quantizationFlag(dst *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "quantization",
		Aliases:     []string{"q"},
		Usage:       "quantization preset (list them with: quantpack presets)",
		Value:       "q4f16_1",
		Destination: dst,
	}
}

func workersFlag() cli.Flag {
	return &cli.Int64Flag{
		Name:        "workers",
		Aliases:     []string{"j"},
		Usage:       "parallel tensor conversions (0 = GOMAXPROCS)",
		Destination: &workers,
	}
}
