package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/quantpack/pkg/quant"
)

// Config represents the quantpack configuration file
// (~/.config/quantpack/config.yaml). Values only apply when the matching
// flag was not set explicitly.
type Config struct {
	Quantization string `yaml:"quantization"`
	Workers      *int64 `yaml:"workers"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`

	// User-defined group quantization presets, added to the built-ins.
	Presets []quant.GroupQuantize `yaml:"presets"`
}

// appConfig is loaded once by the root command's Before hook.
var appConfig Config

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "quantpack", "config.yaml")
}

// LoadConfig reads the config file at path, or the default location when
// path is empty. A missing default file yields a zero Config; a missing
// explicit file or malformed YAML is an error.
func LoadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// registry returns the built-in presets plus the configured ones.
func (c Config) registry() (*quant.Registry, error) {
	r := quant.NewRegistry()
	for i := range c.Presets {
		p := c.Presets[i]
		if err := r.Add(&p); err != nil {
			return nil, fmt.Errorf("config preset %q: %w", p.Name, err)
		}
	}
	return r, nil
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyQuantizeConfig applies config file defaults to quantize and verify.
func applyQuantizeConfig(c *cli.Command, cfg Config, quantization *string) {
	if cfg.Quantization != "" && quantization != nil && !c.IsSet("quantization") {
		*quantization = cfg.Quantization
	}
	if cfg.Workers != nil && !c.IsSet("workers") {
		workers = *cfg.Workers
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
