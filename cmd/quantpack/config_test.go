package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/pkg/quant"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
quantization: q3f16_1
workers: 3
log_level: debug
log_format: json
server_address: 0.0.0.0:9000
presets:
  - name: q8f16_custom
    group_size: 32
    quantize_dtype: int8
    model_dtype: float16
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Quantization != "q3f16_1" || cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Workers == nil || *cfg.Workers != 3 {
		t.Fatalf("workers = %v, want 3", cfg.Workers)
	}
	if cfg.ServerAddress != "0.0.0.0:9000" {
		t.Fatalf("server address = %q", cfg.ServerAddress)
	}
	if len(cfg.Presets) != 1 || cfg.Presets[0].QuantizeDType != dtype.Int8 {
		t.Fatalf("unexpected presets: %+v", cfg.Presets)
	}

	r, err := cfg.registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	s, err := r.Lookup("q8f16_custom")
	if err != nil {
		t.Fatalf("lookup custom preset: %v", err)
	}
	q, ok := s.(*quant.GroupQuantize)
	if !ok {
		t.Fatalf("custom preset is %T", s)
	}
	if q.NumElemPerStorage != 4 || q.MaxIntValue != 127 || q.LinearWeightLayout != quant.LayoutNK {
		t.Fatalf("derived fields not filled: %+v", q)
	}
	if _, err := r.Lookup("q4f16_1"); err != nil {
		t.Fatalf("built-in preset missing: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
	if _, err := LoadConfig(writeConfig(t, "workers: [1, 2\n")); err == nil {
		t.Fatalf("expected error for malformed yaml")
	}

	cfg, err := LoadConfig(writeConfig(t, `
presets:
  - name: broken
    group_size: 30
    quantize_dtype: int4
    model_dtype: float16
`))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if _, err := cfg.registry(); err == nil {
		t.Fatalf("expected error for group size not divisible by elements per word")
	}
}

func TestLoadConfigDefaultMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Quantization != "" || cfg.Workers != nil || len(cfg.Presets) != 0 {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestApplyConfigRespectsFlags(t *testing.T) {
	n := int64(5)
	cfg := Config{Quantization: "q3f16_1", Workers: &n, ServerAddress: "0.0.0.0:9000"}

	var (
		quantization string
		addr         string
	)
	cmd := &cli.Command{
		Name: "test",
		Flags: []cli.Flag{
			quantizationFlag(&quantization),
			workersFlag(),
			&cli.StringFlag{Name: "addr", Value: "127.0.0.1:8080", Destination: &addr},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyQuantizeConfig(cmd, cfg, &quantization)
			applyServeConfig(cmd, cfg, &addr)
			return nil
		},
	}
	if err := cmd.Run(context.Background(), []string{"test", "-q", "q4f16_0"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if quantization != "q4f16_0" {
		t.Fatalf("quantization = %q, want flag value q4f16_0", quantization)
	}
	if workers != 5 {
		t.Fatalf("workers = %d, want config value 5", workers)
	}
	if addr != "0.0.0.0:9000" {
		t.Fatalf("addr = %q, want config value", addr)
	}
}
