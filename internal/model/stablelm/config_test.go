package stablelm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const tinyConfig = `{
  "model_type": "stablelm",
  "vocab_size": 64,
  "hidden_size": 32,
  "intermediate_size": 48,
  "num_hidden_layers": 2,
  "num_attention_heads": 4,
  "num_key_value_heads": 2,
  "rope_pct": 0.5,
  "layer_norm_eps": 1e-6,
  "max_position_embeddings": 128
}`

func tinyModelConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(tinyConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func TestParseConfigAliases(t *testing.T) {
	t.Parallel()
	cfg := tinyModelConfig(t)
	if cfg.PartialRotaryFactor != 0.5 {
		t.Fatalf("partial rotary factor %v, want 0.5", cfg.PartialRotaryFactor)
	}
	if cfg.NormEps != 1e-6 {
		t.Fatalf("norm eps %v, want 1e-6", cfg.NormEps)
	}
	if cfg.ContextWindowSize != 128 || cfg.PrefillChunkSize != 128 {
		t.Fatalf("context window %d prefill %d, want 128", cfg.ContextWindowSize, cfg.PrefillChunkSize)
	}
	if cfg.HeadDim != 8 {
		t.Fatalf("head dim %d, want 8", cfg.HeadDim)
	}
	if cfg.TensorParallelShards != 1 || cfg.RopeTheta != 10000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte(`{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2,"context_window_size":16}`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.PartialRotaryFactor != 0.25 || cfg.NormEps != 1e-5 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.NumKeyValueHeads != 2 {
		t.Fatalf("kv heads %d, want 2", cfg.NumKeyValueHeads)
	}
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "bad json", raw: `{`, want: "parse stablelm config"},
		{name: "model type", raw: `{"model_type":"llama"}`, want: "unsupported model_type"},
		{name: "no context", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2}`, want: "context window"},
		{name: "zero layers", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_attention_heads":2,"context_window_size":4}`, want: "num_hidden_layers"},
		{name: "heads", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":3,"context_window_size":4}`, want: "not divisible"},
		{name: "negative kv heads", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2,"num_key_value_heads":-2,"context_window_size":4}`, want: "num_key_value_heads must be positive"},
		{name: "negative head dim", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2,"head_dim":-4,"context_window_size":4}`, want: "head_dim must be positive"},
		{name: "negative shards", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2,"context_window_size":4,"tensor_parallel_shards":-1}`, want: "tensor_parallel_shards must be positive"},
		{name: "shards", raw: `{"vocab_size":8,"hidden_size":8,"intermediate_size":8,"num_hidden_layers":1,"num_attention_heads":2,"context_window_size":4,"tensor_parallel_shards":4}`, want: "tensor_parallel_shards"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseConfig([]byte(tt.raw))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(tinyConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.VocabSize != 64 {
		t.Fatalf("vocab size %d", cfg.VocabSize)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
