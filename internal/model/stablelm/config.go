// Package stablelm describes the StableLM (Epoch and 2.x) transformer: its
// configuration, parameter table, Hugging Face weight names and how its
// parameters are quantized.
package stablelm

import (
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config is the StableLM model configuration as found in a Hugging Face
// config.json. Alias fields are folded into their canonical field by
// Normalize.
type Config struct {
	ModelType            string  `json:"model_type"`
	VocabSize            int     `json:"vocab_size"`
	HiddenSize           int     `json:"hidden_size"`
	IntermediateSize     int     `json:"intermediate_size"`
	NumHiddenLayers      int     `json:"num_hidden_layers"`
	NumAttentionHeads    int     `json:"num_attention_heads"`
	NumKeyValueHeads     int     `json:"num_key_value_heads"`
	HeadDim              int     `json:"head_dim"`
	PartialRotaryFactor  float64 `json:"partial_rotary_factor"`
	NormEps              float64 `json:"norm_eps"`
	RopeTheta            float64 `json:"rope_theta"`
	UseQKVBias           bool    `json:"use_qkv_bias"`
	TieWordEmbeddings    bool    `json:"tie_word_embeddings"`
	ContextWindowSize    int     `json:"context_window_size"`
	PrefillChunkSize     int     `json:"prefill_chunk_size"`
	TensorParallelShards int     `json:"tensor_parallel_shards"`
	MaxBatchSize         int     `json:"max_batch_size"`

	// Hugging Face spellings.
	RopePct               float64 `json:"rope_pct,omitempty"`
	LayerNormEps          float64 `json:"layer_norm_eps,omitempty"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings,omitempty"`
}

// LoadConfig reads and normalizes a config.json.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and normalizes config JSON.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse stablelm config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize resolves aliases, fills defaults and validates the geometry.
func (c *Config) Normalize() error {
	switch c.ModelType {
	case "", "stablelm", "stablelm_epoch", "stablelm-epoch":
	default:
		return fmt.Errorf("stablelm: unsupported model_type %q", c.ModelType)
	}
	if c.PartialRotaryFactor == 0 {
		c.PartialRotaryFactor = c.RopePct
	}
	if c.PartialRotaryFactor == 0 {
		c.PartialRotaryFactor = 0.25
	}
	if c.NormEps == 0 {
		c.NormEps = c.LayerNormEps
	}
	if c.NormEps == 0 {
		c.NormEps = 1e-5
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.ContextWindowSize == 0 {
		c.ContextWindowSize = c.MaxPositionEmbeddings
	}
	if c.ContextWindowSize <= 0 {
		return fmt.Errorf("stablelm: unable to determine the context window size; set context_window_size or max_position_embeddings")
	}
	if c.PrefillChunkSize == 0 {
		c.PrefillChunkSize = c.ContextWindowSize
	}
	if c.TensorParallelShards == 0 {
		c.TensorParallelShards = 1
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}

	for name, v := range map[string]int{
		"vocab_size":          c.VocabSize,
		"hidden_size":         c.HiddenSize,
		"intermediate_size":   c.IntermediateSize,
		"num_hidden_layers":   c.NumHiddenLayers,
		"num_attention_heads": c.NumAttentionHeads,
	} {
		if v <= 0 {
			return fmt.Errorf("stablelm: %s must be positive, got %d", name, v)
		}
	}
	if c.HeadDim == 0 {
		if c.HiddenSize%c.NumAttentionHeads != 0 {
			return fmt.Errorf("stablelm: hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
		}
		c.HeadDim = c.HiddenSize / c.NumAttentionHeads
	}
	for name, v := range map[string]int{
		"num_key_value_heads":    c.NumKeyValueHeads,
		"head_dim":               c.HeadDim,
		"tensor_parallel_shards": c.TensorParallelShards,
		"prefill_chunk_size":     c.PrefillChunkSize,
	} {
		if v <= 0 {
			return fmt.Errorf("stablelm: %s must be positive, got %d", name, v)
		}
	}
	if c.NumAttentionHeads%c.NumKeyValueHeads != 0 {
		return fmt.Errorf("stablelm: num_attention_heads %d is not divisible by num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads)
	}
	if c.NumAttentionHeads%c.TensorParallelShards != 0 {
		return fmt.Errorf("stablelm: num_attention_heads %d is not divisible by tensor_parallel_shards %d", c.NumAttentionHeads, c.TensorParallelShards)
	}
	return nil
}
