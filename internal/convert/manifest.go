package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/model/stablelm"
	"github.com/samcharles93/quantpack/pkg/quant"
)

// Output file names.
const (
	WeightsFile  = "model.safetensors"
	ManifestFile = "quantization.json"
)

// Manifest describes a converted model. It is written next to the weights.
type Manifest struct {
	RunID        string              `json:"run_id"`
	CreatedAt    time.Time           `json:"created_at"`
	Version      string              `json:"version"`
	ModelType    string              `json:"model_type"`
	Quantization string              `json:"quantization"`
	Scheme       json.RawMessage     `json:"scheme"`
	Config       *stablelm.Config    `json:"config"`
	ParamMap     map[string][]string `json:"param_map"`
	Params       []stablelm.Param    `json:"params"`
}

// DecodeScheme returns the validated scheme recorded in the manifest.
func (m *Manifest) DecodeScheme() (quant.Scheme, error) {
	return quant.DecodeScheme(m.Scheme)
}

func writeManifest(path string, m *Manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// ReadManifest loads quantization.json from a conversion output directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if m.Config == nil {
		return nil, fmt.Errorf("%s: missing config", path)
	}
	if err := m.Config.Normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}
