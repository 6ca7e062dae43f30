package quant

import (
	"fmt"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

// NoQuantize keeps every parameter, cast to ModelDType.
type NoQuantize struct {
	Name       string      `yaml:"name" json:"name"`
	Kind       string      `yaml:"kind" json:"kind"`
	ModelDType dtype.DType `yaml:"model_dtype" json:"model_dtype"`
}

func (q *NoQuantize) Info() Info {
	return Info{Name: q.Name, Kind: KindNoQuant, ModelDType: q.ModelDType}
}

func (q *NoQuantize) Validate() error {
	if q.Kind == "" {
		q.Kind = KindNoQuant
	}
	if q.Kind != KindNoQuant {
		return fmt.Errorf("quant %s: kind %q is not %q", q.Name, q.Kind, KindNoQuant)
	}
	if !q.ModelDType.IsFloat() {
		return fmt.Errorf("quant %s: model dtype %s must be a float type", q.Name, q.ModelDType)
	}
	return nil
}

// Cast rounds w to the model dtype.
func (q *NoQuantize) Cast(w *tensor.Float) *tensor.Float {
	return w.Cast(q.ModelDType)
}
