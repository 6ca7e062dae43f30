package quant

import (
	"fmt"
	"slices"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

// Param is a named output parameter: either a float tensor or packed words.
type Param struct {
	Name   string
	Float  *tensor.Float
	Packed *tensor.Uint
}

func (p Param) Shape() tensor.Shape {
	if p.Packed != nil {
		return p.Packed.Shape
	}
	if p.Float != nil {
		return p.Float.Shape
	}
	return nil
}

func (p Param) DType() dtype.DType {
	if p.Packed != nil {
		return p.Packed.DType
	}
	if p.Float != nil {
		return p.Float.DType
	}
	return dtype.DType{}
}

// MapFunc turns one source parameter into the parameters it is stored as.
type MapFunc func(w *tensor.Float) ([]Param, error)

// QuantizeMapping records which source parameters are quantized, what they
// become, and how.
type QuantizeMapping struct {
	ParamMap map[string][]string
	MapFunc  map[string]MapFunc
}

func NewQuantizeMapping() *QuantizeMapping {
	return &QuantizeMapping{
		ParamMap: make(map[string][]string),
		MapFunc:  make(map[string]MapFunc),
	}
}

// Register maps name to outputs produced by fn.
func (m *QuantizeMapping) Register(name string, outputs []string, fn MapFunc) {
	m.ParamMap[name] = outputs
	m.MapFunc[name] = fn
}

// Lookup reports whether name is quantized and returns its outputs.
func (m *QuantizeMapping) Lookup(name string) ([]string, MapFunc, bool) {
	outs, ok := m.ParamMap[name]
	if !ok {
		return nil, nil, false
	}
	return outs, m.MapFunc[name], true
}

// Names returns the quantized source parameter names sorted.
func (m *QuantizeMapping) Names() []string {
	names := make([]string, 0, len(m.ParamMap))
	for n := range m.ParamMap {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Apply runs the map function registered for name.
func (m *QuantizeMapping) Apply(name string, w *tensor.Float) ([]Param, error) {
	outs, fn, ok := m.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("quant: %q is not quantized", name)
	}
	params, err := fn(w)
	if err != nil {
		return nil, fmt.Errorf("quantize %s: %w", name, err)
	}
	if len(params) != len(outs) {
		return nil, fmt.Errorf("quantize %s: produced %d params, expected %d", name, len(params), len(outs))
	}
	for i := range params {
		params[i].Name = outs[i]
	}
	return params, nil
}

// IsFinalFC reports whether the module name is the model's last layer.
func IsFinalFC(name string) bool {
	return name == "head" || name == "lm_head"
}

// LinearMapFunc returns the MapFunc quantizing a linear weight with q.
func (q *GroupQuantize) LinearMapFunc() MapFunc {
	return func(w *tensor.Float) ([]Param, error) {
		qw, qs, err := q.QuantizeLinear(w)
		if err != nil {
			return nil, err
		}
		return []Param{{Packed: qw}, {Float: qs}}, nil
	}
}

// EmbeddingMapFunc returns the MapFunc quantizing an embedding table with q.
func (q *GroupQuantize) EmbeddingMapFunc() MapFunc {
	return func(w *tensor.Float) ([]Param, error) {
		qw, qs, err := q.QuantizeWeight(w, -1)
		if err != nil {
			return nil, err
		}
		return []Param{{Packed: qw}, {Float: qs}}, nil
	}
}
