package stablelm

import (
	"fmt"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/pkg/quant"
)

// GroupQuant lays out a StableLM model under group quantization. Every linear
// weight, except the final FC unless QuantizeFinalFC is set, becomes
// X.q_weight and X.q_scale; so does the embedding when QuantizeEmbedding is
// set. All other parameters are kept in the model dtype.
func GroupQuant(cfg *Config, q *quant.GroupQuantize) (*Model, *quant.QuantizeMapping, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	m := &Model{Config: cfg}
	qmap := quant.NewQuantizeMapping()
	for _, p := range Params(cfg) {
		module := p.Module()
		quantize := false
		switch p.Kind {
		case KindLinear:
			quantize = !quant.IsFinalFC(module) || q.QuantizeFinalFC
		case KindEmbedding:
			quantize = q.QuantizeEmbedding
		}
		if !quantize {
			m.Params = append(m.Params, Param{Name: p.Name, Shape: p.Shape, DType: q.ModelDType})
			continue
		}

		var (
			qwShape, qsShape tensor.Shape
			err              error
			fn               quant.MapFunc
		)
		if p.Kind == KindLinear {
			qwShape, qsShape, err = q.LinearShapes(p.Shape)
			fn = q.LinearMapFunc()
		} else {
			qwShape, qsShape, err = q.QuantizedShapes(p.Shape, -1)
			fn = q.EmbeddingMapFunc()
		}
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", p.Name, err)
		}
		qw, qs := module+".q_weight", module+".q_scale"
		qmap.Register(p.Name, []string{qw, qs}, fn)
		m.Params = append(m.Params,
			Param{Name: qw, Shape: qwShape, DType: q.StorageDType},
			Param{Name: qs, Shape: qsShape, DType: q.ModelDType},
		)
	}
	return m, qmap, nil
}

// NoQuant lays out a StableLM model with every parameter in the model dtype.
func NoQuant(cfg *Config, q *quant.NoQuantize) (*Model, *quant.QuantizeMapping, error) {
	if err := q.Validate(); err != nil {
		return nil, nil, err
	}
	return castModel(cfg, q.ModelDType), quant.NewQuantizeMapping(), nil
}

func castModel(cfg *Config, dt dtype.DType) *Model {
	m := &Model{Config: cfg}
	for _, p := range Params(cfg) {
		m.Params = append(m.Params, Param{Name: p.Name, Shape: p.Shape, DType: dt})
	}
	return m
}

// Quantize dispatches on the scheme kind.
func Quantize(cfg *Config, s quant.Scheme) (*Model, *quant.QuantizeMapping, error) {
	switch q := s.(type) {
	case *quant.GroupQuantize:
		return GroupQuant(cfg, q)
	case *quant.NoQuantize:
		return NoQuant(cfg, q)
	default:
		return nil, nil, fmt.Errorf("stablelm: unsupported quantization %q (%s)", s.Info().Name, s.Info().Kind)
	}
}
