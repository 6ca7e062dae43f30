package quant

import (
	"fmt"
	"math"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

// Linear weight layouts. NK stores [out, in] weights and quantizes along the
// input axis; KN stores the transpose and quantizes along axis 0.
const (
	LayoutNK = "NK"
	LayoutKN = "KN"
)

// GroupQuantize quantizes weights in groups of GroupSize consecutive values
// that share one scale. Integer codes are stored with an offset of
// MaxIntValue so they are non-negative; float8 codes are stored as-is.
type GroupQuantize struct {
	Name               string      `yaml:"name" json:"name"`
	Kind               string      `yaml:"kind" json:"kind"`
	GroupSize          int         `yaml:"group_size" json:"group_size"`
	QuantizeDType      dtype.DType `yaml:"quantize_dtype" json:"quantize_dtype"`
	StorageDType       dtype.DType `yaml:"storage_dtype" json:"storage_dtype"`
	ModelDType         dtype.DType `yaml:"model_dtype" json:"model_dtype"`
	LinearWeightLayout string      `yaml:"linear_weight_layout" json:"linear_weight_layout"`
	QuantizeEmbedding  bool        `yaml:"quantize_embedding" json:"quantize_embedding"`
	QuantizeFinalFC    bool        `yaml:"quantize_final_fc" json:"quantize_final_fc"`
	FTReorder          bool        `yaml:"ft_reorder" json:"ft_reorder"`

	// Derived by Validate.
	NumElemPerStorage  int `yaml:"-" json:"num_elem_per_storage"`
	NumStoragePerGroup int `yaml:"-" json:"num_storage_per_group"`
	MaxIntValue        int `yaml:"-" json:"max_int_value"`
}

func (q *GroupQuantize) Info() Info {
	return Info{Name: q.Name, Kind: KindGroupQuant, ModelDType: q.ModelDType}
}

// Validate checks the configuration and fills in the derived fields.
func (q *GroupQuantize) Validate() error {
	if q.Kind == "" {
		q.Kind = KindGroupQuant
	}
	if q.Kind != KindGroupQuant {
		return fmt.Errorf("quant %s: kind %q is not %q", q.Name, q.Kind, KindGroupQuant)
	}
	if q.StorageDType == (dtype.DType{}) {
		q.StorageDType = dtype.Uint32
	}
	if q.LinearWeightLayout == "" {
		q.LinearWeightLayout = LayoutNK
	}
	if !q.QuantizeDType.IsInt() && !q.QuantizeDType.IsFloat8() {
		return fmt.Errorf("quant %s: quantize dtype %s must be an int or float8 type", q.Name, q.QuantizeDType)
	}
	if !q.StorageDType.IsUint() {
		return fmt.Errorf("quant %s: storage dtype %s must be unsigned", q.Name, q.StorageDType)
	}
	if !q.ModelDType.IsFloat() {
		return fmt.Errorf("quant %s: model dtype %s must be a float type", q.Name, q.ModelDType)
	}
	if q.StorageDType.Bits < q.QuantizeDType.Bits {
		return fmt.Errorf("quant %s: storage unit should be greater or equal to quantized element", q.Name)
	}
	if q.LinearWeightLayout != LayoutNK && q.LinearWeightLayout != LayoutKN {
		return fmt.Errorf("quant %s: linear weight layout %q must be NK or KN", q.Name, q.LinearWeightLayout)
	}
	q.NumElemPerStorage = q.StorageDType.Bits / q.QuantizeDType.Bits
	if q.GroupSize <= 0 || q.GroupSize%q.NumElemPerStorage != 0 {
		return fmt.Errorf("quant %s: group size %d should be divisible by numbers of elements per storage (%d)", q.Name, q.GroupSize, q.NumElemPerStorage)
	}
	if q.FTReorder {
		if q.QuantizeDType.IsFloat8() {
			return fmt.Errorf("quant %s: %w: FT reorder of float8 weights", q.Name, ErrNotImplemented)
		}
		if q.NumElemPerStorage != 8 {
			return fmt.Errorf("quant %s: %w: FT reorder needs 8 elements per storage word", q.Name, ErrInvalidLayout)
		}
	}
	q.NumStoragePerGroup = q.GroupSize / q.NumElemPerStorage
	if q.QuantizeDType.IsInt() {
		q.MaxIntValue = 1<<(q.QuantizeDType.Bits-1) - 1
	} else {
		q.MaxIntValue = 0
	}
	return nil
}

func (q *GroupQuantize) packOpts(axis int) []Option {
	return []Option{WithAxis(axis), WithFTReorder(q.FTReorder)}
}

// QuantizedShapes returns the shapes of the packed weight and the scales for
// a weight of the given shape quantized along axis.
func (q *GroupQuantize) QuantizedShapes(shape tensor.Shape, axis int) (qWeight, qScale tensor.Shape, err error) {
	a, err := shape.Axis(axis)
	if err != nil {
		return nil, nil, err
	}
	groups := (shape[a] + q.GroupSize - 1) / q.GroupSize
	qWeight = shape.Clone()
	qWeight[a] = groups * q.NumStoragePerGroup
	qScale = shape.Clone()
	qScale[a] = groups
	return qWeight, qScale, nil
}

// QuantizeWeight quantizes w along axis. The last group along the axis is
// zero padded when the axis length is not a multiple of GroupSize.
func (q *GroupQuantize) QuantizeWeight(w *tensor.Float, axis int) (*tensor.Uint, *tensor.Float, error) {
	if q.NumElemPerStorage == 0 {
		return nil, nil, fmt.Errorf("quant %s: not validated", q.Name)
	}
	if err := w.Shape.Validate(); err != nil {
		return nil, nil, err
	}
	a, err := w.Shape.Axis(axis)
	if err != nil {
		return nil, nil, err
	}

	k := w.Shape[a]
	outer := w.Shape[:a].NumElements()
	inner := w.Shape[a+1:].NumElements()
	groups := (k + q.GroupSize - 1) / q.GroupSize
	padded := groups * q.GroupSize

	scaleShape := w.Shape.Clone()
	scaleShape[a] = groups
	scale := tensor.NewFloat(scaleShape, q.ModelDType)

	codeShape := w.Shape.Clone()
	codeShape[a] = padded
	float8 := q.QuantizeDType.IsFloat8()
	var (
		codes  []uint32
		scaled []float32
	)
	if float8 {
		scaled = make([]float32, codeShape.NumElements())
	} else {
		codes = make([]uint32, codeShape.NumElements())
	}

	maxInt := float32(q.MaxIntValue)
	limit := q.QuantizeDType.Max()
	if !float8 {
		limit = maxInt
	}

	for o := range outer {
		for g := range groups {
			lo := g * q.GroupSize
			hi := min(lo+q.GroupSize, k)
			for n := range inner {
				var maxAbs float32
				for i := lo; i < hi; i++ {
					v := float64(w.Data[(o*k+i)*inner+n])
					if math.IsNaN(v) || math.IsInf(v, 0) {
						idx := make([]int, len(w.Shape))
						w.Shape.Unravel((o*k+i)*inner+n, idx)
						return nil, nil, fmt.Errorf("quant %s: non-finite weight %v at %v", q.Name, v, idx)
					}
					maxAbs = max(maxAbs, float32(math.Abs(v)))
				}
				s := q.ModelDType.Round(maxAbs / limit)
				if s == 0 || math.IsInf(float64(s), 0) || math.IsNaN(float64(s)) {
					s = 1
				}
				scale.Data[(o*groups+g)*inner+n] = s

				for i := lo; i < hi; i++ {
					v := q.ModelDType.Round(w.Data[(o*k+i)*inner+n] / s)
					dst := (o*padded+i)*inner + n
					if float8 {
						scaled[dst] = v
						continue
					}
					c := float32(math.RoundToEven(float64(v))) + maxInt
					c = min(max(c, 0), 2*maxInt)
					codes[dst] = uint32(c)
				}
			}
		}
	}

	var packed *tensor.Uint
	if float8 {
		packed, err = PackFP8(scaled, codeShape, q.NumElemPerStorage, q.StorageDType, q.QuantizeDType, q.packOpts(a)...)
	} else {
		packed, err = PackUint(codes, codeShape, q.QuantizeDType.Bits, q.NumElemPerStorage, q.StorageDType, q.packOpts(a)...)
	}
	if err != nil {
		return nil, nil, err
	}
	return packed, scale, nil
}

// Dequantize restores weights packed by QuantizeWeight along axis. outShape
// crops group padding; nil keeps the padded shape.
func (q *GroupQuantize) Dequantize(qWeight *tensor.Uint, qScale *tensor.Float, axis int, outShape tensor.Shape) (*tensor.Compute, error) {
	if q.NumElemPerStorage == 0 {
		return nil, fmt.Errorf("quant %s: not validated", q.Name)
	}
	opts := q.packOpts(axis)
	if outShape != nil {
		opts = append(opts, WithOutShape(outShape))
	}

	var (
		raw *tensor.Compute
		err error
	)
	if q.QuantizeDType.IsFloat8() {
		raw, err = ConvertUintPackedFP8ToFloat(qWeight, q.QuantizeDType.Bits, q.NumElemPerStorage, q.StorageDType, q.ModelDType, q.QuantizeDType, opts...)
	} else {
		raw, err = ConvertUintToFloat(qWeight, q.QuantizeDType.Bits, q.NumElemPerStorage, q.StorageDType, q.ModelDType, opts...)
	}
	if err != nil {
		return nil, err
	}

	shape := raw.Shape()
	a, err := shape.Axis(axis)
	if err != nil {
		return nil, err
	}
	if len(qScale.Shape) != len(shape) {
		return nil, fmt.Errorf("%w: scale shape %v does not match weight shape %v", ErrInvalidLayout, qScale.Shape, shape)
	}
	for i := range shape {
		want := shape[i]
		if i == a {
			want = (shape[i] + q.GroupSize - 1) / q.GroupSize
		}
		if qScale.Shape[i] < want {
			return nil, fmt.Errorf("%w: scale shape %v too small for weight shape %v", ErrInvalidLayout, qScale.Shape, shape)
		}
	}

	maxInt := float32(q.MaxIntValue)
	model := q.ModelDType
	return raw.Map(func(idx []int, v float32) float32 {
		pos := idx[a]
		idx[a] = pos / q.GroupSize
		s := qScale.Data[qScale.Shape.Offset(idx)]
		idx[a] = pos
		return model.Round(model.Round(v-maxInt) * s)
	}), nil
}

// QuantizeLinear quantizes a [out, in] linear weight honouring
// LinearWeightLayout.
func (q *GroupQuantize) QuantizeLinear(w *tensor.Float) (*tensor.Uint, *tensor.Float, error) {
	if len(w.Shape) != 2 {
		return nil, nil, fmt.Errorf("quant %s: linear weight must be rank 2, got %v", q.Name, w.Shape)
	}
	if q.LinearWeightLayout == LayoutKN {
		t, err := w.Transpose2D()
		if err != nil {
			return nil, nil, err
		}
		return q.QuantizeWeight(t, 0)
	}
	return q.QuantizeWeight(w, 1)
}

// LinearShapes returns the stored shapes for a [out, in] linear weight.
func (q *GroupQuantize) LinearShapes(shape tensor.Shape) (qWeight, qScale tensor.Shape, err error) {
	if len(shape) != 2 {
		return nil, nil, fmt.Errorf("quant %s: linear weight must be rank 2, got %v", q.Name, shape)
	}
	if q.LinearWeightLayout == LayoutKN {
		return q.QuantizedShapes(tensor.Shape{shape[1], shape[0]}, 0)
	}
	return q.QuantizedShapes(shape, 1)
}

// DequantizeLinear restores a [out, in] linear weight of the given shape.
func (q *GroupQuantize) DequantizeLinear(qWeight *tensor.Uint, qScale *tensor.Float, shape tensor.Shape) (*tensor.Float, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("quant %s: linear weight must be rank 2, got %v", q.Name, shape)
	}
	if q.LinearWeightLayout == LayoutKN {
		c, err := q.Dequantize(qWeight, qScale, 0, tensor.Shape{shape[1], shape[0]})
		if err != nil {
			return nil, err
		}
		return c.Materialize().Transpose2D()
	}
	c, err := q.Dequantize(qWeight, qScale, 1, shape)
	if err != nil {
		return nil, err
	}
	return c.Materialize(), nil
}
