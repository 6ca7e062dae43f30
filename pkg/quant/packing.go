package quant

import (
	"fmt"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

// Option tunes the packing transforms.
type Option func(*options)

type options struct {
	axis      int
	outShape  tensor.Shape
	ftReorder bool
}

func defaultOptions() options {
	return options{axis: -1}
}

// WithAxis selects the packed axis. Negative values count from the end.
// The default is -1.
func WithAxis(axis int) Option {
	return func(o *options) { o.axis = axis }
}

// WithOutShape sets the unpacked shape, e.g. to crop padding. By default the
// packed axis is expanded by the number of elements per storage word.
func WithOutShape(shape tensor.Shape) Option {
	return func(o *options) { o.outShape = shape.Clone() }
}

// WithFTReorder selects the interleaved fast-transformer bit order.
func WithFTReorder(on bool) Option {
	return func(o *options) { o.ftReorder = on }
}

// layout is the validated packing geometry shared by every transform.
type layout struct {
	bits      int
	perWord   int
	storage   dtype.DType
	mask      uint32
	ftReorder bool
}

func newLayout(bits, perWord int, storage dtype.DType, ftReorder bool) (layout, error) {
	if !storage.IsUint() {
		return layout{}, fmt.Errorf("%w: storage dtype %s is not unsigned", ErrInvalidLayout, storage)
	}
	if bits < 1 || bits > storage.Bits {
		return layout{}, fmt.Errorf("%w: %d bits do not fit in %s", ErrInvalidLayout, bits, storage)
	}
	if perWord < 1 || perWord*bits > storage.Bits {
		return layout{}, fmt.Errorf("%w: %d x %d-bit elements do not fit in %s", ErrInvalidLayout, perWord, bits, storage)
	}
	if ftReorder && perWord != 8 {
		return layout{}, fmt.Errorf("%w: FT reorder needs 8 elements per storage word, got %d", ErrInvalidLayout, perWord)
	}
	return layout{
		bits:      bits,
		perWord:   perWord,
		storage:   storage,
		mask:      uint32((uint64(1) << bits) - 1),
		ftReorder: ftReorder,
	}, nil
}

// shift returns the bit offset of element j inside a storage word.
//
// FT order stores the even elements in the low half of the word and the odd
// elements in the high half: 0 4 1 5 2 6 3 7.
func (l layout) shift(j int) uint {
	if l.ftReorder {
		return uint(((j%2)*4 + j/2) * l.bits)
	}
	return uint(j * l.bits)
}

// unpackedShape resolves the output shape and axis for an unpack of weight.
func (l layout) unpackedShape(weight *tensor.Uint, o options) (tensor.Shape, int, error) {
	if weight == nil {
		return nil, 0, fmt.Errorf("%w: nil weight", ErrInvalidLayout)
	}
	if weight.DType != l.storage {
		return nil, 0, fmt.Errorf("%w: weight dtype %s does not match storage dtype %s", ErrInvalidLayout, weight.DType, l.storage)
	}
	out := o.outShape
	if out == nil {
		out = weight.Shape.Clone()
		a, err := out.Axis(o.axis)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
		}
		out[a] *= l.perWord
	}
	a, err := out.Axis(o.axis)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	if len(out) != len(weight.Shape) {
		return nil, 0, fmt.Errorf("%w: out shape %v has rank %d, weight has rank %d", ErrInvalidLayout, out, len(out), len(weight.Shape))
	}
	for i := range out {
		limit := weight.Shape[i]
		if i == a {
			limit *= l.perWord
		}
		if out[i] <= 0 || out[i] > limit {
			return nil, 0, fmt.Errorf("%w: out shape %v exceeds packed shape %v", ErrInvalidLayout, out, weight.Shape)
		}
	}
	return out, a, nil
}

// extract returns the raw bit field of element idx; idx is restored before
// returning.
func (l layout) extract(weight *tensor.Uint, axis int, idx []int) uint32 {
	pos := idx[axis]
	idx[axis] = pos / l.perWord
	word := weight.Data[weight.Shape.Offset(idx)]
	idx[axis] = pos
	return (word >> l.shift(pos%l.perWord)) & l.mask
}

// ConvertUintToFloat unpacks bits-wide unsigned integers from the storage
// words of weight and converts them to modelDType.
//
// Element idx of the result reads the storage word at idx with the packed
// axis divided by numElemPerStorage, shifts it right by the element's bit
// offset and masks it to bits.
func ConvertUintToFloat(weight *tensor.Uint, bits, numElemPerStorage int, storageDType, modelDType dtype.DType, opts ...Option) (*tensor.Compute, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if !modelDType.IsFloat() {
		return nil, fmt.Errorf("%w: model dtype %s is not a float type", ErrInvalidLayout, modelDType)
	}
	l, err := newLayout(bits, numElemPerStorage, storageDType, o.ftReorder)
	if err != nil {
		return nil, err
	}
	out, axis, err := l.unpackedShape(weight, o)
	if err != nil {
		return nil, err
	}
	return tensor.NewCompute(out, modelDType, func(idx []int) float32 {
		return modelDType.Round(float32(l.extract(weight, axis, idx)))
	}), nil
}

// ConvertUintPackedFP8ToFloat unpacks 8-bit fields from the storage words of
// weight, reinterprets each as quantDType (e4m3_float8 or e5m2_float8) and
// converts it to modelDType.
//
// FT reordering is not supported for float8 payloads and returns
// ErrNotImplemented.
func ConvertUintPackedFP8ToFloat(weight *tensor.Uint, bits, numElemPerStorage int, storageDType, modelDType, quantDType dtype.DType, opts ...Option) (*tensor.Compute, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.ftReorder {
		return nil, fmt.Errorf("%w: FT reorder of float8 weights", ErrNotImplemented)
	}
	decode, _, ok := quantDType.Float8()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not e4m3_float8 or e5m2_float8", ErrInvalidLayout, quantDType)
	}
	if !modelDType.IsFloat() {
		return nil, fmt.Errorf("%w: model dtype %s is not a float type", ErrInvalidLayout, modelDType)
	}
	l, err := newLayout(bits, numElemPerStorage, storageDType, false)
	if err != nil {
		return nil, err
	}
	out, axis, err := l.unpackedShape(weight, o)
	if err != nil {
		return nil, err
	}
	return tensor.NewCompute(out, modelDType, func(idx []int) float32 {
		return modelDType.Round(decode(byte(l.extract(weight, axis, idx))))
	}), nil
}

// PackUint packs unsigned integer codes of the given shape into storage
// words along the packed axis. Codes are masked to bits. When the axis
// length is not a multiple of numElemPerStorage the last word is zero padded.
func PackUint(codes []uint32, shape tensor.Shape, bits, numElemPerStorage int, storageDType dtype.DType, opts ...Option) (*tensor.Uint, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	l, err := newLayout(bits, numElemPerStorage, storageDType, o.ftReorder)
	if err != nil {
		return nil, err
	}
	return l.pack(codes, shape, o.axis)
}

func (l layout) pack(codes []uint32, shape tensor.Shape, axis int) (*tensor.Uint, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	if len(codes) != shape.NumElements() {
		return nil, fmt.Errorf("%w: %d codes for shape %v", ErrInvalidLayout, len(codes), shape)
	}
	a, err := shape.Axis(axis)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}

	k := shape[a]
	outer := shape[:a].NumElements()
	inner := shape[a+1:].NumElements()
	words := (k + l.perWord - 1) / l.perWord

	packedShape := shape.Clone()
	packedShape[a] = words
	out := tensor.NewUint(packedShape, l.storage)

	for o := range outer {
		for i := range k {
			w := i / l.perWord
			sh := l.shift(i % l.perWord)
			src := codes[(o*k+i)*inner : (o*k+i+1)*inner]
			dst := out.Data[(o*words+w)*inner : (o*words+w+1)*inner]
			for n, c := range src {
				dst[n] |= (c & l.mask) << sh
			}
		}
	}
	return out, nil
}

// PackFP8 encodes values as quantDType and packs the bytes into storage
// words, numElemPerStorage bytes per word. FT reordering returns
// ErrNotImplemented.
func PackFP8(values []float32, shape tensor.Shape, numElemPerStorage int, storageDType, quantDType dtype.DType, opts ...Option) (*tensor.Uint, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.ftReorder {
		return nil, fmt.Errorf("%w: FT reorder of float8 weights", ErrNotImplemented)
	}
	_, encode, ok := quantDType.Float8()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not e4m3_float8 or e5m2_float8", ErrInvalidLayout, quantDType)
	}
	l, err := newLayout(8, numElemPerStorage, storageDType, false)
	if err != nil {
		return nil, err
	}
	codes := make([]uint32, len(values))
	for i, v := range values {
		codes[i] = uint32(encode(v))
	}
	return l.pack(codes, shape, o.axis)
}
