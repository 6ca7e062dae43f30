// Package tensor provides the small dense tensor types the quantization
// transforms operate on.
//
// Float holds model weights as float32 values in row-major order; values that
// belong to a narrower model dtype are kept rounded to that dtype. Uint holds
// packed storage words: every element is one storage word (uint8, uint16 or
// uint32) widened to uint32.
package tensor

import (
	"fmt"

	"github.com/samcharles93/quantpack/internal/dtype"
)

// Float is a dense row-major float tensor.
type Float struct {
	Shape Shape
	DType dtype.DType
	Data  []float32
}

// NewFloat allocates a zero-initialised float tensor.
func NewFloat(shape Shape, dt dtype.DType) *Float {
	return &Float{Shape: shape.Clone(), DType: dt, Data: make([]float32, shape.NumElements())}
}

// FloatFromData wraps data without copying. It checks that the element
// count matches shape.
func FloatFromData(shape Shape, dt dtype.DType, data []float32) (*Float, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	return &Float{Shape: shape.Clone(), DType: dt, Data: data}, nil
}

// At returns the element at idx.
func (t *Float) At(idx ...int) float32 {
	t.Shape.checkIndex(idx)
	return t.Data[t.Shape.Offset(idx)]
}

// Cast returns a copy of t rounded to dt.
func (t *Float) Cast(dt dtype.DType) *Float {
	out := &Float{Shape: t.Shape.Clone(), DType: dt, Data: make([]float32, len(t.Data))}
	for i, v := range t.Data {
		out.Data[i] = dt.Round(v)
	}
	return out
}

// Transpose2D returns the transpose of a rank-2 tensor.
func (t *Float) Transpose2D() (*Float, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("tensor: transpose needs rank 2, got %v", t.Shape)
	}
	r, c := t.Shape[0], t.Shape[1]
	out := NewFloat(Shape{c, r}, t.DType)
	for i := range r {
		row := t.Data[i*c : (i+1)*c]
		for j, v := range row {
			out.Data[j*r+i] = v
		}
	}
	return out, nil
}

// Concat joins tensors along axis 0. All inputs must agree on the trailing dims.
func Concat(parts ...*Float) (*Float, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("tensor: concat of nothing")
	}
	first := parts[0]
	if len(first.Shape) == 0 {
		return nil, fmt.Errorf("tensor: cannot concat scalars")
	}
	rows := 0
	for _, p := range parts {
		if len(p.Shape) != len(first.Shape) || !p.Shape[1:].Equal(first.Shape[1:]) {
			return nil, fmt.Errorf("tensor: concat shape mismatch %v vs %v", p.Shape, first.Shape)
		}
		rows += p.Shape[0]
	}
	shape := first.Shape.Clone()
	shape[0] = rows
	out := &Float{Shape: shape, DType: first.DType, Data: make([]float32, 0, shape.NumElements())}
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out, nil
}

// Uint is a dense row-major tensor of packed storage words.
type Uint struct {
	Shape Shape
	DType dtype.DType
	Data  []uint32
}

// NewUint allocates a zero-initialised storage tensor.
func NewUint(shape Shape, dt dtype.DType) *Uint {
	return &Uint{Shape: shape.Clone(), DType: dt, Data: make([]uint32, shape.NumElements())}
}

// UintFromData wraps data without copying.
func UintFromData(shape Shape, dt dtype.DType, data []uint32) (*Uint, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v", len(data), shape)
	}
	if !dt.IsUint() {
		return nil, fmt.Errorf("tensor: %s is not a storage dtype", dt)
	}
	return &Uint{Shape: shape.Clone(), DType: dt, Data: data}, nil
}

func (t *Uint) At(idx ...int) uint32 {
	t.Shape.checkIndex(idx)
	return t.Data[t.Shape.Offset(idx)]
}
