package tensor

import "github.com/samcharles93/quantpack/internal/dtype"

// Compute is a lazily evaluated float tensor: every element is produced on
// demand by an element function of its multi-index.
//
// The element function may reuse nothing from idx after it returns; callers
// may mutate idx between calls.
type Compute struct {
	shape Shape
	dtype dtype.DType
	fn    func(idx []int) float32
}

// NewCompute builds a lazy tensor of the given shape and dtype.
func NewCompute(shape Shape, dt dtype.DType, fn func(idx []int) float32) *Compute {
	return &Compute{shape: shape.Clone(), dtype: dt, fn: fn}
}

func (c *Compute) Shape() Shape       { return c.shape.Clone() }
func (c *Compute) DType() dtype.DType { return c.dtype }

// At evaluates a single element. It panics if idx is out of range.
func (c *Compute) At(idx ...int) float32 {
	c.shape.checkIndex(idx)
	return c.fn(idx)
}

// Map returns a new lazy tensor applying f to every element of c.
func (c *Compute) Map(f func(idx []int, v float32) float32) *Compute {
	return &Compute{shape: c.shape, dtype: c.dtype, fn: func(idx []int) float32 {
		return f(idx, c.fn(idx))
	}}
}

// Materialize evaluates every element in row-major order.
func (c *Compute) Materialize() *Float {
	out := NewFloat(c.shape, c.dtype)
	idx := make([]int, len(c.shape))
	for i := range out.Data {
		c.shape.Unravel(i, idx)
		out.Data[i] = c.fn(idx)
	}
	return out
}
