package tensor

import (
	"fmt"
	"strconv"
	"strings"
)

// Shape holds the extent of each dimension of a row-major tensor.
type Shape []int

// NumElements returns the product of all dims. A rank-0 shape has one element.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Validate rejects non-positive dims and element counts that overflow int.
func (s Shape) Validate() error {
	n := 1
	for _, d := range s {
		if d <= 0 {
			return fmt.Errorf("tensor: invalid dim %d in shape %v", d, s)
		}
		if n > (int(^uint(0)>>1))/d {
			return fmt.Errorf("tensor: shape %v too large", s)
		}
		n *= d
	}
	return nil
}

// Strides returns the row-major element stride of every dim.
func (s Shape) Strides() []int {
	st := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		st[i] = acc
		acc *= s[i]
	}
	return st
}

func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Axis normalizes a possibly negative axis against the rank of s.
func (s Shape) Axis(axis int) (int, error) {
	a := axis
	if a < 0 {
		a += len(s)
	}
	if a < 0 || a >= len(s) {
		return 0, fmt.Errorf("tensor: axis %d out of range for rank %d", axis, len(s))
	}
	return a, nil
}

// checkIndex panics unless idx addresses an element of s, mirroring Go's
// slice bounds checks.
func (s Shape) checkIndex(idx []int) {
	if len(idx) != len(s) {
		panic(fmt.Sprintf("tensor: index %v has rank %d, shape %v has rank %d", idx, len(idx), s, len(s)))
	}
	for i, v := range idx {
		if v < 0 || v >= s[i] {
			panic(fmt.Sprintf("tensor: index %v out of range for shape %v", idx, s))
		}
	}
}

// Offset returns the flat row-major offset of idx. idx is not bounds
// checked.
func (s Shape) Offset(idx []int) int {
	off := 0
	for i, v := range idx {
		off = off*s[i] + v
	}
	return off
}

// Unravel writes the multi-index of flat offset off into idx.
func (s Shape) Unravel(off int, idx []int) {
	for i := len(s) - 1; i >= 0; i-- {
		idx[i] = off % s[i]
		off /= s[i]
	}
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Int64s converts s to the int64 form used by safetensors headers.
func (s Shape) Int64s() []int64 {
	out := make([]int64, len(s))
	for i, d := range s {
		out[i] = int64(d)
	}
	return out
}

// FromInt64s converts an int64 shape into a Shape, rejecting overflow.
func FromInt64s(dims []int64) (Shape, error) {
	out := make(Shape, len(dims))
	for i, d := range dims {
		if d < 0 || d > int64(int(^uint(0)>>1)) {
			return nil, fmt.Errorf("tensor: invalid dim %d", d)
		}
		out[i] = int(d)
	}
	return out, nil
}
