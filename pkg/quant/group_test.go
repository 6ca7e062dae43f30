package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/tensor"
)

func randomWeight(t *testing.T, seed int64, shape tensor.Shape) *tensor.Float {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	w := tensor.NewFloat(shape, dtype.Float32)
	for i := range w.Data {
		w.Data[i] = float32(rng.NormFloat64() * 0.02)
	}
	return w
}

func lookupGroup(t *testing.T, name string) *GroupQuantize {
	t.Helper()
	s, err := NewRegistry().Lookup(name)
	if err != nil {
		t.Fatalf("Lookup(%s): %v", name, err)
	}
	q, ok := s.(*GroupQuantize)
	if !ok {
		t.Fatalf("%s is %T, not group quantization", name, s)
	}
	return q
}

func TestGroupQuantizeDerivedFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name                         string
		perStorage, perGroup, maxInt int
	}{
		{name: "q4f16_1", perStorage: 8, perGroup: 4, maxInt: 7},
		{name: "q3f16_1", perStorage: 10, perGroup: 4, maxInt: 3},
		{name: "q4f32_1", perStorage: 8, perGroup: 4, maxInt: 7},
		{name: "e4m3f16_1", perStorage: 4, perGroup: 8, maxInt: 0},
	}
	for _, tt := range tests {
		q := lookupGroup(t, tt.name)
		if q.NumElemPerStorage != tt.perStorage || q.NumStoragePerGroup != tt.perGroup || q.MaxIntValue != tt.maxInt {
			t.Fatalf("%s: got (%d, %d, %d), want (%d, %d, %d)", tt.name,
				q.NumElemPerStorage, q.NumStoragePerGroup, q.MaxIntValue,
				tt.perStorage, tt.perGroup, tt.maxInt)
		}
	}
}

func TestGroupQuantizeValidateErrors(t *testing.T) {
	t.Parallel()
	base := func() GroupQuantize {
		return GroupQuantize{
			Name:          "custom",
			GroupSize:     32,
			QuantizeDType: dtype.Int4,
			StorageDType:  dtype.Uint32,
			ModelDType:    dtype.Float16,
		}
	}
	tests := []struct {
		name   string
		mutate func(q *GroupQuantize)
		is     error
	}{
		{name: "group not divisible", mutate: func(q *GroupQuantize) { q.GroupSize = 30 }},
		{name: "storage too narrow", mutate: func(q *GroupQuantize) { q.QuantizeDType = dtype.Int8; q.StorageDType = dtype.DType{Code: dtype.CodeUint, Bits: 4} }},
		{name: "float storage", mutate: func(q *GroupQuantize) { q.StorageDType = dtype.Float32 }},
		{name: "int model", mutate: func(q *GroupQuantize) { q.ModelDType = dtype.Int8 }},
		{name: "float quantize dtype", mutate: func(q *GroupQuantize) { q.QuantizeDType = dtype.Float16 }},
		{name: "bad layout", mutate: func(q *GroupQuantize) { q.LinearWeightLayout = "MN" }},
		{name: "wrong kind", mutate: func(q *GroupQuantize) { q.Kind = KindNoQuant }},
		{name: "ft float8", mutate: func(q *GroupQuantize) { q.QuantizeDType = dtype.E4M3; q.FTReorder = true }, is: ErrNotImplemented},
		{name: "ft int8", mutate: func(q *GroupQuantize) { q.QuantizeDType = dtype.Int8; q.FTReorder = true }, is: ErrInvalidLayout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := base()
			tt.mutate(&q)
			err := q.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if tt.is != nil && !errors.Is(err, tt.is) {
				t.Fatalf("expected %v, got %v", tt.is, err)
			}
		})
	}

	q := base()
	if err := q.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if q.Kind != KindGroupQuant || q.LinearWeightLayout != LayoutNK {
		t.Fatalf("defaults not applied: %+v", q)
	}
}

func TestGroupQuantizeExactValues(t *testing.T) {
	t.Parallel()
	q := lookupGroup(t, "q4f32_1")
	// Every value is a multiple of 0.5 with max |w| = 3.5 = 7 * 0.5.
	w := tensor.NewFloat(tensor.Shape{2, 32}, dtype.Float32)
	for i := range w.Data {
		w.Data[i] = float32(i%15-7) * 0.5
	}
	qw, qs, err := q.QuantizeWeight(w, -1)
	if err != nil {
		t.Fatalf("QuantizeWeight: %v", err)
	}
	if !qw.Shape.Equal(tensor.Shape{2, 4}) || !qs.Shape.Equal(tensor.Shape{2, 1}) {
		t.Fatalf("shapes %v %v", qw.Shape, qs.Shape)
	}
	if qs.Data[0] != 0.5 || qs.Data[1] != 0.5 {
		t.Fatalf("scales %v", qs.Data)
	}
	c, err := q.Dequantize(qw, qs, -1, w.Shape)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	assertFloats(t, c.Materialize().Data, w.Data)
}

func TestGroupQuantizeErrorBound(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"q4f32_1", "q4f16_1", "q3f16_1", "q4f16_ft"} {
		t.Run(name, func(t *testing.T) {
			q := lookupGroup(t, name)
			w := randomWeight(t, 11, tensor.Shape{5, 70})
			qw, qs, err := q.QuantizeWeight(w, -1)
			if err != nil {
				t.Fatalf("QuantizeWeight: %v", err)
			}
			wantW, wantS, err := q.QuantizedShapes(w.Shape, -1)
			if err != nil {
				t.Fatalf("QuantizedShapes: %v", err)
			}
			if !qw.Shape.Equal(wantW) || !qs.Shape.Equal(wantS) {
				t.Fatalf("shapes %v %v, planned %v %v", qw.Shape, qs.Shape, wantW, wantS)
			}
			c, err := q.Dequantize(qw, qs, -1, w.Shape)
			if err != nil {
				t.Fatalf("Dequantize: %v", err)
			}
			got := c.Materialize()
			for r := range 5 {
				for k := range 70 {
					s := qs.At(r, k/q.GroupSize)
					diff := math.Abs(float64(got.At(r, k) - w.At(r, k)))
					// Half a quantization step plus model dtype rounding.
					if diff > float64(s)*0.5+float64(s)*0.01+1e-6 {
						t.Fatalf("(%d,%d): |%v - %v| = %v exceeds scale %v", r, k, got.At(r, k), w.At(r, k), diff, s)
					}
				}
			}
		})
	}
}

func TestGroupQuantizeAxisZero(t *testing.T) {
	t.Parallel()
	q := lookupGroup(t, "q4f32_1")
	w := randomWeight(t, 3, tensor.Shape{40, 3})
	qw, qs, err := q.QuantizeWeight(w, 0)
	if err != nil {
		t.Fatalf("QuantizeWeight: %v", err)
	}
	if !qw.Shape.Equal(tensor.Shape{8, 3}) || !qs.Shape.Equal(tensor.Shape{2, 3}) {
		t.Fatalf("shapes %v %v", qw.Shape, qs.Shape)
	}
	c, err := q.Dequantize(qw, qs, 0, w.Shape)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	got := c.Materialize()
	for i := range w.Data {
		if math.Abs(float64(got.Data[i]-w.Data[i])) > 0.02 {
			t.Fatalf("element %d: got %v want %v", i, got.Data[i], w.Data[i])
		}
	}
}

func TestGroupQuantizeZeroGroup(t *testing.T) {
	t.Parallel()
	q := lookupGroup(t, "q4f16_1")
	w := tensor.NewFloat(tensor.Shape{1, 32}, dtype.Float32)
	qw, qs, err := q.QuantizeWeight(w, -1)
	if err != nil {
		t.Fatalf("QuantizeWeight: %v", err)
	}
	if qs.Data[0] != 1 {
		t.Fatalf("zero group scale = %v, want 1", qs.Data[0])
	}
	c, err := q.Dequantize(qw, qs, -1, nil)
	if err != nil {
		t.Fatalf("Dequantize: %v", err)
	}
	for _, v := range c.Materialize().Data {
		if v != 0 {
			t.Fatalf("expected zeros, got %v", v)
		}
	}
}

func TestGroupQuantizeRejectsNonFinite(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"q4f16_1", "e4m3f16_1"} {
		for _, bad := range []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1))} {
			q := lookupGroup(t, name)
			w := tensor.NewFloat(tensor.Shape{2, 8}, dtype.Float32)
			for i := range w.Data {
				w.Data[i] = float32(i % 8)
			}
			w.Data[11] = bad
			if _, _, err := q.QuantizeWeight(w, -1); err == nil {
				t.Fatalf("%s: expected error for weight %v", name, bad)
			}
		}
	}
}

func TestGroupQuantizeFloat8(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"e4m3f16_1", "e5m2f16_1"} {
		t.Run(name, func(t *testing.T) {
			q := lookupGroup(t, name)
			w := randomWeight(t, 5, tensor.Shape{3, 64})
			qw, qs, err := q.QuantizeWeight(w, -1)
			if err != nil {
				t.Fatalf("QuantizeWeight: %v", err)
			}
			if !qw.Shape.Equal(tensor.Shape{3, 16}) || !qs.Shape.Equal(tensor.Shape{3, 2}) {
				t.Fatalf("shapes %v %v", qw.Shape, qs.Shape)
			}
			c, err := q.Dequantize(qw, qs, -1, w.Shape)
			if err != nil {
				t.Fatalf("Dequantize: %v", err)
			}
			got := c.Materialize()
			rel := 1.0 / 16 // half an e4m3 ulp
			if q.QuantizeDType == dtype.E5M2 {
				rel = 1.0 / 8
			}
			for r := range 3 {
				for k := range 64 {
					want := float64(w.At(r, k))
					s := float64(qs.At(r, k/32))
					diff := math.Abs(float64(got.At(r, k)) - want)
					// Subnormal float8 values carry an absolute error floor.
					if diff > rel*math.Abs(want)*1.05+s*0.01 {
						t.Fatalf("(%d,%d): got %v want %v", r, k, got.At(r, k), want)
					}
				}
			}
		})
	}
}

func TestGroupQuantizeLinearLayouts(t *testing.T) {
	t.Parallel()
	w := randomWeight(t, 9, tensor.Shape{6, 64})
	for _, name := range []string{"q4f16_0", "q4f16_1"} {
		q := lookupGroup(t, name)
		qw, qs, err := q.QuantizeLinear(w)
		if err != nil {
			t.Fatalf("%s QuantizeLinear: %v", name, err)
		}
		wantW, wantS, err := q.LinearShapes(w.Shape)
		if err != nil {
			t.Fatalf("%s LinearShapes: %v", name, err)
		}
		if !qw.Shape.Equal(wantW) || !qs.Shape.Equal(wantS) {
			t.Fatalf("%s: shapes %v %v, planned %v %v", name, qw.Shape, qs.Shape, wantW, wantS)
		}
		if name == "q4f16_0" && !qw.Shape.Equal(tensor.Shape{8, 6}) {
			t.Fatalf("KN packed shape %v, want [8, 6]", qw.Shape)
		}
		if name == "q4f16_1" && !qw.Shape.Equal(tensor.Shape{6, 8}) {
			t.Fatalf("NK packed shape %v, want [6, 8]", qw.Shape)
		}
		got, err := q.DequantizeLinear(qw, qs, w.Shape)
		if err != nil {
			t.Fatalf("%s DequantizeLinear: %v", name, err)
		}
		if !got.Shape.Equal(w.Shape) {
			t.Fatalf("%s: dequantized shape %v", name, got.Shape)
		}
		for i := range w.Data {
			if math.Abs(float64(got.Data[i]-w.Data[i])) > 0.02 {
				t.Fatalf("%s element %d: got %v want %v", name, i, got.Data[i], w.Data[i])
			}
		}
	}
}

func TestGroupQuantizeRequiresValidate(t *testing.T) {
	t.Parallel()
	q := &GroupQuantize{Name: "raw", GroupSize: 32, QuantizeDType: dtype.Int4, ModelDType: dtype.Float16}
	if _, _, err := q.QuantizeWeight(tensor.NewFloat(tensor.Shape{1, 32}, dtype.Float32), -1); err == nil {
		t.Fatal("expected error before Validate")
	}
}
