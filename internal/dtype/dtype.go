// Package dtype describes the element types that appear in quantized weight
// tensors: narrow quantized integers, the unsigned storage words they are
// packed into, the floating point model dtypes they are restored to, and the
// two 8-bit float encodings.
package dtype

import (
	"fmt"
	"strconv"
	"strings"
)

// Code is the type class of a DType.
type Code uint8

const (
	CodeInvalid Code = iota
	CodeInt
	CodeUint
	CodeFloat
	CodeBFloat
	CodeE4M3
	CodeE5M2
)

// DType is a (type class, bit width) pair, e.g. int4 or uint32.
type DType struct {
	Code Code
	Bits int
}

var (
	Int3     = DType{CodeInt, 3}
	Int4     = DType{CodeInt, 4}
	Int8     = DType{CodeInt, 8}
	Uint8    = DType{CodeUint, 8}
	Uint16   = DType{CodeUint, 16}
	Uint32   = DType{CodeUint, 32}
	Float16  = DType{CodeFloat, 16}
	Float32  = DType{CodeFloat, 32}
	BFloat16 = DType{CodeBFloat, 16}
	E4M3     = DType{CodeE4M3, 8}
	E5M2     = DType{CodeE5M2, 8}
)

// Parse converts a dtype name such as "int4", "uint32", "float16" or
// "e4m3_float8" into a DType.
func Parse(name string) (DType, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	switch s {
	case "e4m3_float8", "float8_e4m3fn", "e4m3":
		return E4M3, nil
	case "e5m2_float8", "float8_e5m2", "e5m2":
		return E5M2, nil
	case "bfloat16", "bf16":
		return BFloat16, nil
	case "float16", "f16", "half":
		return Float16, nil
	case "float32", "f32", "float":
		return Float32, nil
	}

	var (
		code Code
		rest string
		ok   bool
	)
	if rest, ok = strings.CutPrefix(s, "uint"); ok {
		code = CodeUint
	} else if rest, ok = strings.CutPrefix(s, "int"); ok {
		code = CodeInt
	} else {
		return DType{}, fmt.Errorf("dtype: unknown dtype %q", name)
	}
	bits, err := strconv.Atoi(rest)
	if err != nil {
		return DType{}, fmt.Errorf("dtype: unknown dtype %q", name)
	}
	switch code {
	case CodeInt:
		if bits < 1 || bits > 8 {
			return DType{}, fmt.Errorf("dtype: quantized int width must be 1..8, got %q", name)
		}
	case CodeUint:
		if bits != 8 && bits != 16 && bits != 32 {
			return DType{}, fmt.Errorf("dtype: storage width must be 8, 16 or 32, got %q", name)
		}
	}
	return DType{Code: code, Bits: bits}, nil
}

// MustParse is Parse for package-level tables.
func MustParse(name string) DType {
	d, err := Parse(name)
	if err != nil {
		panic(err)
	}
	return d
}

func (d DType) String() string {
	switch d.Code {
	case CodeInt:
		return "int" + strconv.Itoa(d.Bits)
	case CodeUint:
		return "uint" + strconv.Itoa(d.Bits)
	case CodeFloat:
		return "float" + strconv.Itoa(d.Bits)
	case CodeBFloat:
		return "bfloat16"
	case CodeE4M3:
		return "e4m3_float8"
	case CodeE5M2:
		return "e5m2_float8"
	default:
		return "invalid"
	}
}

func (d DType) IsValid() bool  { return d.Code != CodeInvalid && d.Bits > 0 }
func (d DType) IsInt() bool    { return d.Code == CodeInt }
func (d DType) IsUint() bool   { return d.Code == CodeUint }
func (d DType) IsFloat8() bool { return d.Code == CodeE4M3 || d.Code == CodeE5M2 }

// IsFloat reports whether d can be used as a model dtype.
func (d DType) IsFloat() bool {
	return d.Code == CodeFloat || d.Code == CodeBFloat
}

// MarshalText encodes the dtype by name so it can be used in yaml and json.
func (d DType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DType) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Safetensors returns the safetensors dtype tag used to store tensors of d.
func (d DType) Safetensors() (string, error) {
	switch d {
	case Float32:
		return "F32", nil
	case Float16:
		return "F16", nil
	case BFloat16:
		return "BF16", nil
	case Uint8:
		return "U8", nil
	case Uint16:
		return "U16", nil
	case Uint32:
		return "U32", nil
	case E4M3:
		return "F8_E4M3", nil
	case E5M2:
		return "F8_E5M2", nil
	}
	return "", fmt.Errorf("dtype: %s has no safetensors encoding", d)
}

// FromSafetensors is the inverse of Safetensors.
func FromSafetensors(tag string) (DType, error) {
	switch tag {
	case "F32":
		return Float32, nil
	case "F16":
		return Float16, nil
	case "BF16":
		return BFloat16, nil
	case "U8":
		return Uint8, nil
	case "U16":
		return Uint16, nil
	case "U32":
		return Uint32, nil
	case "F8_E4M3":
		return E4M3, nil
	case "F8_E5M2":
		return E5M2, nil
	}
	return DType{}, fmt.Errorf("dtype: unsupported safetensors dtype %q", tag)
}
