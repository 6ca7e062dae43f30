package dtype

import (
	"math"

	"github.com/x448/float16"
)

// Round rounds v to the precision of the float dtype d. Non-float dtypes
// return v unchanged.
func (d DType) Round(v float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return BF16ToF32(F32ToBF16(v))
	default:
		return v
	}
}

// F32ToBF16 rounds to nearest even on the truncated 16 bits.
func F32ToBF16(f float32) uint16 {
	u := math.Float32bits(f)
	if u&0x7FFFFFFF > 0x7F800000 {
		return uint16(u>>16) | 0x40
	}
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func BF16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func F32ToF16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

func F16ToF32(u uint16) float32 {
	return float16.Frombits(u).Float32()
}

// float8 layout parameters.
type f8format struct {
	mantBits int
	bias     int
	maxCode  byte // largest finite magnitude code
	nanCode  byte
	hasInf   bool
}

var (
	e4m3Format = f8format{mantBits: 3, bias: 7, maxCode: 0x7E, nanCode: 0x7F}
	e5m2Format = f8format{mantBits: 2, bias: 15, maxCode: 0x7B, nanCode: 0x7E, hasInf: true}
)

// MaxE4M3 and MaxE5M2 are the largest finite magnitudes of the float8 types.
const (
	MaxE4M3 = 448.0
	MaxE5M2 = 57344.0
)

// DecodeE4M3 decodes an e4m3fn byte: bias 7, no infinities, S.1111.111 is NaN.
func DecodeE4M3(b byte) float32 {
	sign := b >> 7
	exp := int(b>>3) & 0xF
	mant := int(b & 0x7)
	var v float64
	switch {
	case exp == 0xF && mant == 0x7:
		return float32(math.NaN())
	case exp == 0:
		v = math.Ldexp(float64(mant), -9)
	default:
		v = math.Ldexp(float64(8+mant), exp-7-3)
	}
	if sign != 0 {
		v = -v
	}
	return float32(v)
}

// DecodeE5M2 decodes an e5m2 byte: bias 15 with IEEE infinities and NaNs.
func DecodeE5M2(b byte) float32 {
	sign := b >> 7
	exp := int(b>>2) & 0x1F
	mant := int(b & 0x3)
	var v float64
	switch {
	case exp == 0x1F && mant == 0:
		v = math.Inf(1)
	case exp == 0x1F:
		return float32(math.NaN())
	case exp == 0:
		v = math.Ldexp(float64(mant), -16)
	default:
		v = math.Ldexp(float64(4+mant), exp-15-2)
	}
	if sign != 0 {
		v = -v
	}
	return float32(v)
}

// EncodeE4M3 rounds f to the nearest e4m3fn value (ties to even), saturating
// to +-448.
func EncodeE4M3(f float32) byte { return e4m3Format.encode(f) }

// EncodeE5M2 rounds f to the nearest e5m2 value (ties to even). Finite values
// saturate to +-57344; infinities are preserved.
func EncodeE5M2(f float32) byte { return e5m2Format.encode(f) }

func (ff f8format) encode(f float32) byte {
	x := float64(f)
	if math.IsNaN(x) {
		return ff.nanCode
	}
	var sign byte
	if math.Signbit(x) {
		sign = 0x80
		x = -x
	}
	if math.IsInf(x, 1) {
		if ff.hasInf {
			return sign | 0x7C
		}
		return sign | ff.maxCode
	}
	if x == 0 {
		return sign
	}

	minNormal := 1 - ff.bias
	_, e := math.Frexp(x)
	e-- // x = m * 2^e with m in [1, 2)

	var code int
	if e < minNormal {
		// Subnormal: the integer count of the smallest quantum is the code.
		code = int(math.RoundToEven(math.Ldexp(x, ff.mantBits-minNormal)))
	} else {
		m := int(math.RoundToEven(math.Ldexp(x, ff.mantBits-e)))
		if m == 1<<(ff.mantBits+1) {
			m >>= 1
			e++
		}
		code = (e+ff.bias)<<ff.mantBits | (m - 1<<ff.mantBits)
	}
	if code > int(ff.maxCode) {
		code = int(ff.maxCode)
	}
	return sign | byte(code)
}

// Float8 returns the codec of a float8 dtype; ok is false for any other
// dtype.
func (d DType) Float8() (decode func(byte) float32, encode func(float32) byte, ok bool) {
	switch d.Code {
	case CodeE4M3:
		return DecodeE4M3, EncodeE4M3, true
	case CodeE5M2:
		return DecodeE5M2, EncodeE5M2, true
	}
	return nil, nil, false
}

// Max returns the largest finite magnitude of a float8 dtype, or 0.
func (d DType) Max() float32 {
	switch d.Code {
	case CodeE4M3:
		return MaxE4M3
	case CodeE5M2:
		return MaxE5M2
	}
	return 0
}
