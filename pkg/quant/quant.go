// Package quant packs quantized weights into storage words and restores them.
//
// Two transform families live here. ConvertUintToFloat unpacks sub-byte
// integers from wider unsigned storage words, in either the linear bit order
// or the interleaved fast-transformer (FT) order. ConvertUintPackedFP8ToFloat
// unpacks bytes and reinterprets them as e4m3 or e5m2 floats. PackUint and
// PackFP8 are their inverses.
//
// On top of the transforms, GroupQuantize implements group quantization
// (one scale per GroupSize consecutive values) and NoQuantize a plain cast
// to the model dtype. Named presets are kept in a Registry.
package quant

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/dtype"
)

var (
	// ErrNotImplemented is returned for layout combinations that are not
	// supported, such as FT reordering of float8 payloads.
	ErrNotImplemented = errors.New("quant: not implemented")
	// ErrInvalidLayout reports an inconsistent bit width, storage dtype,
	// element count, axis or output shape.
	ErrInvalidLayout = errors.New("quant: invalid layout")
	// ErrUnknownPreset is returned by Registry.Lookup.
	ErrUnknownPreset = errors.New("quant: unknown quantization")
)

const (
	KindGroupQuant = "group-quant"
	KindNoQuant    = "no-quant"
)

// Info summarises a quantization scheme.
type Info struct {
	Name       string      `json:"name"`
	Kind       string      `json:"kind"`
	ModelDType dtype.DType `json:"model_dtype"`
}

// Scheme is a named way of turning model weights into stored parameters.
type Scheme interface {
	Info() Info
	Validate() error
}

// DecodeScheme decodes a JSON scheme produced by encoding a GroupQuantize or
// NoQuantize, dispatching on its "kind" field, and validates it.
func DecodeScheme(raw []byte) (Scheme, error) {
	var head struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("quant: decode scheme: %w", err)
	}
	var s Scheme
	switch head.Kind {
	case KindGroupQuant:
		s = &GroupQuantize{}
	case KindNoQuant:
		s = &NoQuantize{}
	default:
		return nil, fmt.Errorf("quant: unknown scheme kind %q", head.Kind)
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("quant: decode %s scheme: %w", head.Kind, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
