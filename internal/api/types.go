package api

import (
	"github.com/goccy/go-json"

	"github.com/samcharles93/quantpack/internal/model/stablelm"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/pkg/quant"
)

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type QuantizationList struct {
	Object string         `json:"object"`
	Data   []quant.Scheme `json:"data"`
}

type PlanRequest struct {
	Quantization string          `json:"quantization"`
	Config       json.RawMessage `json:"config"`
}

type PlanResponse struct {
	ID           string              `json:"id"`
	Object       string              `json:"object"`
	Quantization quant.Info          `json:"quantization"`
	Params       []stablelm.Param    `json:"params"`
	ParamMap     map[string][]string `json:"param_map"`
}

// UnpackRequest describes packed storage words and how to read them. A
// non-empty QuantizeDType selects the float8 path.
type UnpackRequest struct {
	Data              []uint32     `json:"data"`
	Shape             tensor.Shape `json:"shape"`
	Bits              int          `json:"bits"`
	NumElemPerStorage int          `json:"num_elem_per_storage"`
	StorageDType      string       `json:"storage_dtype"`
	ModelDType        string       `json:"model_dtype"`
	QuantizeDType     string       `json:"quantize_dtype,omitempty"`
	Axis              *int         `json:"axis,omitempty"`
	OutShape          tensor.Shape `json:"out_shape,omitempty"`
	FTReorder         bool         `json:"ft_reorder,omitempty"`
}

type UnpackResponse struct {
	Object string       `json:"object"`
	Shape  tensor.Shape `json:"shape"`
	DType  string       `json:"dtype"`
	Data   []Float      `json:"data"`
}
