// Package api serves the quantization presets and transforms over HTTP.
package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quantpack/internal/dtype"
	"github.com/samcharles93/quantpack/internal/model/stablelm"
	"github.com/samcharles93/quantpack/internal/tensor"
	"github.com/samcharles93/quantpack/internal/version"
	"github.com/samcharles93/quantpack/pkg/quant"
)

// maxUnpackElements caps the size of an unpacked tensor returned inline.
const maxUnpackElements = 1 << 20

type Server struct {
	registry *quant.Registry
}

// NewServer serves the schemes in registry; nil uses the built-in presets.
func NewServer(registry *quant.Registry) *Server {
	if registry == nil {
		registry = quant.NewRegistry()
	}
	return &Server{registry: registry}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/quantizations", s.handleListQuantizations)
	e.GET("/v1/quantizations/:name", s.handleGetQuantization)
	e.POST("/v1/plan", s.handlePlan)
	e.POST("/v1/unpack", s.handleUnpack)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: version.String()})
}

func (s *Server) handleListQuantizations(c *echo.Context) error {
	return c.JSON(http.StatusOK, QuantizationList{Object: "list", Data: s.registry.Schemes()})
}

func (s *Server) handleGetQuantization(c *echo.Context) error {
	scheme, err := s.registry.Lookup(c.Param("name"))
	if err != nil {
		return writeQuantError(c, err)
	}
	return c.JSON(http.StatusOK, scheme)
}

func (s *Server) handlePlan(c *echo.Context) error {
	req, err := decodeJSON[PlanRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Quantization == "" {
		return writeBadRequest(c, "quantization is required")
	}
	if len(req.Config) == 0 {
		return writeBadRequest(c, "config is required")
	}
	scheme, err := s.registry.Lookup(req.Quantization)
	if err != nil {
		return writeQuantError(c, err)
	}
	cfg, err := stablelm.ParseConfig(req.Config)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	m, qmap, err := stablelm.Quantize(cfg, scheme)
	if err != nil {
		return writeQuantError(c, err)
	}
	return c.JSON(http.StatusOK, PlanResponse{
		ID:           "plan_" + uuid.NewString(),
		Object:       "quantization.plan",
		Quantization: scheme.Info(),
		Params:       m.Params,
		ParamMap:     qmap.ParamMap,
	})
}

func (s *Server) handleUnpack(c *echo.Context) error {
	req, err := decodeJSON[UnpackRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	out, err := unpack(req)
	if err != nil {
		return writeQuantError(c, err)
	}
	resp := UnpackResponse{
		Object: "tensor",
		Shape:  out.Shape,
		DType:  out.DType.String(),
		Data:   make([]Float, len(out.Data)),
	}
	for i, v := range out.Data {
		resp.Data[i] = Float(v)
	}
	return c.JSON(http.StatusOK, resp)
}

func unpack(req UnpackRequest) (*tensor.Float, error) {
	storage, err := dtype.Parse(req.StorageDType)
	if err != nil {
		return nil, newInvalidRequest("storage_dtype: %v", err)
	}
	model, err := dtype.Parse(req.ModelDType)
	if err != nil {
		return nil, newInvalidRequest("model_dtype: %v", err)
	}
	if err := req.Shape.Validate(); err != nil {
		return nil, newInvalidRequest("shape: %v", err)
	}
	weight, err := tensor.UintFromData(req.Shape, storage, req.Data)
	if err != nil {
		return nil, newInvalidRequest("%v", err)
	}

	opts := []quant.Option{quant.WithFTReorder(req.FTReorder)}
	if req.Axis != nil {
		opts = append(opts, quant.WithAxis(*req.Axis))
	}
	if req.OutShape != nil {
		opts = append(opts, quant.WithOutShape(req.OutShape))
	}

	var c *tensor.Compute
	if req.QuantizeDType != "" {
		qdt, err := dtype.Parse(req.QuantizeDType)
		if err != nil {
			return nil, newInvalidRequest("quantize_dtype: %v", err)
		}
		c, err = quant.ConvertUintPackedFP8ToFloat(weight, req.Bits, req.NumElemPerStorage, storage, model, qdt, opts...)
		if err != nil {
			return nil, err
		}
	} else {
		c, err = quant.ConvertUintToFloat(weight, req.Bits, req.NumElemPerStorage, storage, model, opts...)
		if err != nil {
			return nil, err
		}
	}
	if n := c.Shape().NumElements(); n > maxUnpackElements {
		return nil, newInvalidRequest("unpacked tensor has %d elements, limit is %d", n, maxUnpackElements)
	}
	return c.Materialize(), nil
}
