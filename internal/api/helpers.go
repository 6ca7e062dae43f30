package api

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/quantpack/pkg/quant"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 32 << 20

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, param string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Param:   param,
		},
	})
}

// writeQuantError maps package errors onto HTTP statuses.
func writeQuantError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, quant.ErrUnknownPreset):
		return writeNotFound(c, err.Error())
	case errors.Is(err, quant.ErrNotImplemented):
		return writeError(c, http.StatusNotImplemented, "not_implemented_error", err.Error(), "")
	case errors.Is(err, quant.ErrInvalidLayout), errors.Is(err, ErrInvalidRequest):
		return writeBadRequest(c, err.Error())
	default:
		return writeError(c, http.StatusUnprocessableEntity, "invalid_request_error", err.Error(), "")
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(io.LimitReader(r, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("invalid JSON body: %v", err)
	}
	return out, nil
}

// Float encodes non-finite values as null, which JSON cannot otherwise
// represent.
type Float float32

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}
