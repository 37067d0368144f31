package api

import (
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/plinthml/plinth/pkg/runtime"
)

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "")
}

func writeError(c *echo.Context, status int, errType, msg, code string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
			Code:    code,
		},
	})
}

// writeRuntimeError maps a bind or execution failure onto an HTTP status:
// unknown method 404, caller mistakes 400, unregistered kernels 501,
// everything else 500.
func writeRuntimeError(c *echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrProgramNotFound), errors.Is(err, runtime.ErrUnknownMethod):
		return writeNotFound(c, err.Error())
	case errors.Is(err, runtime.ErrShapeMismatch),
		errors.Is(err, runtime.ErrDTypeMismatch),
		errors.Is(err, runtime.ErrIndexOutOfRange),
		errors.Is(err, runtime.ErrInvalidState):
		return writeBadRequest(c, err.Error())
	case errors.Is(err, runtime.ErrNotImplemented):
		return writeError(c, http.StatusNotImplemented, "not_implemented_error", err.Error(), "")
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "")
	}
}
