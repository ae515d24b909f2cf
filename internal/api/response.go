package api

import (
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/thermalctl/internal/control"
	"codeberg.org/mutker/thermalctl/internal/errors"
	"github.com/gin-gonic/gin"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps an error code anywhere in the chain to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.HasCode(err, errors.ErrValidation),
		errors.HasCode(err, errors.ErrInvalidConfig),
		errors.HasCode(err, errors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.HasCode(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.HasCode(err, errors.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.HasCode(err, errors.ErrAlreadyRunning),
		errors.HasCode(err, errors.ErrNotRunning),
		errors.HasCode(err, control.ErrEmergencyActive):
		return http.StatusConflict
	case errors.HasCode(err, errors.ErrActuation),
		errors.HasCode(err, errors.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := errors.CodeOf(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": errorBody{
		Code:    string(code),
		Message: err.Error(),
	}})
}

func badRequest(c *gin.Context, msg string) {
	writeError(c, errors.New().WithMessage(errors.ErrInvalidArgument, msg))
}

func notFound(c *gin.Context, msg string) {
	writeError(c, errors.New().WithMessage(errors.ErrNotFound, msg))
}

// bind decodes the JSON body into v and reports a 400 on failure.
func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		badRequest(c, key+" must be RFC 3339")
		return time.Time{}, false
	}
	return t, true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func queryFloat(c *gin.Context, key string) (*float64, bool) {
	raw := c.Query(key)
	if raw == "" {
		return nil, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		badRequest(c, key+" must be a number")
		return nil, false
	}
	return &f, true
}
