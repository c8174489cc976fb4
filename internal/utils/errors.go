package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Common error types for consistent handling
var (
	ErrNotFound           = errors.New("resource not found")
	ErrBadRequest         = errors.New("invalid request")
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrValidation         = errors.New("validation error")
	ErrUpstream           = errors.New("event store request failed")
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// HandleError processes an error and returns the appropriate HTTP response
func HandleError(ctx *gin.Context, err error, logger *Logger) {
	status, response := processError(err)

	if status >= 500 {
		logger.Error("Server error",
			zap.Error(err),
			zap.String("path", ctx.Request.URL.Path),
			zap.String("method", ctx.Request.Method),
			zap.String("ip", ctx.ClientIP()),
		)
	}

	ctx.AbortWithStatusJSON(status, response)
}

// processError determines the appropriate HTTP status code and response for an error
func processError(err error) (int, ErrorResponse) {
	var coded *ErrorWithCode
	code := ""
	if errors.As(err, &coded) {
		code = coded.Code
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: err.Error(),
			Code:    code,
		}
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "bad_request",
			Message: err.Error(),
			Code:    code,
		}
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
			Code:    code,
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:   "service_unavailable",
			Message: err.Error(),
			Code:    code,
		}
	case errors.Is(err, ErrUpstream):
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "upstream_error",
			Message: err.Error(),
			Code:    code,
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_server_error",
			Message: "An unexpected error occurred",
			Code:    code,
		}
	}
}

// ErrorWithCode attaches a machine-readable code to an error
type ErrorWithCode struct {
	Err  error
	Code string
}

// Error returns the error message
func (e *ErrorWithCode) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *ErrorWithCode) Unwrap() error {
	return e.Err
}

// NewErrorWithCode creates a new error with a custom error code
func NewErrorWithCode(err error, code string) error {
	return &ErrorWithCode{
		Err:  err,
		Code: code,
	}
}

// IsNotFoundError checks if an error is a "not found" error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidationError checks if an error is a "validation error"
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsUpstreamError checks if an error came from the event store
func IsUpstreamError(err error) bool {
	return errors.Is(err, ErrUpstream)
}
