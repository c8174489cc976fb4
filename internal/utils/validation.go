package utils

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ValidationError represents a structured validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrorResponse is the standard response for validation errors
type ValidationErrorResponse struct {
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors"`
}

// HandleValidationErrors writes a 400 response for a failed query or body binding
func HandleValidationErrors(ctx *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		ctx.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	fields := make([]ValidationError, 0, len(validationErrors))
	for _, fieldError := range validationErrors {
		fields = append(fields, ValidationError{
			Field:   toLowerCamel(fieldError.Field()),
			Message: getValidationErrorMessage(fieldError),
		})
	}

	ctx.AbortWithStatusJSON(http.StatusBadRequest, ValidationErrorResponse{
		Error:  "validation_error",
		Errors: fields,
	})
}

// getValidationErrorMessage returns a human-readable message for a validation error
func getValidationErrorMessage(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return "This field is required"
	case "oneof":
		return "Must be one of: " + strings.ReplaceAll(fieldError.Param(), " ", ", ")
	case "min":
		if fieldError.Type().Kind().String() == "string" {
			return "Must be at least " + fieldError.Param() + " characters long"
		}
		return "Must be at least " + fieldError.Param()
	case "max":
		if fieldError.Type().Kind().String() == "string" {
			return "Must be at most " + fieldError.Param() + " characters long"
		}
		return "Must be at most " + fieldError.Param()
	case "gt":
		return "Must be greater than " + fieldError.Param()
	case "gte":
		return "Must be greater than or equal to " + fieldError.Param()
	case "lte":
		return "Must be less than or equal to " + fieldError.Param()
	case "dive":
		return "Contains an invalid item"
	default:
		return "Invalid value for this field"
	}
}

// toLowerCamel turns a Go field name into the query parameter spelling used by the API
func toLowerCamel(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
