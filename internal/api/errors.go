// errors.go - Structured error handling for API responses
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/inference"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/upload"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// NewTooManyRequestsError creates a 429 error for rate limited clients
func NewTooManyRequestsError() *APIError {
	return &APIError{
		Status:  http.StatusTooManyRequests,
		Code:    "RATE_LIMITED",
		Message: "Too many analysis requests, please wait a moment and try again",
	}
}

// ToAPIError maps pipeline errors onto their response. Details carry the
// underlying error text only when verbose is set.
func ToAPIError(err error, verbose bool) *APIError {
	apiErr := classifyError(err)
	if verbose && apiErr.Details == "" && !errors.As(err, new(*APIError)) {
		apiErr.Details = err.Error()
	}
	return apiErr
}

func classifyError(err error) *APIError {
	var (
		apiErr      *APIError
		unsupported *upload.UnsupportedFormatError
		tooLarge    *upload.PayloadTooLargeError
		corrupt     *preprocess.CorruptImageError
		inferErr    *inference.InferenceError
		reportErr   *report.ReportGenerationError
		httpErr     *echo.HTTPError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &unsupported):
		return &APIError{
			Status:  http.StatusUnsupportedMediaType,
			Code:    "UNSUPPORTED_FORMAT",
			Message: "Unsupported file type. Please upload a JPEG, PNG, GIF, BMP or TIFF image.",
		}
	case errors.As(err, &tooLarge):
		return payloadTooLarge()
	case errors.As(err, &corrupt):
		return &APIError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "CORRUPT_IMAGE",
			Message: "The uploaded image could not be read. Please upload a valid image file.",
		}
	case errors.As(err, &inferErr):
		return &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "ANALYSIS_FAILED",
			Message: "analysis failed",
		}
	case errors.As(err, &reportErr):
		if reportErr.Missing {
			return &APIError{
				Status:  http.StatusGone,
				Code:    "REPORT_UNAVAILABLE",
				Message: "The analyzed image is no longer available. Please upload and analyze it again.",
			}
		}
		return &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "REPORT_FAILED",
			Message: "Error generating PDF report. Please analyze the image again.",
		}
	case errors.As(err, &httpErr):
		if httpErr.Code == http.StatusRequestEntityTooLarge {
			return payloadTooLarge()
		}
		return &APIError{
			Status:  httpErr.Code,
			Code:    "HTTP_ERROR",
			Message: fmt.Sprintf("%v", httpErr.Message),
		}
	case errors.Is(err, context.DeadlineExceeded):
		return NewServiceUnavailableError("Request timeout - analysis took too long")
	default:
		return &APIError{
			Status:  http.StatusInternalServerError,
			Code:    "UNKNOWN_ERROR",
			Message: "An unexpected error occurred",
		}
	}
}

func payloadTooLarge() *APIError {
	return &APIError{
		Status:  http.StatusRequestEntityTooLarge,
		Code:    "PAYLOAD_TOO_LARGE",
		Message: "File is too large. The maximum upload size is 16 MiB.",
	}
}

// ErrorHandler returns the echo error handler. Server side failures are logged.
// Usage: e.HTTPErrorHandler = api.ErrorHandler(log, false)
func ErrorHandler(log *zap.Logger, verbose bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		apiErr := ToAPIError(err, verbose)
		if apiErr.Status >= http.StatusInternalServerError {
			log.Error("request failed",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", apiErr.Status),
				zap.Error(err))
		}

		if c.Request().Method == http.MethodHead {
			c.NoContent(apiErr.Status)
			return
		}
		c.JSON(apiErr.Status, apiErr)
	}
}
