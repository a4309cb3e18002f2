package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/inference"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/upload"
)

func TestToAPIError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported", &upload.UnsupportedFormatError{Filename: "a.exe"}, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"},
		{"too large", &upload.PayloadTooLargeError{Size: 1, Limit: 0}, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"wrapped too large", fmt.Errorf("storing: %w", &upload.PayloadTooLargeError{Size: -1}), http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"body limit", echo.ErrStatusRequestEntityTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
		{"corrupt", &preprocess.CorruptImageError{Reason: "decode failed"}, http.StatusUnprocessableEntity, "CORRUPT_IMAGE"},
		{"inference", &inference.InferenceError{Reason: "shape"}, http.StatusInternalServerError, "ANALYSIS_FAILED"},
		{"report missing", &report.ReportGenerationError{Missing: true}, http.StatusGone, "REPORT_UNAVAILABLE"},
		{"report render", &report.ReportGenerationError{Err: errors.New("fpdf")}, http.StatusInternalServerError, "REPORT_FAILED"},
		{"api error", NewNotFoundError("image", "x"), http.StatusNotFound, "NOT_FOUND"},
		{"echo error", echo.ErrMethodNotAllowed, http.StatusMethodNotAllowed, "HTTP_ERROR"},
		{"deadline", context.DeadlineExceeded, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "UNKNOWN_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := ToAPIError(tt.err, false)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Empty(t, apiErr.Details)
		})
	}
}

func TestToAPIError_InferenceMessage(t *testing.T) {
	apiErr := ToAPIError(&inference.InferenceError{Reason: "non-finite model output"}, false)
	assert.Equal(t, "analysis failed", apiErr.Message)

	verbose := ToAPIError(&inference.InferenceError{Reason: "non-finite model output"}, true)
	assert.Contains(t, verbose.Details, "non-finite")
}

func TestErrorHandler(t *testing.T) {
	e := echo.New()
	handler := ErrorHandler(zap.NewNop(), false)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler(&upload.UnsupportedFormatError{Filename: "x"}, c)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"UNSUPPORTED_FORMAT"`)

	// A committed response is left alone.
	handler(errors.New("late"), c)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}
