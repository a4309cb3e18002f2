// handlers_health.go - Health check handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version  string
	pipeline Pipeline
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version string, pipeline Pipeline) HealthHandler {
	return &HealthHandlerImpl{
		version:  version,
		pipeline: pipeline,
	}
}

// HandleHealth returns server health status. It answers 503 until the model is loaded.
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	loaded := h.pipeline.Ready()
	status, code := "ok", http.StatusOK
	if !loaded {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":      status,
		"modelLoaded": loaded,
		"version":     h.version,
	})
}
