// interfaces.go - Handler interface definitions for clean separation of concerns
package api

import (
	"context"

	"github.com/labstack/echo/v4"

	"github.com/fundus-screen/backend/internal/models"
	"github.com/fundus-screen/backend/internal/upload"
)

// ScreeningHandler handles analysis, image and report requests
type ScreeningHandler interface {
	HandleAnalyze(c echo.Context) error
	HandleGetUpload(c echo.Context) error
	HandleDownloadReport(c echo.Context) error
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
}

// Pipeline is the screening service as seen by the handlers.
// This allows mocking in tests
type Pipeline interface {
	Analyze(ctx context.Context, req upload.Request) (*models.PredictionResult, *models.UploadedImage, error)
	Report(ctx context.Context, imageID string) (*models.ReportDocument, error)
	Image(id string) (*models.UploadedImage, error)
	Ready() bool
}
