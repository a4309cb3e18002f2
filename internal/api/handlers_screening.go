// handlers_screening.go - Analysis, stored image and report handlers
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/storage"
	"github.com/fundus-screen/backend/internal/upload"
)

// UploadField is the multipart field carrying the image.
const UploadField = "image"

// ScreeningHandlerImpl implements the ScreeningHandler interface
type ScreeningHandlerImpl struct {
	pipeline Pipeline
}

// NewScreeningHandler creates a new screening handler
func NewScreeningHandler(pipeline Pipeline) ScreeningHandler {
	return &ScreeningHandlerImpl{pipeline: pipeline}
}

type analyzeResponse struct {
	ImageID        string  `json:"imageId"`
	Label          string  `json:"label"`
	RawProbability float64 `json:"rawProbability"`
	Confidence     float64 `json:"confidence"`
	ConfidenceTier string  `json:"confidenceTier"`
	ImageURL       string  `json:"imageUrl"`
}

// HandleAnalyze accepts a multipart image upload and returns its classification.
func (h *ScreeningHandlerImpl) HandleAnalyze(c echo.Context) error {
	fh, err := c.FormFile(UploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return NewValidationError(UploadField)
		}
		return err
	}
	if fh.Filename == "" {
		return NewValidationError(UploadField)
	}

	f, err := fh.Open()
	if err != nil {
		return fmt.Errorf("opening upload: %w", err)
	}
	defer f.Close()

	result, img, err := h.pipeline.Analyze(c.Request().Context(), upload.Request{
		Filename:     fh.Filename,
		DeclaredType: fh.Header.Get(echo.HeaderContentType),
		Size:         fh.Size,
		Body:         f,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, analyzeResponse{
		ImageID:        img.ID,
		Label:          string(result.Label),
		RawProbability: result.RawProbability,
		Confidence:     result.Confidence,
		ConfidenceTier: string(result.ConfidenceTier),
		ImageURL:       "/uploads/" + img.ID,
	})
}

// HandleGetUpload serves a tracked upload by id with its validated MIME type.
func (h *ScreeningHandlerImpl) HandleGetUpload(c echo.Context) error {
	id := c.Param("id")
	img, err := h.pipeline.Image(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NewNotFoundError("image", id)
		}
		return err
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, img.MIMEType)
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("Cache-Control", "private, max-age=300")
	return c.File(img.StoredPath)
}

type reportRequest struct {
	ImageID string `json:"imageId" form:"imageId" query:"imageId"`
}

// HandleDownloadReport renders the PDF report for a previously analyzed image.
func (h *ScreeningHandlerImpl) HandleDownloadReport(c echo.Context) error {
	var req reportRequest
	if err := c.Bind(&req); err != nil {
		return NewValidationError("imageId")
	}
	if req.ImageID == "" {
		return NewValidationError("imageId")
	}

	doc, err := h.pipeline.Report(c.Request().Context(), req.ImageID)
	if err != nil {
		return err
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", report.Filename))
	return c.Blob(http.StatusOK, "application/pdf", doc.PDF)
}
