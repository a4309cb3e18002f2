// Package screening runs the analysis pipeline and report step for the HTTP layer.
package screening

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fundus-screen/backend/internal/classify"
	"github.com/fundus-screen/backend/internal/inference"
	"github.com/fundus-screen/backend/internal/logger"
	"github.com/fundus-screen/backend/internal/models"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/storage"
	"github.com/fundus-screen/backend/internal/upload"
)

// DefaultAnalysisTimeout bounds preprocessing plus inference for one image.
const DefaultAnalysisTimeout = 20 * time.Second

// Predictor scores a preprocessed tensor. *inference.Engine implements it.
type Predictor interface {
	Predict(ctx context.Context, t models.Tensor) (float64, error)
	Ready() bool
}

// Deps are the pipeline stages the service drives.
type Deps struct {
	Validator    *upload.Validator
	Store        storage.Store
	Preprocessor *preprocess.Preprocessor
	Model        Predictor
	Classifier   *classify.Classifier
	Reports      *report.Generator
}

// Options tunes the service.
type Options struct {
	AnalysisTimeout time.Duration
	// DeleteAfterReport removes the upload once its report has been rendered.
	DeleteAfterReport bool
}

// Service is safe for concurrent use.
type Service struct {
	deps Deps
	opts Options
	log  *zap.Logger
	now  func() time.Time
}

// NewService wires the pipeline.
func NewService(deps Deps, opts Options, log *zap.Logger) *Service {
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = DefaultAnalysisTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{deps: deps, opts: opts, log: log, now: time.Now}
}

// Ready reports whether the model is loaded.
func (s *Service) Ready() bool {
	return s.deps.Model.Ready()
}

// Analyze validates and stores the upload, then classifies it. When any stage
// after storage fails the stored file is removed.
func (s *Service) Analyze(ctx context.Context, req upload.Request) (*models.PredictionResult, *models.UploadedImage, error) {
	img, err := s.deps.Validator.Accept(req)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.AnalysisTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.classify(ctx, img)
	if err != nil {
		s.discard(img.ID, err)
		return nil, nil, err
	}

	s.log.Info("image analyzed",
		zap.String("id", logger.ShortID(img.ID)),
		zap.String("label", string(res.Label)),
		zap.Float64("probability", res.RawProbability),
		zap.String("tier", string(res.ConfidenceTier)),
		zap.Duration("took", time.Since(start)))
	return res, img, nil
}

func (s *Service) classify(ctx context.Context, img *models.UploadedImage) (*models.PredictionResult, error) {
	tensor, err := s.deps.Preprocessor.FromFile(img.StoredPath)
	if err != nil {
		return nil, err
	}

	p, err := s.deps.Model.Predict(ctx, tensor)
	if err != nil {
		var inferErr *inference.InferenceError
		if !errors.As(err, &inferErr) {
			err = &inference.InferenceError{Reason: "predict", Err: err}
		}
		return nil, err
	}

	res, err := s.deps.Classifier.Result(img.ID, p, s.now())
	if err != nil {
		return nil, &inference.InferenceError{Reason: "classify", Err: err}
	}
	if err := s.deps.Store.SaveResult(res); err != nil {
		return nil, fmt.Errorf("recording result: %w", err)
	}
	return res, nil
}

func (s *Service) discard(id string, cause error) {
	s.log.Warn("analysis failed, removing upload", zap.String("id", logger.ShortID(id)), zap.Error(cause))
	if err := s.deps.Store.Delete(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("failed to remove upload", zap.String("id", logger.ShortID(id)), zap.Error(err))
	}
}

// Report renders the PDF for a previously analyzed image. A result or image
// that is no longer available yields a ReportGenerationError with Missing set.
func (s *Service) Report(ctx context.Context, imageID string) (*models.ReportDocument, error) {
	res, err := s.deps.Store.GetResult(imageID)
	if err != nil {
		return nil, s.reportLookupError(imageID, err)
	}
	path, err := s.deps.Store.GetFilePath(imageID)
	if err != nil {
		return nil, s.reportLookupError(imageID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := s.deps.Reports.Generate(*res, path)
	if err != nil {
		return nil, err
	}

	if s.opts.DeleteAfterReport {
		if err := s.deps.Store.Delete(imageID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("failed to remove upload after report", zap.String("id", logger.ShortID(imageID)), zap.Error(err))
		}
	}
	return doc, nil
}

func (s *Service) reportLookupError(id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &report.ReportGenerationError{ImageID: id, Missing: true, Err: err}
	}
	return &report.ReportGenerationError{ImageID: id, Err: err}
}

// Image returns a tracked upload whose file is still on disk.
func (s *Service) Image(id string) (*models.UploadedImage, error) {
	return s.deps.Store.Get(id)
}
