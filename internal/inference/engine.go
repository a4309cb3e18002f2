// Package inference wraps the pretrained glaucoma classifier.
//
// The model is loaded once through Engine.Init. Predict calls are serialized:
// the ONNX session binds a single input and output buffer, so only one run may
// be in flight at a time. Throughput is therefore one image per run latency.
package inference

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fundus-screen/backend/internal/models"
)

// Session runs the model on one flattened input.
type Session interface {
	Run(input []float32) ([]float32, error)
	Close() error
}

// Loader opens a Session for the model at path.
type Loader interface {
	Load(path string, meta Metadata) (Session, error)
}

// Config locates the model artifacts.
type Config struct {
	ModelPath    string
	MetadataPath string
	// InputShape is the tensor shape callers will feed. A model declaring a
	// different input is rejected at load. Zero skips the check.
	InputShape [4]int
}

// Engine is the process-wide classifier handle.
type Engine struct {
	cfg    Config
	loader Loader
	log    *zap.Logger

	once    sync.Once
	initErr error
	ready   atomic.Bool

	meta    Metadata
	dims    [4]int
	session Session
	sem     *semaphore.Weighted
}

// NewEngine creates an engine. Nothing is loaded until Init.
func NewEngine(cfg Config, loader Loader, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		loader: loader,
		log:    log,
		sem:    semaphore.NewWeighted(1),
	}
}

// Init loads metadata and weights. It runs at most once; concurrent and later
// callers get the result of the first call.
func (e *Engine) Init() error {
	e.once.Do(func() {
		e.initErr = e.load()
		if e.initErr != nil {
			e.log.Error("model load failed", zap.Error(e.initErr))
			return
		}
		e.ready.Store(true)
	})
	return e.initErr
}

func (e *Engine) load() error {
	start := time.Now()

	meta, err := LoadMetadata(e.cfg.MetadataPath)
	if err != nil {
		return &ModelLoadError{Path: e.cfg.MetadataPath, Err: err}
	}
	if want := e.cfg.InputShape; want != ([4]int{}) && meta.InputDims() != want {
		return &ModelLoadError{
			Path: e.cfg.MetadataPath,
			Err:  fmt.Errorf("model input %v does not match preprocessed shape %v", meta.InputShape, want),
		}
	}

	session, err := e.loader.Load(e.cfg.ModelPath, meta)
	if err != nil {
		return &ModelLoadError{Path: e.cfg.ModelPath, Err: err}
	}

	e.meta = meta
	e.dims = meta.InputDims()
	e.session = session

	e.log.Info("model loaded",
		zap.String("model", meta.ModelName),
		zap.Int64s("input_shape", meta.InputShape),
		zap.Strings("classes", meta.Classes),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Ready reports whether Init succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Metadata returns the loaded model description. Only valid after Init.
func (e *Engine) Metadata() Metadata {
	return e.meta
}

// Predict returns the positive class probability in [0,1]. It blocks while
// another prediction runs and gives up when ctx is done.
func (e *Engine) Predict(ctx context.Context, t models.Tensor) (float64, error) {
	if !e.ready.Load() {
		return 0, &InferenceError{Reason: "model not initialized"}
	}
	if t.Shape != e.dims {
		return 0, &InferenceError{Reason: fmt.Sprintf("tensor shape %v, model expects %v", t.Shape, e.dims)}
	}
	if len(t.Data) != t.Elements() {
		return 0, &InferenceError{Reason: fmt.Sprintf("tensor holds %d values, shape needs %d", len(t.Data), t.Elements())}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return 0, &InferenceError{Reason: "waiting for model", Err: err}
	}
	defer e.sem.Release(1)

	if err := ctx.Err(); err != nil {
		return 0, &InferenceError{Reason: "waiting for model", Err: err}
	}
	if !e.ready.Load() {
		return 0, &InferenceError{Reason: "model closed"}
	}

	out, err := e.session.Run(t.Data)
	if err != nil {
		return 0, &InferenceError{Reason: "session run", Err: err}
	}

	idx := e.meta.positiveIndex()
	if idx >= len(out) {
		return 0, &InferenceError{Reason: fmt.Sprintf("model returned %d values", len(out))}
	}

	p := float64(out[idx])
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, &InferenceError{Reason: "non-finite model output"}
	}
	return math.Min(1, math.Max(0, p)), nil
}

// Close releases the session. The engine cannot be reinitialized afterwards.
func (e *Engine) Close() error {
	if !e.ready.Swap(false) {
		return nil
	}
	// Wait for an in-flight run to finish.
	if err := e.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	if err := e.session.Close(); err != nil {
		return fmt.Errorf("closing model session: %w", err)
	}
	return nil
}
