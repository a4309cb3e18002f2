package screening

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fundus-screen/backend/internal/classify"
	"github.com/fundus-screen/backend/internal/inference"
	"github.com/fundus-screen/backend/internal/janitor"
	"github.com/fundus-screen/backend/internal/models"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/storage"
	"github.com/fundus-screen/backend/internal/testutil"
	"github.com/fundus-screen/backend/internal/upload"
)

type fixture struct {
	svc   *Service
	store *storage.LocalStore
	model *testutil.StaticPredictor
}

func newFixture(t *testing.T, p float64, opts Options) *fixture {
	t.Helper()
	return newFixtureAt(t, t.TempDir(), p, opts)
}

// newFixtureAt builds a service over an existing upload directory, as a
// restarted process would.
func newFixtureAt(t *testing.T, dir string, p float64, opts Options) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := storage.NewLocalStore(dir, log)
	require.NoError(t, err)
	validator, err := upload.NewValidator(store, upload.Options{}, log)
	require.NoError(t, err)
	classifier, err := classify.New(classify.DefaultPolicy())
	require.NoError(t, err)
	model := &testutil.StaticPredictor{P: p}

	svc := NewService(Deps{
		Validator:    validator,
		Store:        store,
		Preprocessor: preprocess.New(0),
		Model:        model,
		Classifier:   classifier,
		Reports:      report.NewGenerator(classifier.Policy(), report.Options{}, log),
	}, opts, log)

	return &fixture{svc: svc, store: store, model: model}
}

func imageRequest(t *testing.T, name, format string) upload.Request {
	data := testutil.FundusBytes(t, format, 800, 600)
	return upload.Request{Filename: name, Size: int64(len(data)), Body: bytes.NewReader(data)}
}

func dirEntries(t *testing.T, dir string) int {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestAnalyze_NormalScenario(t *testing.T) {
	f := newFixture(t, 0.10, Options{})

	res, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye_a.jpg", "jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "eye_a.jpg", img.OriginalName)
	assert.Equal(t, models.LabelNormal, res.Label)
	assert.Equal(t, models.TierLow, res.ConfidenceTier)
	assert.InDelta(t, 0.10, res.RawProbability, 1e-9)

	doc, err := f.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(doc.Recommendation), "routine screening")
	assert.Contains(t, doc.Disclaimer, classify.StandardDisclaimer)
}

func TestAnalyze_GlaucomaScenario(t *testing.T) {
	f := newFixture(t, 0.88, Options{})

	res, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye_b.png", "png"))
	require.NoError(t, err)
	assert.Equal(t, models.LabelGlaucoma, res.Label)
	assert.Equal(t, models.TierHigh, res.ConfidenceTier)

	first, err := f.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Contains(t, strings.ToLower(first.Recommendation), "consult a specialist")

	second, err := f.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)
	assert.Equal(t, first.PDF, second.PDF)
}

func TestAnalyze_RejectionsLeaveNothing(t *testing.T) {
	f := newFixture(t, 0.5, Options{})

	_, _, err := f.svc.Analyze(context.Background(), upload.Request{
		Filename: "setup.jpg",
		Size:     -1,
		Body:     bytes.NewReader(testutil.WindowsExecutable()),
	})
	var unsupported *upload.UnsupportedFormatError
	require.True(t, errors.As(err, &unsupported))

	_, _, err = f.svc.Analyze(context.Background(), upload.Request{Filename: "big.jpg", Size: 20 << 20, Body: bytes.NewReader(nil)})
	var tooLarge *upload.PayloadTooLargeError
	require.True(t, errors.As(err, &tooLarge))

	assert.Zero(t, dirEntries(t, f.store.Dir()))
	assert.Zero(t, f.model.Calls())
}

func TestAnalyze_CorruptImageRemovesUpload(t *testing.T) {
	f := newFixture(t, 0.5, Options{})

	// Valid PNG signature and header, truncated pixel data.
	png := testutil.FundusBytes(t, "png", 64, 64)
	truncated := png[:len(png)/2]

	_, _, err := f.svc.Analyze(context.Background(), upload.Request{Filename: "eye.png", Size: -1, Body: bytes.NewReader(truncated)})

	var corrupt *preprocess.CorruptImageError
	require.True(t, errors.As(err, &corrupt), "got %v", err)
	assert.Zero(t, dirEntries(t, f.store.Dir()))
	assert.Zero(t, f.model.Calls())
}

func TestAnalyze_InferenceFailureRemovesUpload(t *testing.T) {
	f := newFixture(t, 0, Options{})
	f.model.Err = errors.New("runtime exploded")

	_, _, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye.jpg", "jpeg"))

	var inferErr *inference.InferenceError
	require.True(t, errors.As(err, &inferErr))
	assert.Zero(t, dirEntries(t, f.store.Dir()))
}

func TestAnalyze_Timeout(t *testing.T) {
	f := newFixture(t, 0.3, Options{AnalysisTimeout: time.Nanosecond})

	_, _, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye.jpg", "jpeg"))

	var inferErr *inference.InferenceError
	require.True(t, errors.As(err, &inferErr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReport_AfterJanitorPurge(t *testing.T) {
	f := newFixture(t, 0.88, Options{})
	_, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye_b.png", "png"))
	require.NoError(t, err)

	j := janitor.New(janitor.Options{Dir: f.store.Dir(), Now: func() time.Time { return time.Now().Add(2 * time.Hour) }}, nil)
	stats := j.Sweep()
	assert.Equal(t, 2, stats.Removed)

	_, err = f.svc.Report(context.Background(), img.ID)
	var genErr *report.ReportGenerationError
	require.True(t, errors.As(err, &genErr))
	assert.True(t, genErr.Missing)

	_, err = f.svc.Image(img.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReport_SameBytesAfterRestart(t *testing.T) {
	f := newFixture(t, 0.88, Options{})
	_, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye_b.png", "png"))
	require.NoError(t, err)

	before, err := f.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)

	restarted := newFixtureAt(t, f.store.Dir(), 0.88, Options{})
	after, err := restarted.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(before.PDF, after.PDF), "report changed after the store was reloaded")
	assert.True(t, before.Result.ComputedAt.Equal(after.Result.ComputedAt))
}

func TestReport_UnknownImage(t *testing.T) {
	f := newFixture(t, 0.5, Options{})

	_, err := f.svc.Report(context.Background(), "00000000-0000-4000-8000-000000000000")
	var genErr *report.ReportGenerationError
	require.True(t, errors.As(err, &genErr))
	assert.True(t, genErr.Missing)
}

func TestReport_DeleteAfterReport(t *testing.T) {
	f := newFixture(t, 0.10, Options{DeleteAfterReport: true})
	_, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye_a.jpg", "jpeg"))
	require.NoError(t, err)

	_, err = f.svc.Report(context.Background(), img.ID)
	require.NoError(t, err)

	assert.Zero(t, dirEntries(t, f.store.Dir()))
	_, err = f.svc.Report(context.Background(), img.ID)
	var genErr *report.ReportGenerationError
	assert.True(t, errors.As(err, &genErr))
}

func TestImageAndReady(t *testing.T) {
	f := newFixture(t, 0.2, Options{})
	assert.True(t, f.svc.Ready())

	_, img, err := f.svc.Analyze(context.Background(), imageRequest(t, "eye.gif", "gif"))
	require.NoError(t, err)

	got, err := f.svc.Image(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "image/gif", got.MIMEType)
}
