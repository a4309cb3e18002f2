package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fundus-screen/backend/internal/classify"
	"github.com/fundus-screen/backend/internal/preprocess"
	"github.com/fundus-screen/backend/internal/report"
	"github.com/fundus-screen/backend/internal/screening"
	"github.com/fundus-screen/backend/internal/storage"
	"github.com/fundus-screen/backend/internal/testutil"
	"github.com/fundus-screen/backend/internal/upload"
)

func newTestServer(t *testing.T, p float64) (*echo.Echo, *storage.LocalStore) {
	t.Helper()
	log := zaptest.NewLogger(t)

	store, err := storage.NewLocalStore(t.TempDir(), log)
	require.NoError(t, err)
	validator, err := upload.NewValidator(store, upload.Options{}, log)
	require.NoError(t, err)
	classifier, err := classify.New(classify.DefaultPolicy())
	require.NoError(t, err)

	svc := screening.NewService(screening.Deps{
		Validator:    validator,
		Store:        store,
		Preprocessor: preprocess.New(0),
		Model:        &testutil.StaticPredictor{P: p},
		Classifier:   classifier,
		Reports:      report.NewGenerator(classifier.Policy(), report.Options{}, log),
	}, screening.Options{}, log)

	e := echo.New()
	SetupMiddleware(e, MiddlewareConfig{BodyLimit: "17M"}, log)
	RegisterRoutes(e, NewHandlers(&Dependencies{Pipeline: svc, Version: "test"}), RouteOptions{})
	return e, store
}

func postImage(t *testing.T, e *echo.Echo, filename, contentType string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := testutil.MultipartFile(t, UploadField, filename, contentType, data)
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set(echo.HeaderContentType, ct)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestHandleAnalyze(t *testing.T) {
	e, _ := newTestServer(t, 0.88)

	rec := postImage(t, e, "eye_b.png", "image/png", testutil.FundusBytes(t, "png", 320, 240))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp analyzeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Glaucoma", resp.Label)
	assert.Equal(t, "high", resp.ConfidenceTier)
	assert.InDelta(t, 0.88, resp.RawProbability, 1e-9)
	assert.InDelta(t, 88.0, resp.Confidence, 1e-9)
	assert.Equal(t, "/uploads/"+resp.ImageID, resp.ImageURL)

	t.Run("serves stored image", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, resp.ImageURL, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})

	t.Run("downloads report from form", func(t *testing.T) {
		form := url.Values{"imageId": {resp.ImageID}}
		req := httptest.NewRequest(http.MethodPost, "/download_report", strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "application/pdf", rec.Header().Get(echo.HeaderContentType))
		assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), report.Filename)
		assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))
	})

	t.Run("downloads report from json", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/download_report", strings.NewReader(`{"imageId":"`+resp.ImageID+`"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHandleAnalyze_Errors(t *testing.T) {
	e, store := newTestServer(t, 0.5)

	t.Run("missing field", func(t *testing.T) {
		body, ct := testutil.MultipartFile(t, "file", "eye.png", "image/png", []byte("x"))
		req := httptest.NewRequest(http.MethodPost, "/", body)
		req.Header.Set(echo.HeaderContentType, ct)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, rec).Code)
	})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("renamed executable", func(t *testing.T) {
		rec := postImage(t, e, "eye.jpg", "image/jpeg", testutil.WindowsExecutable())
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
		assert.Equal(t, "UNSUPPORTED_FORMAT", decodeError(t, rec).Code)
	})

	t.Run("corrupt image", func(t *testing.T) {
		png := testutil.FundusBytes(t, "png", 64, 64)
		rec := postImage(t, e, "eye.png", "image/png", png[:len(png)/2])
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "CORRUPT_IMAGE", decodeError(t, rec).Code)
	})

	t.Run("oversized", func(t *testing.T) {
		data := append(testutil.FundusBytes(t, "jpeg", 8, 8), make([]byte, 20<<20)...)
		rec := postImage(t, e, "big.jpg", "image/jpeg", data)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
		assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeError(t, rec).Code)
	})

	entries, err := os.ReadDir(store.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "failed uploads must not stay on disk")
}

func TestHandleGetUpload_UnknownIDs(t *testing.T) {
	e, _ := newTestServer(t, 0.5)

	for _, id := range []string{"not-a-uuid", "00000000-0000-4000-8000-000000000000", "..%2F..%2Fetc%2Fpasswd"} {
		req := httptest.NewRequest(http.MethodGet, "/uploads/"+id, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code, id)
	}
}

func TestHandleDownloadReport_Errors(t *testing.T) {
	e, _ := newTestServer(t, 0.5)

	t.Run("missing id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/download_report", strings.NewReader(""))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		form := url.Values{"imageId": {"00000000-0000-4000-8000-000000000000"}}
		req := httptest.NewRequest(http.MethodPost, "/download_report", strings.NewReader(form.Encode()))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusGone, rec.Code)
		assert.Equal(t, "REPORT_UNAVAILABLE", decodeError(t, rec).Code)
	})
}

func TestHandleHealth(t *testing.T) {
	e := echo.New()

	for _, tt := range []struct {
		name   string
		model  *testutil.StaticPredictor
		status int
		body   string
	}{
		{"ready", &testutil.StaticPredictor{}, http.StatusOK, `"modelLoaded":true`},
		{"not ready", &testutil.StaticPredictor{Err: assert.AnError}, http.StatusServiceUnavailable, `"modelLoaded":false`},
	} {
		t.Run(tt.name, func(t *testing.T) {
			svc := screening.NewService(screening.Deps{Model: tt.model}, screening.Options{}, nil)
			h := NewHealthHandler("test", svc)

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			if assert.NoError(t, h.HandleHealth(c)) {
				assert.Equal(t, tt.status, rec.Code)
				assert.Contains(t, rec.Body.String(), tt.body)
			}
		})
	}
}

func TestRateLimitedAnalyze(t *testing.T) {
	log := zaptest.NewLogger(t)
	e := echo.New()
	SetupMiddleware(e, MiddlewareConfig{}, log)
	svc := screening.NewService(screening.Deps{Model: &testutil.StaticPredictor{}}, screening.Options{}, nil)
	RegisterRoutes(e, NewHandlers(&Dependencies{Pipeline: svc}), RouteOptions{AnalysisRate: 0.001, AnalysisBurst: 1})

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{}"))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusBadRequest, http.StatusTooManyRequests}, codes)
}
