package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRoutes(t *testing.T) {
	e := echo.New()
	require.NoError(t, RegisterRoutes(e))
	assert.True(t, HasEmbeddedFiles())

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/", http.StatusOK, `name="image"`},
		{"/static/app.js", http.StatusOK, "FormData"},
		{"/static/style.css", http.StatusOK, "disclaimer"},
		{"/static/missing.js", http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.contains != "" {
				assert.Contains(t, rec.Body.String(), tt.contains)
			}
		})
	}
}
