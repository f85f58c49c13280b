package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func ok(c echo.Context) error { return c.String(http.StatusOK, "OK") }

func TestValidateContentType(t *testing.T) {
	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		wantErr     bool
	}{
		{"POST with application/json", http.MethodPost, "application/json", `{"a":1}`, false},
		{"POST with text/plain", http.MethodPost, "text/plain", "data", true},
		{"GET skips validation", http.MethodGet, "text/html", "", false},
		{"POST with empty body", http.MethodPost, "", "", false},
		{"PUT with charset", http.MethodPut, "application/json; charset=utf-8", `{"a":1}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(tt.method, "/", strings.NewReader(tt.body))
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := ValidateContentType(ok)(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAcceptHeader(t *testing.T) {
	tests := []struct {
		accept  string
		wantErr bool
	}{
		{"application/json", false},
		{"*/*", false},
		{"application/*", false},
		{"", false},
		{"text/html", true},
		{"text/html,application/json;q=0.9,*/*;q=0.8", false},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.accept != "" {
				req.Header.Set("Accept", tt.accept)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			err := ValidateAcceptHeader(ok)(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateIDFormat(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid", "rental-123", false},
		{"uuid", "0b6f7c1e-6a55-4b8e-9a8e-2f1f0e4b9c11", false},
		{"space", "abc 123", true},
		{"separator", `a\b`, true},
		{"empty skips", "", false},
		{"too long", strings.Repeat("a", 65), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
			c.SetParamNames("id")
			c.SetParamValues(tt.id)

			err := ValidateIDFormat(ok)(c)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	assert.NoError(t, SecurityHeaders(ok)(c))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "1; mode=block", rec.Header().Get("X-XSS-Protection"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}
