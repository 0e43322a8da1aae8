package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func logEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry %q: %v", buf.String(), err)
	}
	return entry
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestID())
	e.Use(RequestLogger(logger))
	e.GET("/vars", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/vars?token=abc", http.NoBody))

	entry := logEntry(t, &buf)
	if entry["request_id"] != rec.Header().Get(echo.HeaderXRequestID) {
		t.Errorf("request_id = %v, want %q", entry["request_id"], rec.Header().Get(echo.HeaderXRequestID))
	}
	if entry["level"] != "INFO" || entry["path"] != "/vars" {
		t.Errorf("entry = %v", entry)
	}
	if strings.Contains(buf.String(), "token=abc") {
		t.Error("query string was logged")
	}
}

func TestRequestLogger_Levels(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		status    int
		errorType string
		wantLevel string
	}{
		{"success", "/proxy", http.StatusOK, "", "INFO"},
		{"client error", "/proxy", http.StatusForbidden, "ENDPOINT_NOT_ALLOWED", "WARN"},
		{"upstream failure", "/proxy", http.StatusBadGateway, "UPSTREAM_ERROR", "ERROR"},
		{"health probe", "/healthz", http.StatusOK, "", "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
			e := echo.New()
			e.Use(RequestLogger(logger))
			e.Any(tt.path, func(c echo.Context) error {
				if tt.errorType != "" {
					c.Set(ErrorTypeKey, tt.errorType)
				}
				return c.NoContent(tt.status)
			})

			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			entry := logEntry(t, &buf)
			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if tt.errorType != "" && entry["error_type"] != tt.errorType {
				t.Errorf("error_type = %v, want %s", entry["error_type"], tt.errorType)
			}
		})
	}
}

func TestRequestLogger_LogsRenderedErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	e := echo.New()
	e.Use(RequestLogger(logger))
	e.GET("/vars", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "nope")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/vars", http.NoBody))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}
	if entry := logEntry(t, &buf); entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("logged status = %v, want %d", entry["status"], http.StatusTeapot)
	}
}
