package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"api-broker/internal/metrics"
)

// requestLabels returns the label sets recorded on the inbound request counter.
func requestLabels(t *testing.T, m *metrics.Metrics) []map[string]string {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var out []map[string]string
	for _, f := range families {
		if f.GetName() != "api_broker_http_requests_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out = append(out, labels)
		}
	}
	return out
}

func rejections(t *testing.T, m *metrics.Metrics) map[string]float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := map[string]float64{}
	for _, f := range families {
		if f.GetName() != "api_broker_rejections_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			out[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
		}
	}
	return out
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	tests := []struct {
		name      string
		method    string
		path      string
		handler   echo.HandlerFunc
		wantLabel map[string]string
	}{
		{
			name:   "ok",
			method: http.MethodPost,
			path:   "/proxy",
			handler: func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			},
			wantLabel: map[string]string{"method": "POST", "status_code": "200", "route": "/proxy"},
		},
		{
			name:   "returned http error",
			method: http.MethodPost,
			path:   "/proxy",
			handler: func(c echo.Context) error {
				return echo.NewHTTPError(http.StatusBadRequest, "bad")
			},
			wantLabel: map[string]string{"method": "POST", "status_code": "400", "route": "/proxy"},
		},
		{
			name:   "plain error is a 500",
			method: http.MethodPost,
			path:   "/proxy",
			handler: func(c echo.Context) error {
				return http.ErrHandlerTimeout
			},
			wantLabel: map[string]string{"method": "POST", "status_code": "500", "route": "/proxy"},
		},
		{
			name:      "unknown path",
			method:    http.MethodGet,
			path:      "/users/12345",
			wantLabel: map[string]string{"method": "GET", "status_code": "404", "route": unmatchedRoute},
		},
		{
			name:      "wrong method",
			method:    http.MethodGet,
			path:      "/proxy",
			wantLabel: map[string]string{"method": "GET", "status_code": "405", "route": unmatchedRoute},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := metrics.New()
			e := echo.New()
			e.Use(MetricsMiddleware(m))
			h := tt.handler
			if h == nil {
				h = func(c echo.Context) error { return c.NoContent(http.StatusOK) }
			}
			e.POST("/proxy", h)

			e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, http.NoBody))

			got := requestLabels(t, m)
			if len(got) != 1 {
				t.Fatalf("label sets = %v, want exactly one", got)
			}
			for k, want := range tt.wantLabel {
				if got[0][k] != want {
					t.Errorf("%s = %q, want %q", k, got[0][k], want)
				}
			}
		})
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "api_broker_http_request_duration_seconds" {
			continue
		}
		for _, metric := range f.GetMetric() {
			if metric.GetHistogram().GetSampleCount() > 0 {
				return
			}
		}
	}
	t.Error("expected api_broker_http_request_duration_seconds with at least one sample")
}

func TestMetricsMiddleware_CountsRejections(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(MetricsMiddleware(m))
	e.POST("/proxy", func(c echo.Context) error {
		c.Set(ErrorTypeKey, "ENDPOINT_NOT_ALLOWED")
		return c.JSON(http.StatusForbidden, map[string]any{"success": false})
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})

	for range 2 {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/proxy", http.NoBody))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))

	got := rejections(t, m)
	if len(got) != 1 || got["ENDPOINT_NOT_ALLOWED"] != 2 {
		t.Errorf("rejections = %v, want ENDPOINT_NOT_ALLOWED=2 only", got)
	}
}

func inFlight(t *testing.T, m *metrics.Metrics) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "api_broker_http_requests_in_flight" {
			return f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	t.Fatal("api_broker_http_requests_in_flight not gathered")
	return 0
}

func TestMetricsMiddleware_InFlightSurvivesPanic(t *testing.T) {
	m := metrics.New()

	e := echo.New()
	e.Use(echomw.Recover())
	e.Use(MetricsMiddleware(m))
	e.POST("/proxy", func(echo.Context) error {
		panic("handler bug")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proxy", http.NoBody))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got := inFlight(t, m); got != 0 {
		t.Errorf("in-flight gauge = %v after a panic, want 0", got)
	}
}
