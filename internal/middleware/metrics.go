package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"api-broker/internal/metrics"
)

// ErrorTypeKey is the echo context key a handler sets to the wire error
// type when it answers with an error envelope.
const ErrorTypeKey = "error_type"

// unmatchedRoute labels requests that hit no registered route.
const unmatchedRoute = "unmatched"

// MetricsMiddleware records inbound request metrics labelled by the matched
// route pattern, and counts error envelopes by type.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()
			start := time.Now()

			err := next(c)

			status := statusOf(c, err)
			labels := []string{
				metrics.NormalizeMethod(c.Request().Method),
				strconv.Itoa(status),
				routeOf(c, status),
			}
			m.RequestsTotal.WithLabelValues(labels...).Inc()
			m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())

			if kind, ok := c.Get(ErrorTypeKey).(string); ok {
				m.Rejections.WithLabelValues(kind).Inc()
			}
			return err
		}
	}
}

// statusOf resolves the status that is or will be sent. A returned
// *echo.HTTPError has not been written yet; the central error handler
// writes it later.
func statusOf(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// routeOf returns the registered pattern that served c. Router misses never
// use the raw path, which would make the label unbounded.
func routeOf(c echo.Context, status int) string {
	if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
		return unmatchedRoute
	}
	if p := c.Path(); p != "" {
		return p
	}
	return unmatchedRoute
}
