// Package middleware provides Echo middleware for request ids, logging,
// security headers and metrics.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// quietPaths are polled by supervisors and logged at debug level.
var quietPaths = map[string]bool{
	"/healthz": true,
}

// RequestLogger writes one access log record per request. Server errors
// log at error level, client errors at warn. The record never includes the
// query string, which may carry caller data.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				// Render now so the logged status is the one sent.
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			attrs := []slog.Attr{
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.Int("status", res.Status),
				slog.Int64("bytes_out", res.Size),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("remote_ip", c.RealIP()),
			}
			if kind, ok := c.Get(ErrorTypeKey).(string); ok {
				attrs = append(attrs, slog.String("error_type", kind))
			}
			logger.LogAttrs(req.Context(), levelFor(req.URL.Path, res.Status), "request", attrs...)
			return nil
		}
	}
}

func levelFor(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status >= http.StatusBadRequest:
		return slog.LevelWarn
	case quietPaths[path]:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
