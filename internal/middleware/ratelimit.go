package middleware

import (
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"api-broker/internal/model"
)

// RateLimit limits each client IP to rps requests per second. Excess
// requests get a 429 error envelope with a Retry-After hint.
func RateLimit(rps float64) echo.MiddlewareFunc {
	retryAfter := strconv.Itoa(int(math.Ceil(1 / rps)))
	deny := func(c echo.Context, _ string, _ error) error {
		c.Response().Header().Set("Retry-After", retryAfter)
		c.Set(ErrorTypeKey, "RATE_LIMITED")
		return c.JSON(http.StatusTooManyRequests, model.ErrorEnvelope{
			Error: "rate limit exceeded",
			Type:  "RATE_LIMITED",
		})
	}
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store:        echomw.NewRateLimiterMemoryStore(rate.Limit(rps)),
		DenyHandler:  deny,
		ErrorHandler: func(c echo.Context, err error) error { return deny(c, "", err) },
	})
}
