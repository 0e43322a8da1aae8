package middleware

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDKey is the echo context key holding the request id.
const RequestIDKey = "request_id"

// NewRequestID returns an id built from the current time and a random suffix.
func NewRequestID() string {
	id := uuid.New()
	return "req_" + strconv.FormatInt(time.Now().UnixMilli(), 36) + "_" + id.String()[:8]
}

// RequestID assigns a fresh id to every request. Caller supplied ids are
// ignored.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := NewRequestID()
			c.Set(RequestIDKey, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)
			return next(c)
		}
	}
}

// GetRequestID returns the id assigned by RequestID, or a new one when the
// middleware did not run.
func GetRequestID(c echo.Context) string {
	if id, ok := c.Get(RequestIDKey).(string); ok {
		return id
	}
	return NewRequestID()
}
