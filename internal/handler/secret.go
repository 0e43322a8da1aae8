package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"api-broker/internal/secret"
)

// SecretResponse is the body of GET /secret.
type SecretResponse struct {
	Secret    string `json:"secret"`
	TTL       int64  `json:"ttl"`
	Timestamp int64  `json:"timestamp"`
}

// SecretHandler hands the signing secret to local callers. Access control is
// the loopback-only listener.
type SecretHandler struct {
	secret *secret.Manager
}

// NewSecretHandler creates a SecretHandler.
func NewSecretHandler(sm *secret.Manager) *SecretHandler {
	return &SecretHandler{secret: sm}
}

// Get returns the secret with its cache lifetime in seconds and the
// current time in Unix milliseconds.
func (h *SecretHandler) Get(c echo.Context) error {
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, SecretResponse{
		Secret:    string(h.secret.Secret()),
		TTL:       int64(h.secret.TTL() / time.Second),
		Timestamp: time.Now().UnixMilli(),
	})
}
