package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"api-broker/internal/model"
	"api-broker/internal/service"
)

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	store   *service.Store
	proxy   *service.ProxyService
	version model.Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(store *service.Store, proxy *service.ProxyService, v model.Version) *HealthHandler {
	return &HealthHandler{store: store, proxy: proxy, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// StatusResponse is the body of GET /status. It never includes credentials.
type StatusResponse struct {
	Status           string   `json:"status"`
	Version          string   `json:"version"`
	APIs             []string `json:"apis"`
	Origins          []string `json:"origins"`
	RequestCount     int64    `json:"request_count"`
	ConfigGeneration uint64   `json:"config_generation"`
	ConfigLoadedAt   string   `json:"config_loaded_at"`
}

// Status returns broker status information.
func (h *HealthHandler) Status(c echo.Context) error {
	snap := h.store.Current()
	names := make([]string, 0, len(snap.Config.APIs))
	for _, p := range snap.Config.Profiles() {
		names = append(names, p.Name)
	}
	return c.JSON(http.StatusOK, StatusResponse{
		Status:           "ok",
		Version:          string(h.version),
		APIs:             names,
		Origins:          snap.Allow.Origins(),
		RequestCount:     h.proxy.RequestCount(),
		ConfigGeneration: snap.Generation,
		ConfigLoadedAt:   snap.LoadedAt.UTC().Format(time.RFC3339),
	})
}
