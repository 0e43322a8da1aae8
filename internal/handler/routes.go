// Package handler exposes the broker over HTTP.
package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"api-broker/internal/config"
	"api-broker/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, secret *SecretHandler, vars *VarsHandler, health *HealthHandler) {
	e.POST("/proxy", proxy.Handle)
	e.GET("/secret", secret.Get)
	e.GET("/vars", vars.Get)

	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
}

// RegisterMetrics exposes the Prometheus registry when metrics are enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
