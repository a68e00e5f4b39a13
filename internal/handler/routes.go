package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mistral-relay-go/internal/config"
	"mistral-relay-go/internal/metrics"
)

// RegisterRoutes mounts the relay on every path and method of the main listener.
func RegisterRoutes(e *echo.Echo, relay *RelayHandler) {
	e.Any("/*", relay.Handle)
}

// RegisterAdminRoutes wires health, status and (optionally) metrics onto the
// admin listener. m may be nil when metrics are disabled.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if m != nil && cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
