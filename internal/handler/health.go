package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"mistral-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	started time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, started: time.Now()}
}

type statusResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UpstreamURL   string `json:"upstream_url"`
	PathPrefix    string `json:"path_prefix"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Healthz is the liveness probe. The relay keeps no upstream session, so
// being able to answer is the whole check.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Status reports the build and where requests are being relayed.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		UpstreamURL:   h.cfg.Upstream.BaseURL,
		PathPrefix:    h.cfg.Upstream.PathPrefix,
		UptimeSeconds: int64(time.Since(h.started) / time.Second),
	})
}
