package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"janus-proxy/internal/config"
	"janus-proxy/internal/plugin"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	registry *plugin.Registry
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, reg *plugin.Registry) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, registry: reg}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status   string       `json:"status"`
	Title    string       `json:"title"`
	Version  string       `json:"version"`
	Plugins  pluginStatus `json:"plugins"`
	Backend  string       `json:"cache_backend"`
	Redirect bool         `json:"follow_redirects"`
}

type pluginStatus struct {
	Request  []string `json:"request"`
	Response []string `json:"response"`
}

// Status returns proxy status information, including the plugins that run
// in each stage.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Title:    h.cfg.Proxy.Title,
		Version:  string(h.version),
		Backend:  h.cfg.Cache.Backend,
		Redirect: h.cfg.Proxy.FollowRedirects,
		Plugins:  pluginStatus{Request: []string{}, Response: []string{}},
	}
	if h.registry != nil {
		req, res := h.registry.Names()
		resp.Plugins.Request = append(resp.Plugins.Request, req...)
		resp.Plugins.Response = append(resp.Plugins.Response, res...)
	}
	return c.JSON(http.StatusOK, resp)
}
