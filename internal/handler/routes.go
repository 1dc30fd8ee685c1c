package handler

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"janus-proxy/internal/config"
	"janus-proxy/internal/metrics"
	"janus-proxy/internal/middleware"
)

// Dispatch returns a Pre middleware that sends proxy traffic to its handler
// before Echo's router runs: CONNECT and upgrade requests to the tunnel,
// other absolute-URL requests to the forwarding proxy. Origin-form requests
// fall through to the local routes.
func Dispatch(proxy *ProxyHandler, tunnel *TunnelHandler) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			switch {
			case r.Method == http.MethodConnect:
				return tunnel.Connect(c)
			case r.URL.IsAbs() && IsUpgrade(r):
				return tunnel.Upgrade(c)
			case r.URL.IsAbs():
				return proxy.Handle(c)
			}
			return next(c)
		}
	}
}

// RegisterRoutes wires the local endpoints onto the Echo instance. The
// metrics parameter is optional.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, health *HealthHandler, m *metrics.Metrics) {
	local := e.Group("",
		echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)),
		middleware.SecurityHeaders(),
	)
	local.GET("/healthz", health.Healthz)
	local.GET("/proxy/status", health.Status)

	if m != nil && cfg.Metrics.Enabled {
		local.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
