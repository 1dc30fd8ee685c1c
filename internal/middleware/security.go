package middleware

import (
	"github.com/labstack/echo/v4"
)

// localStripHeaders are request headers that local endpoints never act on.
var localStripHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware for the proxy's own endpoints
// (health, status, metrics). It strips proxy-only request headers and marks
// responses as non-sniffable, non-frameable and non-cacheable. Proxied
// responses never pass through it.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range localStripHeaders {
				c.Request().Header.Del(h)
			}

			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")

			return next(c)
		}
	}
}
