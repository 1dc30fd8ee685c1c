package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"gopkg.in/natefinch/lumberjack.v2"

	"janus-proxy/internal/cache"
	"janus-proxy/internal/client"
	"janus-proxy/internal/config"
	"janus-proxy/internal/handler"
	"janus-proxy/internal/metrics"
	"janus-proxy/internal/middleware"
	"janus-proxy/internal/plugin"
	"janus-proxy/internal/plugins"
	"janus-proxy/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("janus-proxy"),
		kong.Description("Forwarding HTTP proxy with a streaming plugin pipeline."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			func(m *metrics.Metrics) plugin.Observer { return m },
			newCacheStore,
			newCache,
			newPlugins,
			plugin.NewRegistry,
			plugin.NewPipeline,
			client.NewUpstreamClient,
			service.NewForwardService,
			handler.NewProxyHandler,
			handler.NewTunnelHandler,
			handler.NewHealthHandler,
			newEcho,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, manageComponents, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(out, opts)
	default:
		h = slog.NewJSONHandler(out, opts)
	}

	return slog.New(h)
}

func newCacheStore(cfg *config.Config, logger *slog.Logger) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		rs := cache.NewRedisStore(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			// The cache degrades to misses until redis is back.
			logger.Warn("redis cache unreachable at startup", "addr", cfg.Cache.Redis.Addr, "err", err)
		}
		return rs, nil
	case "badger":
		return cache.OpenBadgerStore(cfg.Cache.Badger.Dir)
	default:
		return cache.NewMemoryStore(), nil
	}
}

func newCache(store cache.Store, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *cache.Cache {
	return cache.New(store, cache.Options{
		MaxItems: cfg.Cache.MaxItems,
		MaxBytes: int64(cfg.Cache.MaxMemoryMB * 1024 * 1024),
	}, m, logger)
}

// newPlugins returns every built-in plugin. The registry picks and orders
// the ones named in the pipeline configuration.
func newPlugins(cfg *config.Config, c *cache.Cache, obs plugin.Observer, logger *slog.Logger) []plugin.Plugin {
	return []plugin.Plugin{
		plugins.NewAdblock(cfg, obs, logger),
		plugins.NewURLExpander(cfg, obs),
		plugins.NewCache(cfg, c, obs),
		plugins.NewIngress(cfg, obs),
		plugins.NewGunzip(obs),
		plugins.NewCompress(cfg, obs),
		plugins.NewFork(obs),
	}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, proxy *handler.ProxyHandler, tunnel *handler.TunnelHandler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// ReadTimeout and WriteTimeout stay disabled: proxied bodies and tunnels
	// may legitimately run for a long time. Slow clients are bounded by
	// ReadHeaderTimeout and IdleTimeout.
	e.Server.ReadTimeout = 0
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	// Proxy traffic never reaches the router, so everything that must see
	// it runs in Pre, ending with the dispatcher.
	e.Pre(echomw.Recover())
	e.Pre(middleware.RequestID())
	e.Pre(middleware.RequestLogger(logger))
	e.Pre(middleware.MetricsMiddleware(m))
	if cfg.Server.RateLimit.Enabled {
		e.Pre(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}
	e.Pre(handler.Dispatch(proxy, tunnel))

	switch {
	case cfg.Server.TLSEnabled():
		if err := http2.ConfigureServer(e.Server, &http2.Server{}); err != nil {
			logger.Warn("http/2 disabled", "err", err)
		}
	case cfg.Server.H2C:
		e.Server.Handler = h2c.NewHandler(e, &http2.Server{})
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// manageComponents ties plugin and cache resources to the app lifecycle.
func manageComponents(lc fx.Lifecycle, reg *plugin.Registry, store cache.Store, c *cache.Cache, logger *slog.Logger) {
	stopSweep := make(chan struct{})
	initCtx, cancelInit := context.WithCancel(context.Background())
	var initDone <-chan struct{}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Remote list fetches outlive the start timeout.
			initDone = reg.Start(initCtx)
			if ms, ok := store.(*cache.MemoryStore); ok {
				go sweep(ms, stopSweep, logger)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stopSweep)
			cancelInit()
			select {
			case <-initDone:
			case <-ctx.Done():
			}
			if err := reg.Close(); err != nil {
				logger.Warn("closing plugins", "err", err)
			}
			return c.Close()
		},
	})
}

func sweep(ms *cache.MemoryStore, stop <-chan struct{}, logger *slog.Logger) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if n := ms.Sweep(); n > 0 {
				logger.Debug("expired cache entries removed", "count", n)
			}
		}
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "tls", cfg.Server.TLSEnabled(), "h2c", cfg.Server.H2C)
			go func() {
				var err error
				if cfg.Server.TLSEnabled() {
					err = e.Server.ServeTLS(ln, cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
				} else {
					err = e.Server.Serve(ln)
				}
				if err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
