// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/janus-proxy/config.toml",
	"configs/config.toml",
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Proxy    ProxyConfig    `toml:"proxy"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Cache    CacheConfig    `toml:"cache"`
	Pipeline PipelineConfig `toml:"pipeline"`

	Ingress     IngressConfig     `toml:"ingress"`
	Compress    CompressConfig    `toml:"compress"`
	Adblock     AdblockConfig     `toml:"adblock"`
	URLExpander URLExpanderConfig `toml:"urlexpander"`
	Fork        Toggle            `toml:"fork"`
	Gunzip      Toggle            `toml:"gunzip"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (55055); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	H2C          bool            `toml:"h2c"`
	TLSCertFile  string          `toml:"tls_cert_file"`
	TLSKeyFile   string          `toml:"tls_key_file"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// ProxyConfig holds forwarding behavior.
type ProxyConfig struct {
	Title                  string `toml:"title"` // value of the Via / Proxy-Agent tag
	FollowRedirects        bool   `toml:"follow_redirects"`
	ResponseTimeoutSeconds int    `toml:"response_timeout_seconds"`
	HardTimeout            bool   `toml:"hard_timeout"`
	TunnelDialSeconds      int    `toml:"tunnel_dial_seconds"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	TimeoutSeconds  int `toml:"timeout_seconds"`
	IdleConnections int `toml:"idle_connections"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"` // empty logs to stdout
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Toggle is the enable/optional switch every plugin section carries.
// Enabled is a pointer so an omitted key can be told apart from false.
type Toggle struct {
	Enabled  *bool `toml:"enabled"`
	Optional bool  `toml:"optional"`
}

// Configured reports whether the section set either switch.
func (t Toggle) Configured() bool {
	return t.Enabled != nil || t.Optional
}

// IsEnabled returns the static enabled flag, true when unset.
func (t Toggle) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// CacheConfig configures the cache plugin and its storage backend.
type CacheConfig struct {
	Toggle

	Backend              string       `toml:"backend"` // memory | redis | badger
	MaxItems             int          `toml:"max_items"`
	MaxMemoryMB          float64      `toml:"max_memory_mb"`
	DefaultExpireSeconds int          `toml:"default_expire_seconds"`
	MaxExpireSeconds     int          `toml:"max_expire_seconds"`
	Redis                RedisConfig  `toml:"redis"`
	Badger               BadgerConfig `toml:"badger"`
}

// RedisConfig holds the redis backend connection settings.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// BadgerConfig holds the on-disk backend settings.
type BadgerConfig struct {
	Dir string `toml:"dir"`
}

// PipelineConfig lists plugin names per stage, in execution order.
type PipelineConfig struct {
	Request  []string `toml:"request"`
	Response []string `toml:"response"`
}

// IngressConfig configures the first response stage.
type IngressConfig struct {
	Toggle

	Buffer bool `toml:"buffer"`
}

// CompressConfig configures response compression.
type CompressConfig struct {
	Toggle

	GzipLevel   int `toml:"gzip_level"`
	BrotliLevel int `toml:"brotli_level"`
}

// AdblockConfig configures the host blocklist.
type AdblockConfig struct {
	Toggle

	ListURL  string `toml:"list_url"`
	ListFile string `toml:"list_file"`
}

// URLExpanderConfig configures short-URL resolution.
type URLExpanderConfig struct {
	Toggle

	HostsFile    string `toml:"hosts_file"`
	MaxRedirects int    `toml:"max_redirects"`
}

// Default stage orders used when [pipeline] is omitted.
var (
	DefaultRequestPipeline  = []string{"adblock", "urlexpander", "cache"}
	DefaultResponsePipeline = []string{"ingress", "gunzip", "cache", "compress"}
)

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/janus-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a configuration with every default applied, as if an
// empty file had been loaded.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Proxy.ResponseTimeoutSeconds < 0 {
		return fmt.Errorf("proxy.response_timeout_seconds must be non-negative; got %d", c.Proxy.ResponseTimeoutSeconds)
	}
	if c.Proxy.TunnelDialSeconds < 0 {
		return fmt.Errorf("proxy.tunnel_dial_seconds must be non-negative; got %d", c.Proxy.TunnelDialSeconds)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Cache.
	switch strings.ToLower(c.Cache.Backend) {
	case "memory", "":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	case "badger":
		if c.Cache.Badger.Dir == "" {
			return fmt.Errorf("cache.badger.dir is required for the badger backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of: memory, redis, badger; got %q", c.Cache.Backend)
	}
	if c.Cache.MaxItems < 0 || c.Cache.MaxMemoryMB < 0 {
		return fmt.Errorf("cache.max_items and cache.max_memory_mb must be non-negative")
	}
	if c.Cache.DefaultExpireSeconds < 0 || c.Cache.MaxExpireSeconds < 0 {
		return fmt.Errorf("cache expire seconds must be non-negative")
	}

	if c.Compress.GzipLevel < 0 || c.Compress.GzipLevel > 9 {
		return fmt.Errorf("compress.gzip_level must be 0–9; got %d", c.Compress.GzipLevel)
	}
	if c.Compress.BrotliLevel < 0 || c.Compress.BrotliLevel > 11 {
		return fmt.Errorf("compress.brotli_level must be 0–11; got %d", c.Compress.BrotliLevel)
	}
	if c.URLExpander.MaxRedirects < 0 {
		return fmt.Errorf("urlexpander.max_redirects must be non-negative; got %d", c.URLExpander.MaxRedirects)
	}

	// Pipeline names must be unique per stage.
	for stage, names := range map[string][]string{"request": c.Pipeline.Request, "response": c.Pipeline.Response} {
		seen := map[string]bool{}
		for _, n := range names {
			if seen[n] {
				return fmt.Errorf("pipeline.%s lists %q twice", stage, n)
			}
			seen[n] = true
		}
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{"/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 55055
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Proxy.Title == "" {
		c.Proxy.Title = "janus-proxy"
	}
	if c.Proxy.ResponseTimeoutSeconds == 0 {
		c.Proxy.ResponseTimeoutSeconds = 10
	}
	if c.Proxy.TunnelDialSeconds == 0 {
		c.Proxy.TunnelDialSeconds = 30
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 120
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	c.Cache.Backend = strings.ToLower(c.Cache.Backend)
	if c.Cache.DefaultExpireSeconds == 0 {
		c.Cache.DefaultExpireSeconds = 30
	}
	if c.Cache.MaxExpireSeconds == 0 {
		c.Cache.MaxExpireSeconds = 7 * 24 * 60 * 60
	}
	if c.Compress.GzipLevel == 0 {
		c.Compress.GzipLevel = 6
	}
	if c.Compress.BrotliLevel == 0 {
		c.Compress.BrotliLevel = 5
	}
	if c.URLExpander.MaxRedirects == 0 {
		c.URLExpander.MaxRedirects = 5
	}
	if c.Pipeline.Request == nil {
		c.Pipeline.Request = append([]string(nil), DefaultRequestPipeline...)
	}
	if c.Pipeline.Response == nil {
		c.Pipeline.Response = append([]string(nil), DefaultResponsePipeline...)
	}
}

// PluginToggle returns the enable switch configured for the named plugin.
// Unknown names yield the zero Toggle, which counts as unconfigured.
func (c *Config) PluginToggle(name string) Toggle {
	switch name {
	case "cache":
		return c.Cache.Toggle
	case "ingress":
		return c.Ingress.Toggle
	case "compress":
		return c.Compress.Toggle
	case "adblock":
		return c.Adblock.Toggle
	case "urlexpander":
		return c.URLExpander.Toggle
	case "fork":
		return c.Fork
	case "gunzip":
		return c.Gunzip
	}
	return Toggle{}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether the proxy listener serves TLS.
func (c *ServerConfig) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
