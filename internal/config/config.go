// Package config handles configuration loading from TOML, flags and the environment.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ollama-tunnel-proxy/config.toml",
	"configs/config.toml",
}

// placeholderPassword is the value shipped in example configs and scripts.
const placeholderPassword = "your-hashed-password-here"

// CLI holds command-line arguments parsed by Kong. Every flag can also be
// supplied through the environment, which is how the tunnel bootstrap
// script hands over the upstream URL and credentials.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host       string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port       int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	RemoteURL  string `kong:"name='remote-url',help='Upstream tunnel base URL.',env='OLLAMA_HOST'"`
	Username   string `kong:"help='Upstream basic-auth username.',env='OLLAMA_USERNAME'"`
	Password   string `kong:"help='Upstream basic-auth password (pre-hashed).',env='OLLAMA_PASSWORD'"`
	Model      string `kong:"help='Model forced on every request.',env='OLLAMA_MODEL'"`
	NumCtx     int    `kong:"name='num-ctx',help='Context window forced in options.',env='OLLAMA_NUM_CTX'"`
	NumThread  int    `kong:"name='num-thread',help='Thread count forced in options.',env='OLLAMA_NUM_THREAD'"`
	NumGPU     *int   `kong:"name='num-gpu',help='GPU layers forced in options; 0 runs on CPU only.',env='OLLAMA_NUM_GPU'"`
	NumBatch   int    `kong:"name='num-batch',help='Batch size forced in options.',env='OLLAMA_NUM_BATCH'"`
	RequestLog string `kong:"name='request-log',help='Path of the append-only request journal.',env='REQUEST_LOG_PATH'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Upstream   UpstreamConfig   `toml:"upstream"`
	Model      ModelConfig      `toml:"model"`
	RequestLog RequestLogConfig `toml:"request_log"`
	Log        LogConfig        `toml:"log"`
	Metrics    MetricsConfig    `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (11435); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds the tunnel endpoint, its credentials and connection settings.
type UpstreamConfig struct {
	BaseURL              string               `toml:"base_url"`
	Username             string               `toml:"username"`
	Password             string               `toml:"password"`
	TimeoutSeconds       int                  `toml:"timeout_seconds"`
	HealthTimeoutSeconds int                  `toml:"health_timeout_seconds"`
	HealthPath           string               `toml:"health_path"`
	IdleConnections      int                  `toml:"idle_connections"`
	CircuitBreaker       CircuitBreakerConfig `toml:"circuit_breaker"`
}

// Timeout returns the deadline for a forwarded request.
func (u *UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// HealthTimeout returns the deadline for the health probe.
func (u *UpstreamConfig) HealthTimeout() time.Duration {
	return time.Duration(u.HealthTimeoutSeconds) * time.Second
}

// CircuitBreakerConfig controls fail-fast behaviour while the tunnel is down.
type CircuitBreakerConfig struct {
	Enabled             bool `toml:"enabled"`
	ConsecutiveFailures int  `toml:"consecutive_failures"`
	OpenSeconds         int  `toml:"open_seconds"`
}

// ModelConfig is the generation policy enforced on every forwarded body.
type ModelConfig struct {
	Name           string        `toml:"name"`
	Options        OptionsConfig `toml:"options"`
	FallbackNumCtx int           `toml:"fallback_num_ctx"`
}

// OptionsConfig holds the generation options written into "options".
type OptionsConfig struct {
	NumCtx     int `toml:"num_ctx"`
	NumPredict int `toml:"num_predict"`
	NumThread  int `toml:"num_thread"`
	// NumGPU is a pointer so an explicit 0 (CPU-only inference) can be
	// told apart from an absent key.
	NumGPU   *int `toml:"num_gpu"`
	NumBatch int  `toml:"num_batch"`
}

// defaultNumGPU is used when num_gpu is not configured anywhere.
const defaultNumGPU = 2

// GPU returns the configured num_gpu, or the default when unset.
func (o OptionsConfig) GPU() int {
	if o.NumGPU == nil {
		return defaultNumGPU
	}
	return *o.NumGPU
}

// RequestLogConfig configures the append-only request journal.
type RequestLogConfig struct {
	Path string `toml:"path"`
	// MaxSizeMB enables size-based rotation when > 0. Rotated files are kept.
	MaxSizeMB int `toml:"max_size_mb"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the optional TOML config file and applies CLI/env overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/ollama-tunnel-proxy/config.toml then configs/config.toml; finding
// neither is not an error because the environment alone is enough.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.RemoteURL != "" {
		c.Upstream.BaseURL = cli.RemoteURL
	}
	if cli.Username != "" {
		c.Upstream.Username = cli.Username
	}
	if cli.Password != "" {
		c.Upstream.Password = cli.Password
	}
	if cli.Model != "" {
		c.Model.Name = cli.Model
	}
	if cli.NumCtx != 0 {
		c.Model.Options.NumCtx = cli.NumCtx
	}
	if cli.NumThread != 0 {
		c.Model.Options.NumThread = cli.NumThread
	}
	if cli.NumGPU != nil {
		gpu := *cli.NumGPU
		c.Model.Options.NumGPU = &gpu
	}
	if cli.NumBatch != 0 {
		c.Model.Options.NumBatch = cli.NumBatch
	}
	if cli.RequestLog != "" {
		c.RequestLog.Path = cli.RequestLog
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	// Upstream URL: required, http or https. Without it there is nothing to proxy to.
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required (set OLLAMA_HOST or --remote-url)")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil {
		return fmt.Errorf("upstream.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("upstream.base_url must use http or https; got %q", c.Upstream.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.base_url has no host; got %q", c.Upstream.BaseURL)
	}
	if c.Upstream.Password == placeholderPassword {
		return fmt.Errorf("upstream.password contains placeholder value; set the hashed tunnel password")
	}
	if c.Upstream.HealthPath != "" && c.Upstream.HealthPath[0] != '/' {
		return fmt.Errorf("upstream.health_path must start with '/'; got %q", c.Upstream.HealthPath)
	}

	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.HealthTimeoutSeconds < 0 {
		return fmt.Errorf("upstream.health_timeout_seconds must be non-negative; got %d", c.Upstream.HealthTimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if cb := c.Upstream.CircuitBreaker; cb.ConsecutiveFailures < 0 || cb.OpenSeconds < 0 {
		return fmt.Errorf("upstream.circuit_breaker values must be non-negative")
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.RequestLog.MaxSizeMB < 0 {
		return fmt.Errorf("request_log.max_size_mb must be non-negative; got %d", c.RequestLog.MaxSizeMB)
	}

	// Generation options. num_predict is exempt: -1 means unlimited.
	opts := c.Model.Options
	for name, v := range map[string]int{
		"num_ctx":          opts.NumCtx,
		"num_thread":       opts.NumThread,
		"num_gpu":          opts.GPU(),
		"num_batch":        opts.NumBatch,
		"fallback_num_ctx": c.Model.FallbackNumCtx,
	} {
		if v < 0 {
			return fmt.Errorf("model option %s must be non-negative; got %d", name, v)
		}
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		if p == "/health" || p == "/" {
			return fmt.Errorf("metrics.path %q conflicts with reserved route", p)
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with defaults matching the tunnel
// bootstrap (gpt-oss:20b on a two-GPU host).
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 11435
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	c.Upstream.BaseURL = strings.TrimRight(c.Upstream.BaseURL, "/")
	if c.Upstream.Username == "" {
		c.Upstream.Username = "admin"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 600
	}
	if c.Upstream.HealthTimeoutSeconds == 0 {
		c.Upstream.HealthTimeoutSeconds = 5
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = "/api/tags"
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.CircuitBreaker.ConsecutiveFailures == 0 {
		c.Upstream.CircuitBreaker.ConsecutiveFailures = 5
	}
	if c.Upstream.CircuitBreaker.OpenSeconds == 0 {
		c.Upstream.CircuitBreaker.OpenSeconds = 30
	}
	if c.Model.Name == "" {
		c.Model.Name = "gpt-oss:20b"
	}
	if c.Model.Options.NumCtx == 0 {
		c.Model.Options.NumCtx = 2048
	}
	if c.Model.Options.NumPredict == 0 {
		c.Model.Options.NumPredict = -1
	}
	if c.Model.Options.NumThread == 0 {
		c.Model.Options.NumThread = 8
	}
	if c.Model.Options.NumGPU == nil {
		gpu := defaultNumGPU
		c.Model.Options.NumGPU = &gpu
	}
	if c.Model.Options.NumBatch == 0 {
		c.Model.Options.NumBatch = 512
	}
	if c.Model.FallbackNumCtx == 0 {
		c.Model.FallbackNumCtx = 8192
	}
	if c.RequestLog.Path == "" {
		c.RequestLog.Path = "vscode_requests.log"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
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

// WarnPermissions logs a warning if the config file is readable by group or
// others. The file usually carries the tunnel password.
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
