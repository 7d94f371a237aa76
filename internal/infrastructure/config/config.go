package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/kelseyhightower/envconfig"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Runtime   RuntimeConfig
	Sandbox   SandboxConfig
	Plugins   PluginsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// RuntimeConfig holds per-host timeouts and fleet settings.
type RuntimeConfig struct {
	RPCTimeout       time.Duration `envconfig:"RPC_TIMEOUT" default:"10s"`
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"15s"`
	HostCallRPS      float64       `envconfig:"HOST_CALL_RPS" default:"50"`
	HostCallBurst    int           `envconfig:"HOST_CALL_BURST" default:"100"`
	EventBuffer      int           `envconfig:"EVENT_BUFFER" default:"256"`
	Preload          bool          `envconfig:"RUNTIME_PRELOAD" default:"false"`
	BreakerFailures  uint32        `envconfig:"BREAKER_FAILURES" default:"3"`
	BreakerCooldown  time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
}

// SandboxConfig holds execution limits and bundle loading settings.
type SandboxConfig struct {
	JobBudget          time.Duration `envconfig:"SANDBOX_JOB_BUDGET" default:"2s"`
	MaxCallStack       int           `envconfig:"SANDBOX_MAX_CALL_STACK" default:"1024"`
	Console            bool          `envconfig:"SANDBOX_CONSOLE" default:"true"`
	BundleBaseDir      string        `envconfig:"BUNDLE_BASE_DIR" default:"./plugins"`
	BundleMaxBytes     int64         `envconfig:"BUNDLE_MAX_BYTES" default:"8388608"`
	BundleFetchTimeout time.Duration `envconfig:"BUNDLE_FETCH_TIMEOUT" default:"10s"`
}

// PluginsConfig holds plugin discovery settings.
type PluginsConfig struct {
	Dir       string   `envconfig:"PLUGINS_DIR" default:"./plugins"`
	Allowlist []string `envconfig:"BUNDLE_ALLOWLIST" default:"**/*.js,**/*.mjs,**/*.js.gz,**/*.js.zst"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Runtime: RuntimeConfig{
			RPCTimeout:       10 * time.Second,
			HandshakeTimeout: 15 * time.Second,
			HostCallRPS:      50,
			HostCallBurst:    100,
			EventBuffer:      256,
			BreakerFailures:  3,
			BreakerCooldown:  30 * time.Second,
		},
		Sandbox: SandboxConfig{
			JobBudget:          2 * time.Second,
			MaxCallStack:       1024,
			Console:            true,
			BundleBaseDir:      "./plugins",
			BundleMaxBytes:     8 << 20,
			BundleFetchTimeout: 10 * time.Second,
		},
		Plugins: PluginsConfig{
			Dir:       "./plugins",
			Allowlist: append([]string(nil), manifest.DefaultAllowlist...),
		},
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Runtime.RPCTimeout <= 0 {
		errs = append(errs, errors.New("RPC_TIMEOUT must be positive"))
	}
	if c.Runtime.HandshakeTimeout < c.Runtime.RPCTimeout {
		errs = append(errs, fmt.Errorf("HANDSHAKE_TIMEOUT (%s) must not be shorter than RPC_TIMEOUT (%s)", c.Runtime.HandshakeTimeout, c.Runtime.RPCTimeout))
	}
	if c.Runtime.HostCallRPS < 0 {
		errs = append(errs, errors.New("HOST_CALL_RPS must not be negative"))
	}
	if c.Runtime.HostCallRPS > 0 && c.Runtime.HostCallBurst <= 0 {
		errs = append(errs, errors.New("HOST_CALL_BURST must be positive when HOST_CALL_RPS is set"))
	}
	if c.Runtime.EventBuffer <= 0 {
		errs = append(errs, errors.New("EVENT_BUFFER must be positive"))
	}
	if c.Runtime.BreakerFailures == 0 {
		errs = append(errs, errors.New("BREAKER_FAILURES must be positive"))
	}
	if c.Sandbox.JobBudget <= 0 {
		errs = append(errs, errors.New("SANDBOX_JOB_BUDGET must be positive"))
	}
	if c.Sandbox.MaxCallStack <= 0 {
		errs = append(errs, errors.New("SANDBOX_MAX_CALL_STACK must be positive"))
	}
	if c.Sandbox.BundleMaxBytes <= 0 {
		errs = append(errs, errors.New("BUNDLE_MAX_BYTES must be positive"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}

	allow := c.AllowlistPatterns()
	if len(allow) == 0 {
		errs = append(errs, errors.New("BUNDLE_ALLOWLIST must name at least one pattern"))
	}
	for _, p := range allow {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Errorf("BUNDLE_ALLOWLIST: invalid pattern %q", p))
		}
	}

	return errors.Join(errs...)
}

// AllowlistPatterns returns the non-blank allowlist entries
func (c *Config) AllowlistPatterns() []string {
	out := make([]string, 0, len(c.Plugins.Allowlist))
	for _, p := range c.Plugins.Allowlist {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
