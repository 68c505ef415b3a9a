// Package config loads service configuration from the environment with
// sane defaults for every key.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// AuthToken is the shared secret callers must present as a bearer
	// token. Empty disables authentication.
	AuthToken string `mapstructure:"auth_token"`
}

// PoolConfig covers session pool limits and rotation.
type PoolConfig struct {
	Capacity int           `mapstructure:"capacity"`
	MaxUses  int           `mapstructure:"max_uses"`
	IdleTTL  time.Duration `mapstructure:"idle_ttl"`
}

// TaskConfig covers task deadline policy.
type TaskConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	MaxTimeout     time.Duration `mapstructure:"max_timeout"`
}

// BrowserConfig covers browser launch settings.
type BrowserConfig struct {
	ChromePath     string        `mapstructure:"chrome_path"`
	Headless       bool          `mapstructure:"headless"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	WindowWidth    int           `mapstructure:"window_width"`
	WindowHeight   int           `mapstructure:"window_height"`
}

// DisplayConfig covers the virtual display number range.
type DisplayConfig struct {
	First int `mapstructure:"first"`
	Count int `mapstructure:"count"`
}

// ReaperConfig covers the cleanup sweep.
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ArtifactsConfig covers screenshot storage.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// RateLimitConfig covers per-client request limiting.
type RateLimitConfig struct {
	PerHour int `mapstructure:"per_hour"`
	Burst   int `mapstructure:"burst"`
}

// LoggerConfig covers structured logging output.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "console"
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Task      TaskConfig      `mapstructure:"task"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Display   DisplayConfig   `mapstructure:"display"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// Load reads configuration from BROWSERGRID_* environment variables,
// applying defaults for anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BROWSERGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// The deployment layer historically supplies the shared secret under
	// WORKER_AUTH_TOKEN; honor both names.
	_ = v.BindEnv("server.auth_token", "BROWSERGRID_SERVER_AUTH_TOKEN", "WORKER_AUTH_TOKEN")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":10000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Minute) // sync tasks block for their full deadline
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.auth_token", "")

	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.max_uses", 25)
	v.SetDefault("pool.idle_ttl", 5*time.Minute)

	v.SetDefault("task.default_timeout", 60*time.Second)
	v.SetDefault("task.max_timeout", 10*time.Minute)

	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.startup_timeout", 20*time.Second)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)

	v.SetDefault("display.first", 99)
	v.SetDefault("display.count", 16)

	v.SetDefault("reaper.interval", 15*time.Second)

	v.SetDefault("artifacts.dir", "./storage/artifacts")

	v.SetDefault("rate_limit.per_hour", 100)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.file", "")
	v.SetDefault("logger.max_size_mb", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age_days", 28)
	v.SetDefault("logger.compress", true)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be positive, got %d", c.Pool.Capacity)
	}
	if c.Display.Count <= 0 {
		return fmt.Errorf("display.count must be positive, got %d", c.Display.Count)
	}
	if c.Display.First < 0 {
		return fmt.Errorf("display.first must not be negative, got %d", c.Display.First)
	}
	if c.Task.DefaultTimeout <= 0 || c.Task.MaxTimeout <= 0 {
		return fmt.Errorf("task timeouts must be positive")
	}
	if c.Task.DefaultTimeout > c.Task.MaxTimeout {
		return fmt.Errorf("task.default_timeout (%s) exceeds task.max_timeout (%s)", c.Task.DefaultTimeout, c.Task.MaxTimeout)
	}
	if c.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive, got %s", c.Reaper.Interval)
	}
	switch c.Logger.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logger.format must be \"json\" or \"console\", got %q", c.Logger.Format)
	}
	return nil
}
