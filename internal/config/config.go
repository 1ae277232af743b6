// Package config loads gateway configuration from an optional YAML file,
// a .env file if present, and environment variable overrides (in that
// order, later wins).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Auth    AuthConfig    `yaml:"auth"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port    string `yaml:"port"`
	SiteURL string `yaml:"site_url"` // OAuth callbacks land here
}

// BackendConfig points at the data stores.
type BackendConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	RedisURL        string `yaml:"redis_url"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
}

// AuthConfig points at the external identity service. An empty BaseURL
// runs the gateway with the in-process dev provider.
type AuthConfig struct {
	BaseURL             string  `yaml:"base_url"`
	APIKey              string  `yaml:"api_key"`
	PollIntervalSeconds int     `yaml:"poll_interval_seconds"`
	RequestsPerSecond   float64 `yaml:"requests_per_second"`
}

// FetchConfig controls snapshot fetching.
type FetchConfig struct {
	TimeoutSeconds        int `yaml:"timeout_seconds"`
	MarketsRefreshSeconds int `yaml:"markets_refresh_seconds"`
}

// LogConfig controls the log level.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// Load reads the YAML file at path (skipped when path is empty or the
// file does not exist), then a .env file if present, then environment
// overrides, then fills defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// CacheTTL returns the Redis read-through TTL as a time.Duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Backend.CacheTTLSeconds) * time.Second
}

// AuthPollInterval returns the identity-service poll interval.
func (c *Config) AuthPollInterval() time.Duration {
	return time.Duration(c.Auth.PollIntervalSeconds) * time.Second
}

// FetchTimeout returns the per-request snapshot fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// MarketsRefresh returns the shared markets snapshot refresh interval.
func (c *Config) MarketsRefresh() time.Duration {
	return time.Duration(c.Fetch.MarketsRefreshSeconds) * time.Second
}

// applyEnvOverrides overwrites values with environment variables when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("SITE_URL"); v != "" {
		cfg.Server.SiteURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Backend.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Backend.RedisURL = v
	}
	if v := os.Getenv("CACHE_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.CacheTTLSeconds = n
		}
	}
	if v := os.Getenv("AUTH_BASE_URL"); v != "" {
		cfg.Auth.BaseURL = v
	}
	if v := os.Getenv("AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("FETCH_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// setDefaults ensures required values have sensible defaults.
func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.SiteURL == "" {
		cfg.Server.SiteURL = "http://localhost:" + cfg.Server.Port
	}
	if cfg.Backend.CacheTTLSeconds <= 0 {
		cfg.Backend.CacheTTLSeconds = 30
	}
	if cfg.Auth.PollIntervalSeconds <= 0 {
		cfg.Auth.PollIntervalSeconds = 5
	}
	if cfg.Auth.RequestsPerSecond <= 0 {
		cfg.Auth.RequestsPerSecond = 1
	}
	if cfg.Fetch.TimeoutSeconds <= 0 {
		cfg.Fetch.TimeoutSeconds = 20
	}
	if cfg.Fetch.MarketsRefreshSeconds <= 0 {
		cfg.Fetch.MarketsRefreshSeconds = 30
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// SlogLevel maps the configured level string onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
