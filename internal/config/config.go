package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults and limits for the stream server.
const (
	defaultAddress         = "0.0.0.0"
	defaultPort            = 8080
	defaultShutdownTimeout = 10 * time.Second

	defaultReadLimit    = 1 << 20 // 1 MiB
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultRateRPS      = 50
	defaultRateBurst    = 100

	defaultReconnectAttempts = 5
	defaultReconnectBase     = time.Second
	defaultReconnectCap      = 10 * time.Second

	defaultPresenterID   = "presenter"
	defaultDispatchMode  = "queue"
	defaultFrameInterval = 16 * time.Millisecond

	defaultLogLevel      = "info"
	defaultLogBuffer     = 512
	defaultJSONFlush     = 2 * time.Second
	defaultJSONMaxBatch  = 32
	defaultJSONFilePath  = "mathstream-events.jsonl"
	defaultMetricsPrefix = "mathstream"
)

// Addr returns the HTTP server address as host:port.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = defaultAddress
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

// PresenterURL returns the stream URL the presenter dials.
func (c *Config) PresenterURL() string {
	if c.Presenter.URL != "" {
		return c.Presenter.URL
	}
	port := c.Server.Port
	if port == 0 {
		port = defaultPort
	}
	return fmt.Sprintf("ws://127.0.0.1:%d/api/stream", port)
}

// MetricsEnabled reports whether /metrics is exposed.
func (c *Config) MetricsEnabled() bool {
	return c.Observability.EnableMetrics == nil || *c.Observability.EnableMetrics
}

// ReconnectAttempts returns the configured reconnect budget, or the default
// when none was set.
func (c *Config) ReconnectAttempts() int {
	if c.Client.MaxReconnectAttempts == nil {
		return defaultReconnectAttempts
	}
	return *c.Client.MaxReconnectAttempts
}

// SampleEnabled reports whether the built-in sample scene is registered.
func (c *Config) SampleEnabled() bool {
	return c.Presenter.Sample == nil || *c.Presenter.Sample
}

// LoadConfigFile reads and parses a config file.
func LoadConfigFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s: %w", path, err)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Load builds the effective config: the file at path when it exists,
// overridden by MATHSTREAM_* environment variables, then defaulted and
// validated. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		loaded, err := LoadConfigFile(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
