package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the main configuration struct.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Stream        StreamConfig        `yaml:"stream"`
	Client        ClientConfig        `yaml:"client"`
	Presenter     PresenterConfig     `yaml:"presenter"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds the http listener settings.
type ServerConfig struct {
	Address         string   `yaml:"address"`
	Port            int      `yaml:"port"`
	ClientDir       string   `yaml:"client_dir"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// StreamConfig bounds the websocket endpoint.
type StreamConfig struct {
	ReadLimit    SizeBytes `yaml:"read_limit"`
	WriteTimeout Duration  `yaml:"write_timeout"`
	PingInterval Duration  `yaml:"ping_interval"`
	RateLimit    struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"rate_limit"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	DefaultPermissions []string `yaml:"default_permissions"`
}

// ClientConfig is the reconnect policy of stream clients the server runs.
type ClientConfig struct {
	// MaxReconnectAttempts is the background reconnect budget. Unset means
	// the default; 0 disables background reconnects.
	MaxReconnectAttempts *int     `yaml:"max_reconnect_attempts"`
	ReconnectBase        Duration `yaml:"reconnect_base"`
	ReconnectCap         Duration `yaml:"reconnect_cap"`
}

// PresenterConfig controls the in-process scene presenter.
type PresenterConfig struct {
	Enabled  bool   `yaml:"enabled"`
	ClientID string `yaml:"client_id"`
	// URL defaults to the server's own stream endpoint.
	URL           string           `yaml:"url"`
	ScenesDir     string           `yaml:"scenes_dir"`
	Sample        *bool            `yaml:"sample"`
	DispatchMode  string           `yaml:"dispatch_mode"`
	FrameInterval Duration         `yaml:"frame_interval"`
	Autoplay      []AutoplayConfig `yaml:"autoplay"`
}

// AutoplayConfig plays Scene whenever Cron fires.
type AutoplayConfig struct {
	Cron  string `yaml:"cron"`
	Scene string `yaml:"scene"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	Sinks      []string `yaml:"sinks"`
	BufferSize int      `yaml:"buffer_size"`
	JSON       struct {
		FilePath      string   `yaml:"file_path"`
		FlushInterval Duration `yaml:"flush_interval"`
		MaxBatch      int      `yaml:"max_batch"`
	} `yaml:"json"`
}

// ObservabilityConfig toggles diagnostics endpoints.
type ObservabilityConfig struct {
	EnablePprof   bool   `yaml:"enable_pprof"`
	EnableMetrics *bool  `yaml:"enable_metrics"`
	Namespace     string `yaml:"namespace"`
}

// SizeBytes represents a number of bytes, unmarshaled from human-friendly strings like "1MB" or plain integers.
type SizeBytes int64

func (s *SizeBytes) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*s = 0
		return nil
	}
	v, err := ParseSize(node.Value)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s SizeBytes) Int64() int64 { return int64(s) }

func (s SizeBytes) String() string { return humanize.IBytes(uint64(s)) }

// ParseSize parses "64KB", "1 MiB" or a plain byte count.
func ParseSize(raw string) (SizeBytes, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if v, err := humanize.ParseBytes(raw); err == nil {
		return SizeBytes(v), nil
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return SizeBytes(i), nil
	}
	return 0, fmt.Errorf("invalid size value: %q", raw)
}

// Duration is a wrapper around time.Duration that supports YAML parsing from strings like "100ms" or plain numbers (interpreted as seconds).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// ParseDuration accepts Go duration strings or numeric seconds.
func ParseDuration(raw string) (Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		return Duration(td), nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Duration(time.Duration(f * float64(time.Second))), nil
	}
	return 0, fmt.Errorf("invalid duration value: %q", raw)
}
