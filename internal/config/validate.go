package config

import (
	"errors"
	"fmt"

	"github.com/adhocore/gronx"

	"mathstream/server"
	"mathstream/server/internal/player"
	"mathstream/server/logging"
)

var knownSinks = map[string]bool{"console": true, "json": true}

// Validate applies defaults and validates values in the config. It mutates
// the receiver to fill in missing defaults and returns every invalid value
// joined into one error.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		c.Server.Address = defaultAddress
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		c.Server.ShutdownTimeout = Duration(defaultShutdownTimeout)
	}

	if c.Stream.ReadLimit.Int64() == 0 {
		c.Stream.ReadLimit = SizeBytes(defaultReadLimit)
	}
	if c.Stream.WriteTimeout.Duration() == 0 {
		c.Stream.WriteTimeout = Duration(defaultWriteTimeout)
	}
	if c.Stream.PingInterval.Duration() == 0 {
		c.Stream.PingInterval = Duration(defaultPingInterval)
	}
	if c.Stream.RateLimit.RPS == 0 {
		c.Stream.RateLimit.RPS = defaultRateRPS
	}
	if c.Stream.RateLimit.Burst == 0 {
		c.Stream.RateLimit.Burst = defaultRateBurst
	}
	if len(c.Stream.DefaultPermissions) == 0 {
		c.Stream.DefaultPermissions = []string{string(server.PermissionRead), string(server.PermissionWrite)}
	}

	if c.Client.MaxReconnectAttempts == nil {
		attempts := defaultReconnectAttempts
		c.Client.MaxReconnectAttempts = &attempts
	}
	if c.Client.ReconnectBase.Duration() == 0 {
		c.Client.ReconnectBase = Duration(defaultReconnectBase)
	}
	if c.Client.ReconnectCap.Duration() == 0 {
		c.Client.ReconnectCap = Duration(defaultReconnectCap)
	}

	if c.Presenter.ClientID == "" {
		c.Presenter.ClientID = defaultPresenterID
	}
	if c.Presenter.DispatchMode == "" {
		c.Presenter.DispatchMode = defaultDispatchMode
	}
	if c.Presenter.FrameInterval.Duration() == 0 {
		c.Presenter.FrameInterval = Duration(defaultFrameInterval)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Logging.Sinks) == 0 {
		c.Logging.Sinks = []string{"console"}
	}
	if c.Logging.BufferSize <= 0 {
		c.Logging.BufferSize = defaultLogBuffer
	}
	if c.Logging.JSON.FlushInterval.Duration() == 0 {
		c.Logging.JSON.FlushInterval = Duration(defaultJSONFlush)
	}
	if c.Logging.JSON.MaxBatch <= 0 {
		c.Logging.JSON.MaxBatch = defaultJSONMaxBatch
	}
	if c.Observability.Namespace == "" {
		c.Observability.Namespace = defaultMetricsPrefix
	}

	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Stream.ReadLimit.Int64() < 0 {
		errs = append(errs, fmt.Errorf("stream.read_limit must be positive, got %d", c.Stream.ReadLimit.Int64()))
	}
	if c.Stream.WriteTimeout.Duration() < 0 || c.Stream.PingInterval.Duration() < 0 {
		errs = append(errs, errors.New("stream timeouts must not be negative"))
	}
	if c.Stream.RateLimit.RPS < 0 {
		errs = append(errs, fmt.Errorf("stream.rate_limit.rps must not be negative, got %v", c.Stream.RateLimit.RPS))
	}
	if c.Stream.RateLimit.Burst < 0 {
		errs = append(errs, fmt.Errorf("stream.rate_limit.burst must not be negative, got %d", c.Stream.RateLimit.Burst))
	}
	for _, name := range c.Stream.DefaultPermissions {
		if _, err := server.ParsePermission(name); err != nil {
			errs = append(errs, fmt.Errorf("stream.default_permissions: %w", err))
		}
	}

	if n := c.ReconnectAttempts(); n < 0 {
		errs = append(errs, fmt.Errorf("client.max_reconnect_attempts must not be negative, got %d", n))
	}
	if c.Client.ReconnectBase.Duration() < 0 || c.Client.ReconnectCap.Duration() < 0 {
		errs = append(errs, errors.New("client reconnect delays must not be negative"))
	} else if c.Client.ReconnectCap.Duration() < c.Client.ReconnectBase.Duration() {
		errs = append(errs, fmt.Errorf("client.reconnect_cap %s is below reconnect_base %s", c.Client.ReconnectCap.Duration(), c.Client.ReconnectBase.Duration()))
	}

	if _, err := player.ParseDispatchMode(c.Presenter.DispatchMode); err != nil {
		errs = append(errs, fmt.Errorf("presenter.dispatch_mode: %w", err))
	}
	if c.Presenter.FrameInterval.Duration() < 0 {
		errs = append(errs, errors.New("presenter.frame_interval must not be negative"))
	}
	for i, entry := range c.Presenter.Autoplay {
		if entry.Scene == "" {
			errs = append(errs, fmt.Errorf("presenter.autoplay[%d] missing scene", i))
		}
		if !gronx.IsValid(entry.Cron) {
			errs = append(errs, fmt.Errorf("presenter.autoplay[%d] invalid cron expression: %q", i, entry.Cron))
		}
	}
	if len(c.Presenter.Autoplay) > 0 && !c.Presenter.Enabled {
		errs = append(errs, errors.New("presenter.autoplay requires presenter.enabled"))
	}

	if _, err := logging.ParseSeverity(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	for _, sink := range c.Logging.Sinks {
		if !knownSinks[sink] {
			errs = append(errs, fmt.Errorf("logging.sinks: unknown sink %q", sink))
		}
		if sink == "json" && c.Logging.JSON.FilePath == "" {
			c.Logging.JSON.FilePath = defaultJSONFilePath
		}
	}

	return errors.Join(errs...)
}
