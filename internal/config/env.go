package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "MATHSTREAM_"

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with any MATHSTREAM_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	env := envReader{lookup: lookup}

	env.str("SERVER_ADDRESS", &cfg.Server.Address)
	env.int("SERVER_PORT", &cfg.Server.Port)
	env.str("CLIENT_DIR", &cfg.Server.ClientDir)
	env.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	env.size("STREAM_READ_LIMIT", &cfg.Stream.ReadLimit)
	env.duration("STREAM_WRITE_TIMEOUT", &cfg.Stream.WriteTimeout)
	env.duration("STREAM_PING_INTERVAL", &cfg.Stream.PingInterval)
	env.float("STREAM_RATE_RPS", &cfg.Stream.RateLimit.RPS)
	env.int("STREAM_RATE_BURST", &cfg.Stream.RateLimit.Burst)
	env.list("ALLOWED_ORIGINS", &cfg.Stream.AllowedOrigins)
	env.list("DEFAULT_PERMISSIONS", &cfg.Stream.DefaultPermissions)

	env.optionalInt("RECONNECT_ATTEMPTS", &cfg.Client.MaxReconnectAttempts)
	env.duration("RECONNECT_BASE", &cfg.Client.ReconnectBase)
	env.duration("RECONNECT_CAP", &cfg.Client.ReconnectCap)

	env.bool("PRESENTER_ENABLED", &cfg.Presenter.Enabled)
	env.str("PRESENTER_ID", &cfg.Presenter.ClientID)
	env.str("PRESENTER_URL", &cfg.Presenter.URL)
	env.str("SCENES_DIR", &cfg.Presenter.ScenesDir)
	env.str("DISPATCH_MODE", &cfg.Presenter.DispatchMode)
	env.duration("FRAME_INTERVAL", &cfg.Presenter.FrameInterval)
	if raw, ok := env.get("SAMPLE_SCENE"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			env.fail("SAMPLE_SCENE", raw, err)
		} else {
			cfg.Presenter.Sample = &v
		}
	}

	env.str("LOG_LEVEL", &cfg.Logging.Level)
	env.list("LOG_SINKS", &cfg.Logging.Sinks)
	env.str("LOG_FILE", &cfg.Logging.JSON.FilePath)

	env.bool("ENABLE_PPROF", &cfg.Observability.EnablePprof)
	if raw, ok := env.get("ENABLE_METRICS"); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			env.fail("ENABLE_METRICS", raw, err)
		} else {
			cfg.Observability.EnableMetrics = &v
		}
	}

	return env.err
}

type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(name string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	raw, ok := e.lookup(EnvPrefix + name)
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

func (e *envReader) fail(name, raw string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s=%q: %w", EnvPrefix, name, raw, err)
	}
}

func (e *envReader) str(name string, dst *string) {
	if raw, ok := e.get(name); ok {
		*dst = raw
	}
}

func (e *envReader) int(name string, dst *int) {
	if raw, ok := e.get(name); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) optionalInt(name string, dst **int) {
	if raw, ok := e.get(name); ok {
		v, err := strconv.Atoi(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = &v
	}
}

func (e *envReader) float(name string, dst *float64) {
	if raw, ok := e.get(name); ok {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) bool(name string, dst *bool) {
	if raw, ok := e.get(name); ok {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) duration(name string, dst *Duration) {
	if raw, ok := e.get(name); ok {
		v, err := ParseDuration(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) size(name string, dst *SizeBytes) {
	if raw, ok := e.get(name); ok {
		v, err := ParseSize(raw)
		if err != nil {
			e.fail(name, raw, err)
			return
		}
		*dst = v
	}
}

func (e *envReader) list(name string, dst *[]string) {
	if raw, ok := e.get(name); ok {
		var out []string
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
	}
}
