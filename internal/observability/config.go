package observability

// Config captures opt-in observability toggles that wire into the server.
type Config struct {
	// EnablePprof mounts the net/http/pprof handlers under /debug/pprof/.
	EnablePprof bool
	// EnableMetrics exposes the Prometheus registry on /metrics.
	EnableMetrics bool
}

// DefaultConfig exposes metrics and keeps profiling off.
func DefaultConfig() Config {
	return Config{EnableMetrics: true}
}
