package telemetry

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// PrometheusMetrics implements Metrics on top of lazily registered Prometheus
// counters (Add) and gauges (Store). It also keeps the raw values so they can
// be served from the diagnostics endpoint.
type PrometheusMetrics struct {
	namespace  string
	registerer prometheus.Registerer

	mu       sync.Mutex
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	values   map[string]uint64
}

// NewPrometheusMetrics constructs metrics registered against registerer. A
// nil registerer keeps values in memory only.
func NewPrometheusMetrics(namespace string, registerer prometheus.Registerer) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registerer: registerer,
		counters:   make(map[string]prometheus.Counter),
		gauges:     make(map[string]prometheus.Gauge),
		values:     make(map[string]uint64),
	}
}

// Add increments the counter named key.
func (m *PrometheusMetrics) Add(key string, delta uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] += delta
	counter, ok := m.counters[key]
	if !ok {
		counter = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      "Streaming counter " + key + ".",
		})
		counter = register(m.registerer, counter)
		m.counters[key] = counter
	}
	counter.Add(float64(delta))
}

// Store sets the gauge named key.
func (m *PrometheusMetrics) Store(key string, value uint64) {
	if m == nil || key == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	gauge, ok := m.gauges[key]
	if !ok {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      key,
			Help:      "Streaming gauge " + key + ".",
		})
		gauge = register(m.registerer, gauge)
		m.gauges[key] = gauge
	}
	gauge.Set(float64(value))
}

// Snapshot returns a copy of every recorded value.
func (m *PrometheusMetrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) T {
	if registerer == nil {
		return collector
	}
	if err := registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return collector
}
