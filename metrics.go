package capnweb

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides telemetry collection for the connection lifecycle and the
// result cache.
type Metrics interface {
	// Counter returns the counter registered under name, creating it on first
	// use. labels select the series; the label set must be stable per name.
	Counter(name string, labels map[string]string) Counter

	// Gauge returns the gauge registered under name, creating it on first use.
	Gauge(name string, labels map[string]string) Gauge
}

// Counter tracks monotonically increasing values.
type Counter interface {
	Inc()
	Add(delta float64)
}

// Gauge tracks values that can go up or down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
}

// PrometheusMetrics implements Metrics on a prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry
	mu       sync.Mutex
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics creates a Metrics implementation backed by the given
// registry. A nil registry gets a fresh one.
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	return &PrometheusMetrics{
		registry: registry,
		counters: make(map[string]*prometheus.CounterVec),
		gauges:   make(map[string]*prometheus.GaugeVec),
	}
}

// Registry exposes the underlying registry for scraping.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, labelKeys(labels))
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}

	return vec.With(labels)
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, labelKeys(labels))
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}

	return vec.With(labels)
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}

	return keys
}

// NewNoOpMetrics creates a metrics collector that discards everything.
// Useful for testing or when metrics are disabled.
func NewNoOpMetrics() Metrics {
	return &noOpMetrics{}
}

type noOpMetrics struct{}

func (n *noOpMetrics) Counter(name string, labels map[string]string) Counter { return noOpMetric{} }
func (n *noOpMetrics) Gauge(name string, labels map[string]string) Gauge     { return noOpMetric{} }

type noOpMetric struct{}

func (noOpMetric) Inc()              {}
func (noOpMetric) Dec()              {}
func (noOpMetric) Add(delta float64) {}
func (noOpMetric) Set(value float64) {}
