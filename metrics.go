package threatguard

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MetricsCollector is the observability hook the engine reports through.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
	HealthCheck() error
	ExportPrometheus() string
}

// InMemoryMetricsCollector keeps metrics in plain maps. Suitable for tests
// and single-process deployments without a scrape target.
type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

// NewInMemoryMetricsCollector creates an empty collector.
func NewInMemoryMetricsCollector() *InMemoryMetricsCollector {
	return &InMemoryMetricsCollector{
		counters:   make(map[string]map[string]int64),
		gauges:     make(map[string]map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func (m *InMemoryMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters[name] == nil {
		m.counters[name] = make(map[string]int64)
	}
	m.counters[name][labelKey(labels)]++
}

func (m *InMemoryMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histograms[name] = append(m.histograms[name], value)
}

func (m *InMemoryMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges[name] == nil {
		m.gauges[name] = make(map[string]float64)
	}
	m.gauges[name][labelKey(labels)] = value
}

// CounterValue returns the current value of a counter, for tests.
func (m *InMemoryMetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name][labelKey(labels)]
}

func (m *InMemoryMetricsCollector) HealthCheck() error { return nil }

// ExportPrometheus renders the collected metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out strings.Builder
	for _, name := range sortedKeys(m.counters) {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		labelMap := m.counters[name]
		for _, lk := range sortedKeys(labelMap) {
			out.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, labelMap[lk]))
		}
	}
	for _, name := range sortedKeys(m.gauges) {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		labelMap := m.gauges[name]
		for _, lk := range sortedKeys(labelMap) {
			out.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, labelMap[lk]))
		}
	}
	for _, name := range sortedKeys(m.histograms) {
		values := m.histograms[name]
		if len(values) == 0 {
			continue
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		out.WriteString(fmt.Sprintf("# TYPE %s histogram\n", name))
		out.WriteString(fmt.Sprintf("%s_sum %f\n", name, sum))
		out.WriteString(fmt.Sprintf("%s_count %d\n", name, len(values)))
	}
	return out.String()
}

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PrometheusMetricsCollector backs the MetricsCollector interface with a
// dedicated prometheus registry. Metric vectors are created lazily from
// the label keys of the first observation; subsequent observations of a
// metric must use the same label keys.
type PrometheusMetricsCollector struct {
	mu         sync.Mutex
	registry   *prometheus.Registry
	namespace  string
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetricsCollector creates a collector with its own registry.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	return &PrometheusMetricsCollector{
		registry:   prometheus.NewRegistry(),
		namespace:  namespace,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry, e.g. for promhttp handlers.
func (m *PrometheusMetricsCollector) Registry() *prometheus.Registry { return m.registry }

func (m *PrometheusMetricsCollector) IncrementCounter(name string, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, labelNames(labels))
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Inc()
}

func (m *PrometheusMetricsCollector) SetGauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
		}, labelNames(labels))
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Set(value)
}

func (m *PrometheusMetricsCollector) ObserveHistogram(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: m.namespace,
			Name:      name,
			Help:      name,
			Buckets:   prometheus.DefBuckets,
		}, labelNames(labels))
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Observe(value)
}

func (m *PrometheusMetricsCollector) HealthCheck() error {
	_, err := m.registry.Gather()
	return err
}

// ExportPrometheus gathers the registry and renders a minimal text
// exposition.
func (m *PrometheusMetricsCollector) ExportPrometheus() string {
	families, err := m.registry.Gather()
	if err != nil {
		return ""
	}
	var out strings.Builder
	for _, mf := range families {
		out.WriteString(fmt.Sprintf("# TYPE %s %s\n", mf.GetName(), strings.ToLower(mf.GetType().String())))
		for _, metric := range mf.GetMetric() {
			out.WriteString(mf.GetName())
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				out.WriteString("{")
				for i, pair := range pairs {
					if i > 0 {
						out.WriteString(",")
					}
					out.WriteString(fmt.Sprintf("%s=%q", pair.GetName(), pair.GetValue()))
				}
				out.WriteString("}")
			}
			out.WriteString(" ")
			out.WriteString(metricValue(mf.GetType(), metric))
			out.WriteString("\n")
		}
	}
	return out.String()
}

func metricValue(t dto.MetricType, m *dto.Metric) string {
	switch t {
	case dto.MetricType_COUNTER:
		return fmt.Sprintf("%g", m.GetCounter().GetValue())
	case dto.MetricType_GAUGE:
		return fmt.Sprintf("%g", m.GetGauge().GetValue())
	case dto.MetricType_HISTOGRAM:
		return fmt.Sprintf("%g", m.GetHistogram().GetSampleSum())
	default:
		return "0"
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
