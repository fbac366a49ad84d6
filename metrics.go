package trapgate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MetricsCollector receives pipeline counters and timings. The in-memory
// implementation below is the default; deployments with a real metrics
// stack supply their own.
type MetricsCollector interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Metric names emitted by the orchestrator.
const (
	metricVerdicts       = "trapgate_verdicts_total"
	metricSafeShortcuts  = "trapgate_safe_shortcircuits_total"
	metricPayloadBuilds  = "trapgate_payload_builds_total"
	metricAuditFailures  = "trapgate_audit_failures_total"
	metricProcessSeconds = "trapgate_process_seconds"
	metricHistorySize    = "trapgate_history_entries"
)

type InMemoryMetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]map[string]int64
	gauges     map[string]map[string]float64
	histograms map[string][]float64
}

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

func labelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "default"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+labels[k])
	}
	return strings.Join(parts, ",")
}

// CounterValue returns the current value of a counter, for tests and the
// status endpoint.
func (m *InMemoryMetricsCollector) CounterValue(name string, labels map[string]string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if counters, ok := m.counters[name]; ok {
		return counters[labelKey(labels)]
	}
	return 0
}

// ExportPrometheus renders the collected metrics in Prometheus text format.
func (m *InMemoryMetricsCollector) ExportPrometheus() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out strings.Builder
	for _, name := range sortedKeys(m.counters) {
		out.WriteString(fmt.Sprintf("# TYPE %s counter\n", name))
		for _, lk := range sortedKeys(m.counters[name]) {
			out.WriteString(fmt.Sprintf("%s{%s} %d\n", name, lk, m.counters[name][lk]))
		}
	}
	for _, name := range sortedKeys(m.gauges) {
		out.WriteString(fmt.Sprintf("# TYPE %s gauge\n", name))
		for _, lk := range sortedKeys(m.gauges[name]) {
			out.WriteString(fmt.Sprintf("%s{%s} %f\n", name, lk, m.gauges[name][lk]))
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

// NopMetricsCollector discards everything.
type NopMetricsCollector struct{}

func (NopMetricsCollector) IncrementCounter(string, map[string]string)          {}
func (NopMetricsCollector) ObserveHistogram(string, float64, map[string]string) {}
func (NopMetricsCollector) SetGauge(string, float64, map[string]string)         {}
