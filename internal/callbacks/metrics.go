package callbacks

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// MetricType represents the type of Prometheus metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric
type Metric struct {
	Type   MetricType
	Name   string
	Help   string
	Value  float64
	Count  int64 // observation count for histograms
	Labels map[string]string
}

// MetricsCallback implements Callback with Prometheus-compatible
// metric tracking for orchestration lifecycle events. Histograms track
// sum and count only; no buckets.
type MetricsCallback struct {
	mu      sync.RWMutex
	metrics map[string]*Metric
}

// NewMetricsCallback creates a new metrics callback
func NewMetricsCallback() *MetricsCallback {
	return &MetricsCallback{
		metrics: make(map[string]*Metric),
	}
}

// Increment increments a counter metric
func (m *MetricsCallback) Increment(name string, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := m.metrics[key]; exists {
		metric.Value++
	} else {
		m.metrics[key] = &Metric{
			Type:   MetricTypeCounter,
			Name:   name,
			Help:   fmt.Sprintf("Counter metric: %s", name),
			Value:  1,
			Labels: labels,
		}
	}
}

// Gauge sets a gauge metric value
func (m *MetricsCallback) Gauge(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics[metricKey(name, labels)] = &Metric{
		Type:   MetricTypeGauge,
		Name:   name,
		Help:   fmt.Sprintf("Gauge metric: %s", name),
		Value:  value,
		Labels: labels,
	}
}

// Observe records a value in a histogram metric
func (m *MetricsCallback) Observe(name string, value float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := metricKey(name, labels)
	if metric, exists := m.metrics[key]; exists {
		metric.Value += value
		metric.Count++
	} else {
		m.metrics[key] = &Metric{
			Type:   MetricTypeHistogram,
			Name:   name,
			Help:   fmt.Sprintf("Histogram metric: %s", name),
			Value:  value,
			Count:  1,
			Labels: labels,
		}
	}
}

// metricKey generates a unique key for a metric with labels
func metricKey(name string, labels map[string]string) string {
	key := name

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key += fmt.Sprintf(";%s=%s", k, labels[k])
	}
	return key
}

// WritePrometheus writes metrics in Prometheus text format, grouped
// by name in sorted order.
func (m *MetricsCallback) WritePrometheus(w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	grouped := make(map[string][]*Metric)
	for _, metric := range m.metrics {
		grouped[metric.Name] = append(grouped[metric.Name], metric)
	}
	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		metrics := grouped[name]
		fmt.Fprintf(w, "# HELP %s %s\n", name, metrics[0].Help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, metrics[0].Type)

		for _, metric := range metrics {
			labels := formatLabels(metric.Labels)
			if metric.Type == MetricTypeHistogram {
				fmt.Fprintf(w, "%s_sum%s %v\n", name, labels, metric.Value)
				fmt.Fprintf(w, "%s_count%s %d\n", name, labels, metric.Count)
			} else {
				fmt.Fprintf(w, "%s%s %v\n", name, labels, metric.Value)
			}
		}
		fmt.Fprintln(w)
	}
	return nil
}

// formatLabels formats labels for Prometheus exposition
func formatLabels(labels map[string]string) string {
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
		parts = append(parts, fmt.Sprintf(`%s=%q`, k, escapeLabelValue(labels[k])))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(v string) string {
	return labelEscaper.Replace(v)
}

// GetMetric returns a metric by name and labels
func (m *MetricsCallback) GetMetric(name string, labels map[string]string) (*Metric, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	metric, exists := m.metrics[metricKey(name, labels)]
	return metric, exists
}

// GetAllMetrics returns a copy of all metrics
func (m *MetricsCallback) GetAllMetrics() map[string]*Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Metric, len(m.metrics))
	for k, v := range m.metrics {
		metricCopy := *v
		result[k] = &metricCopy
	}
	return result
}

// Reset clears all metrics
func (m *MetricsCallback) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = make(map[string]*Metric)
}

// Lifecycle callbacks with metric tracking

func (m *MetricsCallback) OnTaskStarted(ctx *TaskEventContext) error {
	m.Increment("foreman_tasks_started_total", nil)
	return nil
}

func (m *MetricsCallback) OnTaskCompleted(ctx *TaskEventContext) error {
	m.Increment("foreman_tasks_completed_total", map[string]string{"strategy": ctx.Strategy})
	if ctx.Duration != nil {
		m.Observe("foreman_task_duration_ms", float64(ctx.Duration.Milliseconds()), nil)
	}
	return nil
}

func (m *MetricsCallback) OnTaskFailed(ctx *TaskEventContext) error {
	m.Increment("foreman_tasks_failed_total", nil)
	return nil
}

func (m *MetricsCallback) OnUnitStarted(ctx *UnitEventContext) error {
	m.Increment("foreman_units_started_total", map[string]string{"strategy": ctx.Strategy})
	return nil
}

func (m *MetricsCallback) OnUnitExecuted(ctx *UnitEventContext) error {
	if ctx.Duration != nil {
		m.Observe("foreman_unit_execution_ms", float64(ctx.Duration.Milliseconds()), nil)
	}
	return nil
}

func (m *MetricsCallback) OnUnitIntegrated(ctx *UnitEventContext) error {
	m.Increment("foreman_units_integrated_total", nil)
	return nil
}

func (m *MetricsCallback) OnUnitMerged(ctx *UnitEventContext) error {
	m.Increment("foreman_units_merged_total", nil)
	return nil
}

func (m *MetricsCallback) OnUnitRejected(ctx *UnitEventContext) error {
	m.Increment("foreman_units_rejected_total", map[string]string{"category": ctx.ErrorCategory})
	return nil
}

func (m *MetricsCallback) OnUnitCancelled(ctx *UnitEventContext) error {
	m.Increment("foreman_units_cancelled_total", nil)
	return nil
}

func (m *MetricsCallback) OnGatePassed(ctx *GateEventContext) error {
	m.Increment("foreman_gate_verdicts_total", map[string]string{"gate": ctx.Gate, "verdict": "pass"})
	return nil
}

func (m *MetricsCallback) OnGateFailed(ctx *GateEventContext) error {
	m.Increment("foreman_gate_verdicts_total", map[string]string{"gate": ctx.Gate, "verdict": "fail"})
	return nil
}

func (m *MetricsCallback) OnMergeFailed(ctx *MergeEventContext) error {
	m.Increment("foreman_merge_failures_total", nil)
	return nil
}
