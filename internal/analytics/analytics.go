// Package analytics tracks unit execution metrics across tasks and
// persists them as JSON for later inspection.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MetricType defines the type of metric
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric data point
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Timestamp int64             `json:"timestamp"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// UnitMetrics tracks one unit execution end to end.
type UnitMetrics struct {
	UnitID    string `json:"unit_id"`
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Strategy  string `json:"strategy"`
	AgentType string `json:"agent_type"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time,omitempty"`
	Duration  int64  `json:"duration_s"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`

	// Attempts per gate, keyed by gate name
	GateAttempts map[string]int `json:"gate_attempts,omitempty"`
	FilesTouched int            `json:"files_touched"`
}

// AggregatedMetrics summarizes unit executions over a time period.
type AggregatedMetrics struct {
	StartTime int64 `json:"start_time"`
	EndTime   int64 `json:"end_time"`

	TotalUnits     int `json:"total_units"`
	Integrated     int `json:"integrated"`
	Rejected       int `json:"rejected"`
	Cancelled      int `json:"cancelled"`
	TotalAttempts  int `json:"total_gate_attempts"`
	AvgDurationSec float64 `json:"avg_duration_s"`

	ByStrategy   map[string]int `json:"by_strategy"`
	ByStatus     map[string]int `json:"by_status"`
	GateFailures map[string]int `json:"gate_failures"`
}

// TimeSeriesData represents a time series data point
type TimeSeriesData struct {
	Timestamp int64             `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Manager collects metrics in memory and flushes them to disk.
type Manager struct {
	mu            sync.RWMutex
	metrics       []*Metric
	unitMetrics   []*UnitMetrics
	logger        *log.Logger
	path          string
	maxMetrics    int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// Config holds manager configuration
type Config struct {
	Path          string // JSON persistence path; empty keeps metrics in memory only
	Logger        *log.Logger
	MaxMetrics    int           // Maximum raw samples to keep in memory
	FlushInterval time.Duration // How often to flush metrics to disk
}

// NewManager creates an analytics manager and starts its background
// flusher. Existing metrics at cfg.Path are loaded back in.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxMetrics == 0 {
		cfg.MaxMetrics = 10000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Minute
	}

	m := &Manager{
		metrics:       make([]*Metric, 0, cfg.MaxMetrics),
		unitMetrics:   make([]*UnitMetrics, 0, 256),
		logger:        cfg.Logger,
		path:          cfg.Path,
		maxMetrics:    cfg.MaxMetrics,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
	}
	if m.logger == nil {
		m.logger = log.New(os.Stdout, "[analytics] ", log.LstdFlags)
	}

	if cfg.Path != "" {
		if err := m.LoadFromFile(cfg.Path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading analytics: %w", err)
		}
	}

	m.startFlusher()
	return m, nil
}

// RecordMetric records a raw metric sample.
func (m *Manager) RecordMetric(metric *Metric) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric.Timestamp = time.Now().Unix()
	m.metrics = append(m.metrics, metric)

	if len(m.metrics) > m.maxMetrics {
		m.metrics = m.metrics[len(m.metrics)-m.maxMetrics:]
	}
}

// IncrementCounter records a counter sample.
func (m *Manager) IncrementCounter(name string, value float64, labels map[string]string) {
	m.RecordMetric(&Metric{Name: name, Type: MetricTypeCounter, Value: value, Labels: labels})
}

// SetGauge records a gauge sample.
func (m *Manager) SetGauge(name string, value float64, labels map[string]string) {
	m.RecordMetric(&Metric{Name: name, Type: MetricTypeGauge, Value: value, Labels: labels})
}

// RecordHistogram records a histogram sample.
func (m *Manager) RecordHistogram(name string, value float64, labels map[string]string) {
	m.RecordMetric(&Metric{Name: name, Type: MetricTypeHistogram, Value: value, Labels: labels})
}

// StartUnit begins tracking a unit execution.
func (m *Manager) StartUnit(unitID, taskID, title, strategy, agentType string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unitMetrics = append(m.unitMetrics, &UnitMetrics{
		UnitID:       unitID,
		TaskID:       taskID,
		Title:        title,
		Strategy:     strategy,
		AgentType:    agentType,
		StartTime:    time.Now().Unix(),
		Status:       "executing",
		GateAttempts: make(map[string]int),
	})
}

// EndUnit completes tracking a unit execution.
func (m *Manager) EndUnit(unitID, status, errorMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, um := range m.unitMetrics {
		if um.UnitID != unitID || um.EndTime != 0 {
			continue
		}
		um.EndTime = time.Now().Unix()
		um.Duration = um.EndTime - um.StartTime
		um.Status = status
		um.Error = errorMsg

		m.metrics = append(m.metrics, &Metric{
			Name:      "unit_duration_s",
			Type:      MetricTypeHistogram,
			Value:     float64(um.Duration),
			Timestamp: um.EndTime,
			Labels: map[string]string{
				"strategy": um.Strategy,
				"status":   um.Status,
			},
		})
		m.metrics = append(m.metrics, &Metric{
			Name:      "unit_completed",
			Type:      MetricTypeCounter,
			Value:     1,
			Timestamp: um.EndTime,
			Labels: map[string]string{
				"strategy": um.Strategy,
				"status":   um.Status,
			},
		})
		return
	}
}

// RecordGateAttempt tracks one gate run for a unit.
func (m *Manager) RecordGateAttempt(unitID, gate, verdict string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, um := range m.unitMetrics {
		if um.UnitID == unitID && um.EndTime == 0 {
			if um.GateAttempts == nil {
				um.GateAttempts = make(map[string]int)
			}
			um.GateAttempts[gate]++
			break
		}
	}

	m.metrics = append(m.metrics, &Metric{
		Name:      "gate_attempts",
		Type:      MetricTypeCounter,
		Value:     1,
		Timestamp: time.Now().Unix(),
		Labels:    map[string]string{"gate": gate, "verdict": verdict},
	})
}

// UpdateUnitFiles updates the file count for a running unit.
func (m *Manager) UpdateUnitFiles(unitID string, touched int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, um := range m.unitMetrics {
		if um.UnitID == unitID && um.EndTime == 0 {
			um.FilesTouched += touched
			return
		}
	}
}

// GetMetrics retrieves raw samples matching the filters.
func (m *Manager) GetMetrics(name string, labels map[string]string, startTime, endTime int64) []*Metric {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Metric
	for _, metric := range m.metrics {
		if name != "" && metric.Name != name {
			continue
		}
		if startTime > 0 && metric.Timestamp < startTime {
			continue
		}
		if endTime > 0 && metric.Timestamp > endTime {
			continue
		}
		if len(labels) > 0 {
			match := true
			for k, v := range labels {
				if metric.Labels == nil || metric.Labels[k] != v {
					match = false
					break
				}
			}
			if !match {
				continue
			}
		}
		result = append(result, metric)
	}
	return result
}

// GetUnitMetrics retrieves metrics for one unit.
func (m *Manager) GetUnitMetrics(unitID string) *UnitMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, um := range m.unitMetrics {
		if um.UnitID == unitID {
			cp := *um
			return &cp
		}
	}
	return nil
}

// GetAllUnitMetrics retrieves all tracked unit metrics.
func (m *Manager) GetAllUnitMetrics() []*UnitMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*UnitMetrics, len(m.unitMetrics))
	for i, um := range m.unitMetrics {
		cp := *um
		result[i] = &cp
	}
	return result
}

// Aggregate summarizes unit executions whose start falls in the range.
func (m *Manager) Aggregate(startTime, endTime int64) *AggregatedMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agg := &AggregatedMetrics{
		StartTime:    startTime,
		EndTime:      endTime,
		ByStrategy:   make(map[string]int),
		ByStatus:     make(map[string]int),
		GateFailures: make(map[string]int),
	}

	totalDuration := int64(0)
	for _, um := range m.unitMetrics {
		if um.StartTime < startTime || um.StartTime > endTime {
			continue
		}

		agg.TotalUnits++
		agg.ByStrategy[um.Strategy]++
		agg.ByStatus[um.Status]++

		switch um.Status {
		case "integrated", "merged":
			agg.Integrated++
		case "rejected":
			agg.Rejected++
		case "cancelled":
			agg.Cancelled++
		}

		for _, n := range um.GateAttempts {
			agg.TotalAttempts += n
		}
		totalDuration += um.Duration
	}

	for _, metric := range m.metrics {
		if metric.Name != "gate_attempts" || metric.Labels["verdict"] != "fail" {
			continue
		}
		if startTime > 0 && metric.Timestamp < startTime {
			continue
		}
		if endTime > 0 && metric.Timestamp > endTime {
			continue
		}
		agg.GateFailures[metric.Labels["gate"]]++
	}

	if agg.TotalUnits > 0 {
		agg.AvgDurationSec = float64(totalDuration) / float64(agg.TotalUnits)
	}
	return agg
}

// GetTimeSeries buckets samples of one metric by interval, averaging
// within each bucket.
func (m *Manager) GetTimeSeries(name string, labels map[string]string, startTime, endTime int64, interval time.Duration) []*TimeSeriesData {
	metrics := m.GetMetrics(name, labels, startTime, endTime)
	if len(metrics) == 0 {
		return nil
	}

	buckets := make(map[int64][]float64)
	for _, metric := range metrics {
		bucketTime := (metric.Timestamp / int64(interval.Seconds())) * int64(interval.Seconds())
		buckets[bucketTime] = append(buckets[bucketTime], metric.Value)
	}

	result := make([]*TimeSeriesData, 0, len(buckets))
	for bucketTime, values := range buckets {
		var avg float64
		for _, v := range values {
			avg += v
		}
		avg /= float64(len(values))
		result = append(result, &TimeSeriesData{Timestamp: bucketTime, Value: avg, Labels: labels})
	}
	return result
}

// LoadFromFile loads metrics from a JSON file
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var storage struct {
		Metrics     []*Metric      `json:"metrics"`
		UnitMetrics []*UnitMetrics `json:"unit_metrics"`
	}
	if err := json.Unmarshal(data, &storage); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = storage.Metrics
	m.unitMetrics = storage.UnitMetrics
	return nil
}

// SaveToFile saves metrics to a JSON file
func (m *Manager) SaveToFile(path string) error {
	m.mu.RLock()
	storage := struct {
		Metrics     []*Metric      `json:"metrics"`
		UnitMetrics []*UnitMetrics `json:"unit_metrics"`
	}{
		Metrics:     m.metrics,
		UnitMetrics: m.unitMetrics,
	}
	data, err := json.MarshalIndent(storage, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// startFlusher starts the background flusher
func (m *Manager) startFlusher() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if m.path != "" {
					if err := m.SaveToFile(m.path); err != nil {
						m.logger.Printf("flush error: %v", err)
					}
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop stops the flusher and writes a final snapshot.
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	m.wg.Wait()

	if m.path != "" {
		if err := m.SaveToFile(m.path); err != nil {
			return err
		}
	}
	return nil
}
