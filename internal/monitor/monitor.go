// Package monitor samples resource metrics on an interval, retains a
// bounded history, and raises edge-triggered threshold alerts.
package monitor

import (
	"context"
	"sync"
	"time"

	"fableforge/pkg/models"
)

// DefaultInterval is the sampling cadence when none is configured.
const DefaultInterval = 5 * time.Second

// DefaultHistorySize bounds the in-memory sample ring.
const DefaultHistorySize = 60

// Source provides the live values the monitor samples. The scheduler,
// budget, and project registry are wired through this interface so the
// monitor never reaches into their internals.
type Source interface {
	GPUUtilization() float64
	CPUUtilization() float64
	QueueDepth() int
	RunningCount() int
	ActiveProjects() int
}

// Alert describes one threshold crossing. Raised alerts fire once when
// the metric crosses above its threshold; a cleared alert fires once when
// it drops back below.
type Alert struct {
	// Metric is the series that crossed its threshold.
	Metric models.MetricType
	// Value is the sampled value at crossing time.
	Value float64
	// Threshold is the configured limit.
	Threshold float64
	// Cleared is false for a raise and true for recovery.
	Cleared bool
	// Timestamp is when the crossing was observed.
	Timestamp time.Time
}

// AlertFunc receives threshold crossings. Callbacks run on the sampling
// goroutine and must not block.
type AlertFunc func(Alert)

// Config contains configuration options for the Monitor.
type Config struct {
	// Interval is the sampling cadence. Defaults to DefaultInterval.
	Interval time.Duration
	// HistorySize bounds the retained sample ring. Defaults to
	// DefaultHistorySize.
	HistorySize int
	// Thresholds maps metric types to alert limits. Metrics without an
	// entry never alert.
	Thresholds map[models.MetricType]float64
}

// Monitor periodically samples a Source, keeps the most recent samples,
// and invokes alert callbacks on threshold crossings.
type Monitor struct {
	source   Source
	interval time.Duration

	mu         sync.RWMutex
	thresholds map[models.MetricType]float64
	// breached tracks which metrics are currently above threshold, so
	// alerts fire on the crossing rather than on every sample.
	breached map[models.MetricType]bool
	ring      []models.MetricSample
	size      int
	next      int
	count     int
	alertFns  []AlertFunc
	sampleFns []func(models.MetricSample)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor over the given source.
func New(source Source, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	thresholds := make(map[models.MetricType]float64, len(cfg.Thresholds))
	for k, v := range cfg.Thresholds {
		thresholds[k] = v
	}
	return &Monitor{
		source:     source,
		interval:   cfg.Interval,
		thresholds: thresholds,
		breached:   make(map[models.MetricType]bool),
		ring:       make([]models.MetricSample, cfg.HistorySize),
		size:       cfg.HistorySize,
	}
}

// OnAlert registers a callback for threshold crossings. Must be called
// before Start.
func (m *Monitor) OnAlert(fn AlertFunc) {
	m.mu.Lock()
	m.alertFns = append(m.alertFns, fn)
	m.mu.Unlock()
}

// OnSample registers a callback invoked for every sample taken, e.g. to
// persist history to the archive. Must be called before Start.
func (m *Monitor) OnSample(fn func(models.MetricSample)) {
	m.mu.Lock()
	m.sampleFns = append(m.sampleFns, fn)
	m.mu.Unlock()
}

// Start begins periodic sampling until Stop is called.
func (m *Monitor) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts periodic sampling. Already-collected history remains
// readable.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Sample takes one sample immediately, records it, and evaluates
// thresholds. Exposed so callers can force a sample outside the ticker.
func (m *Monitor) Sample() models.MetricSample {
	sample := models.MetricSample{
		Timestamp:      time.Now(),
		GPUUtilization: m.source.GPUUtilization(),
		CPUUtilization: m.source.CPUUtilization(),
		QueueDepth:     m.source.QueueDepth(),
		RunningTasks:   m.source.RunningCount(),
		ActiveProjects: m.source.ActiveProjects(),
	}

	m.mu.Lock()
	m.ring[m.next] = sample
	m.next = (m.next + 1) % m.size
	if m.count < m.size {
		m.count++
	}
	alerts := m.evaluateLocked(sample)
	fns := m.alertFns
	sampleFns := m.sampleFns
	m.mu.Unlock()

	for _, fn := range sampleFns {
		fn(sample)
	}
	for _, alert := range alerts {
		for _, fn := range fns {
			fn(alert)
		}
	}
	return sample
}

// evaluateLocked compares the sample against thresholds and returns the
// edge crossings. Caller must hold m.mu.
func (m *Monitor) evaluateLocked(sample models.MetricSample) []Alert {
	var alerts []Alert
	for metric, threshold := range m.thresholds {
		value := sample.Value(metric)
		above := value > threshold
		switch {
		case above && !m.breached[metric]:
			m.breached[metric] = true
			alerts = append(alerts, Alert{
				Metric:    metric,
				Value:     value,
				Threshold: threshold,
				Timestamp: sample.Timestamp,
			})
		case !above && m.breached[metric]:
			m.breached[metric] = false
			alerts = append(alerts, Alert{
				Metric:    metric,
				Value:     value,
				Threshold: threshold,
				Cleared:   true,
				Timestamp: sample.Timestamp,
			})
		}
	}
	return alerts
}

// UpdateThresholds replaces alert thresholds at runtime. Breach state for
// removed metrics is cleared; changed thresholds take effect on the next
// sample.
func (m *Monitor) UpdateThresholds(thresholds map[models.MetricType]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds = make(map[models.MetricType]float64, len(thresholds))
	for k, v := range thresholds {
		m.thresholds[k] = v
	}
	for metric := range m.breached {
		if _, ok := m.thresholds[metric]; !ok {
			delete(m.breached, metric)
		}
	}
}

// Latest returns the most recent sample, or false if none was taken yet.
func (m *Monitor) Latest() (models.MetricSample, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return models.MetricSample{}, false
	}
	idx := (m.next - 1 + m.size) % m.size
	return m.ring[idx], true
}

// History returns retained samples, oldest first.
func (m *Monitor) History() []models.MetricSample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.MetricSample, 0, m.count)
	start := m.next - m.count
	for i := 0; i < m.count; i++ {
		out = append(out, m.ring[((start+i)%m.size+m.size)%m.size])
	}
	return out
}

// Summary aggregates one metric series over the last window samples.
// A window of zero or anything exceeding the retained count covers the
// whole history.
func (m *Monitor) Summary(metric models.MetricType, window int) models.MetricSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := models.MetricSummary{Metric: metric}
	n := m.count
	if window > 0 && window < n {
		n = window
	}
	if n == 0 {
		return summary
	}

	var sum float64
	start := m.next - n
	for i := 0; i < n; i++ {
		v := m.ring[((start+i)%m.size+m.size)%m.size].Value(metric)
		if i == 0 || v < summary.Min {
			summary.Min = v
		}
		if v > summary.Max {
			summary.Max = v
		}
		sum += v
	}
	summary.Count = n
	summary.Avg = sum / float64(n)
	return summary
}
