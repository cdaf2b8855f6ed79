package models

import "time"

// MetricType identifies one sampled metric series.
type MetricType string

const (
	// MetricGPUUtilization is the percentage of total GPU units allocated.
	MetricGPUUtilization MetricType = "gpu_utilization"
	// MetricCPUUtilization is the percentage of total CPU units allocated.
	MetricCPUUtilization MetricType = "cpu_utilization"
	// MetricQueueDepth is the number of tasks waiting for resources.
	MetricQueueDepth MetricType = "queue_depth"
	// MetricRunningTasks is the number of tasks currently executing.
	MetricRunningTasks MetricType = "running_tasks"
	// MetricActiveProjects is the number of non-terminal projects.
	MetricActiveProjects MetricType = "active_projects"
)

// Valid returns true if the metric type is a known value.
func (t MetricType) Valid() bool {
	switch t {
	case MetricGPUUtilization, MetricCPUUtilization, MetricQueueDepth,
		MetricRunningTasks, MetricActiveProjects:
		return true
	default:
		return false
	}
}

// MetricSample is one point-in-time resource snapshot. Samples are
// append-only; retention is bounded by the monitor's ring buffer for the
// live view and by the archive store for export.
type MetricSample struct {
	// Timestamp is when the sample was taken.
	Timestamp time.Time `json:"timestamp"`
	// GPUUtilization is allocated GPU units as a percentage of total.
	GPUUtilization float64 `json:"gpu_utilization"`
	// CPUUtilization is allocated CPU units as a percentage of total.
	CPUUtilization float64 `json:"cpu_utilization"`
	// QueueDepth is the number of tasks waiting for resources.
	QueueDepth int `json:"queue_depth"`
	// RunningTasks is the number of tasks currently executing.
	RunningTasks int `json:"running_tasks"`
	// ActiveProjects is the number of non-terminal projects.
	ActiveProjects int `json:"active_projects"`
}

// Value returns the sample's value for the given metric type.
func (m MetricSample) Value(t MetricType) float64 {
	switch t {
	case MetricGPUUtilization:
		return m.GPUUtilization
	case MetricCPUUtilization:
		return m.CPUUtilization
	case MetricQueueDepth:
		return float64(m.QueueDepth)
	case MetricRunningTasks:
		return float64(m.RunningTasks)
	case MetricActiveProjects:
		return float64(m.ActiveProjects)
	default:
		return 0
	}
}

// MetricSummary aggregates a metric series over a window.
type MetricSummary struct {
	// Metric is the series aggregated.
	Metric MetricType `json:"metric"`
	// Count is the number of samples in the window.
	Count int `json:"count"`
	// Min is the smallest observed value.
	Min float64 `json:"min"`
	// Avg is the arithmetic mean of observed values.
	Avg float64 `json:"avg"`
	// Max is the largest observed value.
	Max float64 `json:"max"`
}
