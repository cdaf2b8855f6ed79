package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued awaiting resources.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusScheduled indicates resources are reserved and dispatch is imminent.
	TaskStatusScheduled TaskStatus = "scheduled"
	// TaskStatusRunning indicates a worker is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the worker completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the worker reported an error.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusTimedOut indicates the stage timeout elapsed while running.
	TaskStatusTimedOut TaskStatus = "timed_out"
	// TaskStatusCancelled indicates the task was cancelled before completion.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusScheduled, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a final task outcome.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// ResourceSpec describes the GPU/CPU units a task needs to run.
type ResourceSpec struct {
	// GPUUnits is the number of GPU units required.
	GPUUnits int `json:"gpu_units" yaml:"gpu_units"`
	// CPUUnits is the number of CPU units required.
	CPUUnits int `json:"cpu_units" yaml:"cpu_units"`
}

// IsZero returns true if the spec requests no resources.
func (r ResourceSpec) IsZero() bool {
	return r.GPUUnits == 0 && r.CPUUnits == 0
}

// Task represents a scheduled execution of one stage for one project.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ProjectID is the project this task belongs to.
	ProjectID string `json:"project_id"`
	// Stage is the pipeline stage this task executes.
	Stage string `json:"stage"`
	// Role is the agent role required to execute the stage.
	Role string `json:"role"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// Priority orders queued tasks; lower values are dispatched first.
	Priority int `json:"priority"`
	// Resources are the GPU/CPU units this task reserves while running.
	Resources ResourceSpec `json:"resources"`
	// RetryCount is the number of times this stage has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// Timeout is the stage's configured execution timeout.
	Timeout time.Duration `json:"timeout"`
	// Deadline is the wall-clock time by which execution must finish.
	// Set when the task starts running.
	Deadline time.Time `json:"deadline,omitempty"`
	// InputContext is the accumulated project context handed to the worker.
	InputContext map[string]any `json:"input_context,omitempty"`
	// Result holds the worker's output for succeeded tasks.
	Result map[string]any `json:"result,omitempty"`
	// Error contains the failure message for failed tasks.
	Error string `json:"error,omitempty"`
	// EnqueuedAt is when the task entered the scheduler.
	EnqueuedAt time.Time `json:"enqueued_at"`
	// StartedAt is when the worker began executing, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
