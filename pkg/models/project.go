package models

import "time"

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	// ProjectStatusInitializing indicates the project is being set up.
	ProjectStatusInitializing ProjectStatus = "initializing"
	// ProjectStatusRunning indicates pipeline stages are executing.
	ProjectStatusRunning ProjectStatus = "running"
	// ProjectStatusPaused indicates new task emission is suppressed.
	ProjectStatusPaused ProjectStatus = "paused"
	// ProjectStatusCompleted indicates every pipeline converged.
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusFailed indicates a fatal stage failure or internal error.
	ProjectStatusFailed ProjectStatus = "failed"
	// ProjectStatusCancelled indicates the project was cancelled by a caller.
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectStatusInitializing, ProjectStatusRunning, ProjectStatusPaused,
		ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this status.
func (s ProjectStatus) Terminal() bool {
	switch s {
	case ProjectStatusCompleted, ProjectStatusFailed, ProjectStatusCancelled:
		return true
	default:
		return false
	}
}

// ProjectError records one error surfaced to a project, with enough
// context for operator diagnosis.
type ProjectError struct {
	// Stage is the stage the error originated from, if any.
	Stage string `json:"stage,omitempty"`
	// Message is the human-readable error description.
	Message string `json:"message"`
	// Fatal indicates the error terminated the project.
	Fatal bool `json:"fatal"`
	// OccurredAt is when the error was recorded.
	OccurredAt time.Time `json:"occurred_at"`
}

// Project represents one end-to-end generation request and its accumulated state.
type Project struct {
	// ID is the unique identifier for this project.
	ID string `json:"id"`
	// Title is the short description of the project.
	Title string `json:"title"`
	// Requirements holds the caller-supplied generation requirements.
	Requirements map[string]any `json:"requirements,omitempty"`
	// Status is the current lifecycle state.
	Status ProjectStatus `json:"status"`
	// CurrentStage is the most recently dispatched stage name.
	CurrentStage string `json:"current_stage,omitempty"`
	// Progress is the completion percentage (0-100).
	Progress int `json:"progress"`
	// Context maps stage name to that stage's produced output. Append-only.
	Context map[string]any `json:"context,omitempty"`
	// Errors lists errors surfaced to this project.
	Errors []ProjectError `json:"errors,omitempty"`
	// CreatedAt is when the project was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the project state last changed.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the project reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProjectSnapshot is an immutable point-in-time view of a project served
// by status queries. Copies are deep enough that callers can never observe
// a torn write or mutate registry state.
type ProjectSnapshot struct {
	// ID is the project identifier.
	ID string `json:"id"`
	// Title is the project title.
	Title string `json:"title"`
	// Status is the lifecycle state at snapshot time.
	Status ProjectStatus `json:"status"`
	// CurrentStage is the most recently dispatched stage name.
	CurrentStage string `json:"current_stage,omitempty"`
	// Progress is the completion percentage (0-100).
	Progress int `json:"progress"`
	// CurrentTasks lists the IDs of tasks in flight at snapshot time.
	CurrentTasks []string `json:"current_tasks,omitempty"`
	// Errors lists errors surfaced so far.
	Errors []ProjectError `json:"errors,omitempty"`
	// Context maps stage name to produced output.
	Context map[string]any `json:"context,omitempty"`
	// TakenAt is when the snapshot was taken.
	TakenAt time.Time `json:"taken_at"`
}
