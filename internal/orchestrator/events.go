package orchestrator

import (
	"time"

	"fableforge/pkg/models"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventProjectStarted indicates a project passed validation and began running.
	EventProjectStarted EventType = "project_started"
	// EventTaskEmitted indicates a stage's prerequisites were met and a task was admitted.
	EventTaskEmitted EventType = "task_emitted"
	// EventTaskSucceeded indicates a task completed successfully.
	EventTaskSucceeded EventType = "task_succeeded"
	// EventTaskFailed indicates a task failed or timed out.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying indicates a failed task will be retried after backoff.
	EventTaskRetrying EventType = "task_retrying"
	// EventStageSkipped indicates an optional stage was accepted as degraded.
	EventStageSkipped EventType = "stage_skipped"
	// EventProjectPaused indicates new task emission is suppressed.
	EventProjectPaused EventType = "project_paused"
	// EventProjectResumed indicates emission resumed and pending stages were re-emitted.
	EventProjectResumed EventType = "project_resumed"
	// EventProjectCompleted indicates every pipeline converged.
	EventProjectCompleted EventType = "project_completed"
	// EventProjectFailed indicates a fatal failure terminated the project.
	EventProjectFailed EventType = "project_failed"
	// EventProjectCancelled indicates a caller cancelled the project.
	EventProjectCancelled EventType = "project_cancelled"
)

// Event represents an event emitted by the orchestrator.
// Subscribers (dashboard, CLI run loop) use these to track progress.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// ProjectID is the ID of the related project.
	ProjectID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// Stage is the pipeline stage name, if applicable.
	Stage string
	// Status is the related task's terminal status, for task events.
	Status models.TaskStatus
	// Message provides additional context about the event.
	Message string
	// Err contains error details for failure events.
	Err error
	// Progress is the project completion percentage at event time.
	Progress int
	// Timestamp is when the event occurred.
	Timestamp time.Time
}
