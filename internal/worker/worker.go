// Package worker defines the agent worker contract and the role registry
// the scheduler dispatches through. Concrete generation agents (plot,
// image, voice, ...) live outside the coordination core; anything that
// satisfies Worker can be registered under a role.
package worker

import (
	"context"
	"time"
)

// TaskRequest is the submission contract handed to an agent worker for
// one task execution.
type TaskRequest struct {
	// TaskID identifies the task being executed.
	TaskID string `json:"task_id"`
	// Stage is the pipeline stage name.
	Stage string `json:"stage"`
	// Role is the agent role the stage requires.
	Role string `json:"role"`
	// RetryCount is the attempt number for this stage, starting at 0.
	RetryCount int `json:"retry_count"`
	// InputContext is the accumulated project context.
	InputContext map[string]any `json:"input_context,omitempty"`
	// Deadline is the wall-clock time by which execution must finish.
	Deadline time.Time `json:"deadline"`
}

// Worker executes one task for one role. Implementations must honor
// context cancellation (cancellation is cooperative) and must be safe for
// concurrent Execute calls.
type Worker interface {
	// Role returns the agent role this worker fulfills.
	Role() string
	// Execute runs one task and returns its output, or an error if the
	// work could not be completed.
	Execute(ctx context.Context, req TaskRequest) (map[string]any, error)
}
