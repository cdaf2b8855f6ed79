package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Simulated is a worker that produces stub output after a configurable
// delay. The demo mode of the CLI registers one per pipeline role, and
// tests use it to drive the scheduler without real generation backends.
type Simulated struct {
	// role is the agent role this worker fulfills.
	role string
	// latency is how long each execution takes.
	latency time.Duration
	// failures is the number of leading executions that fail.
	failures int64
	// calls counts Execute invocations.
	calls atomic.Int64
}

// NewSimulated creates a simulated worker for the role.
func NewSimulated(role string, latency time.Duration) *Simulated {
	return &Simulated{role: role, latency: latency}
}

// FailFirst makes the first n executions return an error, then succeed.
// Useful for retry-path tests.
func (s *Simulated) FailFirst(n int) *Simulated {
	s.failures = int64(n)
	return s
}

// Role returns the worker's role.
func (s *Simulated) Role() string { return s.role }

// Calls returns how many times Execute has been invoked.
func (s *Simulated) Calls() int64 { return s.calls.Load() }

// Execute waits for the configured latency, honoring cancellation, then
// returns a stub output keyed by the stage name.
func (s *Simulated) Execute(ctx context.Context, req TaskRequest) (map[string]any, error) {
	n := s.calls.Add(1)

	if s.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.latency):
		}
	}

	if n <= s.failures {
		return nil, fmt.Errorf("simulated failure %d for stage %s", n, req.Stage)
	}

	return map[string]any{
		"stage":    req.Stage,
		"role":     s.role,
		"attempt":  req.RetryCount,
		"produced": fmt.Sprintf("%s output for task %s", s.role, req.TaskID),
	}, nil
}
