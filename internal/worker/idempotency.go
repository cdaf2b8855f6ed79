package worker

import (
	"context"
	"fmt"
	"sync"
)

// IdempotentExecutor wraps a registry so task delivery is safe under
// at-least-once semantics. Executions are keyed by (task id, retry count):
// a redelivery of the same attempt returns the recorded outcome instead of
// re-applying side effects, and a concurrent duplicate waits for the first
// delivery to finish.
type IdempotentExecutor struct {
	registry *Registry

	mu sync.Mutex
	// inflight maps attempt key to a door closed when the first delivery
	// completes.
	inflight map[string]chan struct{}
	// outcomes records finished attempts by key.
	outcomes map[string]attemptOutcome
}

type attemptOutcome struct {
	output map[string]any
	err    error
}

// NewIdempotentExecutor creates an executor over the given registry.
func NewIdempotentExecutor(registry *Registry) *IdempotentExecutor {
	return &IdempotentExecutor{
		registry: registry,
		inflight: make(map[string]chan struct{}),
		outcomes: make(map[string]attemptOutcome),
	}
}

func attemptKey(req TaskRequest) string {
	return fmt.Sprintf("%s#%d", req.TaskID, req.RetryCount)
}

// Execute dispatches the request to the worker for its role, deduplicating
// by attempt key.
func (e *IdempotentExecutor) Execute(ctx context.Context, req TaskRequest) (map[string]any, error) {
	key := attemptKey(req)

	e.mu.Lock()
	if out, done := e.outcomes[key]; done {
		e.mu.Unlock()
		return out.output, out.err
	}
	if door, running := e.inflight[key]; running {
		e.mu.Unlock()
		select {
		case <-door:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		e.mu.Lock()
		out := e.outcomes[key]
		e.mu.Unlock()
		return out.output, out.err
	}
	door := make(chan struct{})
	e.inflight[key] = door
	e.mu.Unlock()

	w, err := e.registry.Lookup(req.Role)
	var output map[string]any
	if err == nil {
		output, err = w.Execute(ctx, req)
	}

	e.mu.Lock()
	// A cancelled attempt is not recorded: the scheduler discards the
	// result and a later retry uses a fresh retry count anyway.
	if ctx.Err() == nil {
		e.outcomes[key] = attemptOutcome{output: output, err: err}
	}
	delete(e.inflight, key)
	e.mu.Unlock()
	close(door)

	return output, err
}

// Forget drops recorded outcomes for a task, freeing memory once the
// orchestrator has archived it.
func (e *IdempotentExecutor) Forget(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.outcomes {
		if len(key) > len(taskID) && key[:len(taskID)] == taskID && key[len(taskID)] == '#' {
			delete(e.outcomes, key)
		}
	}
}
