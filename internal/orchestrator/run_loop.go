package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fableforge/internal/scheduler"
	"fableforge/pkg/models"
)

// outcomeLoop consumes terminal task outcomes from the scheduler until the
// loop context is cancelled and the outcome channel drains.
func (o *Orchestrator) outcomeLoop(ctx context.Context) {
	defer close(o.loopDone)
	for {
		select {
		case out, ok := <-o.sched.Outcomes():
			if !ok {
				return
			}
			o.handleOutcome(out)
		case <-ctx.Done():
			// Drain whatever the scheduler already produced so Stop
			// never leaks a terminal outcome.
			for {
				select {
				case out, ok := <-o.sched.Outcomes():
					if !ok {
						return
					}
					o.handleOutcome(out)
				default:
					return
				}
			}
		}
	}
}

// handleOutcome routes one terminal task outcome: success advances the
// stage graph, failure consults the retry budget, and anything arriving
// after the project went terminal is discarded.
func (o *Orchestrator) handleOutcome(out scheduler.Outcome) {
	task := out.Task
	o.registry.TaskFinished(task.ProjectID, task.ID)
	o.sched.Forget(task.ID)
	o.archiveTask(task)

	ps := o.project(task.ProjectID)
	if ps == nil {
		o.logger.Log("[orchestrator] outcome for unknown project %s discarded", task.ProjectID)
		return
	}

	ps.mu.Lock()
	if ps.done || ps.cancelled {
		// Late result after a terminal transition. The outcome was
		// already archived above; nothing else to do.
		ps.mu.Unlock()
		return
	}
	delete(ps.inflight, task.Stage)

	var failProject bool
	if out.Internal {
		o.failLocked(ps, task.Stage, fmt.Sprintf("scheduler internal error: %s", task.Error))
		failProject = true
	} else {
		switch task.Status {
		case models.TaskStatusSucceeded:
			o.onSucceededLocked(ps, task)
		case models.TaskStatusFailed, models.TaskStatusTimedOut:
			failProject = o.onFailedLocked(ps, task)
		case models.TaskStatusCancelled:
			// Cancelled individually while the project lives on. The
			// stage stays unsatisfied; nothing re-emits it automatically.
			o.logger.Log("[orchestrator] task %s (stage %s) cancelled", task.ID, task.Stage)
		}
	}
	ps.mu.Unlock()

	if failProject {
		o.sched.CancelProject(ps.id)
		o.archiveProject(ps.id)
	}
}

// onSucceededLocked merges the task result into project context, marks
// the stage satisfied, and emits newly-ready stages. Caller holds ps.mu.
func (o *Orchestrator) onSucceededLocked(ps *projectState, task *models.Task) {
	if err := o.registry.MergeContext(ps.id, task.Stage, task.Result); err != nil {
		log.Printf("[orchestrator] warning: merge context for %s/%s: %v", ps.id, task.Stage, err)
	}
	ps.graph.MarkSatisfied(task.Stage)
	o.updateProgressLocked(ps, task.Stage)
	o.logger.Log("[orchestrator] project %s: stage %s succeeded", ps.id, task.Stage)
	o.emitter.Emit(Event{
		Type:      EventTaskSucceeded,
		ProjectID: ps.id,
		TaskID:    task.ID,
		Stage:     task.Stage,
		Status:    task.Status,
		Timestamp: time.Now(),
	})

	if o.maybeCompleteLocked(ps) {
		return
	}
	o.emitReadyLocked(ps)
}

// onFailedLocked applies the retry policy to a failed or timed-out task.
// Returns true when the failure is fatal to the project (critical stage
// exhausted), in which case the caller must cancel remaining work.
// Caller holds ps.mu.
func (o *Orchestrator) onFailedLocked(ps *projectState, task *models.Task) bool {
	stage := ps.graph.Stage(task.Stage)
	attempts := task.RetryCount + 1
	ps.attempts[task.Stage] = attempts

	o.emitter.Emit(Event{
		Type:      EventTaskFailed,
		ProjectID: ps.id,
		TaskID:    task.ID,
		Stage:     task.Stage,
		Status:    task.Status,
		Err:       taskError(task.Error),
		Timestamp: time.Now(),
	})

	if task.RetryCount < o.retry.MaxRetries {
		delay := o.retry.Backoff(attempts)
		o.registry.AppendError(ps.id, models.ProjectError{
			Stage:      task.Stage,
			Message:    fmt.Sprintf("attempt %d failed: %s (retrying in %s)", attempts, task.Error, delay),
			OccurredAt: time.Now(),
		})
		o.scheduleRetryLocked(ps, task.Stage, delay)
		return false
	}

	// Retry budget exhausted. Only designated enhancement stages may be
	// accepted as skipped; everything else fails the project.
	if stage == nil || !stage.Optional || stage.Critical {
		o.failLocked(ps, task.Stage, fmt.Sprintf("stage %s exceeded retry budget: %s", task.Stage, task.Error))
		return true
	}

	// Optional stage: skip it, flag the skip in project context, and let
	// dependents proceed without its output.
	o.registry.AppendError(ps.id, models.ProjectError{
		Stage:      task.Stage,
		Message:    fmt.Sprintf("stage %s exceeded retry budget: %s", task.Stage, task.Error),
		OccurredAt: time.Now(),
	})
	ps.graph.MarkSkipped(task.Stage)
	o.registry.MergeContext(ps.id, task.Stage, map[string]any{
		"skipped": true,
		"reason":  fmt.Sprintf("exceeded retry budget after %d attempts", attempts),
	})
	o.updateProgressLocked(ps, task.Stage)
	o.logger.Log("[orchestrator] project %s: stage %s skipped after %d attempts", ps.id, task.Stage, attempts)
	o.emitter.Emit(Event{
		Type:      EventStageSkipped,
		ProjectID: ps.id,
		Stage:     task.Stage,
		Err:       taskError(task.Error),
		Timestamp: time.Now(),
	})

	if o.maybeCompleteLocked(ps) {
		return false
	}
	o.emitReadyLocked(ps)
	return false
}

// scheduleRetryLocked arms a backoff timer for the stage. When it fires
// the stage is re-emitted with an incremented retry count, unless the
// project was paused (resume re-emits) or went terminal. Caller holds ps.mu.
func (o *Orchestrator) scheduleRetryLocked(ps *projectState, stageName string, delay time.Duration) {
	o.logger.Log("[orchestrator] project %s: retrying stage %s in %s", ps.id, stageName, delay)
	o.emitter.Emit(Event{
		Type:      EventTaskRetrying,
		ProjectID: ps.id,
		Stage:     stageName,
		Message:   fmt.Sprintf("retry in %s", delay),
		Timestamp: time.Now(),
	})
	ps.timers[stageName] = time.AfterFunc(delay, func() {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		delete(ps.timers, stageName)
		if ps.done || ps.cancelled || ps.paused {
			return
		}
		if stage := ps.graph.Stage(stageName); stage != nil {
			o.emitTaskLocked(ps, stage)
		}
	})
}

// emitReadyLocked emits one task per ready stage, skipping stages that
// are already in flight or awaiting a retry timer. No-op while paused.
// Caller holds ps.mu.
func (o *Orchestrator) emitReadyLocked(ps *projectState) {
	if ps.paused || ps.done || ps.cancelled {
		return
	}
	for _, stage := range ps.graph.Ready() {
		if _, running := ps.inflight[stage.Name]; running {
			continue
		}
		if _, waiting := ps.timers[stage.Name]; waiting {
			continue
		}
		o.emitTaskLocked(ps, stage)
	}
}

// emitTaskLocked builds a task for the stage, snapshots the project
// context into it, and admits it to the scheduler. Caller holds ps.mu.
func (o *Orchestrator) emitTaskLocked(ps *projectState, stage *models.Stage) {
	input, err := o.registry.Context(ps.id)
	if err != nil {
		log.Printf("[orchestrator] warning: read context for %s: %v", ps.id, err)
		return
	}

	task := &models.Task{
		ID:           uuid.New().String()[:8],
		ProjectID:    ps.id,
		Stage:        stage.Name,
		Role:         stage.Role,
		Status:       models.TaskStatusPending,
		Priority:     stage.Family.DispatchRank(),
		Resources:    stage.Resources,
		RetryCount:   ps.attempts[stage.Name],
		Timeout:      stage.Timeout,
		InputContext: input,
		EnqueuedAt:   time.Now(),
	}
	ps.inflight[stage.Name] = task.ID
	o.registry.TaskStarted(ps.id, task.ID)
	o.registry.SetProgress(ps.id, o.progressPercentLocked(ps), stage.Name)

	o.logger.Log("[orchestrator] project %s: emitting stage %s (task %s, retry %d)", ps.id, stage.Name, task.ID, task.RetryCount)
	o.emitter.Emit(Event{
		Type:      EventTaskEmitted,
		ProjectID: ps.id,
		TaskID:    task.ID,
		Stage:     stage.Name,
		Timestamp: time.Now(),
	})
	o.sched.Admit(task)
}

// maybeCompleteLocked transitions the project to completed when every
// stage is satisfied or skipped. Caller holds ps.mu.
func (o *Orchestrator) maybeCompleteLocked(ps *projectState) bool {
	// A paused project never completes in place; Resume re-checks once
	// the status is running again.
	if ps.paused || !ps.graph.AllComplete() {
		return false
	}
	ps.done = true
	o.registry.SetProgress(ps.id, 100, "")
	if err := o.registry.Transition(ps.id, models.ProjectStatusCompleted); err != nil {
		log.Printf("[orchestrator] warning: complete project %s: %v", ps.id, err)
	}
	o.logger.Log("[orchestrator] project %s completed", ps.id)
	o.emitter.Emit(Event{
		Type:      EventProjectCompleted,
		ProjectID: ps.id,
		Progress:  100,
		Timestamp: time.Now(),
	})
	o.archiveProject(ps.id)
	return true
}

// failLocked moves the project to failed and stops all pending retries.
// The caller is responsible for cancelling remaining scheduler work after
// releasing ps.mu. Caller holds ps.mu.
func (o *Orchestrator) failLocked(ps *projectState, stage, msg string) {
	ps.done = true
	o.stopTimersLocked(ps)
	o.registry.AppendError(ps.id, models.ProjectError{
		Stage:      stage,
		Message:    msg,
		Fatal:      true,
		OccurredAt: time.Now(),
	})
	if err := o.registry.Transition(ps.id, models.ProjectStatusFailed); err != nil {
		log.Printf("[orchestrator] warning: fail project %s: %v", ps.id, err)
	}
	o.logger.Log("[orchestrator] project %s failed: %s", ps.id, msg)
	o.emitter.Emit(Event{
		Type:      EventProjectFailed,
		ProjectID: ps.id,
		Stage:     stage,
		Err:       taskError(msg),
		Timestamp: time.Now(),
	})
}

// updateProgressLocked recomputes percent complete from the stage graph.
// Caller holds ps.mu.
func (o *Orchestrator) updateProgressLocked(ps *projectState, currentStage string) {
	o.registry.SetProgress(ps.id, o.progressPercentLocked(ps), currentStage)
}

func (o *Orchestrator) progressPercentLocked(ps *projectState) int {
	done, total := ps.graph.Progress()
	if total == 0 {
		return 0
	}
	return done * 100 / total
}

// taskError converts a task's error message into an error value for
// events, or nil when the message is empty.
func taskError(msg string) error {
	if msg == "" {
		return nil
	}
	return errors.New(msg)
}

// archiveTask persists a terminal task record, best-effort.
func (o *Orchestrator) archiveTask(task *models.Task) {
	if o.archiver == nil {
		return
	}
	if err := o.archiver.ArchiveTask(*task); err != nil {
		log.Printf("[orchestrator] warning: failed to archive task %s: %v", task.ID, err)
	}
}
