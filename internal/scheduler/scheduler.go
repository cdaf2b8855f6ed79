// Package scheduler admits, queues, dispatches, times out, and cancels
// tasks against the shared resource budget and the worker registry.
// Dispatch is non-blocking: each running task executes in its own
// goroutine and its terminal outcome is delivered on the Outcomes channel.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"fableforge/internal/bus"
	"fableforge/internal/resource"
	"fableforge/internal/worker"
	"fableforge/pkg/models"
)

// DefaultGracePeriod is how long a cancelled task's worker gets to
// acknowledge before its reservation is force-released.
const DefaultGracePeriod = 5 * time.Second

// Outcome is a terminal task result reported to the orchestrator.
type Outcome struct {
	// Task is the task with terminal status, result, and error filled in.
	Task *models.Task
	// Internal is set when the scheduler hit an invariant violation (for
	// example a double release) while finishing the task. The project
	// must be failed rather than retried.
	Internal bool
}

// Config holds scheduler tunables.
type Config struct {
	// GracePeriod bounds the wait for a worker to acknowledge cancellation.
	GracePeriod time.Duration
	// OutcomeBuffer sizes the outcomes channel.
	OutcomeBuffer int
}

// Scheduler coordinates task admission and execution. A task enters
// Running only after a successful atomic reservation against the budget;
// every terminal outcome releases the reservation exactly once.
type Scheduler struct {
	budget *resource.Budget
	exec   *worker.IdempotentExecutor
	grace  time.Duration
	// msgs, when set, mirrors dispatches and terminal results as agent
	// messages for observers. Set before any task is admitted.
	msgs *bus.Bus

	// outcomes delivers terminal task results to the orchestrator.
	outcomes chan Outcome

	// mu protects queue and running.
	mu      sync.Mutex
	queue   *taskQueue
	running map[string]*runningTask
	stopped bool

	// wg tracks execution goroutines for Stop.
	wg sync.WaitGroup
}

// runningTask tracks one dispatched task's cancellation and release state.
type runningTask struct {
	task     *models.Task
	cancel   context.CancelFunc
	deadline *time.Timer
	grace    *time.Timer
	// requestID links the dispatch message to its response message.
	requestID string
	// finished is set by whichever of worker return, deadline, or forced
	// cancel wins; everything arriving later is discarded.
	finished bool
	released bool
}

// New creates a scheduler over the given budget and worker registry.
func New(budget *resource.Budget, registry *worker.Registry, cfg Config) *Scheduler {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OutcomeBuffer <= 0 {
		cfg.OutcomeBuffer = 128
	}
	return &Scheduler{
		budget:   budget,
		exec:     worker.NewIdempotentExecutor(registry),
		grace:    cfg.GracePeriod,
		outcomes: make(chan Outcome, cfg.OutcomeBuffer),
		queue:    newTaskQueue(),
		running:  make(map[string]*runningTask),
	}
}

// Outcomes returns the channel terminal task results are delivered on.
func (s *Scheduler) Outcomes() <-chan Outcome {
	return s.outcomes
}

// SetMessageBus attaches a bus on which dispatches and terminal results
// are published as agent messages. Must be called before Admit.
func (s *Scheduler) SetMessageBus(b *bus.Bus) {
	s.msgs = b
}

// Admit submits a task. If the budget has sufficient free units the
// reservation is taken atomically and the task dispatches immediately;
// otherwise the task waits in the priority queue. ResourceExhaustion is
// not an error.
func (s *Scheduler) Admit(task *models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	if s.budget.Reserve(task.Resources) {
		s.dispatchLocked(task)
		return
	}
	task.Status = models.TaskStatusPending
	s.queue.Enqueue(task)
	debugLog("[scheduler] task %s queued (stage=%s priority=%d), insufficient capacity", task.ID, task.Stage, task.Priority)
}

// dispatchLocked starts execution of a task whose reservation is already
// held. Caller must hold s.mu.
func (s *Scheduler) dispatchLocked(task *models.Task) {
	task.Status = models.TaskStatusScheduled

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTask{task: task, cancel: cancel}
	s.running[task.ID] = rt

	now := time.Now()
	task.StartedAt = &now
	if task.Timeout > 0 {
		task.Deadline = now.Add(task.Timeout)
		rt.deadline = time.AfterFunc(task.Timeout, func() {
			s.onDeadline(task.ID)
		})
	}
	task.Status = models.TaskStatusRunning

	debugLog("[scheduler] dispatching task %s (stage=%s role=%s gpu=%d cpu=%d)",
		task.ID, task.Stage, task.Role, task.Resources.GPUUnits, task.Resources.CPUUnits)

	if s.msgs != nil {
		msg := bus.NewRequest(task.Role, task.ProjectID, map[string]any{
			"task_id":     task.ID,
			"stage":       task.Stage,
			"retry_count": task.RetryCount,
		}, task.Priority)
		rt.requestID = msg.MessageID
		// Delivery is best effort; a full subscriber drops, it never blocks.
		_ = s.msgs.Publish(msg)
	}

	req := worker.TaskRequest{
		TaskID:       task.ID,
		Stage:        task.Stage,
		Role:         task.Role,
		RetryCount:   task.RetryCount,
		InputContext: task.InputContext,
		Deadline:     task.Deadline,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		output, err := s.exec.Execute(ctx, req)
		switch {
		case err == nil:
			s.finish(task.ID, models.TaskStatusSucceeded, output, "")
		case ctx.Err() != nil:
			// Cooperative cancellation acknowledged; onDeadline or
			// Cancel already decided the terminal status.
			s.finish(task.ID, models.TaskStatusCancelled, nil, err.Error())
		default:
			s.finish(task.ID, models.TaskStatusFailed, nil, err.Error())
		}
	}()
}

// onDeadline fires when a task exceeds its stage timeout while running.
func (s *Scheduler) onDeadline(taskID string) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	if !ok || rt.finished {
		s.mu.Unlock()
		return
	}
	debugLog("[scheduler] task %s exceeded its %s timeout", taskID, rt.task.Timeout)
	rt.cancel()
	s.mu.Unlock()

	s.finish(taskID, models.TaskStatusTimedOut, nil, "stage timeout exceeded")
}

// finish records a terminal outcome for a running task. The first caller
// wins; late results (worker completion after timeout or forced cancel)
// are discarded. The reservation is released exactly once, then the queue
// is scanned for tasks that now fit.
func (s *Scheduler) finish(taskID string, status models.TaskStatus, result map[string]any, errMsg string) {
	s.mu.Lock()
	rt, ok := s.running[taskID]
	if !ok || rt.finished {
		s.mu.Unlock()
		return
	}
	rt.finished = true
	if rt.deadline != nil {
		rt.deadline.Stop()
	}
	if rt.grace != nil {
		rt.grace.Stop()
	}
	rt.cancel()

	task := rt.task
	task.Status = status
	task.Result = result
	task.Error = errMsg
	now := time.Now()
	task.CompletedAt = &now

	internal := s.releaseLocked(rt)
	delete(s.running, taskID)
	dispatched := s.drainLocked()
	s.mu.Unlock()

	debugLog("[scheduler] task %s finished status=%s, admitted %d queued tasks", taskID, status, dispatched)
	if s.msgs != nil {
		_ = s.msgs.Publish(bus.NewResponse(rt.requestID, task.Role, task.ProjectID, map[string]any{
			"task_id": task.ID,
			"status":  string(status),
			"error":   errMsg,
		}))
	}
	s.outcomes <- Outcome{Task: task, Internal: internal}
}

// releaseLocked returns the task's reservation to the budget exactly once.
// Returns true when release failed, which is an invariant violation the
// orchestrator must treat as fatal for the project. Caller must hold s.mu.
func (s *Scheduler) releaseLocked(rt *runningTask) bool {
	if rt.released {
		return false
	}
	rt.released = true
	if err := s.budget.Release(rt.task.Resources); err != nil {
		log.Printf("[scheduler] INVARIANT VIOLATION releasing task %s: %v", rt.task.ID, err)
		if rt.task.Error == "" {
			rt.task.Error = err.Error()
		}
		return true
	}
	return false
}

// drainLocked scans the wait queue priority-first and dispatches every
// task that fits the free capacity. A task that does not fit is skipped in
// favor of the next one, so one large task never blocks smaller ones.
// Returns the number of tasks dispatched. Caller must hold s.mu.
func (s *Scheduler) drainLocked() int {
	var skipped []*models.Task
	dispatched := 0
	for {
		task := s.queue.Dequeue()
		if task == nil {
			break
		}
		if s.budget.Reserve(task.Resources) {
			s.dispatchLocked(task)
			dispatched++
			continue
		}
		skipped = append(skipped, task)
	}
	for _, task := range skipped {
		s.queue.Enqueue(task)
	}
	return dispatched
}

// Cancel cancels a single task. A queued task is discarded immediately; a
// running task gets a cooperative cancel signal and, if the worker does
// not acknowledge within the grace period, its reservation is
// force-released and the task is marked Cancelled regardless of eventual
// worker completion.
func (s *Scheduler) Cancel(taskID string) {
	s.mu.Lock()
	if task := s.queue.Remove(taskID); task != nil {
		task.Status = models.TaskStatusCancelled
		now := time.Now()
		task.CompletedAt = &now
		s.mu.Unlock()
		s.deliverDiscarded([]*models.Task{task})
		return
	}

	rt, ok := s.running[taskID]
	if !ok || rt.finished {
		s.mu.Unlock()
		return
	}
	rt.cancel()
	if rt.grace == nil {
		rt.grace = time.AfterFunc(s.grace, func() {
			debugLog("[scheduler] task %s did not acknowledge cancel within %s, force-releasing", taskID, s.grace)
			s.finish(taskID, models.TaskStatusCancelled, nil, "cancelled (grace period expired)")
		})
	}
	s.mu.Unlock()
}

// CancelProject cancels every task belonging to the project: queued tasks
// are discarded, running tasks go through the cooperative cancel path.
func (s *Scheduler) CancelProject(projectID string) {
	s.mu.Lock()
	discarded := s.queue.RemoveProject(projectID)
	var runningIDs []string
	for id, rt := range s.running {
		if rt.task.ProjectID == projectID && !rt.finished {
			runningIDs = append(runningIDs, id)
		}
	}
	s.mu.Unlock()

	now := time.Now()
	for _, task := range discarded {
		task.Status = models.TaskStatusCancelled
		task.CompletedAt = &now
	}
	s.deliverDiscarded(discarded)
	for _, id := range runningIDs {
		s.Cancel(id)
	}
}

// deliverDiscarded reports queued tasks that were cancelled before
// dispatch. Delivery happens off the caller's goroutine: the caller is
// often the consumer of the outcomes channel itself (the orchestrator
// cancels a project while draining outcomes), so a synchronous send
// could deadlock once the buffer fills.
func (s *Scheduler) deliverDiscarded(tasks []*models.Task) {
	if len(tasks) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for _, task := range tasks {
			s.outcomes <- Outcome{Task: task}
		}
	}()
}

// UpdateGPUSettings atomically updates total GPU capacity. Reductions are
// enforced lazily by the budget; increases may admit queued tasks.
func (s *Scheduler) UpdateGPUSettings(totalUnits int) {
	s.budget.SetGPUTotal(totalUnits)
	s.mu.Lock()
	s.drainLocked()
	s.mu.Unlock()
}

// UpdateCPUSettings atomically updates total CPU capacity.
func (s *Scheduler) UpdateCPUSettings(totalUnits int) {
	s.budget.SetCPUTotal(totalUnits)
	s.mu.Lock()
	s.drainLocked()
	s.mu.Unlock()
}

// QueueDepth returns the number of tasks waiting for resources.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// RunningCount returns the number of tasks currently executing.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunningForProject returns the number of in-flight tasks for a project.
func (s *Scheduler) RunningForProject(projectID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.running {
		if rt.task.ProjectID == projectID && !rt.finished {
			n++
		}
	}
	return n
}

// Forget drops the idempotency record for an archived task.
func (s *Scheduler) Forget(taskID string) {
	s.exec.Forget(taskID)
}

// Stop cancels all in-flight work and waits for execution goroutines to
// drain. The outcomes channel is not closed; callers stop reading after
// Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Cancel(id)
	}
	s.wg.Wait()
}
