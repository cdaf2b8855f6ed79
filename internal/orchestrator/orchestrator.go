package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"fableforge/internal/graph"
	"fableforge/internal/registry"
	"fableforge/internal/scheduler"
	"fableforge/internal/worker"
	"fableforge/pkg/models"
)

// ErrValidation indicates a pipeline definition was rejected before any
// task was created (cyclic stage graph or undefined agent role).
var ErrValidation = errors.New("pipeline validation failed")

// RetryPolicy controls stage retry behavior. The defaults are design
// defaults rather than hard requirements, so they are configurable.
type RetryPolicy struct {
	// MaxRetries is the number of retries a stage gets after its first
	// attempt fails.
	MaxRetries int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// BackoffFactor multiplies the delay for each subsequent retry.
	BackoffFactor int
}

// DefaultRetryPolicy is 3 retries with exponential backoff: 5s, 10s, 20s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BackoffBase: 5 * time.Second, BackoffFactor: 2}
}

// Backoff returns the delay before retry n (1-indexed).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	d := p.BackoffBase
	for i := 1; i < retry; i++ {
		d *= time.Duration(p.BackoffFactor)
	}
	return d
}

// TaskArchiver persists terminal tasks and projects for history queries.
// Archiving is best-effort; failures are logged, never fatal.
type TaskArchiver interface {
	ArchiveTask(task models.Task) error
	ArchiveProject(project models.Project) error
}

// Config contains configuration options for the Orchestrator.
type Config struct {
	// Retry is the per-stage retry policy.
	// Zero value means DefaultRetryPolicy.
	Retry RetryPolicy
	// EventBuffer sizes the event channel. Defaults to 100.
	EventBuffer int
	// Logger receives trace-grade orchestration decisions. Defaults to
	// a no-op logger.
	Logger *DebugLogger
	// Archiver persists terminal tasks and projects. Optional.
	Archiver TaskArchiver
}

// projectState is the orchestrator's book-keeping for one project.
// The project record itself lives in the registry; this tracks the stage
// graph and emission state.
type projectState struct {
	mu    sync.Mutex
	id    string
	def   *models.PipelineDefinition
	graph *graph.StageGraph
	// paused suppresses new task emission; in-flight tasks drain.
	paused bool
	// cancelled marks the project cancelled; late outcomes are ignored.
	cancelled bool
	// done marks a terminal project (completed or failed).
	done bool
	// inflight maps stage name to the ID of its emitted, non-terminal task.
	inflight map[string]string
	// attempts maps stage name to attempts consumed so far.
	attempts map[string]int
	// timers holds pending retry timers by stage name.
	timers map[string]*time.Timer
}

// Orchestrator owns per-project stage graphs, emits tasks when
// dependencies are satisfied, merges results into project context, and
// drives the project lifecycle.
type Orchestrator struct {
	registry *registry.Registry
	sched    *scheduler.Scheduler
	workers  *worker.Registry
	emitter  *eventEmitter
	logger   *DebugLogger
	archiver TaskArchiver
	retry    RetryPolicy

	mu       sync.RWMutex
	projects map[string]*projectState

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// New creates an Orchestrator over the given registry, scheduler, and
// worker registry.
func New(reg *registry.Registry, sched *scheduler.Scheduler, workers *worker.Registry, cfg Config) *Orchestrator {
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = NopLogger()
	}

	return &Orchestrator{
		registry: reg,
		sched:    sched,
		workers:  workers,
		emitter:  newEventEmitter(cfg.EventBuffer),
		logger:   cfg.Logger,
		archiver: cfg.Archiver,
		retry:    cfg.Retry,
		projects: make(map[string]*projectState),
	}
}

// Start begins consuming scheduler outcomes. Must be called once before
// any project is submitted.
func (o *Orchestrator) Start() {
	scheduler.SetDebugLog(o.logger.Log)
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelLoop = cancel
	o.loopDone = make(chan struct{})
	go o.outcomeLoop(ctx)
}

// Stop shuts the orchestrator down: in-flight tasks are cancelled through
// the scheduler, the outcome loop drains, and the event channel closes.
func (o *Orchestrator) Stop() {
	o.sched.Stop()
	if o.cancelLoop != nil {
		o.cancelLoop()
		<-o.loopDone
	}
	o.emitter.Close()
}

// Events returns the orchestrator's event stream.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// DroppedEventCount returns the number of events dropped on a full channel.
func (o *Orchestrator) DroppedEventCount() uint64 {
	return o.emitter.DroppedCount()
}

// StartProject validates the pipeline definition, creates the project,
// and emits one task per initially-ready stage. Validation failures
// (cyclic graph, undefined role) are rejected before any task exists.
// Returns the new project's ID.
func (o *Orchestrator) StartProject(title string, def *models.PipelineDefinition, requirements map[string]any) (string, error) {
	if def == nil || len(def.Stages) == 0 {
		return "", fmt.Errorf("%w: empty pipeline definition", ErrValidation)
	}

	g := graph.New()
	if err := g.Build(def); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	for _, role := range def.Roles() {
		if !o.workers.HasRole(role) {
			return "", fmt.Errorf("%w: no worker registered for role %q", ErrValidation, role)
		}
	}

	id := uuid.New().String()[:8]
	o.registry.Create(id, title, requirements)

	ps := &projectState{
		id:       id,
		def:      def,
		graph:    g,
		inflight: make(map[string]string),
		attempts: make(map[string]int),
		timers:   make(map[string]*time.Timer),
	}
	o.mu.Lock()
	o.projects[id] = ps
	o.mu.Unlock()

	o.logger.Log("[orchestrator] project %s created with %d stages", id, len(def.Stages))

	// Mark running before the first emission so a fast task outcome never
	// races the initializing state.
	if err := o.registry.Transition(id, models.ProjectStatusRunning); err != nil {
		return "", err
	}

	ps.mu.Lock()
	o.emitReadyLocked(ps)
	ps.mu.Unlock()

	o.emitter.Emit(Event{
		Type:      EventProjectStarted,
		ProjectID: id,
		Message:   fmt.Sprintf("project %q started", title),
		Timestamp: time.Now(),
	})
	return id, nil
}

// GetProjectStatus returns an immutable status snapshot. The query never
// mutates state and never blocks on in-flight work.
func (o *Orchestrator) GetProjectStatus(projectID string) (models.ProjectSnapshot, error) {
	return o.registry.Snapshot(projectID)
}

// Pause suppresses new task emission for the project. In-flight tasks
// are not interrupted; they drain cooperatively.
func (o *Orchestrator) Pause(projectID string) error {
	ps := o.project(projectID)
	if ps == nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownProject, projectID)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.done || ps.cancelled {
		return fmt.Errorf("%w: project %s is terminal", registry.ErrInvalidTransition, projectID)
	}
	if err := o.registry.Transition(projectID, models.ProjectStatusPaused); err != nil {
		return err
	}
	ps.paused = true
	o.logger.Log("[orchestrator] project %s paused", projectID)
	o.emitter.Emit(Event{Type: EventProjectPaused, ProjectID: projectID, Timestamp: time.Now()})
	return nil
}

// Resume clears the pause flag, recomputes the ready set (covering stages
// that became ready while paused), and re-emits pending tasks. Stages
// already succeeded or in flight are never duplicated.
func (o *Orchestrator) Resume(projectID string) error {
	ps := o.project(projectID)
	if ps == nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownProject, projectID)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.paused {
		return fmt.Errorf("%w: project %s is not paused", registry.ErrInvalidTransition, projectID)
	}
	if err := o.registry.Transition(projectID, models.ProjectStatusRunning); err != nil {
		return err
	}
	ps.paused = false
	o.emitReadyLocked(ps)
	o.maybeCompleteLocked(ps)
	o.logger.Log("[orchestrator] project %s resumed", projectID)
	o.emitter.Emit(Event{Type: EventProjectResumed, ProjectID: projectID, Timestamp: time.Now()})
	return nil
}

// Cancel cancels the project: queued tasks are discarded, in-flight tasks
// receive a cooperative cancel through the scheduler, and any late result
// is ignored.
func (o *Orchestrator) Cancel(projectID string) error {
	ps := o.project(projectID)
	if ps == nil {
		return fmt.Errorf("%w: %s", registry.ErrUnknownProject, projectID)
	}

	ps.mu.Lock()
	if ps.done || ps.cancelled {
		ps.mu.Unlock()
		return fmt.Errorf("%w: project %s is terminal", registry.ErrInvalidTransition, projectID)
	}
	if err := o.registry.Transition(projectID, models.ProjectStatusCancelled); err != nil {
		ps.mu.Unlock()
		return err
	}
	ps.cancelled = true
	o.stopTimersLocked(ps)
	ps.mu.Unlock()

	o.sched.CancelProject(projectID)
	o.archiveProject(projectID)
	o.logger.Log("[orchestrator] project %s cancelled", projectID)
	o.emitter.Emit(Event{Type: EventProjectCancelled, ProjectID: projectID, Timestamp: time.Now()})
	return nil
}

// project returns the orchestrator state for a project, or nil.
func (o *Orchestrator) project(id string) *projectState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.projects[id]
}

// stopTimersLocked stops all pending retry timers. Caller must hold ps.mu.
func (o *Orchestrator) stopTimersLocked(ps *projectState) {
	for stage, timer := range ps.timers {
		timer.Stop()
		delete(ps.timers, stage)
	}
}

// archiveProject persists the final project record, best-effort.
func (o *Orchestrator) archiveProject(projectID string) {
	if o.archiver == nil {
		return
	}
	p, err := o.registry.Project(projectID)
	if err != nil {
		return
	}
	if err := o.archiver.ArchiveProject(p); err != nil {
		log.Printf("[orchestrator] warning: failed to archive project %s: %v", projectID, err)
	}
}
