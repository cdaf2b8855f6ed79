// Package registry owns project records. It enforces lifecycle
// transitions and serves immutable status snapshots. Each project has its
// own lock, so independent projects never contend and status queries are
// never blocked by long-running mutation elsewhere.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"fableforge/pkg/models"
)

// ErrUnknownProject indicates the project ID is not registered.
var ErrUnknownProject = errors.New("unknown project")

// ErrInvalidTransition indicates a lifecycle transition is not allowed.
var ErrInvalidTransition = errors.New("invalid project transition")

// validTransitions is the project lifecycle state machine.
var validTransitions = map[models.ProjectStatus][]models.ProjectStatus{
	models.ProjectStatusInitializing: {
		models.ProjectStatusRunning,
		models.ProjectStatusFailed,
		models.ProjectStatusCancelled,
	},
	models.ProjectStatusRunning: {
		models.ProjectStatusPaused,
		models.ProjectStatusCompleted,
		models.ProjectStatusFailed,
		models.ProjectStatusCancelled,
	},
	models.ProjectStatusPaused: {
		models.ProjectStatusRunning,
		models.ProjectStatusFailed,
		models.ProjectStatusCancelled,
	},
}

// record pairs a project with its exclusive section.
type record struct {
	mu      sync.RWMutex
	project models.Project
	// currentTasks tracks in-flight task IDs for status snapshots.
	currentTasks map[string]bool
}

// Registry holds all project records.
type Registry struct {
	mu       sync.RWMutex
	projects map[string]*record
}

// New creates an empty project registry.
func New() *Registry {
	return &Registry{projects: make(map[string]*record)}
}

// Create registers a new project in the Initializing state. The caller's
// requirements seed the project context so first-stage workers see them.
func (r *Registry) Create(id, title string, requirements map[string]any) {
	ctx := make(map[string]any, len(requirements))
	for k, v := range requirements {
		ctx[k] = v
	}

	now := time.Now()
	rec := &record{
		project: models.Project{
			ID:           id,
			Title:        title,
			Requirements: requirements,
			Status:       models.ProjectStatusInitializing,
			Context:      ctx,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		currentTasks: make(map[string]bool),
	}

	r.mu.Lock()
	r.projects[id] = rec
	r.mu.Unlock()
}

// get returns the record for a project ID.
func (r *Registry) get(id string) (*record, error) {
	r.mu.RLock()
	rec, ok := r.projects[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProject, id)
	}
	return rec, nil
}

// Transition moves a project to a new lifecycle state, enforcing the
// state machine. Transitioning to the current state is a no-op.
func (r *Registry) Transition(id string, to models.ProjectStatus) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	from := rec.project.Status
	if from == to {
		return nil
	}
	allowed := false
	for _, next := range validTransitions[from] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	rec.project.Status = to
	rec.project.UpdatedAt = time.Now()
	if to.Terminal() {
		now := rec.project.UpdatedAt
		rec.project.CompletedAt = &now
	}
	return nil
}

// Status returns the project's current lifecycle state.
func (r *Registry) Status(id string) (models.ProjectStatus, error) {
	rec, err := r.get(id)
	if err != nil {
		return "", err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.project.Status, nil
}

// MergeContext appends a stage's output into the project context.
// Context is append-only keyed by stage name; a stage never overwrites
// another stage's output.
func (r *Registry) MergeContext(id, stage string, output any) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.project.Context[stage] = output
	rec.project.UpdatedAt = time.Now()
	return nil
}

// AppendError records an error on the project.
func (r *Registry) AppendError(id string, perr models.ProjectError) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if perr.OccurredAt.IsZero() {
		perr.OccurredAt = time.Now()
	}
	rec.project.Errors = append(rec.project.Errors, perr)
	rec.project.UpdatedAt = time.Now()
	return nil
}

// SetProgress updates the completion percentage and current stage.
func (r *Registry) SetProgress(id string, progress int, currentStage string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	rec.project.Progress = progress
	if currentStage != "" {
		rec.project.CurrentStage = currentStage
	}
	rec.project.UpdatedAt = time.Now()
	return nil
}

// TaskStarted records a task as in flight for snapshot reporting.
func (r *Registry) TaskStarted(id, taskID string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.currentTasks[taskID] = true
	return nil
}

// TaskFinished removes a task from the in-flight set.
func (r *Registry) TaskFinished(id, taskID string) error {
	rec, err := r.get(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	delete(rec.currentTasks, taskID)
	return nil
}

// Snapshot returns an immutable copy of the project state, taken under a
// brief read lock so concurrent status queries never observe a torn write
// and never block mutation for long.
func (r *Registry) Snapshot(id string) (models.ProjectSnapshot, error) {
	rec, err := r.get(id)
	if err != nil {
		return models.ProjectSnapshot{}, err
	}

	rec.mu.RLock()
	defer rec.mu.RUnlock()

	p := rec.project
	snap := models.ProjectSnapshot{
		ID:           p.ID,
		Title:        p.Title,
		Status:       p.Status,
		CurrentStage: p.CurrentStage,
		Progress:     p.Progress,
		TakenAt:      time.Now(),
	}
	if len(p.Errors) > 0 {
		snap.Errors = make([]models.ProjectError, len(p.Errors))
		copy(snap.Errors, p.Errors)
	}
	if len(p.Context) > 0 {
		snap.Context = make(map[string]any, len(p.Context))
		for k, v := range p.Context {
			snap.Context[k] = v
		}
	}
	if len(rec.currentTasks) > 0 {
		snap.CurrentTasks = make([]string, 0, len(rec.currentTasks))
		for taskID := range rec.currentTasks {
			snap.CurrentTasks = append(snap.CurrentTasks, taskID)
		}
	}
	return snap, nil
}

// Project returns a copy of the full project record.
func (r *Registry) Project(id string) (models.Project, error) {
	rec, err := r.get(id)
	if err != nil {
		return models.Project{}, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()

	p := rec.project
	p.Context = copyMap(rec.project.Context)
	p.Requirements = copyMap(rec.project.Requirements)
	if len(rec.project.Errors) > 0 {
		p.Errors = make([]models.ProjectError, len(rec.project.Errors))
		copy(p.Errors, rec.project.Errors)
	}
	return p, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Context returns a copy of the project's accumulated stage context,
// used as a task's input context.
func (r *Registry) Context(id string) (map[string]any, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return copyMap(rec.project.Context), nil
}

// ActiveCount returns the number of projects not in a terminal state.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.projects))
	for _, rec := range r.projects {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	n := 0
	for _, rec := range recs {
		rec.mu.RLock()
		if !rec.project.Status.Terminal() {
			n++
		}
		rec.mu.RUnlock()
	}
	return n
}

// IDs returns all registered project IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	return ids
}
