package registry

import (
	"errors"
	"sync"
	"testing"

	"fableforge/pkg/models"
)

func newProject(t *testing.T) (*Registry, string) {
	t.Helper()
	r := New()
	r.Create("p1", "test project", map[string]any{"genre": "noir"})
	return r, "p1"
}

func TestCreateStartsInitializing(t *testing.T) {
	r, id := newProject(t)

	status, err := r.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != models.ProjectStatusInitializing {
		t.Errorf("expected initializing, got %s", status)
	}
}

func TestUnknownProject(t *testing.T) {
	r := New()

	_, err := r.Status("nope")
	if !errors.Is(err, ErrUnknownProject) {
		t.Fatalf("expected ErrUnknownProject, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		path    []models.ProjectStatus
		wantErr bool
	}{
		{"init to running", []models.ProjectStatus{models.ProjectStatusRunning}, false},
		{"running to paused to running", []models.ProjectStatus{models.ProjectStatusRunning, models.ProjectStatusPaused, models.ProjectStatusRunning}, false},
		{"paused to cancelled", []models.ProjectStatus{models.ProjectStatusRunning, models.ProjectStatusPaused, models.ProjectStatusCancelled}, false},
		{"running to completed", []models.ProjectStatus{models.ProjectStatusRunning, models.ProjectStatusCompleted}, false},
		{"init straight to completed", []models.ProjectStatus{models.ProjectStatusCompleted}, true},
		{"completed is terminal", []models.ProjectStatus{models.ProjectStatusRunning, models.ProjectStatusCompleted, models.ProjectStatusRunning}, true},
		{"cancelled is terminal", []models.ProjectStatus{models.ProjectStatusCancelled, models.ProjectStatusRunning}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, id := newProject(t)
			var err error
			for _, to := range tt.path {
				if err = r.Transition(id, to); err != nil {
					break
				}
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("expected ErrInvalidTransition, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestTransitionToSameStateIsNoop(t *testing.T) {
	r, id := newProject(t)
	if err := r.Transition(id, models.ProjectStatusInitializing); err != nil {
		t.Fatalf("same-state transition should be a no-op: %v", err)
	}
}

func TestMergeContextAndSnapshot(t *testing.T) {
	r, id := newProject(t)

	if err := r.MergeContext(id, "generate_plot", map[string]any{"plot": "heist"}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	snap, err := r.Snapshot(id)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	out, ok := snap.Context["generate_plot"].(map[string]any)
	if !ok || out["plot"] != "heist" {
		t.Fatalf("expected merged context in snapshot, got %v", snap.Context)
	}

	// Mutating the snapshot must not leak into the registry.
	snap.Context["generate_plot"] = "tampered"
	again, _ := r.Snapshot(id)
	if _, ok := again.Context["generate_plot"].(map[string]any); !ok {
		t.Error("snapshot mutation leaked into registry state")
	}
}

func TestProgressClamped(t *testing.T) {
	r, id := newProject(t)

	if err := r.SetProgress(id, 150, "generate_plot"); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	snap, _ := r.Snapshot(id)
	if snap.Progress != 100 {
		t.Errorf("expected clamp to 100, got %d", snap.Progress)
	}
	if snap.CurrentStage != "generate_plot" {
		t.Errorf("expected current stage recorded, got %q", snap.CurrentStage)
	}
}

func TestErrorsAppended(t *testing.T) {
	r, id := newProject(t)

	r.AppendError(id, models.ProjectError{Stage: "generate_images", Message: "worker crashed"})
	r.AppendError(id, models.ProjectError{Stage: "generate_images", Message: "retry budget exceeded", Fatal: true})

	snap, _ := r.Snapshot(id)
	if len(snap.Errors) != 2 {
		t.Fatalf("expected 2 errors, got %d", len(snap.Errors))
	}
	if !snap.Errors[1].Fatal {
		t.Error("fatal flag lost")
	}
	if snap.Errors[0].OccurredAt.IsZero() {
		t.Error("OccurredAt should be stamped")
	}
}

func TestCurrentTasksTracking(t *testing.T) {
	r, id := newProject(t)

	r.TaskStarted(id, "t1")
	r.TaskStarted(id, "t2")
	r.TaskFinished(id, "t1")

	snap, _ := r.Snapshot(id)
	if len(snap.CurrentTasks) != 1 || snap.CurrentTasks[0] != "t2" {
		t.Errorf("expected [t2] in flight, got %v", snap.CurrentTasks)
	}
}

func TestActiveCount(t *testing.T) {
	r := New()
	r.Create("a", "one", nil)
	r.Create("b", "two", nil)
	r.Transition("a", models.ProjectStatusRunning)
	r.Transition("a", models.ProjectStatusCompleted)

	if n := r.ActiveCount(); n != 1 {
		t.Errorf("expected 1 active project, got %d", n)
	}
}

func TestConcurrentSnapshotsDuringMutation(t *testing.T) {
	r, id := newProject(t)
	r.Transition(id, models.ProjectStatusRunning)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				r.MergeContext(id, "stage", j)
				r.SetProgress(id, j%101, "stage")
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap, err := r.Snapshot(id)
				if err != nil {
					t.Errorf("snapshot: %v", err)
					return
				}
				if snap.Progress < 0 || snap.Progress > 100 {
					t.Errorf("torn progress value %d", snap.Progress)
					return
				}
			}
		}()
	}
	wg.Wait()
}
