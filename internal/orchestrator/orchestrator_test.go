package orchestrator

import (
	"errors"
	"strings"
	"testing"
	"time"

	"fableforge/internal/registry"
	"fableforge/internal/resource"
	"fableforge/internal/scheduler"
	"fableforge/internal/worker"
	"fableforge/pkg/models"
)

// fastRetry keeps retry-path tests quick.
var fastRetry = RetryPolicy{MaxRetries: 3, BackoffBase: 10 * time.Millisecond, BackoffFactor: 2}

func newTestOrchestrator(t *testing.T, workers *worker.Registry, retry RetryPolicy) (*Orchestrator, *registry.Registry) {
	t.Helper()
	budget := resource.NewBudget(8, 16)
	sched := scheduler.New(budget, workers, scheduler.Config{GracePeriod: 200 * time.Millisecond})
	reg := registry.New()
	o := New(reg, sched, workers, Config{Retry: retry, EventBuffer: 256})
	o.Start()
	t.Cleanup(o.Stop)
	return o, reg
}

func simWorkers(t *testing.T, roles ...string) *worker.Registry {
	t.Helper()
	reg := worker.NewRegistry()
	for _, role := range roles {
		reg.Register(worker.NewSimulated(role, 5*time.Millisecond))
	}
	return reg
}

func diamondPipeline() *models.PipelineDefinition {
	// plot fans out to images and music, which converge on the quality gate.
	return &models.PipelineDefinition{
		Name: "diamond",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second, Resources: models.ResourceSpec{CPUUnits: 1}},
			{Name: "generate_images", Family: models.FamilyVisual, Role: "image_artist", Timeout: time.Second, DependsOn: []string{"generate_plot"}, Resources: models.ResourceSpec{GPUUnits: 1}},
			{Name: "compose_music", Family: models.FamilyAudio, Role: "composer", Timeout: time.Second, DependsOn: []string{"generate_plot"}, Resources: models.ResourceSpec{CPUUnits: 1}},
			{Name: "quality_gate", Family: models.FamilyQuality, Role: "reviewer", Timeout: time.Second, DependsOn: []string{"generate_images", "compose_music"}, Critical: true, Resources: models.ResourceSpec{CPUUnits: 1}},
		},
	}
}

// waitForEvent consumes events until one of the wanted type arrives for
// the project, or the deadline passes.
func waitForEvent(t *testing.T, o *Orchestrator, projectID string, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-o.Events():
			if ev.ProjectID == projectID && ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", want)
		}
	}
}

func waitForStatus(t *testing.T, reg *registry.Registry, projectID string, want models.ProjectStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := reg.Status(projectID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := reg.Status(projectID)
	t.Fatalf("project never reached %s, stuck at %s", want, got)
}

func TestStartProjectRejectsCycle(t *testing.T) {
	o, _ := newTestOrchestrator(t, simWorkers(t, "story_writer"), fastRetry)

	def := &models.PipelineDefinition{
		Name: "cyclic",
		Stages: []models.Stage{
			{Name: "a", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second, DependsOn: []string{"b"}},
			{Name: "b", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second, DependsOn: []string{"a"}},
		},
	}
	if _, err := o.StartProject("cyclic", def, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for cyclic definition, got %v", err)
	}
}

func TestStartProjectRejectsUnknownRole(t *testing.T) {
	o, _ := newTestOrchestrator(t, simWorkers(t, "story_writer"), fastRetry)

	def := &models.PipelineDefinition{
		Name: "missing-role",
		Stages: []models.Stage{
			{Name: "a", Family: models.FamilyStory, Role: "nonexistent", Timeout: time.Second},
		},
	}
	if _, err := o.StartProject("missing", def, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for unknown role, got %v", err)
	}
}

func TestStartProjectRejectsEmptyDefinition(t *testing.T) {
	o, _ := newTestOrchestrator(t, simWorkers(t, "story_writer"), fastRetry)

	if _, err := o.StartProject("empty", &models.PipelineDefinition{Name: "empty"}, nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for empty definition, got %v", err)
	}
}

func TestDiamondPipelineCompletes(t *testing.T) {
	workers := simWorkers(t, "story_writer", "image_artist", "composer", "reviewer")
	o, reg := newTestOrchestrator(t, workers, fastRetry)

	id, err := o.StartProject("test film", diamondPipeline(), map[string]any{"theme": "noir"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, o, id, EventProjectCompleted)
	waitForStatus(t, reg, id, models.ProjectStatusCompleted)

	snap, err := o.GetProjectStatus(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Progress != 100 {
		t.Errorf("expected 100%% progress, got %d", snap.Progress)
	}
	for _, stage := range []string{"generate_plot", "generate_images", "compose_music", "quality_gate"} {
		if _, ok := snap.Context[stage]; !ok {
			t.Errorf("context missing output for stage %s", stage)
		}
	}
	if _, ok := snap.Context["theme"]; !ok {
		t.Errorf("context lost initial requirements")
	}
}

func TestRetrySucceedsAfterBackoff(t *testing.T) {
	workers := worker.NewRegistry()
	flaky := worker.NewSimulated("story_writer", time.Millisecond).FailFirst(1)
	workers.Register(flaky)

	o, reg := newTestOrchestrator(t, workers, fastRetry)

	def := &models.PipelineDefinition{
		Name: "single",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second, Resources: models.ResourceSpec{CPUUnits: 1}},
		},
	}
	id, err := o.StartProject("flaky", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, o, id, EventTaskRetrying)
	waitForEvent(t, o, id, EventProjectCompleted)
	waitForStatus(t, reg, id, models.ProjectStatusCompleted)

	if got := flaky.Calls(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
	snap, _ := o.GetProjectStatus(id)
	if len(snap.Errors) == 0 {
		t.Errorf("expected the failed attempt recorded in project errors")
	}
}

func TestOptionalStageSkippedAfterExhaustion(t *testing.T) {
	workers := worker.NewRegistry()
	workers.Register(worker.NewSimulated("story_writer", time.Millisecond))
	broken := worker.NewSimulated("composer", time.Millisecond).FailFirst(100)
	workers.Register(broken)
	workers.Register(worker.NewSimulated("reviewer", time.Millisecond))

	o, reg := newTestOrchestrator(t, workers, RetryPolicy{MaxRetries: 2, BackoffBase: 5 * time.Millisecond, BackoffFactor: 2})

	def := &models.PipelineDefinition{
		Name: "skippable",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
			{Name: "compose_music", Family: models.FamilyAudio, Role: "composer", Timeout: time.Second, DependsOn: []string{"generate_plot"}, Optional: true},
			{Name: "quality_gate", Family: models.FamilyQuality, Role: "reviewer", Timeout: time.Second, DependsOn: []string{"compose_music"}, Critical: true},
		},
	}
	id, err := o.StartProject("degraded", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, o, id, EventStageSkipped)
	waitForEvent(t, o, id, EventProjectCompleted)
	waitForStatus(t, reg, id, models.ProjectStatusCompleted)

	// First attempt plus two retries.
	if got := broken.Calls(); got != 3 {
		t.Errorf("expected exactly 3 attempts before skip, got %d", got)
	}
	snap, _ := o.GetProjectStatus(id)
	music, ok := snap.Context["compose_music"].(map[string]any)
	if !ok {
		t.Fatalf("expected skip flag under compose_music, context: %v", snap.Context)
	}
	if skipped, _ := music["skipped"].(bool); !skipped {
		t.Errorf("expected skipped=true in context, got %v", music)
	}
}

func TestPlainStageExhaustionFailsProject(t *testing.T) {
	workers := worker.NewRegistry()
	workers.Register(worker.NewSimulated("story_writer", time.Millisecond))
	broken := worker.NewSimulated("image_artist", time.Millisecond).FailFirst(100)
	workers.Register(broken)

	o, reg := newTestOrchestrator(t, workers, RetryPolicy{MaxRetries: 2, BackoffBase: 5 * time.Millisecond, BackoffFactor: 2})

	// generate_images is neither optional nor critical; exhausting its
	// retries must still fail the project, never skip the stage.
	def := &models.PipelineDefinition{
		Name: "plain",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
			{Name: "generate_images", Family: models.FamilyVisual, Role: "image_artist", Timeout: time.Second, DependsOn: []string{"generate_plot"}},
		},
	}
	id, err := o.StartProject("no pictures", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ev := waitForEvent(t, o, id, EventProjectFailed)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "exceeded retry budget") {
		t.Errorf("expected retry budget failure, got %v", ev.Err)
	}
	waitForStatus(t, reg, id, models.ProjectStatusFailed)

	snap, _ := o.GetProjectStatus(id)
	if _, ok := snap.Context["generate_images"]; ok {
		t.Errorf("failed stage must not leave a skip entry in context: %v", snap.Context)
	}
	var fatal bool
	for _, perr := range snap.Errors {
		if perr.Fatal && perr.Stage == "generate_images" {
			fatal = true
		}
	}
	if !fatal {
		t.Errorf("expected a fatal error for generate_images, got %v", snap.Errors)
	}
}

func TestRetryBudgetAllowsThreeRetries(t *testing.T) {
	workers := worker.NewRegistry()
	// Three failures, then success: the default-shaped budget of three
	// retries means the fourth attempt completes the project.
	flaky := worker.NewSimulated("story_writer", time.Millisecond).FailFirst(3)
	workers.Register(flaky)

	o, reg := newTestOrchestrator(t, workers, fastRetry)

	def := &models.PipelineDefinition{
		Name: "persistent",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second, Resources: models.ResourceSpec{CPUUnits: 1}},
		},
	}
	id, err := o.StartProject("stubborn", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, o, id, EventProjectCompleted)
	waitForStatus(t, reg, id, models.ProjectStatusCompleted)

	if got := flaky.Calls(); got != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", got)
	}
}

func TestCriticalStageFailsProject(t *testing.T) {
	workers := worker.NewRegistry()
	workers.Register(worker.NewSimulated("story_writer", time.Millisecond))
	workers.Register(worker.NewSimulated("reviewer", time.Millisecond).FailFirst(100))

	o, reg := newTestOrchestrator(t, workers, RetryPolicy{MaxRetries: 2, BackoffBase: 5 * time.Millisecond, BackoffFactor: 2})

	def := &models.PipelineDefinition{
		Name: "gated",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
			{Name: "moderate_content", Family: models.FamilyQuality, Role: "reviewer", Timeout: time.Second, DependsOn: []string{"generate_plot"}, Critical: true},
		},
	}
	id, err := o.StartProject("blocked", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	waitForEvent(t, o, id, EventProjectFailed)
	waitForStatus(t, reg, id, models.ProjectStatusFailed)

	snap, _ := o.GetProjectStatus(id)
	var fatal bool
	for _, perr := range snap.Errors {
		if perr.Fatal && perr.Stage == "moderate_content" {
			fatal = true
		}
	}
	if !fatal {
		t.Errorf("expected a fatal error for moderate_content, got %v", snap.Errors)
	}
}

func TestPauseSuppressesEmissionAndResumeCatchesUp(t *testing.T) {
	workers := worker.NewRegistry()
	slow := worker.NewSimulated("story_writer", 100*time.Millisecond)
	workers.Register(slow)
	second := worker.NewSimulated("image_artist", time.Millisecond)
	workers.Register(second)

	o, reg := newTestOrchestrator(t, workers, fastRetry)

	def := &models.PipelineDefinition{
		Name: "chain",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
			{Name: "generate_images", Family: models.FamilyVisual, Role: "image_artist", Timeout: time.Second, DependsOn: []string{"generate_plot"}},
		},
	}
	id, err := o.StartProject("pausable", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Pause while the first stage is still executing. The in-flight task
	// drains; its successor must not be emitted.
	if err := o.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitForStatus(t, reg, id, models.ProjectStatusPaused)

	waitForEvent(t, o, id, EventTaskSucceeded)
	time.Sleep(50 * time.Millisecond)
	if got := second.Calls(); got != 0 {
		t.Fatalf("paused project emitted downstream stage: %d calls", got)
	}

	if err := o.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitForEvent(t, o, id, EventProjectCompleted)
	waitForStatus(t, reg, id, models.ProjectStatusCompleted)

	if got := second.Calls(); got != 1 {
		t.Errorf("expected exactly one execution of the deferred stage, got %d", got)
	}
}

func TestResumeRequiresPaused(t *testing.T) {
	workers := simWorkers(t, "story_writer")
	o, _ := newTestOrchestrator(t, workers, fastRetry)

	def := &models.PipelineDefinition{
		Name: "single",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
		},
	}
	id, err := o.StartProject("running", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Resume(id); !errors.Is(err, registry.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming a running project, got %v", err)
	}
}

func TestCancelStopsProjectAndIgnoresLateResults(t *testing.T) {
	workers := worker.NewRegistry()
	slow := worker.NewSimulated("story_writer", 150*time.Millisecond)
	workers.Register(slow)
	downstream := worker.NewSimulated("image_artist", time.Millisecond)
	workers.Register(downstream)

	o, reg := newTestOrchestrator(t, workers, fastRetry)

	def := &models.PipelineDefinition{
		Name: "chain",
		Stages: []models.Stage{
			{Name: "generate_plot", Family: models.FamilyStory, Role: "story_writer", Timeout: time.Second},
			{Name: "generate_images", Family: models.FamilyVisual, Role: "image_artist", Timeout: time.Second, DependsOn: []string{"generate_plot"}},
		},
	}
	id, err := o.StartProject("doomed", def, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := o.Cancel(id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForStatus(t, reg, id, models.ProjectStatusCancelled)

	// Give the cancelled worker time to unwind; the downstream stage must
	// never run and the status must stay terminal.
	time.Sleep(250 * time.Millisecond)
	if got := downstream.Calls(); got != 0 {
		t.Errorf("cancelled project ran downstream stage %d times", got)
	}
	status, _ := reg.Status(id)
	if status != models.ProjectStatusCancelled {
		t.Errorf("late outcome overwrote terminal status: %s", status)
	}

	// Terminal projects reject further control operations.
	if err := o.Pause(id); err == nil {
		t.Errorf("expected pause of cancelled project to fail")
	}
	if err := o.Cancel(id); err == nil {
		t.Errorf("expected second cancel to fail")
	}
}

func TestUnknownProjectOperations(t *testing.T) {
	o, _ := newTestOrchestrator(t, simWorkers(t, "story_writer"), fastRetry)

	if err := o.Pause("nope"); !errors.Is(err, registry.ErrUnknownProject) {
		t.Errorf("pause: expected ErrUnknownProject, got %v", err)
	}
	if err := o.Resume("nope"); !errors.Is(err, registry.ErrUnknownProject) {
		t.Errorf("resume: expected ErrUnknownProject, got %v", err)
	}
	if err := o.Cancel("nope"); !errors.Is(err, registry.ErrUnknownProject) {
		t.Errorf("cancel: expected ErrUnknownProject, got %v", err)
	}
	if _, err := o.GetProjectStatus("nope"); !errors.Is(err, registry.ErrUnknownProject) {
		t.Errorf("status: expected ErrUnknownProject, got %v", err)
	}
}

func TestConcurrentProjectsProgressIndependently(t *testing.T) {
	workers := simWorkers(t, "story_writer", "image_artist", "composer", "reviewer")
	o, reg := newTestOrchestrator(t, workers, fastRetry)

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := o.StartProject("parallel", diamondPipeline(), nil)
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		waitForStatus(t, reg, id, models.ProjectStatusCompleted)
	}
}
