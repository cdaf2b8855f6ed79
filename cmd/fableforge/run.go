package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"fableforge/internal/bus"
	"fableforge/internal/config"
	"fableforge/internal/monitor"
	"fableforge/internal/orchestrator"
	"fableforge/internal/pipeline"
	"fableforge/internal/registry"
	"fableforge/internal/resource"
	"fableforge/internal/scheduler"
	"fableforge/internal/signals"
	"fableforge/internal/state"
	"fableforge/internal/tui"
	"fableforge/internal/worker"
	"fableforge/pkg/models"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	runPipelinePath string
	runRequirements []string
	runLatency      time.Duration
	runNoTUI        bool
)

var runCmd = &cobra.Command{
	Use:   "run <title>",
	Short: "Run a project through the generation pipeline",
	Long: `Start a new project and drive it through every pipeline stage.

The pipeline definition comes from --pipeline, the configured pipeline
path, or the built-in default. Requirements passed with --require become
the project's initial context, visible to the first stages.

By default a live dashboard shows projects, metrics, and events. Use
--no-tui for plain log output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProject,
}

func init() {
	runCmd.Flags().StringVar(&runPipelinePath, "pipeline", "", "Path to a pipeline definition YAML")
	runCmd.Flags().StringArrayVar(&runRequirements, "require", nil, "Project requirement as key=value (repeatable)")
	runCmd.Flags().DurationVar(&runLatency, "latency", 200*time.Millisecond, "Simulated per-task latency")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "Plain log output instead of the dashboard")
}

func runProject(cmd *cobra.Command, args []string) error {
	title := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	def, err := loadPipeline(cfg)
	if err != nil {
		return err
	}

	requirements, err := parseRequirements(runRequirements)
	if err != nil {
		return err
	}

	db, err := openArchive(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if interrupted, err := db.CheckForInterrupted(); err == nil && len(interrupted) > 0 {
		if _, err := db.CleanInterrupted(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: clean interrupted projects: %v\n", err)
		} else {
			fmt.Printf("Marked %d interrupted project(s) as failed.\n", len(interrupted))
		}
	}
	if cfg.Archive.MetricRetention > 0 {
		if _, err := db.PurgeOldMetrics(cfg.Archive.MetricRetention); err != nil {
			fmt.Fprintf(os.Stderr, "warning: purge old metrics: %v\n", err)
		}
	}

	logger, err := orchestrator.NewDebugLogger(cfg.Debug.LogPath)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	defer logger.Close()

	budget := resource.NewBudget(cfg.Resources.GPUUnits, cfg.Resources.CPUUnits)
	workers := worker.NewRegistry()
	for _, role := range def.Roles() {
		workers.Register(worker.NewSimulated(role, runLatency))
	}

	sched := scheduler.New(budget, workers, scheduler.Config{
		GracePeriod:   cfg.Scheduler.GracePeriod,
		OutcomeBuffer: cfg.Scheduler.OutcomeBuffer,
	})
	reg := registry.New()

	msgBus := bus.New()
	defer msgBus.Close()
	sched.SetMessageBus(msgBus)
	if trace, err := msgBus.Subscribe(bus.Wildcard); err == nil {
		go func() {
			for msg := range trace.Messages() {
				logger.Log("[bus] %s %s -> %s content=%v", msg.Type, msg.Sender, msg.Receiver, msg.Content)
			}
		}()
	}

	orch := orchestrator.New(reg, sched, workers, orchestrator.Config{
		Retry: orchestrator.RetryPolicy{
			MaxRetries:    cfg.Retry.MaxRetries,
			BackoffBase:   cfg.Retry.BackoffBase,
			BackoffFactor: cfg.Retry.BackoffFactor,
		},
		Logger:   logger,
		Archiver: db,
	})
	orch.Start()
	defer orch.Stop()

	mon := monitor.New(&monitor.SystemSource{Budget: budget, Sched: sched, Projects: reg}, monitor.Config{
		Interval:    cfg.Monitor.Interval,
		HistorySize: cfg.Monitor.HistorySize,
		Thresholds: map[models.MetricType]float64{
			models.MetricGPUUtilization: cfg.Monitor.GPUAlertThreshold,
			models.MetricCPUUtilization: cfg.Monitor.CPUAlertThreshold,
			models.MetricQueueDepth:     cfg.Monitor.QueueAlertThreshold,
		},
	})
	mon.OnSample(func(sample models.MetricSample) {
		if err := db.RecordSample(sample); err != nil {
			logger.Log("record metric sample: %v", err)
		}
	})

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	shutdown := make(chan struct{})
	watcher, err := signals.New(signalBase(cwd), orch, func() { close(shutdown) })
	if err != nil {
		return fmt.Errorf("start signal watcher: %w", err)
	}
	defer watcher.Close()

	projectID, err := orch.StartProject(title, def, requirements)
	if err != nil {
		return fmt.Errorf("start project: %w", err)
	}

	if runNoTUI {
		mon.Start()
		defer mon.Stop()
		return runPlain(orch, projectID, shutdown)
	}
	return runDashboard(orch, mon, reg, projectID, shutdown)
}

func loadPipeline(cfg *config.Config) (*models.PipelineDefinition, error) {
	path := runPipelinePath
	if path == "" {
		path = cfg.Pipeline.Path
	}
	if path == "" {
		return pipeline.Default(), nil
	}
	def, err := pipeline.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline %s: %w", path, err)
	}
	return def, nil
}

func parseRequirements(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid requirement %q, expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}

func openArchive(cfg *config.Config) (*state.DB, error) {
	path := cfg.Archive.Path
	if path == "" {
		path = state.GlobalDBPath()
	}
	db, err := state.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return db, nil
}

// runPlain drives the run from the orchestrator's event stream, printing
// one line per event until the project reaches a terminal status.
func runPlain(orch *orchestrator.Orchestrator, projectID string, shutdown <-chan struct{}) error {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	go func() {
		select {
		case <-interrupt:
		case <-shutdown:
		}
		// Best effort; the cancel event below ends the loop.
		orch.Cancel(projectID)
	}()

	for ev := range orch.Events() {
		if ev.ProjectID != projectID {
			continue
		}
		switch ev.Type {
		case orchestrator.EventTaskSucceeded:
			green.Printf("✓ %s\n", ev.Stage)
		case orchestrator.EventTaskRetrying, orchestrator.EventStageSkipped:
			yellow.Printf("⚠ %s: %s\n", ev.Stage, ev.Message)
		case orchestrator.EventTaskFailed:
			red.Printf("✗ %s: %v\n", ev.Stage, ev.Err)
		case orchestrator.EventProjectCompleted:
			green.Printf("Project %s completed.\n", projectID)
			return nil
		case orchestrator.EventProjectFailed:
			red.Printf("Project %s failed: %v\n", projectID, ev.Err)
			return fmt.Errorf("project failed")
		case orchestrator.EventProjectCancelled:
			yellow.Printf("Project %s cancelled.\n", projectID)
			return nil
		default:
			fmt.Printf("• %s %s\n", ev.Type, ev.Stage)
		}
	}
	return nil
}

// runDashboard runs the bubbletea dashboard, forwarding events, project
// snapshots, and metric samples to it until the run finishes or the user
// quits.
func runDashboard(orch *orchestrator.Orchestrator, mon *monitor.Monitor, reg *registry.Registry, projectID string, shutdown <-chan struct{}) error {
	program, _ := tui.NewProgram(orch)

	mon.OnAlert(func(alert monitor.Alert) {
		program.Send(tui.AlertMsg{Alert: alert})
	})
	mon.Start()
	defer mon.Stop()

	go func() {
		for ev := range orch.Events() {
			program.Send(tui.EventMsg{Event: ev})
			if ev.ProjectID != projectID {
				continue
			}
			switch ev.Type {
			case orchestrator.EventProjectCompleted:
				program.Send(tui.DoneMsg{Message: "Project completed. Press q to exit."})
			case orchestrator.EventProjectFailed:
				program.Send(tui.DoneMsg{Message: "Project failed. Press q to exit."})
			case orchestrator.EventProjectCancelled:
				program.Send(tui.DoneMsg{Message: "Project cancelled. Press q to exit."})
			}
		}
	}()

	refreshDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-refreshDone:
				return
			case <-shutdown:
				program.Send(tea.Quit())
				return
			case <-ticker.C:
				program.Send(tui.ProjectsMsg{Projects: projectSnapshots(reg)})
				if sample, ok := mon.Latest(); ok {
					program.Send(tui.MetricsMsg{
						Sample:    sample,
						Summaries: metricSummaries(mon),
					})
				}
			}
		}
	}()

	_, err := program.Run()
	close(refreshDone)

	// Leaving the dashboard mid-run abandons the project.
	if status, serr := orch.GetProjectStatus(projectID); serr == nil && !status.Status.Terminal() {
		orch.Cancel(projectID)
	}
	return err
}

func projectSnapshots(reg *registry.Registry) []models.ProjectSnapshot {
	ids := reg.IDs()
	sort.Strings(ids)
	snapshots := make([]models.ProjectSnapshot, 0, len(ids))
	for _, id := range ids {
		if snap, err := reg.Snapshot(id); err == nil {
			snapshots = append(snapshots, snap)
		}
	}
	return snapshots
}

func metricSummaries(mon *monitor.Monitor) []models.MetricSummary {
	metrics := []models.MetricType{
		models.MetricGPUUtilization,
		models.MetricCPUUtilization,
		models.MetricQueueDepth,
		models.MetricRunningTasks,
		models.MetricActiveProjects,
	}
	// The dashboard shows the recent trend, not the whole retention ring.
	const window = 12
	summaries := make([]models.MetricSummary, 0, len(metrics))
	for _, metric := range metrics {
		summaries = append(summaries, mon.Summary(metric, window))
	}
	return summaries
}
