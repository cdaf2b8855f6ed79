// Package tui provides the terminal dashboard for fableforge. It shows
// project progress, live resource metrics, and the orchestrator event
// stream, and forwards pause/resume/cancel key presses to the
// orchestrator.
package tui

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"fableforge/internal/monitor"
	"fableforge/internal/orchestrator"
	"fableforge/pkg/models"
)

// Tab constants for navigation.
const (
	TabProjects = iota
	TabMetrics
	TabEvents
)

// Controller is the subset of orchestrator operations the dashboard can
// trigger.
type Controller interface {
	Pause(projectID string) error
	Resume(projectID string) error
	Cancel(projectID string) error
}

// ProjectsMsg replaces the displayed project snapshots.
type ProjectsMsg struct {
	Projects []models.ProjectSnapshot
}

// EventMsg wraps an orchestrator event for display.
type EventMsg struct {
	Event orchestrator.Event
}

// MetricsMsg carries the latest sample and summaries.
type MetricsMsg struct {
	Sample    models.MetricSample
	Summaries []models.MetricSummary
}

// AlertMsg carries a monitor threshold crossing.
type AlertMsg struct {
	Alert monitor.Alert
}

// DoneMsg signals that the run has finished and the dashboard should
// show its final state.
type DoneMsg struct {
	Message string
}

// LogEntry represents one line in the events tab.
type LogEntry struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// App is the main bubbletea model for the fableforge dashboard.
type App struct {
	ctrl Controller

	// currentTab is the currently selected tab.
	currentTab int
	// projects are the displayed snapshots, sorted by ID.
	projects []models.ProjectSnapshot
	// selected indexes into projects for control keys.
	selected int
	// sample is the latest metric sample.
	sample models.MetricSample
	// summaries aggregate each metric over the monitor window.
	summaries []models.MetricSummary
	// logs is the event tab's backing list.
	logs []LogEntry
	// activeAlerts maps metric to its most recent uncleared alert.
	activeAlerts map[models.MetricType]monitor.Alert
	// width and height are the terminal dimensions.
	width  int
	height int
	// quitting indicates the app is shutting down.
	quitting bool
	// done indicates the run finished.
	done        bool
	doneMessage string
	// spin animates while the run is active.
	spin spinner.Model
}

// New creates a new App instance. ctrl may be nil for a read-only view.
func New(ctrl Controller) *App {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &App{
		ctrl:         ctrl,
		activeAlerts: make(map[models.MetricType]monitor.Alert),
		spin:         s,
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return a.spin.Tick
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case ProjectsMsg:
		a.setProjects(msg.Projects)

	case EventMsg:
		a.handleEvent(msg.Event)

	case MetricsMsg:
		a.sample = msg.Sample
		a.summaries = msg.Summaries

	case AlertMsg:
		a.handleAlert(msg.Alert)

	case DoneMsg:
		a.done = true
		a.doneMessage = msg.Message

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		a.quitting = true
		return a, tea.Quit
	case "tab":
		a.currentTab = (a.currentTab + 1) % 3
	case "1":
		a.currentTab = TabProjects
	case "2":
		a.currentTab = TabMetrics
	case "3":
		a.currentTab = TabEvents
	case "up", "k":
		if a.selected > 0 {
			a.selected--
		}
	case "down", "j":
		if a.selected < len(a.projects)-1 {
			a.selected++
		}
	case "p":
		a.control("pause", Controller.Pause)
	case "r":
		a.control("resume", Controller.Resume)
	case "c":
		a.control("cancel", Controller.Cancel)
	}
	return a, nil
}

// control applies an operation to the selected project and logs the result.
func (a *App) control(name string, op func(Controller, string) error) {
	if a.ctrl == nil || a.selected >= len(a.projects) {
		return
	}
	id := a.projects[a.selected].ID
	if err := op(a.ctrl, id); err != nil {
		a.appendLog("ERROR", fmt.Sprintf("%s %s: %v", name, id, err))
		return
	}
	a.appendLog("INFO", fmt.Sprintf("%s requested for %s", name, id))
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var content string
	switch a.currentTab {
	case TabProjects:
		content = a.viewProjects()
	case TabMetrics:
		content = a.viewMetrics()
	case TabEvents:
		content = a.viewEvents()
	}

	return fmt.Sprintf("%s\n%s\n\n%s\n\n%s", a.viewHeader(), a.viewAlerts(), content, a.viewFooter())
}

// viewHeader renders the title and tab bar.
func (a *App) viewHeader() string {
	title := headerStyle.Render("fableforge")
	if !a.done {
		title += " " + a.spin.View()
	}
	tabs := []string{"Projects", "Metrics", "Events"}
	bar := ""
	for i, tab := range tabs {
		if i == a.currentTab {
			bar += tabActiveStyle.Render("["+tab+"]") + " "
		} else {
			bar += tabInactiveStyle.Render(" "+tab+" ") + " "
		}
	}
	return title + "  " + bar
}

// viewAlerts renders active threshold alerts, if any.
func (a *App) viewAlerts() string {
	if len(a.activeAlerts) == 0 {
		return ""
	}
	metrics := make([]string, 0, len(a.activeAlerts))
	for metric := range a.activeAlerts {
		metrics = append(metrics, string(metric))
	}
	sort.Strings(metrics)
	line := ""
	for _, metric := range metrics {
		alert := a.activeAlerts[models.MetricType(metric)]
		line += fmt.Sprintf(" %s=%.0f>%.0f", metric, alert.Value, alert.Threshold)
	}
	return alertStyle.Render("ALERT:" + line)
}

// viewProjects renders the projects tab.
func (a *App) viewProjects() string {
	if len(a.projects) == 0 {
		return "No active projects"
	}

	var view string
	for i, p := range a.projects {
		cursor := "  "
		if i == a.selected {
			cursor = "> "
		}
		stage := p.CurrentStage
		if stage == "" {
			stage = "-"
		}
		view += fmt.Sprintf("%s%s  %-22s %s %3d%% [%s] stage: %s\n",
			cursor, p.ID, truncate(p.Title, 22), renderStatus(p.Status),
			p.Progress, progressBar(p.Progress, 16), stage)
		if len(p.Errors) > 0 {
			last := p.Errors[len(p.Errors)-1]
			view += fmt.Sprintf("      last error: %s\n", truncate(last.Message, 60))
		}
	}
	return view
}

// viewMetrics renders the metrics tab.
func (a *App) viewMetrics() string {
	view := fmt.Sprintf("  GPU utilization  %5.1f%% [%s]\n", a.sample.GPUUtilization, progressBar(int(a.sample.GPUUtilization), 20))
	view += fmt.Sprintf("  CPU utilization  %5.1f%% [%s]\n", a.sample.CPUUtilization, progressBar(int(a.sample.CPUUtilization), 20))
	view += fmt.Sprintf("  Queue depth      %d\n", a.sample.QueueDepth)
	view += fmt.Sprintf("  Running tasks    %d\n", a.sample.RunningTasks)
	view += fmt.Sprintf("  Active projects  %d\n", a.sample.ActiveProjects)

	if len(a.summaries) > 0 {
		view += "\n  Window summary (min/avg/max):\n"
		for _, s := range a.summaries {
			view += fmt.Sprintf("    %-18s %6.1f / %6.1f / %6.1f\n", s.Metric, s.Min, s.Avg, s.Max)
		}
	}
	return view
}

// viewEvents renders the events tab.
func (a *App) viewEvents() string {
	if len(a.logs) == 0 {
		return "No events yet"
	}

	// Show the most recent entries (up to 20)
	start := 0
	if len(a.logs) > 20 {
		start = len(a.logs) - 20
	}

	var view string
	for _, entry := range a.logs[start:] {
		ts := entry.Timestamp.Format("15:04:05")
		view += fmt.Sprintf("  %s [%s] %s\n", ts, entry.Level, entry.Message)
	}
	return view
}

// viewFooter renders the footer with help text.
func (a *App) viewFooter() string {
	if a.done {
		return footerStyle.Render(fmt.Sprintf("%s | Press q to exit", a.doneMessage))
	}
	return footerStyle.Render("1/2/3 or Tab switch | ↑/↓ select | p pause  r resume  c cancel | q quit")
}

// setProjects replaces the project list, keeping a stable sort and a
// valid selection.
func (a *App) setProjects(projects []models.ProjectSnapshot) {
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	a.projects = projects
	if a.selected >= len(a.projects) && len(a.projects) > 0 {
		a.selected = len(a.projects) - 1
	}
}

// handleEvent appends an orchestrator event to the log tab.
func (a *App) handleEvent(ev orchestrator.Event) {
	level := "INFO"
	if ev.Err != nil {
		level = "ERROR"
	}

	msg := string(ev.Type)
	if ev.ProjectID != "" {
		msg += " project=" + ev.ProjectID
	}
	if ev.Stage != "" {
		msg += " stage=" + ev.Stage
	}
	if ev.Err != nil {
		msg += " err=" + ev.Err.Error()
	} else if ev.Message != "" {
		msg += " " + ev.Message
	}
	a.appendLog(level, msg)
}

// handleAlert tracks raised alerts until they clear.
func (a *App) handleAlert(alert monitor.Alert) {
	if alert.Cleared {
		delete(a.activeAlerts, alert.Metric)
		a.appendLog("INFO", fmt.Sprintf("alert cleared: %s", alert.Metric))
		return
	}
	a.activeAlerts[alert.Metric] = alert
	a.appendLog("ALERT", fmt.Sprintf("%s %.1f over threshold %.1f", alert.Metric, alert.Value, alert.Threshold))
}

func (a *App) appendLog(level, message string) {
	a.logs = append(a.logs, LogEntry{Timestamp: time.Now(), Level: level, Message: message})
	// Bound memory for long runs.
	if len(a.logs) > 500 {
		a.logs = a.logs[len(a.logs)-500:]
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// NewProgram creates a Bubbletea program for the dashboard. The returned
// program receives updates via Send().
func NewProgram(ctrl Controller) (*tea.Program, *App) {
	app := New(ctrl)
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}
