package tui

import (
	"github.com/charmbracelet/lipgloss"

	"fableforge/pkg/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("230")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("241"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	alertStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	statusStyles = map[models.ProjectStatus]lipgloss.Style{
		models.ProjectStatusInitializing: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		models.ProjectStatusRunning:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.ProjectStatusPaused:       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.ProjectStatusCompleted:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		models.ProjectStatusFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.ProjectStatusCancelled:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
)

// renderStatus colors a project status for display.
func renderStatus(status models.ProjectStatus) string {
	if style, ok := statusStyles[status]; ok {
		return style.Render(string(status))
	}
	return string(status)
}

// progressBar renders a simple text progress bar.
func progressBar(percent, width int) string {
	if width < 4 {
		width = 4
	}
	filled := percent * width / 100
	if filled > width {
		filled = width
	}
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}
