package main

import (
	"fmt"
	"os"
	"time"

	"fableforge/internal/config"
	"fableforge/internal/state"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [project-id]",
	Short: "Show archived project state",
	Long: `Display archived projects from the local archive database.

With no arguments, lists recent projects. With a project ID, shows that
project's detail and every task attempt it ran.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Maximum number of projects to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	path := cfg.Archive.Path
	if path == "" {
		path = state.GlobalDBPath()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Println("No archive yet. Run 'fableforge run <title>' to start a project.")
		return nil
	}

	db, err := state.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate archive: %w", err)
	}

	if len(args) == 1 {
		return printProjectDetail(db, args[0])
	}
	return printProjectList(db)
}

func printProjectList(db *state.DB) error {
	projects, err := db.Projects(statusLimit)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	if len(projects) == 0 {
		fmt.Println("No archived projects.")
		return nil
	}

	bold := color.New(color.Bold)
	bold.Printf("%-10s %-30s %-10s %9s  %s\n", "ID", "TITLE", "STATUS", "PROGRESS", "CREATED")
	for _, p := range projects {
		statusColor(string(p.Status)).Printf("%-10s %-30s %-10s %8d%%  %s\n",
			p.ID, truncateTitle(p.Title, 30), p.Status, p.Progress,
			p.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func printProjectDetail(db *state.DB, id string) error {
	project, err := db.Project(id)
	if err != nil {
		return fmt.Errorf("load project %s: %w", id, err)
	}

	bold := color.New(color.Bold)
	bold.Printf("Project %s\n", project.ID)
	fmt.Printf("  Title:    %s\n", project.Title)
	fmt.Print("  Status:   ")
	statusColor(string(project.Status)).Println(project.Status)
	fmt.Printf("  Progress: %d%%\n", project.Progress)
	fmt.Printf("  Created:  %s\n", project.CreatedAt.Local().Format(time.RFC1123))
	if project.CompletedAt != nil {
		fmt.Printf("  Finished: %s\n", project.CompletedAt.Local().Format(time.RFC1123))
	}
	if len(project.Errors) > 0 {
		red := color.New(color.FgRed)
		fmt.Println("  Errors:")
		for _, perr := range project.Errors {
			red.Printf("    [%s] %s", perr.Stage, perr.Message)
			if perr.Fatal {
				red.Print(" (fatal)")
			}
			fmt.Println()
		}
	}

	tasks, err := db.Tasks(id)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}

	fmt.Println()
	bold.Printf("%-10s %-20s %-10s %6s  %s\n", "TASK", "STAGE", "STATUS", "RETRY", "ERROR")
	for _, t := range tasks {
		statusColor(string(t.Status)).Printf("%-10s %-20s %-10s %6d  %s\n",
			t.ID, t.Stage, t.Status, t.RetryCount, t.Error)
	}
	return nil
}

func statusColor(status string) *color.Color {
	switch status {
	case "completed", "succeeded":
		return color.New(color.FgGreen)
	case "failed", "timed_out":
		return color.New(color.FgRed)
	case "cancelled", "paused":
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

func truncateTitle(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
