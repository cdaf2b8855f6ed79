package main

import (
	"fmt"
	"os"
	"path/filepath"

	"fableforge/internal/signals"

	"github.com/spf13/cobra"
)

// signalBase is the control directory a run process watches, relative to
// the directory it was started from.
func signalBase(cwd string) string {
	return filepath.Join(cwd, ".fableforge")
}

// Control commands talk to a running 'fableforge run' through its
// signals directory, so they work from a second terminal.

var pauseCmd = &cobra.Command{
	Use:   "pause <project-id>",
	Short: "Pause a running project",
	Long: `Suppress new task emission for a project. Tasks already running
drain to completion; their outputs are kept. Resume with 'fableforge resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl("pause", args[0])
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <project-id>",
	Short: "Resume a paused project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl("resume", args[0])
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <project-id>",
	Short: "Cancel a project",
	Long: `Stop a project permanently. Running tasks get a grace period to
acknowledge cancellation before their resources are force-released.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendControl("cancel", args[0])
	},
}

func sendControl(action, projectID string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("get working directory: %w", err)
	}
	if err := signals.Send(signalBase(cwd), action, projectID); err != nil {
		return fmt.Errorf("send %s signal: %w", action, err)
	}
	fmt.Printf("Sent %s for project %s.\n", action, projectID)
	return nil
}
