package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fableforge",
	Short: "Multi-agent content generation orchestrator",
	Long: `Fableforge coordinates specialized generation agents through a
staged pipeline: story development, visual and audio production, and
quality control.

Core capabilities:
- Runs pipeline stages as soon as their dependencies complete
- Reserves GPU/CPU units atomically before any task starts
- Retries failed stages with exponential backoff
- Degrades gracefully when optional stages exhaust their retries
- Archives finished projects and task attempts to SQLite`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
