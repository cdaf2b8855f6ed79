package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"fableforge/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify fableforge configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/fableforge/config.yaml
Project-specific overrides can be placed in .fableforge.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}

		switch len(args) {
		case 0:
			displayAllConfig(cfg)
		case 1:
			displayConfigKey(cfg, args[0])
		default:
			setConfigKey(cfg, args[0], args[1])
		}
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	fmt.Printf("resources.gpu_units: %d\n", cfg.Resources.GPUUnits)
	fmt.Printf("resources.cpu_units: %d\n", cfg.Resources.CPUUnits)
	fmt.Printf("scheduler.grace_period: %s\n", cfg.Scheduler.GracePeriod)
	fmt.Printf("scheduler.outcome_buffer: %d\n", cfg.Scheduler.OutcomeBuffer)
	fmt.Printf("retry.max_retries: %d\n", cfg.Retry.MaxRetries)
	fmt.Printf("retry.backoff_base: %s\n", cfg.Retry.BackoffBase)
	fmt.Printf("retry.backoff_factor: %d\n", cfg.Retry.BackoffFactor)
	fmt.Printf("monitor.interval: %s\n", cfg.Monitor.Interval)
	fmt.Printf("monitor.history_size: %d\n", cfg.Monitor.HistorySize)
	fmt.Printf("monitor.gpu_alert_threshold: %g\n", cfg.Monitor.GPUAlertThreshold)
	fmt.Printf("monitor.cpu_alert_threshold: %g\n", cfg.Monitor.CPUAlertThreshold)
	fmt.Printf("monitor.queue_alert_threshold: %g\n", cfg.Monitor.QueueAlertThreshold)
	fmt.Printf("tui.refresh_rate: %s\n", cfg.TUI.RefreshRate)
	fmt.Printf("pipeline.path: %s\n", orDefault(cfg.Pipeline.Path, "(built-in)"))
	fmt.Printf("archive.path: %s\n", orDefault(cfg.Archive.Path, "(global)"))
	fmt.Printf("archive.metric_retention: %s\n", cfg.Archive.MetricRetention)
	fmt.Printf("debug.log_path: %s\n", orDefault(cfg.Debug.LogPath, "(disabled)"))
}

// displayConfigKey prints a single configuration value.
func displayConfigKey(cfg *config.Config, key string) {
	value, err := getConfigValue(cfg, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(value)
}

// setConfigKey sets a configuration value and saves the config.
func setConfigKey(cfg *config.Config, key, value string) {
	if err := setConfigValue(cfg, key, value); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := config.Save(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Set %s = %s\n", key, value)
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	switch strings.ToLower(key) {
	case "resources.gpu_units":
		return strconv.Itoa(cfg.Resources.GPUUnits), nil
	case "resources.cpu_units":
		return strconv.Itoa(cfg.Resources.CPUUnits), nil
	case "scheduler.grace_period":
		return cfg.Scheduler.GracePeriod.String(), nil
	case "scheduler.outcome_buffer":
		return strconv.Itoa(cfg.Scheduler.OutcomeBuffer), nil
	case "retry.max_retries":
		return strconv.Itoa(cfg.Retry.MaxRetries), nil
	case "retry.backoff_base":
		return cfg.Retry.BackoffBase.String(), nil
	case "retry.backoff_factor":
		return strconv.Itoa(cfg.Retry.BackoffFactor), nil
	case "monitor.interval":
		return cfg.Monitor.Interval.String(), nil
	case "monitor.history_size":
		return strconv.Itoa(cfg.Monitor.HistorySize), nil
	case "monitor.gpu_alert_threshold":
		return strconv.FormatFloat(cfg.Monitor.GPUAlertThreshold, 'g', -1, 64), nil
	case "monitor.cpu_alert_threshold":
		return strconv.FormatFloat(cfg.Monitor.CPUAlertThreshold, 'g', -1, 64), nil
	case "monitor.queue_alert_threshold":
		return strconv.FormatFloat(cfg.Monitor.QueueAlertThreshold, 'g', -1, 64), nil
	case "tui.refresh_rate":
		return cfg.TUI.RefreshRate.String(), nil
	case "pipeline.path":
		return orDefault(cfg.Pipeline.Path, "(built-in)"), nil
	case "archive.path":
		return orDefault(cfg.Archive.Path, "(global)"), nil
	case "archive.metric_retention":
		return cfg.Archive.MetricRetention.String(), nil
	case "debug.log_path":
		return orDefault(cfg.Debug.LogPath, "(disabled)"), nil
	default:
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.Config, key, value string) error {
	switch strings.ToLower(key) {
	case "resources.gpu_units":
		return setInt(&cfg.Resources.GPUUnits, value)
	case "resources.cpu_units":
		return setInt(&cfg.Resources.CPUUnits, value)
	case "scheduler.grace_period":
		return setDuration(&cfg.Scheduler.GracePeriod, value)
	case "scheduler.outcome_buffer":
		return setInt(&cfg.Scheduler.OutcomeBuffer, value)
	case "retry.max_retries":
		return setInt(&cfg.Retry.MaxRetries, value)
	case "retry.backoff_base":
		return setDuration(&cfg.Retry.BackoffBase, value)
	case "retry.backoff_factor":
		return setInt(&cfg.Retry.BackoffFactor, value)
	case "monitor.interval":
		return setDuration(&cfg.Monitor.Interval, value)
	case "monitor.history_size":
		return setInt(&cfg.Monitor.HistorySize, value)
	case "monitor.gpu_alert_threshold":
		return setFloat(&cfg.Monitor.GPUAlertThreshold, value)
	case "monitor.cpu_alert_threshold":
		return setFloat(&cfg.Monitor.CPUAlertThreshold, value)
	case "monitor.queue_alert_threshold":
		return setFloat(&cfg.Monitor.QueueAlertThreshold, value)
	case "tui.refresh_rate":
		return setDuration(&cfg.TUI.RefreshRate, value)
	case "pipeline.path":
		cfg.Pipeline.Path = value
		return nil
	case "archive.path":
		cfg.Archive.Path = value
		return nil
	case "archive.metric_retention":
		return setDuration(&cfg.Archive.MetricRetention, value)
	case "debug.log_path":
		cfg.Debug.LogPath = value
		return nil
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer: %s", value)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid number: %s", value)
	}
	*dst = f
	return nil
}

func setDuration(dst *time.Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration: %s", value)
	}
	*dst = d
	return nil
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
