// Package config handles configuration loading and management for fableforge.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for fableforge.
type Config struct {
	Resources ResourcesConfig `mapstructure:"resources"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	TUI       TUIConfig       `mapstructure:"tui"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

// ResourcesConfig holds the resource pool sizes tasks reserve against.
type ResourcesConfig struct {
	// GPUUnits is the total GPU capacity.
	GPUUnits int `mapstructure:"gpu_units"`
	// CPUUnits is the total CPU capacity.
	CPUUnits int `mapstructure:"cpu_units"`
}

// SchedulerConfig holds task scheduler settings.
type SchedulerConfig struct {
	// GracePeriod is how long a cancelled task may run before its
	// resources are force-released.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// OutcomeBuffer sizes the terminal-outcome channel.
	OutcomeBuffer int `mapstructure:"outcome_buffer"`
}

// RetryConfig holds the per-stage retry policy.
type RetryConfig struct {
	// MaxRetries is the number of retries a stage gets after its first
	// attempt fails.
	MaxRetries int `mapstructure:"max_retries"`
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	// BackoffFactor multiplies the delay per subsequent retry.
	BackoffFactor int `mapstructure:"backoff_factor"`
}

// MonitorConfig holds system monitor settings.
type MonitorConfig struct {
	// Interval is the metric sampling cadence.
	Interval time.Duration `mapstructure:"interval"`
	// HistorySize bounds the in-memory sample ring.
	HistorySize int `mapstructure:"history_size"`
	// GPUAlertThreshold is the GPU utilization percentage that raises an alert.
	GPUAlertThreshold float64 `mapstructure:"gpu_alert_threshold"`
	// CPUAlertThreshold is the CPU utilization percentage that raises an alert.
	CPUAlertThreshold float64 `mapstructure:"cpu_alert_threshold"`
	// QueueAlertThreshold is the queue depth that raises an alert.
	QueueAlertThreshold float64 `mapstructure:"queue_alert_threshold"`
}

// TUIConfig holds dashboard display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// PipelineConfig holds pipeline definition settings.
type PipelineConfig struct {
	// Path points at a YAML pipeline definition. Empty means the
	// built-in default pipeline.
	Path string `mapstructure:"path"`
}

// ArchiveConfig holds archive database settings.
type ArchiveConfig struct {
	// Path overrides the archive database location. Empty means the XDG
	// data path.
	Path string `mapstructure:"path"`
	// MetricRetention is how long metric samples are kept.
	MetricRetention time.Duration `mapstructure:"metric_retention"`
}

// DebugConfig holds debug logging settings.
type DebugConfig struct {
	// LogPath enables the trace log when non-empty.
	LogPath string `mapstructure:"log_path"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (FABLEFORGE_*)
// 2. Project config (.fableforge.yaml in current directory or parent)
// 3. User config (~/.config/fableforge/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Load user config from XDG path
	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	// Load project config if present
	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	// Environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("FABLEFORGE")
	v.BindEnv("resources.gpu_units", "FABLEFORGE_GPU_UNITS")
	v.BindEnv("resources.cpu_units", "FABLEFORGE_CPU_UNITS")
	v.BindEnv("debug.log_path", "FABLEFORGE_DEBUG_LOG")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in paths
	cfg.Pipeline.Path = os.ExpandEnv(cfg.Pipeline.Path)
	cfg.Archive.Path = os.ExpandEnv(cfg.Archive.Path)
	cfg.Debug.LogPath = os.ExpandEnv(cfg.Debug.LogPath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings that would wedge the scheduler.
func (c *Config) Validate() error {
	if c.Resources.GPUUnits < 0 || c.Resources.CPUUnits < 0 {
		return fmt.Errorf("resources must be non-negative, got gpu=%d cpu=%d", c.Resources.GPUUnits, c.Resources.CPUUnits)
	}
	if c.Resources.GPUUnits == 0 && c.Resources.CPUUnits == 0 {
		return fmt.Errorf("at least one resource pool must be non-zero")
	}
	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("retry.max_retries must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval)
	}
	return nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("resources.gpu_units", cfg.Resources.GPUUnits)
	v.Set("resources.cpu_units", cfg.Resources.CPUUnits)
	v.Set("scheduler.grace_period", cfg.Scheduler.GracePeriod.String())
	v.Set("scheduler.outcome_buffer", cfg.Scheduler.OutcomeBuffer)
	v.Set("retry.max_retries", cfg.Retry.MaxRetries)
	v.Set("retry.backoff_base", cfg.Retry.BackoffBase.String())
	v.Set("retry.backoff_factor", cfg.Retry.BackoffFactor)
	v.Set("monitor.interval", cfg.Monitor.Interval.String())
	v.Set("monitor.history_size", cfg.Monitor.HistorySize)
	v.Set("monitor.gpu_alert_threshold", cfg.Monitor.GPUAlertThreshold)
	v.Set("monitor.cpu_alert_threshold", cfg.Monitor.CPUAlertThreshold)
	v.Set("monitor.queue_alert_threshold", cfg.Monitor.QueueAlertThreshold)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())
	v.Set("pipeline.path", cfg.Pipeline.Path)
	v.Set("archive.path", cfg.Archive.Path)
	v.Set("archive.metric_retention", cfg.Archive.MetricRetention.String())
	v.Set("debug.log_path", cfg.Debug.LogPath)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	// Resource pool defaults
	v.SetDefault("resources.gpu_units", 8)
	v.SetDefault("resources.cpu_units", 16)

	// Scheduler defaults
	v.SetDefault("scheduler.grace_period", "5s")
	v.SetDefault("scheduler.outcome_buffer", 128)

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base", "5s")
	v.SetDefault("retry.backoff_factor", 2)

	// Monitor defaults
	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.history_size", 60)
	v.SetDefault("monitor.gpu_alert_threshold", 90.0)
	v.SetDefault("monitor.cpu_alert_threshold", 90.0)
	v.SetDefault("monitor.queue_alert_threshold", 50.0)

	// TUI defaults
	v.SetDefault("tui.refresh_rate", "100ms")

	// Pipeline defaults
	v.SetDefault("pipeline.path", "")

	// Archive defaults
	v.SetDefault("archive.path", "")
	v.SetDefault("archive.metric_retention", "168h")

	// Debug defaults
	v.SetDefault("debug.log_path", "")
}

// getUserConfigDir returns the XDG config directory for fableforge.
func getUserConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "fableforge")
	}

	// Fall back to ~/.config/fableforge
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "fableforge")
	}
	return filepath.Join(home, ".config", "fableforge")
}

// findProjectConfig searches for .fableforge.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".fableforge.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Resources: ResourcesConfig{
			GPUUnits: 8,
			CPUUnits: 16,
		},
		Scheduler: SchedulerConfig{
			GracePeriod:   5 * time.Second,
			OutcomeBuffer: 128,
		},
		Retry: RetryConfig{
			MaxRetries:    3,
			BackoffBase:   5 * time.Second,
			BackoffFactor: 2,
		},
		Monitor: MonitorConfig{
			Interval:            5 * time.Second,
			HistorySize:         60,
			GPUAlertThreshold:   90,
			CPUAlertThreshold:   90,
			QueueAlertThreshold: 50,
		},
		TUI: TUIConfig{
			RefreshRate: 100 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			MetricRetention: 7 * 24 * time.Hour,
		},
	}
}
