package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Resources.GPUUnits != 8 {
		t.Errorf("expected default gpu_units 8, got %d", cfg.Resources.GPUUnits)
	}

	if cfg.Resources.CPUUnits != 16 {
		t.Errorf("expected default cpu_units 16, got %d", cfg.Resources.CPUUnits)
	}

	if cfg.Scheduler.GracePeriod != 5*time.Second {
		t.Errorf("expected grace period 5s, got %v", cfg.Scheduler.GracePeriod)
	}

	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Retry.MaxRetries)
	}

	if cfg.Retry.BackoffBase != 5*time.Second {
		t.Errorf("expected backoff base 5s, got %v", cfg.Retry.BackoffBase)
	}

	if cfg.Monitor.Interval != 5*time.Second {
		t.Errorf("expected monitor interval 5s, got %v", cfg.Monitor.Interval)
	}

	if cfg.Monitor.GPUAlertThreshold != 90 {
		t.Errorf("expected gpu alert threshold 90, got %v", cfg.Monitor.GPUAlertThreshold)
	}

	if cfg.TUI.RefreshRate != 100*time.Millisecond {
		t.Errorf("expected refresh rate 100ms, got %v", cfg.TUI.RefreshRate)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
resources:
  gpu_units: 4
  cpu_units: 8
scheduler:
  grace_period: 2s
retry:
  max_retries: 5
  backoff_base: 1s
monitor:
  interval: 10s
  gpu_alert_threshold: 80
debug:
  log_path: /tmp/fableforge-debug.log
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Resources.GPUUnits != 4 || cfg.Resources.CPUUnits != 8 {
		t.Errorf("resources = %+v", cfg.Resources)
	}
	if cfg.Scheduler.GracePeriod != 2*time.Second {
		t.Errorf("grace period = %v", cfg.Scheduler.GracePeriod)
	}
	if cfg.Retry.MaxRetries != 5 || cfg.Retry.BackoffBase != time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Monitor.Interval != 10*time.Second || cfg.Monitor.GPUAlertThreshold != 80 {
		t.Errorf("monitor = %+v", cfg.Monitor)
	}
	if cfg.Debug.LogPath != "/tmp/fableforge-debug.log" {
		t.Errorf("debug log path = %q", cfg.Debug.LogPath)
	}

	// Unset values keep defaults.
	if cfg.Retry.BackoffFactor != 2 {
		t.Errorf("expected default backoff factor 2, got %d", cfg.Retry.BackoffFactor)
	}
	if cfg.Monitor.HistorySize != 60 {
		t.Errorf("expected default history size 60, got %d", cfg.Monitor.HistorySize)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative gpu", func(c *Config) { c.Resources.GPUUnits = -1 }},
		{"zero pools", func(c *Config) { c.Resources.GPUUnits = 0; c.Resources.CPUUnits = 0 }},
		{"zero retries", func(c *Config) { c.Retry.MaxRetries = 0 }},
		{"zero interval", func(c *Config) { c.Monitor.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestGetUserConfigDirRespectsXDG(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/custom/config")
	dir := getUserConfigDir()
	want := filepath.Join("/custom/config", "fableforge")
	if dir != want {
		t.Errorf("expected %q, got %q", want, dir)
	}
}
