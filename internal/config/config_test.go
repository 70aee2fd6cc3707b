package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultsMatchConfigurationSurface(t *testing.T) {
	c := Defaults()
	if c.Dispatcher.Mode != "in_registry" || c.Dispatcher.PollIntervalSeconds != 10 {
		t.Fatalf("unexpected dispatcher defaults: %+v", c.Dispatcher)
	}
	if c.Heartbeat.TTLIdleSeconds != 30 || c.Heartbeat.TTLRunningSeconds != 15 || c.Heartbeat.TTLGuardianSeconds != 60 {
		t.Fatalf("unexpected heartbeat defaults: %+v", c.Heartbeat)
	}
	if c.Restart.CooldownSeconds != 60 || c.Restart.MaxAttempts != 3 {
		t.Fatalf("unexpected restart defaults: %+v", c.Restart)
	}
	if c.Supervisor.Blocking.ThresholdSeconds != 1800 {
		t.Fatalf("unexpected blocking threshold: %d", c.Supervisor.Blocking.ThresholdSeconds)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	yamlContent := `
dispatcher:
  mode: sandbox
  phase: build
  poll_interval_seconds: 5
restart:
  cooldown_seconds: 120
  max_attempts: 5
supervisor:
  blocking:
    threshold_seconds: 900
  anomaly:
    threshold: 0.9
`
	if err := os.WriteFile(path, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.Mode != "sandbox" || cfg.Dispatcher.Phase != "build" || cfg.Dispatcher.PollIntervalSeconds != 5 {
		t.Fatalf("unexpected dispatcher override: %+v", cfg.Dispatcher)
	}
	if cfg.Restart.CooldownSeconds != 120 || cfg.Restart.MaxAttempts != 5 {
		t.Fatalf("unexpected restart override: %+v", cfg.Restart)
	}
	// Untouched keys retain their defaults.
	if cfg.Heartbeat.TTLIdleSeconds != 30 {
		t.Fatalf("expected untouched heartbeat default, got %d", cfg.Heartbeat.TTLIdleSeconds)
	}

	dc := cfg.DispatcherConfig()
	if dc.PollInterval != 5*time.Second {
		t.Fatalf("expected projected poll interval of 5s, got %v", dc.PollInterval)
	}

	sc := cfg.SupervisorConfig()
	if sc.BlockingThresholdSecs != 900 || sc.AnomalyThreshold != 0.9 {
		t.Fatalf("unexpected projected supervisor config: %+v", sc)
	}
}

func TestLoadMissingPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Spawn.MaxConcurrent != 4 {
		t.Fatalf("expected default spawn max_concurrent, got %d", cfg.Spawn.MaxConcurrent)
	}
}
