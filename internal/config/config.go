// Package config loads the control plane's configuration surface from YAML,
// grounded on the teacher's internal/agents/config.go LoadTeamsConfig
// (os.ReadFile + yaml.Unmarshal), generalized from a single teams.yaml to
// the full key set of the orchestrator's configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/dispatcher"
	"github.com/opsfleet/orchestrator/internal/heartbeat"
	"github.com/opsfleet/orchestrator/internal/restart"
	"github.com/opsfleet/orchestrator/internal/supervisor"
	"github.com/opsfleet/orchestrator/internal/task"
)

// Config is the YAML-loaded shape of every key in the configuration surface.
// Every field has a recognized default, applied in Defaults() and
// overridden field-by-field by whatever the file sets.
type Config struct {
	Dispatcher struct {
		Mode                string `yaml:"mode"`
		Phase               string `yaml:"phase"`
		PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
		Provider            string `yaml:"provider"`
	} `yaml:"dispatcher"`

	Heartbeat struct {
		TTLIdleSeconds        int           `yaml:"ttl_idle_seconds"`
		TTLRunningSeconds     int           `yaml:"ttl_running_seconds"`
		TTLGuardianSeconds    int           `yaml:"ttl_guardian_seconds"`
		EscalationThresholds  map[int]string `yaml:"escalation_thresholds"`
	} `yaml:"heartbeat"`

	Restart struct {
		CooldownSeconds int `yaml:"cooldown_seconds"`
		MaxAttempts     int `yaml:"max_attempts"`
	} `yaml:"restart"`

	Retry struct {
		BaseDelaySeconds    float64  `yaml:"base_delay_seconds"`
		MaxDelaySeconds     float64  `yaml:"max_delay_seconds"`
		MaxRetriesDefault   int      `yaml:"max_retries_default"`
		RetryableSubstrings []string `yaml:"retryable_substrings"`
	} `yaml:"retry"`

	Timeouts struct {
		DefaultTaskSeconds int `yaml:"default_task_seconds"`
	} `yaml:"timeouts"`

	Supervisor struct {
		Diagnostic struct {
			Enabled         bool `yaml:"enabled"`
			CooldownSeconds int  `yaml:"cooldown_seconds"`
		} `yaml:"diagnostic"`
		Anomaly struct {
			Threshold            float64 `yaml:"threshold"`
			ConsecutiveReadings  int     `yaml:"consecutive_readings"`
		} `yaml:"anomaly"`
		Blocking struct {
			ThresholdSeconds int `yaml:"threshold_seconds"`
		} `yaml:"blocking"`
		Approval struct {
			PollSeconds int `yaml:"poll_seconds"`
		} `yaml:"approval"`
	} `yaml:"supervisor"`

	Spawn struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"spawn"`
}

// Defaults returns the configuration surface's documented defaults.
func Defaults() Config {
	var c Config
	c.Dispatcher.Mode = "in_registry"
	c.Dispatcher.PollIntervalSeconds = 10

	c.Heartbeat.TTLIdleSeconds = 30
	c.Heartbeat.TTLRunningSeconds = 15
	c.Heartbeat.TTLGuardianSeconds = 60
	c.Heartbeat.EscalationThresholds = map[int]string{1: "warn", 2: "degraded", 3: "unresponsive"}

	c.Restart.CooldownSeconds = 60
	c.Restart.MaxAttempts = 3

	c.Retry.BaseDelaySeconds = 1
	c.Retry.MaxDelaySeconds = 60
	c.Retry.MaxRetriesDefault = 3
	c.Retry.RetryableSubstrings = task.DefaultRetryableSubstrings

	c.Timeouts.DefaultTaskSeconds = 600

	c.Supervisor.Diagnostic.Enabled = true
	c.Supervisor.Diagnostic.CooldownSeconds = 300
	c.Supervisor.Anomaly.Threshold = 0.8
	c.Supervisor.Anomaly.ConsecutiveReadings = 3
	c.Supervisor.Blocking.ThresholdSeconds = 1800
	c.Supervisor.Approval.PollSeconds = 10

	c.Spawn.MaxConcurrent = 4

	return c
}

// Load reads path and merges it over Defaults(). An empty path returns the
// defaults unchanged; a path that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// DispatcherConfig projects the dispatcher.* keys into the dispatcher
// package's own Config type.
func (c Config) DispatcherConfig() dispatcher.Config {
	mode := dispatcher.ModeInRegistry
	if c.Dispatcher.Mode == string(dispatcher.ModeSandbox) {
		mode = dispatcher.ModeSandbox
	}
	return dispatcher.Config{
		Mode:         mode,
		Phase:        c.Dispatcher.Phase,
		PollInterval: time.Duration(c.Dispatcher.PollIntervalSeconds) * time.Second,
		Provider:     c.Dispatcher.Provider,
	}
}

// HeartbeatConfig projects the heartbeat.* keys into heartbeat.Config.
func (c Config) HeartbeatConfig() heartbeat.Config {
	thresholds := c.Heartbeat.EscalationThresholds
	if thresholds == nil {
		thresholds = heartbeat.DefaultConfig().EscalationThresholds
	}
	return heartbeat.Config{
		TTLIdle:              time.Duration(c.Heartbeat.TTLIdleSeconds) * time.Second,
		TTLRunning:           time.Duration(c.Heartbeat.TTLRunningSeconds) * time.Second,
		TTLGuardian:          time.Duration(c.Heartbeat.TTLGuardianSeconds) * time.Second,
		EscalationThresholds: thresholds,
	}
}

// RestartConfig projects the restart.* keys into restart.Config.
func (c Config) RestartConfig() restart.Config {
	return restart.Config{
		CooldownSeconds: c.Restart.CooldownSeconds,
		MaxRestarts:     c.Restart.MaxAttempts,
	}
}

// RetryConfig projects the retry.*/timeouts.* keys into task.RetryConfig.
func (c Config) RetryConfig() task.RetryConfig {
	substrings := c.Retry.RetryableSubstrings
	if len(substrings) == 0 {
		substrings = task.DefaultRetryableSubstrings
	}
	return task.RetryConfig{
		BaseDelay:           time.Duration(c.Retry.BaseDelaySeconds * float64(time.Second)),
		MaxDelay:            time.Duration(c.Retry.MaxDelaySeconds * float64(time.Second)),
		MaxRetriesDefault:   c.Retry.MaxRetriesDefault,
		RetryableSubstrings: substrings,
		DefaultTimeout:      time.Duration(c.Timeouts.DefaultTaskSeconds) * time.Second,
	}
}

// SupervisorConfig projects the supervisor.* keys into supervisor.Config.
func (c Config) SupervisorConfig() supervisor.Config {
	cfg := supervisor.DefaultConfig()
	cfg.DiagnosticEnabled = c.Supervisor.Diagnostic.Enabled
	if c.Supervisor.Diagnostic.CooldownSeconds > 0 {
		cfg.DiagnosticCooldown = time.Duration(c.Supervisor.Diagnostic.CooldownSeconds) * time.Second
	}
	if c.Supervisor.Anomaly.Threshold > 0 {
		cfg.AnomalyThreshold = c.Supervisor.Anomaly.Threshold
	}
	if c.Supervisor.Anomaly.ConsecutiveReadings > 0 {
		cfg.AnomalyConsecutiveReadings = c.Supervisor.Anomaly.ConsecutiveReadings
	}
	if c.Supervisor.Blocking.ThresholdSeconds > 0 {
		cfg.BlockingThresholdSecs = c.Supervisor.Blocking.ThresholdSeconds
	}
	if c.Supervisor.Approval.PollSeconds > 0 {
		cfg.ApprovalInterval = time.Duration(c.Supervisor.Approval.PollSeconds) * time.Second
	}
	return cfg
}

// AgentTemplates returns the per-kind defaults, config-overridable in the
// future via a templates.* key; today it passes through the built-ins.
func AgentTemplates() map[agent.Kind]agent.Template {
	return agent.DefaultTemplates
}
