// Package dispatcher implements the Dispatcher Loop: a single cooperative
// goroutine that pairs ready tasks with agents, either by finding an IDLE
// registry agent or by spawning a fresh sandbox. Grounded on the teacher's
// internal/server/heartbeat.go ticker/select loop shape and
// internal/supervisor/dispatcher.go's spawn-and-record idiom.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/task"
)

var logger = log.New(log.Writer(), "[DISPATCHER] ", log.LstdFlags)

// Mode selects how the dispatcher pairs tasks with agents.
type Mode string

const (
	ModeInRegistry Mode = "in_registry"
	ModeSandbox    Mode = "sandbox"
)

// Config carries the dispatcher's tunables.
type Config struct {
	Mode         Mode
	Phase        string
	PollInterval time.Duration
	Provider     string
}

func DefaultConfig(phase string) Config {
	return Config{Mode: ModeInRegistry, Phase: phase, PollInterval: 10 * time.Second}
}

// Loop is the dispatcher's cooperative goroutine.
type Loop struct {
	registry *agent.Registry
	queue    *task.Queue
	bus      *eventbus.Bus
	runtime  runtime.AgentRuntime
	clock    clockid.Clock
	cfg      Config
}

func NewLoop(reg *agent.Registry, q *task.Queue, bus *eventbus.Bus, rt runtime.AgentRuntime, clock clockid.Clock, cfg Config) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	return &Loop{registry: reg, queue: q, bus: bus, runtime: rt, clock: clock, cfg: cfg}
}

// Run drives the loop until ctx is cancelled. It yields immediately after a
// tick that found work, and sleeps the full poll interval otherwise.
func (l *Loop) Run(ctx context.Context) {
	logger.Printf("dispatcher starting in %s mode for phase %q", l.cfg.Mode, l.cfg.Phase)
	for {
		select {
		case <-ctx.Done():
			logger.Printf("dispatcher stopping for phase %q", l.cfg.Phase)
			return
		default:
		}

		didWork, err := l.tick(ctx)
		if err != nil {
			logger.Printf("tick error: %v", err)
		}
		if didWork {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// tick runs one dispatch attempt, returning whether it found work to do.
func (l *Loop) tick(ctx context.Context) (bool, error) {
	switch l.cfg.Mode {
	case ModeSandbox:
		return l.tickSandbox(ctx)
	default:
		return l.tickInRegistry(ctx)
	}
}

func (l *Loop) tickInRegistry(ctx context.Context) (bool, error) {
	t, ok, err := l.queue.GetNextTask(ctx, l.cfg.Phase, nil)
	if err != nil {
		return false, fmt.Errorf("get next task: %w", err)
	}
	if !ok {
		return false, nil
	}

	loadFn := func(agentID string) int { return l.queue.CountRunning(ctx, agentID) }
	match, ok, err := l.registry.FindBestFit(ctx, t.RequiredCaps, l.cfg.Phase, "", loadFn)
	if err != nil {
		return false, fmt.Errorf("find best fit agent: %w", err)
	}
	if !ok {
		return false, nil
	}
	a := match.Agent

	if _, err := l.queue.Assign(ctx, t.ID, a.ID, false); err != nil {
		return false, fmt.Errorf("assign task %s to agent %s: %w", t.ID, a.ID, err)
	}
	logger.Printf("assigned task %s to agent %s", t.ID, a.ID)
	return true, nil
}

func (l *Loop) tickSandbox(ctx context.Context) (bool, error) {
	t, ok, err := l.queue.GetNextTask(ctx, l.cfg.Phase, nil)
	if err != nil {
		return false, fmt.Errorf("get next task: %w", err)
	}
	if !ok {
		return false, nil
	}

	kind := kindForPhase(t.Phase)
	tmpl := agent.DefaultTemplates[kind]
	a, err := l.registry.Register(ctx, kind, t.Phase, tmpl.Capabilities, tmpl.Capacity,
		map[string]string{"sandbox": "true", "provider": l.cfg.Provider})
	if err != nil {
		return false, fmt.Errorf("register sandbox agent: %w", err)
	}
	if _, err := l.registry.Complete(ctx, a.ID); err != nil {
		return false, fmt.Errorf("complete sandbox agent registration: %w", err)
	}
	if _, err := l.registry.TransitionStatus(ctx, a.ID, agent.StatusRunning, "sandbox spawn", "dispatcher", &t.ID, nil, false); err != nil {
		return false, fmt.Errorf("transition sandbox agent to running: %w", err)
	}

	if _, err := l.queue.Assign(ctx, t.ID, a.ID, false); err != nil {
		return false, fmt.Errorf("assign task %s to sandbox agent %s: %w", t.ID, a.ID, err)
	}

	sandboxID, err := l.runtime.Spawn(ctx, t.ID, a.ID, t.Phase, string(kind), "", "", nil)
	if err != nil {
		if _, failErr := l.queue.UpdateStatus(ctx, t.ID, task.StatusFailed, task.UpdateStatusParams{
			ErrorMessage: fmt.Sprintf("Sandbox spawn failed: %v", err),
		}); failErr != nil {
			logger.Printf("failed to mark task %s failed after spawn error: %v", t.ID, failErr)
		}
		return true, fmt.Errorf("spawn sandbox for task %s: %w", t.ID, err)
	}

	if _, err := l.queue.UpdateStatus(ctx, t.ID, task.StatusRunning, task.UpdateStatusParams{SandboxID: &sandboxID}); err != nil {
		return false, fmt.Errorf("mark task %s running with sandbox %s: %w", t.ID, sandboxID, err)
	}

	if err := l.bus.PublishDirect(ctx, eventbus.SystemEvent{
		EventType:  eventbus.EventTaskSandboxSpawned,
		EntityType: eventbus.EntityTask,
		EntityID:   t.ID,
		Payload:    map[string]any{"task_id": t.ID, "agent_id": a.ID, "sandbox_id": sandboxID},
		OccurredAt: l.clock.Now(),
	}); err != nil {
		logger.Printf("publish sandbox spawned event for task %s: %v", t.ID, err)
	}

	logger.Printf("spawned sandbox %s (agent %s) for task %s", sandboxID, a.ID, t.ID)
	return true, nil
}

// kindForPhase derives an agent kind from a task phase, the generalized
// stand-in for the teacher's per-config AgentType lookup now that kinds are
// a flat tagged variant rather than a named per-project config.
func kindForPhase(phase string) agent.Kind {
	switch phase {
	case "monitor":
		return agent.KindMonitor
	case "watchdog":
		return agent.KindWatchdog
	case "validate":
		return agent.KindValidator
	case "diagnose":
		return agent.KindDiagnostic
	default:
		return agent.KindWorker
	}
}
