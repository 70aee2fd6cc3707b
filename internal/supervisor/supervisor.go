// Package supervisor implements the five cooperative supervisor loops of
// §4.9: heartbeat monitor, stuck-workflow detector, anomaly scorer,
// approval-timeout, and blocking detector. Grounded on the teacher's
// internal/server/heartbeat.go ticker/select loop shape; exceptions never
// kill a loop, per §4.12 failure semantics — they log and the loop
// continues at its cadence.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/heartbeat"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
	"github.com/opsfleet/orchestrator/internal/ticket"
)

var logger = log.New(log.Writer(), "[SUPERVISOR] ", log.LstdFlags)

// Config carries every supervisor.* tunable of the configuration surface.
type Config struct {
	HeartbeatInterval time.Duration

	StuckWorkflowInterval  time.Duration
	MinStuckSeconds        int
	DiagnosticEnabled      bool
	DiagnosticCooldown     time.Duration

	AnomalyInterval            time.Duration
	AnomalyThreshold           float64
	AnomalyConsecutiveReadings int

	ApprovalInterval time.Duration

	BlockingInterval       time.Duration
	BlockingThresholdSecs  int
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:          10 * time.Second,
		StuckWorkflowInterval:      60 * time.Second,
		MinStuckSeconds:            300,
		DiagnosticEnabled:          true,
		DiagnosticCooldown:         300 * time.Second,
		AnomalyInterval:            60 * time.Second,
		AnomalyThreshold:           0.8,
		AnomalyConsecutiveReadings: 3,
		ApprovalInterval:           10 * time.Second,
		BlockingInterval:           300 * time.Second,
		BlockingThresholdSecs:      1800,
	}
}

// RestartOrchestrator is the narrow seam the heartbeat monitor needs; the
// full internal/restart.Orchestrator satisfies it.
type RestartOrchestrator interface {
	TriggerRestart(ctx context.Context, agentID string) error
}

// Supervisor bundles the five loops and their shared dependencies.
type Supervisor struct {
	registry  *agent.Registry
	queue     *task.Queue
	tickets   *ticket.Registry
	heartbeat *heartbeat.Protocol
	runtime   runtime.AgentRuntime
	clock     clockid.Clock
	cfg       Config

	diagnosticCooldowns *cooldownTracker
	anomalyCooldowns    *cooldownTracker

	anomalyMu       sync.Mutex
	anomalyStreak   map[string]int
}

func New(st *store.Store, reg *agent.Registry, q *task.Queue, tickets *ticket.Registry, hb *heartbeat.Protocol, rt runtime.AgentRuntime, clock clockid.Clock, cfg Config) *Supervisor {
	return &Supervisor{
		registry:            reg,
		queue:               q,
		tickets:             tickets,
		heartbeat:           hb,
		runtime:             rt,
		clock:               clock,
		cfg:                 cfg,
		diagnosticCooldowns: newCooldownTracker(st),
		anomalyCooldowns:    newCooldownTracker(st),
		anomalyStreak:       make(map[string]int),
	}
}

// Run launches all five loops and blocks until ctx is cancelled and every
// loop has exited its current iteration.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context) error
	}{
		{"heartbeat_monitor", s.cfg.HeartbeatInterval, s.tickHeartbeatMonitor},
		{"stuck_workflow_detector", s.cfg.StuckWorkflowInterval, s.tickStuckWorkflow},
		{"anomaly_scorer", s.cfg.AnomalyInterval, s.tickAnomalyScorer},
		{"approval_timeout", s.cfg.ApprovalInterval, s.tickApprovalTimeout},
		{"blocking_detector", s.cfg.BlockingInterval, s.tickBlockingDetector},
	}

	for _, l := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, tick func(context.Context) error) {
			defer wg.Done()
			s.runLoop(ctx, name, interval, tick)
		}(l.name, l.interval, l.tick)
	}
	wg.Wait()
}

func (s *Supervisor) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	logger.Printf("%s starting (interval %v)", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("%s stopping", name)
			return
		case <-ticker.C:
			if err := tick(ctx); err != nil {
				logger.Printf("%s: %v", name, err)
			}
		}
	}
}

// tickHeartbeatMonitor runs CheckMissedHeartbeats; the protocol itself
// invokes the restart orchestrator once an agent crosses into unresponsive.
func (s *Supervisor) tickHeartbeatMonitor(ctx context.Context) error {
	return s.heartbeat.CheckMissedHeartbeats(ctx)
}

// tickApprovalTimeout marks overdue pending_review tickets timed_out.
func (s *Supervisor) tickApprovalTimeout(ctx context.Context) error {
	overdue, err := s.tickets.ListPendingReviewPastDeadline(ctx, s.clock.Now())
	if err != nil {
		return fmt.Errorf("list overdue tickets: %w", err)
	}
	for _, t := range overdue {
		if _, err := s.tickets.UpdateStatus(ctx, t.ID, ticket.StatusTimedOut, ""); err != nil {
			logger.Printf("mark ticket %s timed out: %v", t.ID, err)
		}
	}
	return nil
}

// tickBlockingDetector marks tickets with no task progress past the
// configured threshold as blocked.
func (s *Supervisor) tickBlockingDetector(ctx context.Context) error {
	active, err := s.tickets.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tickets: %w", err)
	}
	threshold := time.Duration(s.cfg.BlockingThresholdSecs) * time.Second
	now := s.clock.Now()

	for _, t := range active {
		if t.Status == ticket.StatusBlocked {
			continue
		}
		lastProgress, err := s.tickets.LastTaskProgress(ctx, t.ID)
		if err != nil {
			logger.Printf("last task progress for ticket %s: %v", t.ID, err)
			continue
		}
		if lastProgress.IsZero() || now.Sub(lastProgress) < threshold {
			continue
		}
		if _, err := s.tickets.UpdateStatus(ctx, t.ID, ticket.StatusBlocked, "no_task_progress"); err != nil {
			logger.Printf("mark ticket %s blocked: %v", t.ID, err)
		}
	}
	return nil
}

// tickStuckWorkflow finds tickets whose task progress is older than
// min_stuck_seconds and spawns a diagnostic agent, rate-limited per ticket.
func (s *Supervisor) tickStuckWorkflow(ctx context.Context) error {
	if !s.cfg.DiagnosticEnabled {
		return nil
	}
	active, err := s.tickets.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active tickets: %w", err)
	}
	threshold := time.Duration(s.cfg.MinStuckSeconds) * time.Second
	now := s.clock.Now()

	for _, t := range active {
		lastProgress, err := s.tickets.LastTaskProgress(ctx, t.ID)
		if err != nil {
			logger.Printf("last task progress for ticket %s: %v", t.ID, err)
			continue
		}
		if lastProgress.IsZero() || now.Sub(lastProgress) < threshold {
			continue
		}
		if !s.diagnosticCooldowns.ShouldFire(ctx, "stuck:"+t.ID, s.cfg.DiagnosticCooldown, now) {
			continue
		}
		if err := s.spawnDiagnostic(ctx, t.Phase, "stuck workflow: "+t.ID); err != nil {
			logger.Printf("spawn diagnostic for stuck ticket %s: %v", t.ID, err)
		}
	}
	return nil
}

// tickAnomalyScorer computes a composite anomaly score per active agent and
// spawns a diagnostic agent once a score stays at or above the threshold for
// enough consecutive readings, rate-limited per agent.
func (s *Supervisor) tickAnomalyScorer(ctx context.Context) error {
	agents, err := s.registry.ListByStatuses(ctx, agent.StatusIdle, agent.StatusRunning, agent.StatusDegraded)
	if err != nil {
		return fmt.Errorf("list active agents: %w", err)
	}
	now := s.clock.Now()

	s.anomalyMu.Lock()
	defer s.anomalyMu.Unlock()

	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		seen[a.ID] = true
		score := anomalyScore(a, s.queue.CountRunning(ctx, a.ID))
		if score >= s.cfg.AnomalyThreshold {
			s.anomalyStreak[a.ID]++
		} else {
			s.anomalyStreak[a.ID] = 0
		}

		if s.anomalyStreak[a.ID] >= s.cfg.AnomalyConsecutiveReadings {
			if s.anomalyCooldowns.ShouldFire(ctx, "anomaly:"+a.ID, s.cfg.DiagnosticCooldown, now) {
				if err := s.spawnDiagnostic(ctx, a.Phase, "anomalous agent: "+a.ID); err != nil {
					logger.Printf("spawn diagnostic for anomalous agent %s: %v", a.ID, err)
				}
			}
		}
	}
	for id := range s.anomalyStreak {
		if !seen[id] {
			delete(s.anomalyStreak, id)
		}
	}
	return nil
}

// anomalyScore blends the consecutive-missed-heartbeat ratio with the
// agent's health label into a single [0,1] reading.
func anomalyScore(a agent.Agent, runningTasks int) float64 {
	missedComponent := float64(a.ConsecutiveMissed) / 3.0
	if missedComponent > 1 {
		missedComponent = 1
	}

	var healthComponent float64
	switch a.HealthLabel {
	case agent.HealthUnresponsive:
		healthComponent = 1.0
	case agent.HealthStale:
		healthComponent = 0.6
	case agent.HealthDegraded:
		healthComponent = 0.4
	default:
		healthComponent = 0
	}

	return 0.5*missedComponent + 0.5*healthComponent
}

func (s *Supervisor) spawnDiagnostic(ctx context.Context, phase, reason string) error {
	a, err := s.registry.Register(ctx, agent.KindDiagnostic, phase, agent.DefaultTemplates[agent.KindDiagnostic].Capabilities, 1,
		map[string]string{"diagnostic_reason": reason})
	if err != nil {
		return fmt.Errorf("register diagnostic agent: %w", err)
	}
	if _, err := s.registry.Complete(ctx, a.ID); err != nil {
		return fmt.Errorf("complete diagnostic agent registration: %w", err)
	}
	if _, err := s.runtime.Spawn(ctx, "", a.ID, phase, string(agent.KindDiagnostic), "", "", map[string]string{"reason": reason}); err != nil {
		return fmt.Errorf("spawn diagnostic runtime process: %w", err)
	}
	logger.Printf("spawned diagnostic agent %s: %s", a.ID, reason)
	return nil
}
