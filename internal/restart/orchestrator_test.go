package restart

import (
	"context"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
)

func setup(t *testing.T) (*Orchestrator, *agent.Registry, *task.Queue, *clockid.FakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockid.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New(st, clock)
	reg := agent.NewRegistry(st, bus, clock)
	q := task.NewQueue(st, bus, clock, task.DefaultRetryConfig())
	orch := NewOrchestrator(st, bus, reg, q, clock, DefaultConfig())
	return orch, reg, q, clock
}

func TestRestartDrainsTasksAndSpawnsReplacement(t *testing.T) {
	orch, reg, q, _ := setup(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWorker, "build", []string{"go"}, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	tk, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Assign(ctx, tk.ID, a.ID, false); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := q.UpdateStatus(ctx, tk.ID, task.StatusRunning, task.UpdateStatusParams{}); err != nil {
		t.Fatalf("update status: %v", err)
	}

	result, err := orch.Restart(ctx, a.ID, "crash", "watchdog-1", agent.AuthorityMonitor, false)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if result.ReplacementAgentID == "" || result.ReplacementAgentID == a.ID {
		t.Fatalf("expected a distinct replacement id, got %q", result.ReplacementAgentID)
	}
	if len(result.ReassignedTaskIDs) != 1 || result.ReassignedTaskIDs[0] != tk.ID {
		t.Fatalf("expected task %s reassigned, got %v", tk.ID, result.ReassignedTaskIDs)
	}

	failed, err := reg.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("get failed agent: %v", err)
	}
	if failed.Status != agent.StatusTerminated {
		t.Fatalf("expected failed agent TERMINATED, got %s", failed.Status)
	}

	replacement, err := reg.Get(ctx, result.ReplacementAgentID)
	if err != nil {
		t.Fatalf("get replacement: %v", err)
	}
	if replacement.Kind != agent.KindWorker || replacement.Phase != "build" {
		t.Fatalf("expected replacement to mirror kind/phase, got %+v", replacement)
	}

	reassignedTask, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if reassignedTask.Status != task.StatusPending || reassignedTask.AssignedAgentID != nil {
		t.Fatalf("expected task back to unassigned pending, got status=%s assignee=%v", reassignedTask.Status, reassignedTask.AssignedAgentID)
	}
}

func TestRestartRejectsWhileOnCooldown(t *testing.T) {
	orch, reg, _, clock := setup(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWorker, "build", nil, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	if _, err := orch.Restart(ctx, a.ID, "first crash", "watchdog-1", agent.AuthorityMonitor, false); err != nil {
		t.Fatalf("first restart: %v", err)
	}

	a2, _ := reg.Register(ctx, agent.KindWorker, "build", nil, 1, nil)
	a2, _ = reg.Complete(ctx, a2.ID)
	clock.Advance(1 * time.Second)

	if _, err := orch.Restart(ctx, a.ID, "second crash", "watchdog-1", agent.AuthorityMonitor, false); !coreerr.Is(err, coreerr.KindConcurrency) {
		t.Fatalf("expected cooldown rejection for already-restarted agent, got %v", err)
	}

	// A different, never-restarted agent is unaffected by a1's cooldown.
	if _, err := orch.Restart(ctx, a2.ID, "unrelated crash", "watchdog-1", agent.AuthorityMonitor, false); err != nil {
		t.Fatalf("expected unrelated agent restart to succeed, got %v", err)
	}
}

func TestForceRestartRequiresGuardianAuthority(t *testing.T) {
	orch, reg, _, _ := setup(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWorker, "build", nil, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	if _, err := orch.Restart(ctx, a.ID, "crash", "monitor-1", agent.AuthorityMonitor, true); !coreerr.Is(err, coreerr.KindValidation) {
		t.Fatalf("expected validation error for non-guardian force restart, got %v", err)
	}

	if _, err := orch.Restart(ctx, a.ID, "crash", "guardian-1", agent.AuthorityGuardian, true); err != nil {
		t.Fatalf("expected guardian force restart to succeed, got %v", err)
	}
}

func TestTriggerRestartImplementsHeartbeatSeam(t *testing.T) {
	orch, reg, _, _ := setup(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWatchdog, "P", nil, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	if err := orch.TriggerRestart(ctx, a.ID); err != nil {
		t.Fatalf("trigger restart: %v", err)
	}
}
