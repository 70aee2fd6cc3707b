package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/heartbeat"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
	"github.com/opsfleet/orchestrator/internal/ticket"
)

type fakeRuntime struct{ spawnCalls int }

func (f *fakeRuntime) Spawn(ctx context.Context, taskID, agentID, phase, kind string, mode runtime.ExecutionMode, projectID string, extraEnv map[string]string) (string, error) {
	f.spawnCalls++
	return "sandbox-" + agentID, nil
}
func (f *fakeRuntime) Inject(ctx context.Context, sandboxID, message string, messageType runtime.MessageType) (string, error) {
	return "", nil
}
func (f *fakeRuntime) PollMessages(ctx context.Context, sandboxID string) ([]runtime.Message, error) {
	return nil, nil
}
func (f *fakeRuntime) PostEvent(ctx context.Context, sandboxID string, eventType string, payload map[string]any) error {
	return nil
}
func (f *fakeRuntime) Terminate(ctx context.Context, sandboxID string, reason string) error { return nil }

type noopRestart struct{}

func (noopRestart) TriggerRestart(ctx context.Context, agentID string) error { return nil }

func newHarness(t *testing.T) (*Supervisor, *agent.Registry, *task.Queue, *ticket.Registry, *fakeRuntime, *clockid.FakeClock) {
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
	tickets := ticket.NewRegistry(st, bus, clock)
	hb := heartbeat.NewProtocol(st, bus, reg, clock, heartbeat.DefaultConfig(), noopRestart{})
	rt := &fakeRuntime{}

	cfg := DefaultConfig()
	sup := New(st, reg, q, tickets, hb, rt, clock, cfg)
	return sup, reg, q, tickets, rt, clock
}

func TestTickApprovalTimeoutMarksOverdueTickets(t *testing.T) {
	sup, _, _, tickets, _, clock := newHarness(t)
	ctx := context.Background()

	deadline := clock.Now().Add(5 * time.Second)
	tk, err := tickets.Create(ctx, ticket.CreateParams{ProjectID: "p1", ReviewDeadline: &deadline})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := tickets.UpdateStatus(ctx, tk.ID, ticket.StatusPendingReview, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	clock.Advance(6 * time.Second)
	if err := sup.tickApprovalTimeout(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := tickets.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != ticket.StatusTimedOut {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}
}

func TestTickBlockingDetectorMarksStaleTickets(t *testing.T) {
	sup, _, q, tickets, _, clock := newHarness(t)
	ctx := context.Background()
	sup.cfg.BlockingThresholdSecs = 60

	tk, err := tickets.Create(ctx, ticket.CreateParams{ProjectID: "p1", Phase: "build"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: tk.ID, Phase: "build"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clock.Advance(61 * time.Second)
	if err := sup.tickBlockingDetector(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	got, err := tickets.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get ticket: %v", err)
	}
	if got.Status != ticket.StatusBlocked || got.BlockerType != "no_task_progress" {
		t.Fatalf("expected blocked/no_task_progress, got %+v", got)
	}
}

func TestTickStuckWorkflowSpawnsDiagnosticOncePerCooldown(t *testing.T) {
	sup, _, q, tickets, rt, clock := newHarness(t)
	ctx := context.Background()
	sup.cfg.MinStuckSeconds = 60

	tk, err := tickets.Create(ctx, ticket.CreateParams{ProjectID: "p1", Phase: "build"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	if _, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: tk.ID, Phase: "build"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	clock.Advance(61 * time.Second)
	if err := sup.tickStuckWorkflow(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if err := sup.tickStuckWorkflow(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if rt.spawnCalls != 1 {
		t.Fatalf("expected exactly one diagnostic spawn within cooldown, got %d", rt.spawnCalls)
	}
}

func TestTickAnomalyScorerRequiresConsecutiveReadings(t *testing.T) {
	sup, reg, _, _, rt, clock := newHarness(t)
	ctx := context.Background()
	sup.cfg.AnomalyConsecutiveReadings = 3
	sup.cfg.AnomalyThreshold = 0.5

	a, err := reg.Register(ctx, agent.KindWorker, "build", nil, 1, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	a, _ = reg.Complete(ctx, a.ID)
	if _, err := reg.TransitionStatus(ctx, a.ID, agent.StatusDegraded, "test", "test", nil, nil, false); err != nil {
		t.Fatalf("transition to degraded: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := sup.tickAnomalyScorer(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if rt.spawnCalls != 0 {
		t.Fatalf("expected no spawn before 3 consecutive readings, got %d", rt.spawnCalls)
	}

	clock.Advance(time.Second)
	if err := sup.tickAnomalyScorer(ctx); err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if rt.spawnCalls != 1 {
		t.Fatalf("expected exactly one spawn after 3rd consecutive reading, got %d", rt.spawnCalls)
	}
}

func TestTickHeartbeatMonitorDelegatesToProtocol(t *testing.T) {
	sup, _, _, _, _, _ := newHarness(t)
	ctx := context.Background()
	if err := sup.tickHeartbeatMonitor(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
}
