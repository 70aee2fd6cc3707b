package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/runtime"
	"github.com/opsfleet/orchestrator/internal/store"
	"github.com/opsfleet/orchestrator/internal/task"
)

type fakeRuntime struct {
	spawnCalls int
	failSpawn  bool
}

func (f *fakeRuntime) Spawn(ctx context.Context, taskID, agentID, phase, kind string, mode runtime.ExecutionMode, projectID string, extraEnv map[string]string) (string, error) {
	f.spawnCalls++
	if f.failSpawn {
		return "", context.DeadlineExceeded
	}
	return "sandbox-" + taskID, nil
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

func newHarness(t *testing.T) (*agent.Registry, *task.Queue, *eventbus.Bus, *fakeRuntime, *clockid.FakeClock) {
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
	return reg, q, bus, &fakeRuntime{}, clock
}

func TestTickInRegistryAssignsReadyTaskToIdleAgent(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWorker, "build", []string{"go"}, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	tk, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build", RequiredCaps: []string{"go"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loop := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeInRegistry, Phase: "build", PollInterval: time.Millisecond})
	didWork, err := loop.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !didWork {
		t.Fatal("expected tick to report work done")
	}

	got, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusAssigned || got.AssignedAgentID == nil || *got.AssignedAgentID != a.ID {
		t.Fatalf("expected task assigned to %s, got status=%s assignee=%v", a.ID, got.Status, got.AssignedAgentID)
	}
}

// TestTickInRegistryAssignmentRaceTwoAgentsTwoTasks seeds two idle agents and
// two equal-priority pending tasks, ticks two independent dispatcher loops
// once each, and requires both tasks land on distinct agents with no
// double-assignment.
func TestTickInRegistryAssignmentRaceTwoAgentsTwoTasks(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	ctx := context.Background()

	a1, _ := reg.Register(ctx, agent.KindWorker, "P", []string{"bash"}, 1, nil)
	a1, _ = reg.Complete(ctx, a1.ID)
	a2, _ := reg.Register(ctx, agent.KindWorker, "P", []string{"bash"}, 1, nil)
	a2, _ = reg.Complete(ctx, a2.ID)

	tk1, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "P", RequiredCaps: []string{"bash"}})
	if err != nil {
		t.Fatalf("enqueue tk1: %v", err)
	}
	tk2, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk2", Phase: "P", RequiredCaps: []string{"bash"}})
	if err != nil {
		t.Fatalf("enqueue tk2: %v", err)
	}

	loopA := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeInRegistry, Phase: "P", PollInterval: time.Millisecond})
	loopB := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeInRegistry, Phase: "P", PollInterval: time.Millisecond})

	didWorkA, err := loopA.tick(ctx)
	if err != nil {
		t.Fatalf("loopA tick: %v", err)
	}
	didWorkB, err := loopB.tick(ctx)
	if err != nil {
		t.Fatalf("loopB tick: %v", err)
	}
	if !didWorkA || !didWorkB {
		t.Fatalf("expected both loops to find work, got A=%v B=%v", didWorkA, didWorkB)
	}

	got1, err := q.Get(ctx, tk1.ID)
	if err != nil {
		t.Fatalf("get tk1: %v", err)
	}
	got2, err := q.Get(ctx, tk2.ID)
	if err != nil {
		t.Fatalf("get tk2: %v", err)
	}
	if got1.Status != task.StatusAssigned || got2.Status != task.StatusAssigned {
		t.Fatalf("expected both tasks assigned, got tk1=%s tk2=%s", got1.Status, got2.Status)
	}
	if got1.AssignedAgentID == nil || got2.AssignedAgentID == nil {
		t.Fatalf("expected both tasks to have an assignee, got tk1=%v tk2=%v", got1.AssignedAgentID, got2.AssignedAgentID)
	}
	if *got1.AssignedAgentID == *got2.AssignedAgentID {
		t.Fatalf("expected distinct assignees, both tasks assigned to %s", *got1.AssignedAgentID)
	}
	assignees := map[string]bool{a1.ID: false, a2.ID: false}
	for _, id := range []string{*got1.AssignedAgentID, *got2.AssignedAgentID} {
		if _, ok := assignees[id]; !ok {
			t.Fatalf("assignee %s is not one of the seeded agents", id)
		}
		assignees[id] = true
	}
	if !assignees[a1.ID] || !assignees[a2.ID] {
		t.Fatalf("expected both seeded agents used, got %v", assignees)
	}
}

func TestTickInRegistryNoOpWithoutIdleAgent(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loop := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeInRegistry, Phase: "build", PollInterval: time.Millisecond})
	didWork, err := loop.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if didWork {
		t.Fatal("expected no work without an idle agent")
	}
}

func TestTickSandboxSpawnsAndAssigns(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loop := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeSandbox, Phase: "build", PollInterval: time.Millisecond, Provider: "local"})
	didWork, err := loop.tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !didWork {
		t.Fatal("expected tick to report work done")
	}
	if rt.spawnCalls != 1 {
		t.Fatalf("expected exactly one spawn call, got %d", rt.spawnCalls)
	}

	got, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusRunning || got.SandboxID == nil {
		t.Fatalf("expected task running with a sandbox id, got status=%s sandbox=%v", got.Status, got.SandboxID)
	}
}

func TestTickSandboxMarksTaskFailedOnSpawnError(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	rt.failSpawn = true
	ctx := context.Background()

	tk, err := q.Enqueue(ctx, task.EnqueueParams{TicketID: "tk1", Phase: "build"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	loop := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeSandbox, Phase: "build", PollInterval: time.Millisecond})
	if _, err := loop.tick(ctx); err == nil {
		t.Fatal("expected tick to report the spawn failure")
	}

	got, err := q.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected task failed after spawn error, got %s", got.Status)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	reg, q, bus, rt, clock := newHarness(t)
	loop := NewLoop(reg, q, bus, rt, clock, Config{Mode: ModeInRegistry, Phase: "build", PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to return promptly after cancel")
	}
}
