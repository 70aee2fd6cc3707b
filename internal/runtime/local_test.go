package runtime

import (
	"context"
	"testing"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
)

func TestSpawnInjectPollTerminate(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := eventbus.New(st, clockid.RealClock{})

	rt := NewLocalProcessRuntime(bus, clockid.RealClock{}, func(taskID, agentID, phase, kind string, mode ExecutionMode, projectID string, extraEnv map[string]string) (string, []string) {
		return "sleep", []string{"5"}
	})

	ctx := context.Background()
	sandboxID, err := rt.Spawn(ctx, "task-1", "agent-1", "P", "worker", "", "", nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if _, err := rt.Inject(ctx, sandboxID, "focus", MessageGuardianNudge); err != nil {
		t.Fatalf("inject: %v", err)
	}

	msgs, err := rt.PollMessages(ctx, sandboxID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "focus" {
		t.Fatalf("expected one queued message, got %v", msgs)
	}

	// Second poll drains nothing further (consumed on read).
	msgs, _ = rt.PollMessages(ctx, sandboxID)
	if len(msgs) != 0 {
		t.Fatalf("expected empty poll after drain, got %v", msgs)
	}

	if err := rt.Terminate(ctx, sandboxID, "test done"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
}
