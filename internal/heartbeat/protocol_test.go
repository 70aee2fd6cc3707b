package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/agent"
	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/eventbus"
	"github.com/opsfleet/orchestrator/internal/store"
)

type noopRestart struct{ triggered []string }

func (n *noopRestart) TriggerRestart(ctx context.Context, agentID string) error {
	n.triggered = append(n.triggered, agentID)
	return nil
}

func setup(t *testing.T) (*Protocol, *agent.Registry, *clockid.FakeClock, *noopRestart) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := clockid.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	bus := eventbus.New(st, clock)
	reg := agent.NewRegistry(st, bus, clock)
	restart := &noopRestart{}
	proto := NewProtocol(st, bus, reg, clock, DefaultConfig(), restart)
	return proto, reg, clock, restart
}

func TestChecksumRoundTrip(t *testing.T) {
	msg := Message{
		AgentID:        "a1",
		Timestamp:      time.Now(),
		SequenceNumber: 1,
		Status:         "IDLE",
		HealthMetrics:  map[string]float64{"cpu": 0.1},
	}
	signed, err := Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(signed)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected signed message to verify")
	}

	tampered := signed
	tampered.Status = "RUNNING"
	ok, err = Verify(tampered)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Fatal("expected tampering to flip checksum verification")
	}
}

func TestReceiveRejectsBadChecksum(t *testing.T) {
	proto, reg, _, _ := setup(t)
	ctx := context.Background()
	a, _ := reg.Register(ctx, agent.KindWorker, "P", nil, 1, nil)

	msg := Message{AgentID: a.ID, Timestamp: time.Now(), SequenceNumber: 1, Status: "IDLE", HealthMetrics: map[string]float64{}}
	msg.Checksum = "deadbeef"

	ack, err := proto.Receive(ctx, msg)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if ack.Received {
		t.Fatal("expected received=false for bad checksum")
	}
	if ack.Message != "Checksum validation failed" {
		t.Fatalf("got message %q", ack.Message)
	}
}

func TestEscalationLadder(t *testing.T) {
	proto, reg, clock, restart := setup(t)
	ctx := context.Background()

	a, _ := reg.Register(ctx, agent.KindWorker, "P", nil, 1, nil)
	a, _ = reg.Complete(ctx, a.ID)

	msg, _ := Sign(Message{AgentID: a.ID, Timestamp: clock.Now(), SequenceNumber: 1, Status: "IDLE", HealthMetrics: map[string]float64{}})
	if _, err := proto.Receive(ctx, msg); err != nil {
		t.Fatalf("receive: %v", err)
	}

	clock.Advance(31 * time.Second)
	if err := proto.CheckMissedHeartbeats(ctx); err != nil {
		t.Fatalf("check missed: %v", err)
	}
	a, _ = reg.Get(ctx, a.ID)
	if a.ConsecutiveMissed != 1 || a.Status != agent.StatusIdle {
		t.Fatalf("after 1st miss: missed=%d status=%s, want 1/IDLE", a.ConsecutiveMissed, a.Status)
	}

	clock.Advance(31 * time.Second)
	if err := proto.CheckMissedHeartbeats(ctx); err != nil {
		t.Fatalf("check missed: %v", err)
	}
	a, _ = reg.Get(ctx, a.ID)
	if a.ConsecutiveMissed != 2 || a.Status != agent.StatusDegraded {
		t.Fatalf("after 2nd miss: missed=%d status=%s, want 2/DEGRADED", a.ConsecutiveMissed, a.Status)
	}

	clock.Advance(31 * time.Second)
	if err := proto.CheckMissedHeartbeats(ctx); err != nil {
		t.Fatalf("check missed: %v", err)
	}
	a, _ = reg.Get(ctx, a.ID)
	if a.ConsecutiveMissed != 3 || a.Status != agent.StatusFailed || a.HealthLabel != agent.HealthUnresponsive {
		t.Fatalf("after 3rd miss: missed=%d status=%s health=%s, want 3/FAILED/unresponsive", a.ConsecutiveMissed, a.Status, a.HealthLabel)
	}
	if len(restart.triggered) != 1 || restart.triggered[0] != a.ID {
		t.Fatalf("expected restart triggered for %s, got %v", a.ID, restart.triggered)
	}
}
