package eventbus

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/store"
)

func newTestBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, clockid.RealClock{}), st
}

func TestPublishFanOutToAllSubscribers(t *testing.T) {
	bus, st := newTestBus(t)
	sub := bus.Subscribe("all", nil)

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return bus.Publish(context.Background(), tx, SystemEvent{
			EventType:  EventTaskAssigned,
			EntityType: EntityTask,
			EntityID:   "task-1",
			Payload:    map[string]any{"task_id": "task-1", "agent_id": "agent-1"},
		})
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-sub.Ch:
		if evt.EventType != EventTaskAssigned {
			t.Fatalf("got event type %s, want %s", evt.EventType, EventTaskAssigned)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus, st := newTestBus(t)
	sub := bus.Subscribe("all", []EventType{EventTaskCompleted})

	_ = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return bus.Publish(context.Background(), tx, SystemEvent{
			EventType:  EventTaskAssigned,
			EntityType: EntityTask,
			EntityID:   "task-1",
			Payload:    map[string]any{},
		})
	})

	select {
	case evt := <-sub.Ch:
		t.Fatalf("unexpected event delivered: %v", evt.EventType)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterCloseIsRejected(t *testing.T) {
	bus, st := newTestBus(t)
	bus.Close()

	err := st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return bus.Publish(context.Background(), tx, SystemEvent{
			EventType:  EventTaskAssigned,
			EntityType: EntityTask,
			EntityID:   "task-1",
			Payload:    map[string]any{},
		})
	})
	if err == nil {
		t.Fatal("expected error publishing after close")
	}
}
