package corectx

import (
	"context"
	"testing"
	"time"

	"github.com/opsfleet/orchestrator/internal/config"
)

func TestNewWiresEveryComponent(t *testing.T) {
	c, err := New(Config{YAML: config.Defaults(), DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if c.Agents == nil || c.Tasks == nil || c.Tickets == nil || c.Heartbeat == nil ||
		c.Restart == nil || c.Coordinator == nil || c.Router == nil ||
		c.Dispatcher == nil || c.Supervisor == nil {
		t.Fatalf("expected every component wired, got %+v", c)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c, err := New(Config{YAML: config.Defaults(), DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return within 2s of cancellation")
	}
}
