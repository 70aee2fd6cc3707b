package eventbus

import (
	"context"
	"time"
)

// DrainRow is the subset of store.OutboxRow the drain loop needs.
type DrainRow struct {
	ID         string
	EntityType string
	EntityID   string
	Payload    string
}

// StartDrain launches a background goroutine that periodically republishes
// undelivered outbox rows to broker, giving the at-least-once, crash-safe
// leg of delivery: an event fanned out in-process before a crash is still
// redelivered via the broker on restart since markFn only runs after
// broker.Publish has returned without error. Returns a stop function that cancels the loop
// and waits for the in-flight batch to finish.
func StartDrain(
	ctx context.Context,
	pendingFn func(ctx context.Context, limit int) ([]DrainRow, error),
	markFn func(ctx context.Context, ids []string) error,
	broker *Broker,
	interval time.Duration,
) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				drainOnce(ctx, pendingFn, markFn, broker)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func drainOnce(
	ctx context.Context,
	pendingFn func(ctx context.Context, limit int) ([]DrainRow, error),
	markFn func(ctx context.Context, ids []string) error,
	broker *Broker,
) {
	rows, err := pendingFn(ctx, 256)
	if err != nil {
		logger.Printf("outbox drain query failed: %v", err)
		return
	}
	if len(rows) == 0 {
		return
	}

	var delivered []string
	for _, r := range rows {
		subject := Subject(EntityType(r.EntityType), r.EntityID)
		if err := broker.Publish(subject, []byte(r.Payload)); err != nil {
			logger.Printf("broker publish failed for %s: %v", r.ID, err)
			continue
		}
		delivered = append(delivered, r.ID)
	}
	if len(delivered) == 0 {
		return
	}
	if err := markFn(ctx, delivered); err != nil {
		logger.Printf("mark delivered failed: %v", err)
	}
}
