package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsfleet/orchestrator/internal/clockid"
	"github.com/opsfleet/orchestrator/internal/coreerr"
	"github.com/opsfleet/orchestrator/internal/store"
)

var logger = log.New(log.Writer(), "[EVENTBUS] ", log.LstdFlags)

const (
	maxBackpressureRetries = 3
	backpressureRetryDelay = 10 * time.Millisecond
	subscriberBufferSize   = 64
)

// Subscription is a channel-backed subscriber, filterable by event type and
// target entity id ("" or "all" subscribes to everything).
type Subscription struct {
	Ch     chan SystemEvent
	Types  map[EventType]bool
	Target string
}

// Bus fans out SystemEvents to in-process subscribers and persists every
// publish to the store's outbox for durable, at-least-once delivery to the
// broker transport.
type Bus struct {
	store *store.Store
	clock clockid.Clock

	mu          sync.RWMutex
	subscribers map[string][]*Subscription

	closed        atomic.Bool
	droppedEvents atomic.Int64
}

func New(st *store.Store, clock clockid.Clock) *Bus {
	return &Bus{
		store:       st,
		clock:       clock,
		subscribers: make(map[string][]*Subscription),
	}
}

// Subscribe registers ch for events matching types (nil/empty = all types)
// targeted at target ("" or "all" for every entity).
func (b *Bus) Subscribe(target string, types []EventType) *Subscription {
	if target == "" {
		target = "all"
	}
	typeSet := make(map[EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}
	sub := &Subscription{
		Ch:     make(chan SystemEvent, subscriberBufferSize),
		Types:  typeSet,
		Target: target,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[target] = append(b.subscribers[target], sub)
	return sub
}

func (b *Bus) Unsubscribe(target string, sub *Subscription) {
	if target == "" {
		target = "all"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[target]
	for i, s := range subs {
		if s == sub {
			b.subscribers[target] = append(subs[:i], subs[i+1:]...)
			close(sub.Ch)
			return
		}
	}
}

// Publish writes the event to the outbox inside tx (so it commits atomically
// with the business change that produced it) and fans it out to in-process
// subscribers immediately. The outbox drain (see drain.go) carries it to the
// broker transport asynchronously, giving the durable at-least-once leg.
func (b *Bus) Publish(ctx context.Context, tx *sql.Tx, evt SystemEvent) error {
	if b.closed.Load() {
		return coreerr.New(coreerr.KindTransient, coreerr.ErrClosed, "event bus closed")
	}
	if evt.ID == "" {
		evt.ID = clockid.NewID()
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = b.clock.Now()
	}

	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if err := store.AppendOutbox(tx, store.OutboxRow{
		ID:         evt.ID,
		EventType:  string(evt.EventType),
		EntityType: string(evt.EntityType),
		EntityID:   evt.EntityID,
		Payload:    string(payload),
		OccurredAt: evt.OccurredAt,
	}); err != nil {
		return err
	}

	b.fanOut(evt)
	return nil
}

// PublishDirect publishes without a surrounding transaction, for events that
// have no corresponding durable state change (e.g. forwarded sandbox-origin
// events). It still goes through the outbox so delivery stays at-least-once.
func (b *Bus) PublishDirect(ctx context.Context, evt SystemEvent) error {
	return b.store.WithTx(ctx, func(tx *sql.Tx) error {
		return b.Publish(ctx, tx, evt)
	})
}

func (b *Bus) fanOut(evt SystemEvent) {
	b.mu.RLock()
	targets := append([]*Subscription{}, b.subscribers["all"]...)
	if evt.EntityID != "" {
		targets = append(targets, b.subscribers[evt.EntityID]...)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if len(sub.Types) > 0 && !sub.Types[evt.EventType] {
			continue
		}
		b.sendWithBackpressure(sub, evt)
	}
}

func (b *Bus) sendWithBackpressure(sub *Subscription, evt SystemEvent) {
	select {
	case sub.Ch <- evt:
		return
	default:
	}
	for i := 0; i < maxBackpressureRetries; i++ {
		time.Sleep(backpressureRetryDelay)
		select {
		case sub.Ch <- evt:
			return
		default:
		}
	}
	b.droppedEvents.Add(1)
	logger.Printf("dropped event %s (%s) for target %s after backpressure retries", evt.ID, evt.EventType, sub.Target)
}

func (b *Bus) DroppedEventCount() int64 { return b.droppedEvents.Load() }

// Close rejects new publishes and closes every subscriber channel. It does
// not flush the outbox: undelivered rows stay in the table for the drain
// goroutine, which owns the broker connection and is stopped separately.
func (b *Bus) Close() {
	b.closed.Store(true)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.Ch)
		}
	}
	b.subscribers = make(map[string][]*Subscription)
}
