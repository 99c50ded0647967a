// Package bus provides the in-process event bus: per-run sequence
// assignment, durable persistence before dispatch, and isolated fan-out to
// type-keyed and global subscribers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
)

var (
	// ErrSequenceStarted is returned by ResetSequence once a run has
	// published its first event.
	ErrSequenceStarted = errors.New("sequence already started")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("event bus is closed")
)

// Handler consumes a published event. Handlers run synchronously on the
// publisher's goroutine, so they must hand off long work (channel send,
// goroutine) rather than block.
type Handler func(ctx context.Context, event *events.Event) error

// EventStore is the durable sink the bus writes to before dispatching.
type EventStore interface {
	SaveEvent(ctx context.Context, event *events.Event) error
	ListEventsByRun(ctx context.Context, runID string, fromSeq, toSeq int64) ([]*events.Event, error)
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus assigns per-run sequence numbers, persists each event, then fans it
// out. Sequence assignment and the durable insert happen under one lock, so
// a store failure surfaces to the publisher and never burns a sequence slot.
type Bus struct {
	store EventStore
	log   *logger.Logger

	pubMu     sync.Mutex
	sequences map[string]int64

	subMu      sync.RWMutex
	subsByType map[string][]*subscription
	subsAll    []*subscription
	closed     bool
}

type subscription struct {
	bus       *Bus
	eventType string // empty for global subscriptions
	handler   Handler
	mu        sync.Mutex
	active    bool
}

// Unsubscribe removes the subscription from the bus.
func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.subMu.Lock()
	defer s.bus.subMu.Unlock()

	if s.eventType == "" {
		s.bus.subsAll = removeSubscription(s.bus.subsAll, s)
		return nil
	}
	s.bus.subsByType[s.eventType] = removeSubscription(s.bus.subsByType[s.eventType], s)
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *subscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func removeSubscription(subs []*subscription, target *subscription) []*subscription {
	for i, sub := range subs {
		if sub == target {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

// New creates a bus backed by the given store. A nil store disables
// persistence and replay; sequencing still applies.
func New(store EventStore, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.Default()
	}
	return &Bus{
		store:      store,
		log:        log.WithComponent("event-bus"),
		sequences:  make(map[string]int64),
		subsByType: make(map[string][]*subscription),
	}
}

// Publish assigns the run's next sequence number, persists the event, and
// delivers it to subscribers. The event's Sequence field is set in place.
// A persistence failure is returned to the caller; nothing is dispatched
// and the sequence slot is reused by the next publish.
func (b *Bus) Publish(ctx context.Context, event *events.Event) error {
	if event == nil {
		return errors.New("cannot publish nil event")
	}

	b.subMu.RLock()
	closed := b.closed
	b.subMu.RUnlock()
	if closed {
		return ErrClosed
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.pubMu.Lock()
	seq := b.sequences[event.RunID]
	event.Sequence = seq
	if b.store != nil {
		if err := b.store.SaveEvent(ctx, event); err != nil {
			b.pubMu.Unlock()
			return fmt.Errorf("persist event %s seq %d: %w", event.Type, seq, err)
		}
	}
	b.sequences[event.RunID] = seq + 1
	b.pubMu.Unlock()

	b.dispatch(ctx, event)
	return nil
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType string, handler Handler) Subscription {
	sub := &subscription{bus: b, eventType: eventType, handler: handler, active: true}

	b.subMu.Lock()
	b.subsByType[eventType] = append(b.subsByType[eventType], sub)
	b.subMu.Unlock()

	b.log.Debug("Subscribed to event type", zap.String("event_type", eventType))
	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) Subscription {
	sub := &subscription{bus: b, handler: handler, active: true}

	b.subMu.Lock()
	b.subsAll = append(b.subsAll, sub)
	b.subMu.Unlock()

	b.log.Debug("Subscribed to all events")
	return sub
}

// Replay redelivers stored events for a run, in sequence order, to the
// given handler. Bounds are inclusive; a negative toSeq means unbounded.
// Handler errors stop the replay and are returned.
func (b *Bus) Replay(ctx context.Context, runID string, fromSeq, toSeq int64, handler Handler) error {
	if b.store == nil {
		return errors.New("bus has no store to replay from")
	}
	evts, err := b.store.ListEventsByRun(ctx, runID, fromSeq, toSeq)
	if err != nil {
		return fmt.Errorf("load events for replay: %w", err)
	}
	for _, event := range evts {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("replay handler at sequence %d: %w", event.Sequence, err)
		}
	}
	return nil
}

// ResetSequence clears the sequence counter for a run. Only permitted
// before the run's first publish; afterwards it returns ErrSequenceStarted.
func (b *Bus) ResetSequence(runID string) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if _, ok := b.sequences[runID]; ok {
		return fmt.Errorf("run %s: %w", runID, ErrSequenceStarted)
	}
	b.sequences[runID] = 0
	return nil
}

// NextSequence returns the sequence number the next publish for the run
// would receive.
func (b *Bus) NextSequence(runID string) int64 {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.sequences[runID]
}

// Close deactivates all subscriptions and rejects further publishes.
func (b *Bus) Close() {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.closed = true
	for _, subs := range b.subsByType {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	for _, sub := range b.subsAll {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subsByType = make(map[string][]*subscription)
	b.subsAll = nil

	b.log.Info("Event bus closed")
}

// dispatch delivers outside the publish lock. Each subscriber is isolated:
// a panic or error is logged and never reaches the publisher or the other
// subscribers.
func (b *Bus) dispatch(ctx context.Context, event *events.Event) {
	b.subMu.RLock()
	subs := make([]*subscription, 0, len(b.subsByType[event.Type])+len(b.subsAll))
	subs = append(subs, b.subsByType[event.Type]...)
	subs = append(subs, b.subsAll...)
	b.subMu.RUnlock()

	for _, sub := range subs {
		if !sub.IsValid() {
			continue
		}
		b.deliver(ctx, sub, event)
	}
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event *events.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Event subscriber panicked",
				zap.String("event_type", event.Type),
				zap.String("event_id", event.ID),
				zap.Any("panic", r))
		}
	}()

	if err := sub.handler(ctx, event); err != nil {
		b.log.Error("Event subscriber failed",
			zap.String("event_type", event.Type),
			zap.String("event_id", event.ID),
			zap.Error(err))
	}
}
