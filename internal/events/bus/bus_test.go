package bus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// stubStore is an in-memory EventStore with switchable failure.
type stubStore struct {
	mu      sync.Mutex
	events  []*events.Event
	failing bool
}

func (s *stubStore) SaveEvent(ctx context.Context, event *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("store down")
	}
	dup := *event
	s.events = append(s.events, &dup)
	return nil
}

func (s *stubStore) ListEventsByRun(ctx context.Context, runID string, fromSeq, toSeq int64) ([]*events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*events.Event
	for _, e := range s.events {
		if e.RunID != runID || e.Sequence < fromSeq {
			continue
		}
		if toSeq >= 0 && e.Sequence > toSeq {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *stubStore) sequencesForRun(runID string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var seqs []int64
	for _, e := range s.events {
		if e.RunID == runID {
			seqs = append(seqs, e.Sequence)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func TestBus_PublishAssignsSequences(t *testing.T) {
	store := &stubStore{}
	b := New(store, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := events.New(events.StreamAssistant, "sess-1", "run-1", nil)
		if err := b.Publish(ctx, e); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if e.Sequence != int64(i) {
			t.Errorf("Expected sequence %d, got %d", i, e.Sequence)
		}
	}

	seqs := store.sequencesForRun("run-1")
	if len(seqs) != 3 {
		t.Fatalf("Expected 3 persisted events, got %d", len(seqs))
	}
}

func TestBus_ConcurrentPublishKeepsPerRunSequencesGapFree(t *testing.T) {
	store := &stubStore{}
	b := New(store, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	const perRun = 100
	var wg sync.WaitGroup
	for _, runID := range []string{"run-a", "run-b"} {
		for i := 0; i < perRun; i++ {
			wg.Add(1)
			go func(runID string) {
				defer wg.Done()
				if err := b.Publish(ctx, events.New(events.StreamAssistant, "sess-1", runID, nil)); err != nil {
					t.Errorf("Publish failed: %v", err)
				}
			}(runID)
		}
	}
	wg.Wait()

	for _, runID := range []string{"run-a", "run-b"} {
		seqs := store.sequencesForRun(runID)
		if len(seqs) != perRun {
			t.Fatalf("Run %s: expected %d events, got %d", runID, perRun, len(seqs))
		}
		for i, seq := range seqs {
			if seq != int64(i) {
				t.Fatalf("Run %s: expected sequence %d at position %d, got %d", runID, i, i, seq)
			}
		}
		if got := b.NextSequence(runID); got != perRun {
			t.Errorf("Run %s: expected next sequence %d, got %d", runID, perRun, got)
		}
	}
}

func TestBus_PersistFailureReturnsErrorAndKeepsSlot(t *testing.T) {
	store := &stubStore{failing: true}
	b := New(store, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	delivered := 0
	b.SubscribeAll(func(ctx context.Context, event *events.Event) error {
		delivered++
		return nil
	})

	if err := b.Publish(ctx, events.New(events.RunStarted, "sess-1", "run-1", nil)); err == nil {
		t.Fatal("Expected publish error when store fails")
	}
	if delivered != 0 {
		t.Errorf("Expected no delivery after failed persist, got %d", delivered)
	}

	store.mu.Lock()
	store.failing = false
	store.mu.Unlock()

	e := events.New(events.RunStarted, "sess-1", "run-1", nil)
	if err := b.Publish(ctx, e); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if e.Sequence != 0 {
		t.Errorf("Expected sequence 0 after recovered store, got %d", e.Sequence)
	}
	if delivered != 1 {
		t.Errorf("Expected one delivery, got %d", delivered)
	}
}

func TestBus_SubscriberIsolation(t *testing.T) {
	b := New(&stubStore{}, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var healthy int

	b.Subscribe(events.StreamAssistant, func(ctx context.Context, event *events.Event) error {
		panic("subscriber exploded")
	})
	b.Subscribe(events.StreamAssistant, func(ctx context.Context, event *events.Event) error {
		return errors.New("subscriber failed")
	})
	b.Subscribe(events.StreamAssistant, func(ctx context.Context, event *events.Event) error {
		healthy++
		return nil
	})

	if err := b.Publish(ctx, events.New(events.StreamAssistant, "sess-1", "run-1", nil)); err != nil {
		t.Fatalf("Publish failed despite subscriber errors: %v", err)
	}
	if healthy != 1 {
		t.Errorf("Expected healthy subscriber to receive event, got %d deliveries", healthy)
	}
}

func TestBus_TypeKeyedAndGlobalDelivery(t *testing.T) {
	b := New(&stubStore{}, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	var typed, global []string

	b.Subscribe(events.RunCompleted, func(ctx context.Context, event *events.Event) error {
		typed = append(typed, event.Type)
		return nil
	})
	b.SubscribeAll(func(ctx context.Context, event *events.Event) error {
		global = append(global, event.Type)
		return nil
	})

	for _, eventType := range []string{events.RunStarted, events.RunCompleted, events.StreamAssistant} {
		if err := b.Publish(ctx, events.New(eventType, "sess-1", "run-1", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	if len(typed) != 1 || typed[0] != events.RunCompleted {
		t.Errorf("Expected typed subscriber to see only run.completed, got %v", typed)
	}
	if len(global) != 3 {
		t.Errorf("Expected global subscriber to see 3 events, got %d", len(global))
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New(&stubStore{}, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	count := 0
	sub := b.Subscribe(events.RunStarted, func(ctx context.Context, event *events.Event) error {
		count++
		return nil
	})

	if err := b.Publish(ctx, events.New(events.RunStarted, "sess-1", "run-1", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("Expected subscription to be invalid after unsubscribe")
	}
	if err := b.Publish(ctx, events.New(events.RunStarted, "sess-1", "run-1", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 delivery, got %d", count)
	}
}

func TestBus_ResetSequence(t *testing.T) {
	b := New(&stubStore{}, newTestLogger(t))
	defer b.Close()

	if err := b.ResetSequence("fresh-run"); err != nil {
		t.Fatalf("ResetSequence on fresh run failed: %v", err)
	}

	ctx := context.Background()
	if err := b.Publish(ctx, events.New(events.RunStarted, "sess-1", "used-run", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	err := b.ResetSequence("used-run")
	if !errors.Is(err, ErrSequenceStarted) {
		t.Errorf("Expected ErrSequenceStarted, got %v", err)
	}
}

func TestBus_ReplayRedeliversInOrder(t *testing.T) {
	store := &stubStore{}
	b := New(store, newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		e := events.New(events.StreamAssistant, "sess-1", "run-1", map[string]any{"n": i})
		if err := b.Publish(ctx, e); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	var got []int64
	err := b.Replay(ctx, "run-1", 1, 3, func(ctx context.Context, event *events.Event) error {
		got = append(got, event.Sequence)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	want := []int64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected sequence %d at position %d, got %d", want[i], i, got[i])
		}
	}

	err = b.Replay(ctx, "run-1", 0, -1, func(ctx context.Context, event *events.Event) error {
		if event.Sequence == 2 {
			return fmt.Errorf("handler rejected event")
		}
		return nil
	})
	if err == nil {
		t.Error("Expected replay to propagate handler error")
	}
}

func TestBus_PublishAfterCloseFails(t *testing.T) {
	b := New(&stubStore{}, newTestLogger(t))
	b.Close()

	err := b.Publish(context.Background(), events.New(events.RunStarted, "sess-1", "run-1", nil))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
