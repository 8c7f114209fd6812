package events

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

func newBus(t *testing.T, onDrop func()) (*Bus, *store.MemStore, context.Context) {
	t.Helper()
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "t", Domain: "t.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	return NewBus(mem.Events(), clk, 0, 0, onDrop), mem, ctx
}

func TestLocalSubscribersRunSynchronously(t *testing.T) {
	b, _, ctx := newBus(t, nil)

	var got []string
	b.SubscribeLocal(SubscriberFunc(func(ctx context.Context, e Event) {
		got = append(got, e.Type)
	}))

	qid := uuid.New()
	if err := b.Publish(ctx, Event{QueueID: qid, Type: TypeEnqueued}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := b.Publish(ctx, Event{QueueID: qid, Type: TypeReleased}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Synchronous delivery: both events are visible immediately
	if len(got) != 2 || got[0] != TypeEnqueued || got[1] != TypeReleased {
		t.Errorf("local subscriber saw %v", got)
	}
}

func TestCriticalEventsArePersisted(t *testing.T) {
	b, mem, ctx := newBus(t, nil)
	qid := uuid.New()

	if err := b.Publish(ctx, Event{QueueID: qid, Type: TypeEnqueued}); err != nil {
		t.Fatalf("publish critical: %v", err)
	}
	if err := b.Publish(ctx, Event{QueueID: qid, Type: TypePositionChanged}); err != nil {
		t.Fatalf("publish ripple: %v", err)
	}

	stored, err := mem.Events().ListByQueue(ctx, qid, time.Time{}, time.Time{}, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(stored) != 1 {
		t.Fatalf("stored %d events, want 1 (position ripples are not persisted)", len(stored))
	}
	if stored[0].EventType != TypeEnqueued {
		t.Errorf("stored type = %s", stored[0].EventType)
	}
}

func TestListenScopedToQueue(t *testing.T) {
	b, _, ctx := newBus(t, nil)
	qa, qb := uuid.New(), uuid.New()

	chA, cancelA := b.Listen(qa, 4)
	defer cancelA()
	chAll, cancelAll := b.Listen(uuid.Nil, 4)
	defer cancelAll()

	b.Publish(ctx, Event{QueueID: qa, Type: TypeEnqueued})
	b.Publish(ctx, Event{QueueID: qb, Type: TypeEnqueued})

	if n := len(chA); n != 1 {
		t.Errorf("queue-scoped listener got %d events, want 1", n)
	}
	if n := len(chAll); n != 2 {
		t.Errorf("wildcard listener got %d events, want 2", n)
	}

	e := <-chA
	if e.QueueID != qa {
		t.Errorf("listener for %s received event for %s", qa, e.QueueID)
	}
}

func TestFullBufferDropsOldest(t *testing.T) {
	drops := 0
	b, _, ctx := newBus(t, func() { drops++ })
	qid := uuid.New()

	ch, cancel := b.Listen(qid, 2)
	defer cancel()

	sid1, sid2, sid3 := uuid.New(), uuid.New(), uuid.New()
	b.Publish(ctx, Event{QueueID: qid, SessionID: &sid1, Type: TypeEnqueued})
	b.Publish(ctx, Event{QueueID: qid, SessionID: &sid2, Type: TypeEnqueued})
	b.Publish(ctx, Event{QueueID: qid, SessionID: &sid3, Type: TypeEnqueued})

	if drops != 1 {
		t.Errorf("drop counter = %d, want 1", drops)
	}
	// The oldest event was shed; the two newest remain in order
	first, second := <-ch, <-ch
	if *first.SessionID != sid2 || *second.SessionID != sid3 {
		t.Errorf("surviving events: %s, %s (want %s, %s)", *first.SessionID, *second.SessionID, sid2, sid3)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b, _, ctx := newBus(t, nil)
	qid := uuid.New()

	ch, cancel := b.Listen(qid, 1)
	cancel()
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}
	// Publishing after cancel must not panic on the closed channel
	if err := b.Publish(ctx, Event{QueueID: qid, Type: TypeEnqueued}); err != nil {
		t.Fatalf("publish after cancel: %v", err)
	}
}

func TestCancelDuringPublishDoesNotPanic(t *testing.T) {
	b, _, ctx := newBus(t, func() {})
	b.SubscribeLocal(SubscriberFunc(func(ctx context.Context, e Event) {}))
	qid := uuid.New()

	// A listener canceling mid-publish (an SSE client disconnecting) must
	// never crash the publisher
	for i := 0; i < 200; i++ {
		ch, cancel := b.Listen(qid, 1)
		done := make(chan struct{})
		go func() {
			for j := 0; j < 5; j++ {
				if err := b.Publish(ctx, Event{QueueID: qid, Type: TypePositionChanged}); err != nil {
					t.Errorf("publish: %v", err)
				}
			}
			close(done)
		}()
		cancel()
		<-done
		for range ch {
		}
	}
}

func TestTenantPacingShedsRipples(t *testing.T) {
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "t", Domain: "t.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}

	drops := 0
	// 1 event/sec with burst 1: the second ripple in the same instant is shed
	b := NewBus(mem.Events(), clk, rate.Limit(1), 1, func() { drops++ })
	qid := uuid.New()
	ch, cancel := b.Listen(qid, 16)
	defer cancel()

	b.Publish(ctx, Event{QueueID: qid, Type: TypePositionChanged})
	b.Publish(ctx, Event{QueueID: qid, Type: TypePositionChanged})

	if len(ch) != 1 {
		t.Errorf("delivered %d ripples, want 1", len(ch))
	}
	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}

	// Critical events bypass pacing entirely
	b.Publish(ctx, Event{QueueID: qid, Type: TypeReleased})
	if len(ch) != 2 {
		t.Errorf("critical event was paced out (%d delivered)", len(ch))
	}
}
