package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

func TestFanoutReportsPerChannel(t *testing.T) {
	f := NewFanout()
	f.Register(ChannelEmail, SinkFunc(func(ctx context.Context, msg Message) error {
		return nil
	}))
	f.Register(ChannelSMS, SinkFunc(func(ctx context.Context, msg Message) error {
		return errors.New("provider rejected number")
	}))

	results := f.Send(context.Background(),
		[]Channel{ChannelEmail, ChannelSMS, ChannelPush},
		Message{Recipient: "alice@example.com", Body: "your turn"})

	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if !results[0].Delivered || results[0].Channel != ChannelEmail {
		t.Errorf("email result: %+v", results[0])
	}
	if results[1].Delivered || results[1].Error == "" {
		t.Errorf("sms result should carry the failure: %+v", results[1])
	}
	// No sink registered for push: undelivered, not a panic
	if results[2].Delivered {
		t.Errorf("push result: %+v", results[2])
	}
}

type whFixture struct {
	dispatcher *Dispatcher
	store      *store.MemStore
	clock      clockwork.FakeClock
	ctx        context.Context
	statuses   []string
}

func newWHFixture(t *testing.T) *whFixture {
	t.Helper()
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "t", Domain: "t.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	f := &whFixture{store: mem, clock: clk, ctx: ctx}
	f.dispatcher = NewDispatcher(mem.Webhooks(), mem.Deliveries(), clk, func(s string) {
		f.statuses = append(f.statuses, s)
	})
	return f
}

func (f *whFixture) addHook(t *testing.T, url string, eventTypes ...string) *store.Webhook {
	t.Helper()
	w := &store.Webhook{
		Name:       "hook",
		URL:        url,
		EventTypes: eventTypes,
		Headers:    map[string]string{"X-Signature": "shared-secret"},
		Active:     true,
	}
	if err := f.store.Webhooks().Add(f.ctx, w); err != nil {
		t.Fatalf("add webhook: %v", err)
	}
	return w
}

func TestDispatchPostsSubscribedHooks(t *testing.T) {
	f := newWHFixture(t)

	var got WebhookPayload
	var header string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Signature")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := f.addHook(t, srv.URL, "session.released")
	f.addHook(t, srv.URL+"/other", "session.dropped") // not subscribed

	occurred := f.clock.Now().UTC()
	f.dispatcher.Dispatch(f.ctx, "session.released", map[string]any{"user": "alice"}, occurred)

	if got.EventType != "session.released" {
		t.Errorf("payload event_type = %q", got.EventType)
	}
	if got.TenantID != tenant.ID(f.ctx) {
		t.Errorf("payload tenant = %s", got.TenantID)
	}
	if got.Payload["user"] != "alice" {
		t.Errorf("payload body = %v", got.Payload)
	}
	if !got.OccurredAt.Equal(occurred) {
		t.Errorf("occurred_at = %v", got.OccurredAt)
	}
	if header != "shared-secret" {
		t.Errorf("configured header missing, got %q", header)
	}

	recs, err := f.store.Deliveries().ListByWebhook(f.ctx, hook.ID, 10)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if len(recs) != 1 || recs[0].StatusCode != http.StatusOK || recs[0].Error != "" {
		t.Errorf("delivery record: %+v", recs)
	}
	if len(f.statuses) != 1 || f.statuses[0] != "delivered" {
		t.Errorf("delivery counter saw %v", f.statuses)
	}
}

func TestDispatchWildcardSubscription(t *testing.T) {
	f := newWHFixture(t)
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.addHook(t, srv.URL, "*")
	f.dispatcher.Dispatch(f.ctx, "session.enqueued", nil, f.clock.Now())
	f.dispatcher.Dispatch(f.ctx, "session.dropped", nil, f.clock.Now())

	if hits != 2 {
		t.Errorf("wildcard hook hit %d times, want 2", hits)
	}
}

func TestDispatchRecordsFailure(t *testing.T) {
	f := newWHFixture(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := f.addHook(t, srv.URL, "session.released")
	f.dispatcher.Dispatch(f.ctx, "session.released", nil, f.clock.Now())

	recs, err := f.store.Deliveries().ListByWebhook(f.ctx, hook.ID, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("deliveries: %v %v", recs, err)
	}
	if recs[0].StatusCode != http.StatusServiceUnavailable || !recs[0].Retryable {
		t.Errorf("5xx should record retryable: %+v", recs[0])
	}

	// 4xx is permanent
	srv2 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv2.Close()
	hook2 := f.addHook(t, srv2.URL, "session.released")
	f.dispatcher.Dispatch(f.ctx, "session.released", nil, f.clock.Now())

	recs2, _ := f.store.Deliveries().ListByWebhook(f.ctx, hook2.ID, 10)
	if len(recs2) != 1 || recs2[0].Retryable {
		t.Errorf("4xx should not be retryable: %+v", recs2)
	}
}

func TestEventSubscriberOutlivesRequestContext(t *testing.T) {
	f := newWHFixture(t)

	delivered := make(chan WebhookPayload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p WebhookPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		delivered <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	hook := f.addHook(t, srv.URL, "session.released")

	// The handler that published the event has already returned
	rctx, cancel := context.WithCancel(f.ctx)
	cancel()

	sid := uuid.New()
	sub := f.dispatcher.EventSubscriber()
	sub(rctx, events.Event{
		QueueID:   uuid.New(),
		SessionID: &sid,
		TenantID:  tenant.ID(f.ctx),
		Type:      "session.released",
		Timestamp: f.clock.Now().UTC(),
		Metadata:  map[string]any{"user": "alice"},
	})

	select {
	case p := <-delivered:
		if p.EventType != "session.released" || p.Payload["user"] != "alice" {
			t.Errorf("payload: %+v", p)
		}
		if p.TenantID != tenant.ID(f.ctx) {
			t.Errorf("tenant lost across the detach: %s", p.TenantID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived after the publishing context was canceled")
	}

	// The delivery record lands once the dispatch goroutine finishes
	deadline := time.Now().Add(2 * time.Second)
	for {
		recs, err := f.store.Deliveries().ListByWebhook(f.ctx, hook.ID, 10)
		if err == nil && len(recs) == 1 {
			if recs[0].StatusCode != http.StatusOK || recs[0].Error != "" {
				t.Errorf("delivery record: %+v", recs[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("delivery record never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRetryDelivery(t *testing.T) {
	f := newWHFixture(t)

	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := f.addHook(t, srv.URL, "session.released")
	f.dispatcher.Dispatch(f.ctx, "session.released", map[string]any{"n": 1.0}, f.clock.Now())

	recs, _ := f.store.Deliveries().ListByWebhook(f.ctx, hook.ID, 10)
	if len(recs) != 1 || !recs[0].Retryable {
		t.Fatalf("expected one retryable failure: %+v", recs)
	}

	fail = false
	f.clock.Advance(time.Minute)
	latest, err := f.dispatcher.Retry(f.ctx, recs[0].ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if latest.StatusCode != http.StatusOK || latest.Error != "" {
		t.Errorf("retry attempt: %+v", latest)
	}

	// The successful attempt is not retryable again
	if _, err := f.dispatcher.Retry(f.ctx, latest.ID); !errs.Is(err, errs.KindInvalidState) {
		t.Errorf("retry of success: got %v, want INVALID_STATE", err)
	}
}

func TestWebhookTest(t *testing.T) {
	f := newWHFixture(t)

	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := f.addHook(t, srv.URL, "session.released")
	rec, err := f.dispatcher.Test(f.ctx, hook.ID)
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if rec.StatusCode != http.StatusOK {
		t.Errorf("test delivery: %+v", rec)
	}
	if got.EventType != "webhook.test" {
		t.Errorf("test payload type = %q", got.EventType)
	}
}
