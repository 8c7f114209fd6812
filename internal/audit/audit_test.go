package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

func newRecorder(t *testing.T) (*Recorder, clockwork.FakeClock, context.Context) {
	t.Helper()
	mem := store.NewMemStore()
	clk := clockwork.NewFakeClockAt(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	tid := uuid.New()
	ctx := tenant.With(context.Background(), tid)
	if err := mem.Tenants().Add(ctx, &store.Tenant{ID: tid, Name: "t", Domain: "t.example", Active: true}); err != nil {
		t.Fatalf("add tenant: %v", err)
	}
	return NewRecorder(mem.Audit(), clk), clk, ctx
}

func TestRecordAndQuery(t *testing.T) {
	r, clk, ctx := newRecorder(t)
	qid := uuid.New()

	r.Record(ctx, Entry{Actor: "alice", Action: "queue.create", EntityType: "queue", EntityID: qid})
	clk.Advance(time.Minute)
	r.Record(ctx, Entry{Actor: "bob", Action: "queue.update", EntityType: "queue", EntityID: qid, Result: ResultDenied})
	clk.Advance(time.Minute)
	r.Record(ctx, Entry{Actor: "alice", Action: "user.create", EntityType: "user", EntityID: uuid.New()})

	all, err := r.Query(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	// Newest first
	if all[0].Action != "user.create" || all[2].Action != "queue.create" {
		t.Errorf("entries out of order: %s .. %s", all[0].Action, all[2].Action)
	}
	if all[1].Result != ResultDenied {
		t.Errorf("result = %q, want denied", all[1].Result)
	}
	if all[2].Result != ResultSuccess {
		t.Errorf("default result = %q, want success", all[2].Result)
	}

	byActor, err := r.Query(ctx, store.AuditFilter{Actor: "alice"})
	if err != nil {
		t.Fatalf("query by actor: %v", err)
	}
	if len(byActor) != 2 {
		t.Errorf("alice entries = %d, want 2", len(byActor))
	}

	byEntity, err := r.Query(ctx, store.AuditFilter{EntityType: "queue", EntityID: qid})
	if err != nil {
		t.Fatalf("query by entity: %v", err)
	}
	if len(byEntity) != 2 {
		t.Errorf("queue entries = %d, want 2", len(byEntity))
	}
}

func TestQueryValidation(t *testing.T) {
	r, clk, ctx := newRecorder(t)

	if _, err := r.Query(ctx, store.AuditFilter{Limit: 5000}); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("oversized limit: got %v", err)
	}
	from := clk.Now()
	to := from.Add(-time.Hour)
	if _, err := r.Query(ctx, store.AuditFilter{From: from, To: to}); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("inverted range: got %v", err)
	}
}

func TestPurge(t *testing.T) {
	r, clk, ctx := newRecorder(t)

	r.Record(ctx, Entry{Actor: "alice", Action: "queue.create", EntityType: "queue", EntityID: uuid.New()})
	clk.Advance(48 * time.Hour)
	r.Record(ctx, Entry{Actor: "alice", Action: "queue.update", EntityType: "queue", EntityID: uuid.New()})

	n, err := r.Purge(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	left, _ := r.Query(ctx, store.AuditFilter{})
	if len(left) != 1 || left[0].Action != "queue.update" {
		t.Errorf("wrong entries survived: %v", left)
	}

	if _, err := r.Purge(ctx, 0); !errs.Is(err, errs.KindInvalidArgument) {
		t.Errorf("zero retention: got %v", err)
	}
}
