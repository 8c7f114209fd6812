package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// Result values for recorded actions
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// Recorder writes audit entries for every mutating operation. Recording
// never fails the operation it describes; a write failure is logged and
// swallowed.
type Recorder struct {
	repo  store.AuditRepo
	clock clockwork.Clock
}

func NewRecorder(repo store.AuditRepo, clock clockwork.Clock) *Recorder {
	return &Recorder{repo: repo, clock: clock}
}

// Entry captures one action for the trail. Before and After carry entity
// snapshots for mutations; either may be nil.
type Entry struct {
	Actor      string
	Action     string
	EntityType string
	EntityID   uuid.UUID
	Before     map[string]any
	After      map[string]any
	IP         string
	UserAgent  string
	Result     string
}

// Record appends the entry to the trail
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if e.Result == "" {
		e.Result = ResultSuccess
	}
	rec := &store.AuditEntry{
		Actor:      e.Actor,
		Action:     e.Action,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Before:     e.Before,
		After:      e.After,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		Result:     e.Result,
		Timestamp:  r.clock.Now().UTC(),
	}
	if err := r.repo.Add(ctx, rec); err != nil {
		log.Ctx(ctx).Error().Err(err).
			Str("action", e.Action).
			Str("entityType", e.EntityType).
			Msg("audit write failed")
	}
}

// Query returns trail entries matching the filter, newest first
func (r *Recorder) Query(ctx context.Context, f store.AuditFilter) ([]*store.AuditEntry, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		return nil, errs.Invalid("audit query limit exceeds 1000")
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, errs.Invalid("audit query range is inverted")
	}
	return r.repo.List(ctx, f)
}

// Purge drops entries older than the retention horizon and reports how
// many were removed.
func (r *Recorder) Purge(ctx context.Context, keep time.Duration) (int, error) {
	if keep <= 0 {
		return 0, errs.Invalid("audit retention must be positive")
	}
	cutoff := r.clock.Now().UTC().Add(-keep)
	n, err := r.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Ctx(ctx).Info().Int("removed", n).Time("cutoff", cutoff).
			Msg("purged audit entries")
	}
	return n, nil
}
