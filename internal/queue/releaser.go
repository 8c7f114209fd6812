package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// Releaser admits waiting sessions at each queue's configured rate. One
// releaser serves every queue; per-queue locking keeps it the queue's
// only writer during a tick.
type Releaser struct {
	engine   *Engine
	interval time.Duration
}

// NewReleaser builds the releaser. interval is the sweep cadence across
// active queues; allowance accrual is independent of it.
func NewReleaser(engine *Engine, interval time.Duration) *Releaser {
	if interval <= 0 {
		interval = time.Second
	}
	return &Releaser{engine: engine, interval: interval}
}

// maxBurst is the per-tick release ceiling for a queue
func (r *Releaser) maxBurst(q *store.Queue) int {
	if r.engine.opts.MaxBurst > 0 {
		return r.engine.opts.MaxBurst
	}
	// One second's worth of the rate, at least one
	burst := int(q.ReleaseRatePerMinute / 60)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// Tick evaluates one queue and releases whatever its accrued allowance
// covers. Returns the number released.
//
// last_release_at advances by released*60s/rate rather than jumping to
// now, so fractional allowance carries forward and the cadence never
// drifts. An idle stretch longer than the burst window is clamped so
// tokens cannot pile up while nobody waits.
func (r *Releaser) Tick(ctx context.Context, queueID uuid.UUID) (int, error) {
	mu := r.engine.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	q, err := r.engine.store.Queues().GetByID(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if !q.Active || q.ReleaseRatePerMinute <= 0 {
		return 0, nil
	}

	now := r.engine.clock.Now().UTC()
	if !q.Schedule.Active(now) {
		return 0, nil
	}

	if q.LastReleaseAt == nil {
		// First tick for this queue: start the cadence from now
		q.LastReleaseAt = &now
		if err := r.engine.withRetry(ctx, "start release cursor", func() error {
			return r.engine.store.Queues().Update(ctx, q)
		}); err != nil {
			return 0, err
		}
		return 0, nil
	}

	burst := r.maxBurst(q)
	perRelease := time.Duration(float64(time.Minute) / q.ReleaseRatePerMinute)

	last := *q.LastReleaseAt
	burstWindow := time.Duration(burst) * perRelease
	if now.Sub(last) > burstWindow {
		last = now.Add(-burstWindow)
	}

	// Integer duration division sidesteps float rounding at exact
	// boundaries (60 ticks of 1s at 60/min must yield exactly 60)
	k := int(now.Sub(last) / perRelease)
	if k <= 0 {
		return 0, nil
	}
	if k > burst {
		k = burst
	}

	waiting, err := r.engine.store.Sessions().WaitingByQueueOrdered(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if k > len(waiting) {
		k = len(waiting)
	}
	if k == 0 {
		// Nothing to admit; persist the clamp so idle time is consumed
		if !last.Equal(*q.LastReleaseAt) {
			q.LastReleaseAt = &last
			if err := r.engine.withRetry(ctx, "clamp release cursor", func() error {
				return r.engine.store.Queues().Update(ctx, q)
			}); err != nil {
				return 0, err
			}
		}
		return 0, nil
	}

	released := 0
	for _, s := range waiting[:k] {
		s.Status = store.SessionReleased
		s.ReleasedAt = &now
		s.Position = 0
		if err := r.engine.withRetry(ctx, "release", func() error {
			return r.engine.store.Sessions().Update(ctx, s)
		}); err != nil {
			return released, err
		}
		released++

		sid := s.ID
		if err := r.engine.bus.Publish(ctx, events.Event{
			QueueID: queueID, SessionID: &sid, Type: events.TypeReleased,
			Metadata: map[string]any{"user": s.UserIdentifier},
		}); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("release event publish failed")
		}
		if r.engine.metrics != nil {
			r.engine.metrics.SessionsReleased.WithLabelValues(s.TenantID.String(), queueID.String()).Inc()
			r.engine.metrics.ObserveWait(s.TenantID.String(), queueID.String(), now.Sub(s.EnqueuedAt))
		}
	}

	advanced := last.Add(time.Duration(released) * perRelease)
	q.LastReleaseAt = &advanced
	if err := r.engine.withRetry(ctx, "advance release cursor", func() error {
		return r.engine.store.Queues().Update(ctx, q)
	}); err != nil {
		return released, err
	}

	if err := r.engine.recompute(ctx, queueID); err != nil {
		return released, err
	}
	return released, nil
}

// SelfHeal re-ranks every queue whose waiting set shows a non-contiguous
// position permutation, repairing a crash that landed between a status
// transition and its recompute. Run once at startup.
func (r *Releaser) SelfHeal(ctx context.Context) error {
	queues, err := r.engine.store.Queues().ListActive(ctx)
	if err != nil {
		return err
	}
	for _, q := range queues {
		qctx := tenant.With(ctx, q.TenantID)
		mu := r.engine.lockFor(q.ID)
		mu.Lock()
		waiting, err := r.engine.store.Sessions().WaitingByQueueOrdered(qctx, q.ID)
		if err == nil && !Contiguous(waiting) {
			log.Ctx(ctx).Warn().Str("queueId", q.ID.String()).
				Msg("repairing non-contiguous queue positions")
			err = r.engine.recompute(qctx, q.ID)
		}
		mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Run sweeps all active queues on the configured interval until ctx is
// canceled. Each queue's failure is retried out by the next sweep; only
// persistent trouble is logged loudly.
func (r *Releaser) Run(ctx context.Context) {
	ticker := r.engine.clock.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Msg("releaser started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("releaser stopped")
			return
		case <-ticker.Chan():
			r.sweep(ctx)
		}
	}
}

func (r *Releaser) sweep(ctx context.Context) {
	queues, err := r.engine.store.Queues().ListActive(ctx)
	if err != nil {
		log.Error().Err(err).Msg("releaser could not list queues")
		return
	}
	if r.engine.metrics != nil {
		r.engine.metrics.ReleaseTicks.Inc()
	}
	for _, q := range queues {
		qctx := tenant.With(ctx, q.TenantID)
		if _, err := r.Tick(qctx, q.ID); err != nil {
			if errs.KindOf(err) == errs.KindTransient && r.engine.metrics != nil {
				r.engine.metrics.ReleaseErrors.Inc()
			}
			log.Error().Err(err).Str("queueId", q.ID.String()).Msg("release tick failed")
		}
	}
}
