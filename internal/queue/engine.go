package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/metrics"
	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// Options tune engine behavior
type Options struct {
	// StrictCapacity rejects enqueues at the concurrency ceiling with
	// AT_CAPACITY instead of admitting to an unbounded waiting set
	StrictCapacity bool
	// MaxBurst caps releases per tick. Zero derives the default: one
	// second's worth of the queue's rate, minimum one.
	MaxBurst int
}

// DefaultOptions matches production behavior
var DefaultOptions = Options{StrictCapacity: true}

// Engine owns the waiting sets. All mutations of one queue serialize on
// that queue's lock, the single-writer guarantee everything else leans on.
type Engine struct {
	store   store.Store
	cache   cache.Cache
	bus     *events.Bus
	metrics *metrics.Metrics // may be nil
	clock   clockwork.Clock
	opts    Options

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// New wires the engine
func New(st store.Store, c cache.Cache, bus *events.Bus, m *metrics.Metrics, clk clockwork.Clock, opts Options) *Engine {
	return &Engine{
		store:   st,
		cache:   c,
		bus:     bus,
		metrics: m,
		clock:   clk,
		opts:    opts,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (e *Engine) lockFor(queueID uuid.UUID) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	mu, ok := e.locks[queueID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[queueID] = mu
	}
	return mu
}

// retryBackoff is the base delay between store-conflict retries
const retryBackoff = 25 * time.Millisecond

// withRetry retries fn on store conflicts and transient failures with
// exponential backoff, three attempts total.
func (e *Engine) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(retryBackoff << (attempt - 1)):
			}
			log.Ctx(ctx).Warn().Err(err).Int("attempt", attempt).Str("op", op).
				Msg("retrying after store failure")
		}
		if err = fn(); err == nil {
			return nil
		}
		switch errs.KindOf(err) {
		case errs.KindConflict, errs.KindTransient:
			continue
		default:
			return err
		}
	}
	return errs.Transient(op+" failed after retries", err)
}

// admissible returns the queue when it can accept traffic right now, or
// the caller-facing refusal.
func (e *Engine) admissible(ctx context.Context, queueID uuid.UUID, now time.Time) (*store.Queue, error) {
	tid, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	t, err := e.store.Tenants().GetByID(ctx, tid)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, errs.Closed("tenant is deactivated").WithTenant(tid)
	}
	q, err := e.store.Queues().GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if !q.Active {
		return nil, errs.Closed("queue is paused").WithEntity(queueID)
	}
	if !q.Schedule.Active(now) {
		err := errs.Closed("queue is outside its operating hours").WithEntity(queueID)
		if next, ok := q.Schedule.NextActivation(now); ok {
			err = err.WithData(map[string]any{"opensAt": next})
		}
		return nil, err
	}
	return q, nil
}

// Enqueue admits a visitor to the queue. Re-joining with an active
// session returns that session unchanged.
func (e *Engine) Enqueue(ctx context.Context, queueID uuid.UUID, userIdentifier string, priority store.Priority, metadata map[string]any) (*store.Session, error) {
	if userIdentifier == "" {
		return nil, errs.Invalid("user identifier is required")
	}
	if priority < store.PriorityLow || priority > store.PriorityVIP {
		return nil, errs.Invalid("priority out of range")
	}

	mu := e.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	now := e.clock.Now().UTC()
	q, err := e.admissible(ctx, queueID, now)
	if err != nil {
		return nil, err
	}

	if existing, err := e.store.Sessions().ActiveByQueueAndUser(ctx, queueID, userIdentifier); err == nil {
		return existing, nil
	} else if errs.KindOf(err) != errs.KindNotFound {
		return nil, err
	}

	if e.opts.StrictCapacity && q.MaxConcurrentUsers > 0 {
		active, err := e.store.Sessions().CountActive(ctx, queueID)
		if err != nil {
			return nil, err
		}
		if active >= q.MaxConcurrentUsers {
			return nil, errs.AtCapacity("queue is at its concurrency ceiling").WithEntity(queueID)
		}
	}

	s := &store.Session{
		QueueID:        queueID,
		UserIdentifier: userIdentifier,
		Status:         store.SessionWaiting,
		Priority:       priority,
		EnqueuedAt:     now,
		Metadata:       metadata,
	}
	if err := e.withRetry(ctx, "enqueue", func() error {
		return e.store.Sessions().Add(ctx, s)
	}); err != nil {
		return nil, err
	}

	if err := e.recompute(ctx, queueID); err != nil {
		return nil, err
	}

	// recompute persisted the position; reload to return the ranked row
	s, err = e.store.Sessions().GetByID(ctx, s.ID)
	if err != nil {
		return nil, err
	}

	sid := s.ID
	if err := e.bus.Publish(ctx, events.Event{
		QueueID:   queueID,
		SessionID: &sid,
		Type:      events.TypeEnqueued,
		Metadata:  map[string]any{"position": s.Position, "priority": int(s.Priority), "user": userIdentifier},
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("enqueue event publish failed")
	}
	if e.metrics != nil {
		e.metrics.SessionsEnqueued.WithLabelValues(s.TenantID.String(), queueID.String()).Inc()
	}
	return s, nil
}

// Drop removes a waiting session. Terminal sessions drop idempotently;
// a serving session cannot be dropped.
func (e *Engine) Drop(ctx context.Context, queueID, sessionID uuid.UUID, reason store.DropReason) (*store.Session, error) {
	switch reason {
	case store.DropByUser, store.DropByTimeout, store.DropByAdmin:
	default:
		return nil, errs.Invalid("unknown drop reason")
	}

	mu := e.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	s, err := e.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.QueueID != queueID {
		return nil, errs.NotFound("session does not belong to this queue").WithEntity(sessionID)
	}
	if s.Status.Terminal() {
		return s, nil
	}
	if err := checkTransition(s.Status, store.SessionDropped); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	s.Status = store.SessionDropped
	s.ReleasedAt = &now
	s.Position = 0
	if err := e.withRetry(ctx, "drop", func() error {
		return e.store.Sessions().Update(ctx, s)
	}); err != nil {
		return nil, err
	}

	if err := e.cache.Remove(ctx, cache.PositionKey(queueID, s.UserIdentifier)); err != nil {
		log.Ctx(ctx).Debug().Err(err).Msg("position cache remove failed")
	}
	if err := e.recompute(ctx, queueID); err != nil {
		return nil, err
	}

	sid := s.ID
	if err := e.bus.Publish(ctx, events.Event{
		QueueID:   queueID,
		SessionID: &sid,
		Type:      events.TypeDropped,
		Metadata:  map[string]any{"reason": string(reason)},
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("drop event publish failed")
	}
	if e.metrics != nil {
		e.metrics.SessionsDropped.WithLabelValues(s.TenantID.String(), queueID.String(), string(reason)).Inc()
		e.metrics.ObserveWait(s.TenantID.String(), queueID.String(), now.Sub(s.EnqueuedAt))
	}
	return s, nil
}

// BeginServe hands a waiting session to an operator
func (e *Engine) BeginServe(ctx context.Context, queueID, sessionID uuid.UUID) (*store.Session, error) {
	mu := e.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	s, err := e.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.QueueID != queueID {
		return nil, errs.NotFound("session does not belong to this queue").WithEntity(sessionID)
	}
	if err := checkTransition(s.Status, store.SessionServing); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	s.Status = store.SessionServing
	s.ServedAt = &now
	s.Position = 0
	if err := e.withRetry(ctx, "begin serve", func() error {
		return e.store.Sessions().Update(ctx, s)
	}); err != nil {
		return nil, err
	}

	if err := e.recompute(ctx, queueID); err != nil {
		return nil, err
	}

	sid := s.ID
	if err := e.bus.Publish(ctx, events.Event{
		QueueID: queueID, SessionID: &sid, Type: events.TypeServing,
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("serving event publish failed")
	}
	return s, nil
}

// CompleteServe closes out a serving session
func (e *Engine) CompleteServe(ctx context.Context, queueID, sessionID uuid.UUID) (*store.Session, error) {
	mu := e.lockFor(queueID)
	mu.Lock()
	defer mu.Unlock()

	s, err := e.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.QueueID != queueID {
		return nil, errs.NotFound("session does not belong to this queue").WithEntity(sessionID)
	}
	if s.Status == store.SessionReleased {
		return s, nil
	}
	if err := checkTransition(s.Status, store.SessionReleased); err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	s.Status = store.SessionReleased
	s.ReleasedAt = &now
	if err := e.withRetry(ctx, "complete serve", func() error {
		return e.store.Sessions().Update(ctx, s)
	}); err != nil {
		return nil, err
	}

	sid := s.ID
	if err := e.bus.Publish(ctx, events.Event{
		QueueID: queueID, SessionID: &sid, Type: events.TypeReleased,
		Metadata: map[string]any{"user": s.UserIdentifier},
	}); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("release event publish failed")
	}
	if e.metrics != nil {
		e.metrics.SessionsReleased.WithLabelValues(s.TenantID.String(), queueID.String()).Inc()
		e.metrics.ObserveWait(s.TenantID.String(), queueID.String(), now.Sub(s.EnqueuedAt))
	}
	return s, nil
}

// Standing reports a visitor's place in line
type Standing struct {
	Session       *store.Session
	Position      int
	EstimatedWait time.Duration
}

// Position answers "where am I" for a session. The estimate assumes the
// queue's configured rate holds; zero-rate queues report no estimate.
func (e *Engine) Position(ctx context.Context, queueID, sessionID uuid.UUID) (*Standing, error) {
	s, err := e.store.Sessions().GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.QueueID != queueID {
		return nil, errs.NotFound("session does not belong to this queue").WithEntity(sessionID)
	}
	st := &Standing{Session: s, Position: s.Position}
	if s.Status != store.SessionWaiting {
		st.Position = 0
		return st, nil
	}

	q, err := e.store.Queues().GetByID(ctx, queueID)
	if err != nil {
		return nil, err
	}
	if q.ReleaseRatePerMinute > 0 {
		minutes := float64(s.Position) / q.ReleaseRatePerMinute
		st.EstimatedWait = time.Duration(math.Round(minutes * float64(time.Minute)))
	}
	return st, nil
}

// PositionByUser answers "where am I" keyed by the visitor's identifier,
// for clients that never stored their session ID.
func (e *Engine) PositionByUser(ctx context.Context, queueID uuid.UUID, userIdentifier string) (*Standing, error) {
	if userIdentifier == "" {
		return nil, errs.Invalid("user identifier is required")
	}
	s, err := e.store.Sessions().ActiveByQueueAndUser(ctx, queueID, userIdentifier)
	if err != nil {
		return nil, err
	}
	return e.Position(ctx, queueID, s.ID)
}

// CachedPosition is the fast path for position polling: cache hit spares
// the store read, miss falls through to the authority.
func (e *Engine) CachedPosition(ctx context.Context, queueID uuid.UUID, userIdentifier string) (int, bool) {
	var pos int
	hit, err := e.cache.Get(ctx, cache.PositionKey(queueID, userIdentifier), &pos)
	if err != nil || !hit {
		return 0, false
	}
	return pos, true
}
