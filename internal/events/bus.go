package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/queueworks/vqueue/internal/store"
	"github.com/queueworks/vqueue/internal/tenant"
)

// Event types emitted by the queue engine
const (
	TypeEnqueued        = "session.enqueued"
	TypePositionChanged = "session.position_changed"
	TypeReleased        = "session.released"
	TypeServing         = "session.serving"
	TypeDropped         = "session.dropped"
	TypeQueuePaused     = "queue.paused"
	TypeQueueResumed    = "queue.resumed"
	TypeQueueDeleted    = "queue.deleted"
)

// Event is the payload fanned out to subscribers
type Event struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  uuid.UUID      `json:"tenantId"`
	QueueID   uuid.UUID      `json:"queueId"`
	SessionID *uuid.UUID     `json:"sessionId,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Critical reports whether the event must reach durable storage before
// the publish returns. Lifecycle transitions feed analytics and cannot be
// lost; position ripples are reconstructible and may be shed.
func Critical(eventType string) bool {
	return eventType != TypePositionChanged
}

// Subscriber receives events synchronously on the publishing goroutine.
// Implementations must be fast; slow consumers belong on an async channel
// subscription.
type Subscriber interface {
	Notify(ctx context.Context, e Event)
}

// SubscriberFunc adapts a function to the Subscriber interface
type SubscriberFunc func(ctx context.Context, e Event)

func (f SubscriberFunc) Notify(ctx context.Context, e Event) { f(ctx, e) }

// Bus fans queue events out to local subscribers and channel listeners.
// Critical events are persisted to the event log before any fan-out so a
// crash between publish and delivery loses notifications, never history.
//
// Channel listeners get a bounded buffer. When a buffer is full the
// oldest pending event is discarded to make room, keeping laggards from
// exerting backpressure on the engine.
type Bus struct {
	repo    store.EventRepo
	clock   clockwork.Clock
	dropped func() // counter hook, may be nil

	mu        sync.RWMutex
	local     []Subscriber
	listeners map[uuid.UUID][]chan Event // keyed by queue ID; Nil key = all queues

	limMu     sync.Mutex
	limiters  map[uuid.UUID]*rate.Limiter
	perTenant rate.Limit
	burst     int
}

// NewBus wires the bus. perTenantRate bounds async dispatch per tenant;
// zero disables pacing. onDrop is invoked once per shed event.
func NewBus(repo store.EventRepo, clock clockwork.Clock, perTenantRate rate.Limit, burst int, onDrop func()) *Bus {
	if burst <= 0 {
		burst = 1
	}
	return &Bus{
		repo:      repo,
		clock:     clock,
		dropped:   onDrop,
		listeners: make(map[uuid.UUID][]chan Event),
		limiters:  make(map[uuid.UUID]*rate.Limiter),
		perTenant: perTenantRate,
		burst:     burst,
	}
}

// SubscribeLocal registers a synchronous subscriber for every event
func (b *Bus) SubscribeLocal(s Subscriber) {
	b.mu.Lock()
	b.local = append(b.local, s)
	b.mu.Unlock()
}

// Listen opens a buffered channel subscription for one queue (uuid.Nil
// for all queues). The returned cancel func closes the channel.
func (b *Bus) Listen(queueID uuid.UUID, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.listeners[queueID] = append(b.listeners[queueID], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		chans := b.listeners[queueID]
		for i, c := range chans {
			if c == ch {
				b.listeners[queueID] = append(chans[:i], chans[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Publish persists the event when critical, then fans it out. Returns an
// error only when a critical event could not be persisted; fan-out
// trouble is absorbed.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.TenantID == uuid.Nil {
		e.TenantID = tenant.ID(ctx)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = b.clock.Now().UTC()
	}

	if Critical(e.Type) {
		rec := &store.QueueEvent{
			ID:        e.ID,
			QueueID:   e.QueueID,
			SessionID: e.SessionID,
			EventType: e.Type,
			Timestamp: e.Timestamp,
			Metadata:  e.Metadata,
		}
		if err := b.repo.Add(ctx, rec); err != nil {
			return err
		}
	}

	b.mu.RLock()
	local := b.local
	b.mu.RUnlock()

	for _, s := range local {
		s.Notify(ctx, e)
	}

	if lim := b.limiter(e.TenantID); lim != nil && !Critical(e.Type) && !lim.Allow() {
		// Tenant is over its dispatch budget; shed the ripple
		b.shed(ctx, e)
		return nil
	}

	// Channel sends hold the read lock. cancel closes a channel only
	// under the write lock, so a send can never land on a closed channel.
	// Every send here is non-blocking, keeping the hold short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	chans := make([]chan Event, 0, 8)
	chans = append(chans, b.listeners[e.QueueID]...)
	if e.QueueID != uuid.Nil {
		chans = append(chans, b.listeners[uuid.Nil]...)
	}
	for _, ch := range chans {
		select {
		case ch <- e:
		default:
			// Buffer full: drop the oldest pending event, then retry once
			select {
			case old := <-ch:
				b.shed(ctx, old)
			default:
			}
			select {
			case ch <- e:
			default:
				b.shed(ctx, e)
			}
		}
	}
	return nil
}

func (b *Bus) limiter(tenantID uuid.UUID) *rate.Limiter {
	if b.perTenant <= 0 || tenantID == uuid.Nil {
		return nil
	}
	b.limMu.Lock()
	defer b.limMu.Unlock()
	lim, ok := b.limiters[tenantID]
	if !ok {
		lim = rate.NewLimiter(b.perTenant, b.burst)
		b.limiters[tenantID] = lim
	}
	return lim
}

func (b *Bus) shed(ctx context.Context, e Event) {
	if b.dropped != nil {
		b.dropped()
	}
	log.Ctx(ctx).Debug().
		Str("type", e.Type).
		Str("queueId", e.QueueID.String()).
		Msg("event shed under load")
}
