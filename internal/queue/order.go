package queue

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/cache"
	"github.com/queueworks/vqueue/internal/events"
	"github.com/queueworks/vqueue/internal/store"
)

// Less is the release order: higher priority first, then earlier
// enqueue, then session ID lexicographic so ordering is total and
// deterministic.
func Less(a, b *store.Session) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return strings.Compare(a.ID.String(), b.ID.String()) < 0
}

// Contiguous reports whether the waiting set's positions form the 1..W
// permutation in release order. Used by the startup self-heal to detect a
// crash between a transition and its recompute.
func Contiguous(waiting []*store.Session) bool {
	for i, s := range waiting {
		if s.Position != i+1 {
			return false
		}
	}
	return true
}

// recompute re-ranks the queue's Waiting sessions and persists every
// position that changed. The caller holds the queue's writer lock. The
// position cache is refreshed opportunistically; the store stays the
// authority.
func (e *Engine) recompute(ctx context.Context, queueID uuid.UUID) error {
	waiting, err := e.store.Sessions().WaitingByQueueOrdered(ctx, queueID)
	if err != nil {
		return err
	}
	for i, s := range waiting {
		want := i + 1
		moved := s.Position != want
		fresh := s.Position == 0 // just enqueued; its admission event carries the position
		if moved {
			s.Position = want
			if err := e.withRetry(ctx, "recompute position", func() error {
				return e.store.Sessions().Update(ctx, s)
			}); err != nil {
				return err
			}
		}

		key := cache.PositionKey(queueID, s.UserIdentifier)
		if err := e.cache.Set(ctx, key, want, positionCacheTTL); err != nil {
			log.Ctx(ctx).Debug().Err(err).Msg("position cache write failed")
		}

		if moved && !fresh {
			sid := s.ID
			if err := e.bus.Publish(ctx, events.Event{
				QueueID:   queueID,
				SessionID: &sid,
				Type:      events.TypePositionChanged,
				Metadata:  map[string]any{"position": want},
			}); err != nil {
				log.Ctx(ctx).Warn().Err(err).Msg("position event publish failed")
			}
		}
	}
	return nil
}

const positionCacheTTL = 5 * time.Minute
