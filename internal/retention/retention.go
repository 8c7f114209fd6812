package retention

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// Archiver moves aged-out records to cold storage before they are purged
// from the hot store. The production implementation writes to object
// storage; tests use an in-memory sink.
type Archiver interface {
	Archive(ctx context.Context, entityType string, records []any) error
}

// Entity types retention understands
const (
	EntityQueueEvent = "queue_event"
	EntityAudit      = "audit_entry"
)

// Service applies retention policies: select records older than the
// policy's horizon, archive them when the policy says so, purge them,
// and record the execution.
type Service struct {
	store    store.Store
	archiver Archiver
	clock    clockwork.Clock
}

func New(st store.Store, archiver Archiver, clk clockwork.Clock) *Service {
	return &Service{store: st, archiver: archiver, clock: clk}
}

// ApplyOne runs a single policy and records the execution
func (s *Service) ApplyOne(ctx context.Context, policyID uuid.UUID) (*store.RetentionExecution, error) {
	p, err := s.store.Retention().GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, errs.InvalidState("retention policy is inactive").WithEntity(policyID)
	}
	if p.RetentionPeriod <= 0 {
		return nil, errs.Invalid("retention period must be positive").WithEntity(policyID)
	}

	start := s.clock.Now().UTC()
	cutoff := start.Add(-p.RetentionPeriod)

	affected, runErr := s.apply(ctx, p, cutoff)

	exec := &store.RetentionExecution{
		PolicyID: p.ID,
		Affected: affected,
		Duration: s.clock.Now().UTC().Sub(start),
		RanAt:    start,
	}
	if runErr != nil {
		exec.Error = runErr.Error()
	}
	if err := s.store.Retention().AddExecution(ctx, exec); err != nil {
		log.Ctx(ctx).Error().Err(err).Msg("retention execution record write failed")
	}
	if runErr != nil {
		return exec, runErr
	}
	log.Ctx(ctx).Info().
		Str("policyId", p.ID.String()).
		Str("entityType", p.EntityType).
		Int("affected", affected).
		Msg("retention policy applied")
	return exec, nil
}

func (s *Service) apply(ctx context.Context, p *store.RetentionPolicy, cutoff time.Time) (int, error) {
	if p.Action == store.RetentionArchive {
		if s.archiver == nil {
			return 0, errs.InvalidState("archive policy without a configured archiver")
		}
		if err := s.archiveOld(ctx, p.EntityType, cutoff); err != nil {
			return 0, err
		}
	}
	switch p.EntityType {
	case EntityQueueEvent:
		return s.store.Events().DeleteOlderThan(ctx, cutoff)
	case EntityAudit:
		return s.store.Audit().DeleteOlderThan(ctx, cutoff)
	default:
		return 0, errs.Invalid("unsupported retention entity type: " + p.EntityType)
	}
}

// archiveOld copies this tenant's aged-out records into the cold store.
// Purging afterwards is system-wide; archival is the tenant's own slice.
func (s *Service) archiveOld(ctx context.Context, entityType string, cutoff time.Time) error {
	var records []any
	switch entityType {
	case EntityQueueEvent:
		queues, err := s.store.Queues().ListByTenant(ctx)
		if err != nil {
			return err
		}
		for _, q := range queues {
			evs, err := s.store.Events().ListByQueue(ctx, q.ID, time.Time{}, cutoff, 0)
			if err != nil {
				return err
			}
			for _, e := range evs {
				records = append(records, e)
			}
		}
	case EntityAudit:
		entries, err := s.store.Audit().List(ctx, store.AuditFilter{To: cutoff, Limit: 1000})
		if err != nil {
			return err
		}
		for _, e := range entries {
			records = append(records, e)
		}
	default:
		return errs.Invalid("unsupported retention entity type: " + entityType)
	}
	if len(records) == 0 {
		return nil
	}
	return s.archiver.Archive(ctx, entityType, records)
}

// ApplyAll runs every active policy for the tenant concurrently. Each
// policy's failure is isolated; the first error is returned after all
// policies finish.
func (s *Service) ApplyAll(ctx context.Context) ([]*store.RetentionExecution, error) {
	policies, err := s.store.Retention().ListPolicies(ctx)
	if err != nil {
		return nil, err
	}

	execs := make([]*store.RetentionExecution, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, p := range policies {
		if !p.Active {
			continue
		}
		i, p := i, p
		g.Go(func() error {
			exec, err := s.ApplyOne(gctx, p.ID)
			execs[i] = exec
			return err
		})
	}
	err = g.Wait()

	out := make([]*store.RetentionExecution, 0, len(execs))
	for _, e := range execs {
		if e != nil {
			out = append(out, e)
		}
	}
	return out, err
}
