package retention

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// Snapshotter produces and inspects backup artifacts. The production
// implementation shells out to pg_dump and writes to object storage.
type Snapshotter interface {
	Snapshot(ctx context.Context) (location string, size int64, checksum string, err error)
	Stat(ctx context.Context, location string) (size int64, checksum string, err error)
}

// BackupService drives the snapshot lifecycle and verifies existing
// snapshots against the recorded metadata.
type BackupService struct {
	backups store.BackupRepo
	snaps   Snapshotter
	clock   clockwork.Clock
}

func NewBackupService(backups store.BackupRepo, snaps Snapshotter, clk clockwork.Clock) *BackupService {
	return &BackupService{backups: backups, snaps: snaps, clock: clk}
}

// Create runs a snapshot, walking the record through
// pending -> running -> completed (or failed). The record survives a
// failed snapshot so operators can see the attempt.
func (s *BackupService) Create(ctx context.Context) (*store.Backup, error) {
	b := &store.Backup{
		Status:    store.BackupPending,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.backups.Add(ctx, b); err != nil {
		return nil, err
	}

	b.Status = store.BackupRunning
	if err := s.backups.Update(ctx, b); err != nil {
		return nil, err
	}

	location, size, checksum, err := s.snaps.Snapshot(ctx)
	if err != nil {
		b.Status = store.BackupFailed
		if uerr := s.backups.Update(ctx, b); uerr != nil {
			log.Ctx(ctx).Error().Err(uerr).Msg("backup failure record write failed")
		}
		return b, errs.Transient("snapshot failed", err).WithEntity(b.ID)
	}

	b.Status = store.BackupCompleted
	b.Location = location
	b.SizeBytes = size
	b.Checksum = checksum
	if err := s.backups.Update(ctx, b); err != nil {
		return nil, err
	}
	log.Ctx(ctx).Info().
		Str("backupId", b.ID.String()).
		Str("location", location).
		Int64("sizeBytes", size).
		Msg("backup completed")
	return b, nil
}

// Verify checks that a completed backup's artifact still exists, is
// non-empty, and matches the recorded checksum.
func (s *BackupService) Verify(ctx context.Context, id uuid.UUID) error {
	b, err := s.backups.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != store.BackupCompleted {
		return errs.InvalidState("only completed backups can be verified").WithEntity(id)
	}
	size, checksum, err := s.snaps.Stat(ctx, b.Location)
	if err != nil {
		return errs.Transient("backup artifact is unreadable", err).WithEntity(id)
	}
	if size <= 0 {
		return errs.InvalidState("backup artifact is empty").WithEntity(id)
	}
	if checksum != b.Checksum {
		return errs.InvalidState("backup checksum mismatch").WithEntity(id)
	}
	return nil
}

// List returns the tenant's backup records
func (s *BackupService) List(ctx context.Context) ([]*store.Backup, error) {
	return s.backups.List(ctx)
}
