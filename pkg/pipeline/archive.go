package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/metrics"
	"github.com/3leaps/jobvault/pkg/provider"
	"github.com/3leaps/jobvault/pkg/queue"
)

// Archiver moves completed results from the hot tier to the cold tier.
//
// Order: upload to the vault, record the archive id, delete the hot copy.
// A crash at any point leaves at least one referenced copy; the worst case
// is an unreferenced duplicate archive.
type Archiver struct {
	Store jobstore.Store
	Blobs Blobs
	Vault coldstore.Vault

	// MaxMemoryBytes bounds in-memory buffering of a result before upload.
	MaxMemoryBytes int64

	Logger *zap.Logger
}

var _ consumer.Handler = (*Archiver)(nil)

func (a *Archiver) Handle(ctx context.Context, msg queue.Message) error {
	m, err := decodeArchiveRequest(msg)
	if err != nil {
		return err
	}
	return a.Archive(ctx, m.JobID)
}

// Archive moves one job's result to the cold tier.
func (a *Archiver) Archive(ctx context.Context, jobID string) error {
	log := logger(a.Logger).With(zap.String("job_id", jobID))

	job, err := a.Store.Get(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return consumer.Missing("job %s has no record", jobID)
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", jobID, err)
	}
	if job.Status != jobstore.StatusCompleted {
		return fmt.Errorf("job %s is %s, not yet archivable", jobID, job.Status)
	}
	if job.RestoreTime != 0 {
		return consumer.AlreadyHandled("job %s was restored and stays in the hot tier", jobID)
	}
	if job.ResultLocation == nil {
		return consumer.Missing("job %s has no result location", jobID)
	}
	loc := *job.ResultLocation

	if job.Archived() {
		// A previous delivery recorded the archive but may have crashed
		// before removing the hot copy.
		if err := a.Blobs.Delete(ctx, loc.Bucket, loc.Key); err != nil {
			return fmt.Errorf("delete archived hot copy %s: %w", loc, err)
		}
		return consumer.AlreadyHandled("job %s already archived as %s", jobID, job.ResultArchiveID)
	}

	rc, size, err := a.Blobs.Get(ctx, loc.Bucket, loc.Key)
	if provider.IsNotFound(err) {
		return consumer.AlreadyHandled("result %s no longer in hot tier", loc)
	}
	if err != nil {
		return fmt.Errorf("read result %s: %w", loc, err)
	}
	body, err := coldstore.Spool(rc, size, a.MaxMemoryBytes)
	if err != nil {
		return fmt.Errorf("buffer result %s: %w", loc, err)
	}
	defer func() { _ = body.Close() }()

	archiveID, err := a.Vault.Upload(ctx, body.Reader(), "job_id="+jobID)
	if err != nil {
		return fmt.Errorf("upload %s to vault %s: %w", loc, a.Vault.Name(), err)
	}
	log = log.With(zap.String("archive_id", archiveID))

	res, err := a.Store.Update(ctx, jobID,
		jobstore.Condition{Status: jobstore.StatusCompleted, NoArchive: true},
		jobstore.Update{ArchiveID: archiveID})
	if err != nil {
		// The write may still have applied, so the new archive is kept.
		return fmt.Errorf("record archive for %s: %w", jobID, err)
	}
	recordTransition("archive", res)
	switch res {
	case jobstore.ConditionFailed:
		a.discard(ctx, archiveID, log)
		return consumer.AlreadyHandled("job %s archived by another delivery", jobID)
	case jobstore.NotFound:
		a.discard(ctx, archiveID, log)
		return consumer.Missing("job %s disappeared during archival", jobID)
	}

	if err := a.Blobs.Delete(ctx, loc.Bucket, loc.Key); err != nil {
		return fmt.Errorf("delete hot copy %s: %w", loc, err)
	}

	metrics.AddArchivedBytes(body.Size())
	log.Info("Result archived", zap.String("result", loc.String()), zap.Int64("bytes", body.Size()))
	return nil
}

// discard deletes an archive no record references.
func (a *Archiver) discard(ctx context.Context, archiveID string, log *zap.Logger) {
	if err := a.Vault.Delete(ctx, archiveID); err != nil {
		log.Warn("Failed to delete unreferenced archive", zap.Error(err))
	}
}
