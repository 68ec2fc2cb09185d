package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/queue"
)

// Thawer copies completed retrievals back into the hot tier.
//
// Order: write the hot copy, clear the archive id (guarded on it), delete
// the archive. The record never points at a deleted archive.
type Thawer struct {
	Store jobstore.Store
	Blobs Blobs
	Vault coldstore.Vault

	// MaxMemoryBytes bounds in-memory buffering of retrieved bytes.
	MaxMemoryBytes int64

	Clock  Clock
	Logger *zap.Logger
}

var _ consumer.Handler = (*Thawer)(nil)

func (t *Thawer) Handle(ctx context.Context, msg queue.Message) error {
	notice, err := coldstore.ParseNotice(msg.Payload())
	if err != nil {
		return malformed("message %s: %v", msg.ID, err)
	}
	return t.Thaw(ctx, notice)
}

// Thaw restores the result referenced by a completed retrieval.
func (t *Thawer) Thaw(ctx context.Context, notice coldstore.Notice) error {
	log := logger(t.Logger).With(
		zap.String("archive_id", notice.ArchiveID),
		zap.String("retrieval_id", notice.JobID))

	if !notice.Succeeded() {
		return consumer.Missing("retrieval %s finished with status %s", notice.JobID, notice.StatusCode)
	}

	job, err := t.owner(ctx, notice.ArchiveID)
	if err != nil {
		return err
	}
	log = log.With(zap.String("job_id", job.JobID), zap.String("user_id", job.UserID))
	if job.ResultLocation == nil {
		return consumer.Missing("job %s has no result location", job.JobID)
	}
	loc := *job.ResultLocation

	rc, err := t.Vault.RetrievalOutput(ctx, notice.JobID)
	if errors.Is(err, coldstore.ErrNotFound) {
		return consumer.Missing("retrieval %s output expired", notice.JobID)
	}
	if err != nil {
		return fmt.Errorf("read retrieval %s: %w", notice.JobID, err)
	}
	body, err := coldstore.Spool(rc, -1, t.MaxMemoryBytes)
	if err != nil {
		return fmt.Errorf("buffer retrieval %s: %w", notice.JobID, err)
	}
	defer func() { _ = body.Close() }()

	if err := t.Blobs.Put(ctx, loc.Bucket, loc.Key, body.Reader(), body.Size()); err != nil {
		return fmt.Errorf("restore %s: %w", loc, err)
	}

	res, err := t.Store.Update(ctx, job.JobID,
		jobstore.Condition{ArchiveID: notice.ArchiveID},
		jobstore.Update{ClearArchiveID: true, RestoreTime: t.Clock.now().Unix()})
	if err != nil {
		return fmt.Errorf("clear archive for %s: %w", job.JobID, err)
	}
	recordTransition("thaw", res)
	switch res {
	case jobstore.ConditionFailed:
		return consumer.AlreadyHandled("job %s no longer references archive %s", job.JobID, notice.ArchiveID)
	case jobstore.NotFound:
		return consumer.Missing("job %s disappeared during thaw", job.JobID)
	}

	// The record no longer references the archive; a failed delete only
	// leaks an unreferenced cold copy.
	if err := t.Vault.Delete(ctx, notice.ArchiveID); err != nil {
		log.Warn("Failed to delete restored archive", zap.Error(err))
	}

	log.Info("Result restored", zap.String("result", loc.String()), zap.Int64("bytes", body.Size()))
	return nil
}

// owner finds the job referencing archiveID. The archive index may lag, so
// the match is confirmed with a consistent read.
func (t *Thawer) owner(ctx context.Context, archiveID string) (*jobstore.Job, error) {
	jobs, err := t.Store.QueryByArchiveID(ctx, archiveID)
	if err != nil {
		return nil, fmt.Errorf("look up archive %s: %w", archiveID, err)
	}
	if len(jobs) == 0 {
		return nil, consumer.AlreadyHandled("no job references archive %s", archiveID)
	}

	job, err := t.Store.Get(ctx, jobs[0].JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil, consumer.Missing("job %s has no record", jobs[0].JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobs[0].JobID, err)
	}
	if job.ResultArchiveID != archiveID {
		return nil, consumer.AlreadyHandled("job %s no longer references archive %s", job.JobID, archiveID)
	}
	return job, nil
}
