package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/notify"
	"github.com/3leaps/jobvault/pkg/staging"
)

// FinalizeRequest identifies a finished execution.
type FinalizeRequest struct {
	JobID     string
	InputPath string

	// Recipients and UserRole override the values on the record when set.
	Recipients string
	UserRole   string
}

// Finalizer is the terminal step of an execution: upload artifacts, mark
// the job COMPLETED, clean up, and notify.
type Finalizer struct {
	Store         jobstore.Store
	Blobs         Blobs
	Publisher     notify.Publisher
	Topics        Topics
	ResultsBucket string
	Naming        Naming
	Policy        Policy
	Staging       *staging.Area
	PublishRetry  *PublishRetry
	Clock         Clock
	Logger        *zap.Logger
}

// Finalize completes a job. Notifications are published only when this
// call performed the RUNNING to COMPLETED transition, so a duplicate
// finalization never triggers a second archival.
func (f *Finalizer) Finalize(ctx context.Context, req FinalizeRequest) (jobstore.UpdateResult, error) {
	job, err := f.Store.Get(ctx, req.JobID)
	if err != nil {
		return 0, fmt.Errorf("get job %s: %w", req.JobID, err)
	}
	recipients := firstNonEmpty(req.Recipients, job.Recipients)
	role := firstNonEmpty(req.UserRole, job.UserRole)
	log := logger(f.Logger).With(zap.String("job_id", job.JobID), zap.String("user_id", job.UserID))

	bucket := f.ResultsBucket
	if bucket == "" {
		bucket = job.InputLocation.Bucket
	}
	resultLoc := jobstore.Location{Bucket: bucket, Key: f.Naming.ResultKey(job.InputLocation.Key)}
	logLoc := jobstore.Location{Bucket: bucket, Key: f.Naming.LogKey(job.InputLocation.Key)}

	if err := f.upload(ctx, f.Naming.ResultPath(req.InputPath), resultLoc); err != nil {
		return 0, err
	}
	if err := f.upload(ctx, f.Naming.LogPath(req.InputPath), logLoc); err != nil {
		return 0, err
	}

	res, err := f.Store.Update(ctx, job.JobID,
		jobstore.Condition{Status: jobstore.StatusRunning},
		jobstore.Update{
			Status:           jobstore.StatusCompleted,
			CompleteTime:     f.Clock.now().Unix(),
			ResultLocation:   &resultLoc,
			LogLocation:      &logLoc,
			ClearRepublishes: true,
		})
	if err != nil {
		return 0, fmt.Errorf("complete job %s: %w", job.JobID, err)
	}
	recordTransition("finalize", res)

	if f.Staging != nil {
		if err := f.Staging.Remove(job.UserID, job.JobID); err != nil {
			log.Warn("Failed to remove staging files", zap.Error(err))
		}
	}

	if res != jobstore.Updated {
		log.Info("Job already finalized, skipping notifications", zap.Stringer("result", res))
		return res, nil
	}

	// The record is COMPLETED from here on; a lost archive request is
	// republished by the Reconciler.
	var errs []error
	if err := publish(ctx, f.Publisher, f.Topics.Results, "results",
		ResultsNotice{JobID: job.JobID, Recipients: recipients}, f.PublishRetry); err != nil {
		log.Error("Failed to publish results notice", zap.Error(err))
		errs = append(errs, fmt.Errorf("publish results notice for %s: %w", job.JobID, err))
	}
	if f.Policy.RequiresArchive(role) {
		if err := publish(ctx, f.Publisher, f.Topics.Archive, "archive",
			ArchiveRequest{JobID: job.JobID}, f.PublishRetry); err != nil {
			log.Error("Failed to publish archive request after completion", zap.Error(err))
			errs = append(errs, fmt.Errorf("publish archive request for %s: %w", job.JobID, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return res, err
	}

	log.Info("Job completed",
		zap.String("result", resultLoc.String()),
		zap.String("role", role),
		zap.Bool("archive", f.Policy.RequiresArchive(role)))
	return res, nil
}

func (f *Finalizer) upload(ctx context.Context, localPath string, loc jobstore.Location) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = file.Close() }()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if err := f.Blobs.Put(ctx, loc.Bucket, loc.Key, file, info.Size()); err != nil {
		return fmt.Errorf("upload artifact to %s: %w", loc, err)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
