package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/queue"
	"github.com/3leaps/jobvault/pkg/staging"
)

// LaunchRequest is what an execution needs to start.
type LaunchRequest struct {
	Job       jobstore.Job
	InputPath string
}

// Launcher starts an execution without waiting for it to finish.
type Launcher interface {
	Launch(ctx context.Context, req LaunchRequest) error
}

// Submission claims PENDING jobs and launches their execution.
type Submission struct {
	Store    jobstore.Store
	Blobs    Blobs
	Staging  *staging.Area
	Launcher Launcher
	Clock    Clock
	Logger   *zap.Logger
}

var _ consumer.Handler = (*Submission)(nil)

// Handle stages the input, claims the job, then launches it. The message is
// acknowledged only once the launch call itself succeeded.
//
// A claim whose launch fails stays RUNNING and the error leaves the message
// for redelivery; the Reconciler returns the job to PENDING once its
// run_time is older than the running grace.
func (s *Submission) Handle(ctx context.Context, msg queue.Message) error {
	m, err := decodeSubmission(msg)
	if err != nil {
		return err
	}
	log := logger(s.Logger).With(zap.String("job_id", m.JobID), zap.String("user_id", m.UserID))

	job, err := s.Store.Get(ctx, m.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		return consumer.Missing("job %s has no record", m.JobID)
	}
	if err != nil {
		return fmt.Errorf("get job %s: %w", m.JobID, err)
	}
	if job.Status != jobstore.StatusPending {
		return consumer.AlreadyHandled("job %s is %s", job.JobID, job.Status)
	}

	tmp, err := s.stageInput(ctx, job)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	runTime := s.Clock.now().Unix()
	res, err := s.Store.Update(ctx, job.JobID,
		jobstore.Condition{Status: jobstore.StatusPending},
		jobstore.Update{Status: jobstore.StatusRunning, RunTime: runTime, IncAttempts: true, ClearRepublishes: true})
	if err != nil {
		return fmt.Errorf("claim job %s: %w", job.JobID, err)
	}
	recordTransition("claim", res)
	switch res {
	case jobstore.ConditionFailed:
		return consumer.AlreadyHandled("job %s was claimed by another delivery", job.JobID)
	case jobstore.NotFound:
		return consumer.Missing("job %s disappeared before claim", job.JobID)
	}

	inputPath, err := s.Staging.InputPath(job.UserID, job.JobID, job.InputFileName)
	if err == nil {
		err = os.Rename(tmp, inputPath)
	}
	if err != nil {
		return fmt.Errorf("place staged input for %s: %w", job.JobID, err)
	}

	job.Status = jobstore.StatusRunning
	job.RunTime = runTime
	job.Attempts++
	if err := s.Launcher.Launch(ctx, LaunchRequest{Job: *job, InputPath: inputPath}); err != nil {
		log.Warn("Launch failed, claim left for the reconciler", zap.Error(err))
		return fmt.Errorf("launch job %s: %w", job.JobID, err)
	}

	log.Info("Job launched", zap.String("input_path", inputPath), zap.Int("attempt", job.Attempts))
	return nil
}

// stageInput downloads the input into the job's staging directory under a
// temporary name and returns its path.
func (s *Submission) stageInput(ctx context.Context, job *jobstore.Job) (string, error) {
	dir, err := s.Staging.Prepare(job.UserID, job.JobID)
	if err != nil {
		return "", fmt.Errorf("prepare staging for %s: %w", job.JobID, err)
	}

	loc := job.InputLocation
	rc, size, err := s.Blobs.Get(ctx, loc.Bucket, loc.Key)
	if err != nil {
		// Left for redelivery; the dead-letter policy bounds retries of
		// a genuinely missing input.
		return "", fmt.Errorf("fetch input %s: %w", loc, err)
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(dir, ".input-*")
	if err != nil {
		return "", fmt.Errorf("create staged input: %w", err)
	}
	n, copyErr := io.Copy(f, rc)
	closeErr := f.Close()
	if copyErr == nil && closeErr == nil && size >= 0 && n != size {
		copyErr = fmt.Errorf("short read: got %d of %d bytes", n, size)
	}
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("stage input %s: %w", loc, errors.Join(copyErr, closeErr))
	}
	return f.Name(), nil
}
