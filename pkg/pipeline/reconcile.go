package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/notify"
)

// Default reconciler settings.
const (
	DefaultReconcileInterval = time.Minute
	DefaultRunningGrace      = 30 * time.Minute
	DefaultPendingGrace      = 5 * time.Minute
	DefaultMaxAttempts       = 3
)

// Reconciler is the periodic sweep outside the consumers' hot path that
// recovers jobs orphaned by crashed executions or lost messages.
//
// Every republish is preceded by a conditional write of republish_time, so
// concurrent sweeps publish a job at most once per grace window.
type Reconciler struct {
	Store         jobstore.Store
	Publisher     notify.Publisher
	RequestsTopic string

	// ArchiveTopic receives archive requests for completed jobs whose
	// original request was lost. Empty disables that pass.
	ArchiveTopic string
	Policy       Policy

	// RunningGrace is how long a RUNNING claim may last before the job is
	// returned to PENDING.
	RunningGrace time.Duration

	// PendingGrace is how long a published message may go unhandled
	// before it is published again.
	PendingGrace time.Duration

	// MaxAttempts caps both RUNNING requeues and republishes per job.
	// Zero disables the cap.
	MaxAttempts int

	PublishRetry *PublishRetry
	Clock        Clock
	Logger       *zap.Logger
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Requeued    int `json:"requeued"`
	Republished int `json:"republished"`
	Rearchived  int `json:"rearchived"`
	Stuck       int `json:"stuck"`
	Failed      int `json:"failed"`
}

type sweepAction int

const (
	actionNone sweepAction = iota
	actionRequeued
	actionRepublished
	actionRearchived
	actionStuck
)

func (s *SweepResult) add(a sweepAction) {
	switch a {
	case actionRequeued:
		s.Requeued++
	case actionRepublished:
		s.Republished++
	case actionRearchived:
		s.Rearchived++
	case actionStuck:
		s.Stuck++
	}
}

// Sweep runs one reconciliation pass. A failure on one job is logged and
// the sweep moves on; the returned error joins every failure.
func (r *Reconciler) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)
	log := logger(r.Logger)
	now := r.Clock.now()

	type pass struct {
		status jobstore.Status
		fn     func(context.Context, *jobstore.Job, time.Time) (sweepAction, error)
	}
	// Pending first, so jobs requeued below are not published twice.
	passes := []pass{
		{jobstore.StatusPending, r.republishPending},
		{jobstore.StatusRunning, r.requeueRunning},
	}
	if r.ArchiveTopic != "" {
		passes = append(passes, pass{jobstore.StatusCompleted, r.rearchive})
	}

	for _, p := range passes {
		jobs, err := r.Store.ListByStatus(ctx, p.status)
		if err != nil {
			log.Error("Failed to list jobs", zap.Stringer("status", p.status), zap.Error(err))
			errs = append(errs, fmt.Errorf("list %s jobs: %w", p.status, err))
			continue
		}
		for i := range jobs {
			job := &jobs[i]
			action, err := p.fn(ctx, job, now)
			if err != nil {
				result.Failed++
				log.Error("Failed to reconcile job",
					zap.String("job_id", job.JobID),
					zap.Stringer("status", p.status),
					zap.Error(err))
				errs = append(errs, err)
				continue
			}
			result.add(action)
		}
	}

	return result, errors.Join(errs...)
}

// republishPending publishes the submission message of a job that has sat
// PENDING for a full grace window since submission or its last republish.
func (r *Reconciler) republishPending(ctx context.Context, job *jobstore.Job, now time.Time) (sweepAction, error) {
	since := max(job.SubmitTime, job.RepublishTime)
	ok, action, err := r.stampRepublish(ctx, job, since, now,
		jobstore.Condition{Status: jobstore.StatusPending})
	if !ok {
		return action, err
	}
	if err := publish(ctx, r.Publisher, r.RequestsTopic, "requests", NewSubmissionMessage(job), r.PublishRetry); err != nil {
		return actionNone, fmt.Errorf("republish %s: %w", job.JobID, err)
	}
	logger(r.Logger).Info("Republished stale pending job",
		zap.String("job_id", job.JobID),
		zap.Int("republishes", job.Republishes+1))
	return actionRepublished, nil
}

// requeueRunning returns a job whose claim outlived RunningGrace to
// PENDING and publishes it again.
func (r *Reconciler) requeueRunning(ctx context.Context, job *jobstore.Job, now time.Time) (sweepAction, error) {
	if job.RunTime == 0 || now.Sub(time.Unix(job.RunTime, 0)) < r.runningGrace() {
		return actionNone, nil
	}
	log := logger(r.Logger).With(zap.String("job_id", job.JobID))
	if r.MaxAttempts > 0 && job.Attempts >= r.MaxAttempts {
		log.Warn("Job exceeded max attempts, leaving RUNNING", zap.Int("attempts", job.Attempts))
		return actionStuck, nil
	}

	// The requeue stamps republish_time so the pending pass of the next
	// sweep does not publish the job again.
	res, err := r.Store.Update(ctx, job.JobID,
		jobstore.Condition{Status: jobstore.StatusRunning, RunTime: job.RunTime},
		jobstore.Update{Status: jobstore.StatusPending, ClearRunTime: true, RepublishTime: now.Unix()})
	if err != nil {
		return actionNone, fmt.Errorf("requeue %s: %w", job.JobID, err)
	}
	recordTransition("requeue", res)
	if res != jobstore.Updated {
		return actionNone, nil
	}
	job.Status = jobstore.StatusPending
	if err := publish(ctx, r.Publisher, r.RequestsTopic, "requests", NewSubmissionMessage(job), r.PublishRetry); err != nil {
		// Still PENDING; the pending pass republishes it after a grace window.
		return actionNone, fmt.Errorf("publish requeued %s: %w", job.JobID, err)
	}
	log.Warn("Requeued orphaned running job", zap.Time("run_time", time.Unix(job.RunTime, 0).UTC()))
	return actionRequeued, nil
}

// rearchive publishes an archive request for a completed job whose role
// requires archival but whose result is still only in the hot tier.
// Restored jobs stay hot and are skipped.
func (r *Reconciler) rearchive(ctx context.Context, job *jobstore.Job, now time.Time) (sweepAction, error) {
	if !r.Policy.RequiresArchive(job.UserRole) || job.ResultLocation == nil || job.Archived() || job.RestoreTime != 0 {
		return actionNone, nil
	}
	since := max(job.CompleteTime, job.RepublishTime)
	ok, action, err := r.stampRepublish(ctx, job, since, now,
		jobstore.Condition{Status: jobstore.StatusCompleted, NoArchive: true})
	if !ok {
		return action, err
	}
	if err := publish(ctx, r.Publisher, r.ArchiveTopic, "archive", ArchiveRequest{JobID: job.JobID}, r.PublishRetry); err != nil {
		return actionNone, fmt.Errorf("republish archive request for %s: %w", job.JobID, err)
	}
	logger(r.Logger).Warn("Republished archive request",
		zap.String("job_id", job.JobID),
		zap.Int("republishes", job.Republishes+1))
	return actionRearchived, nil
}

// stampRepublish records a republish of job if a full grace window has
// passed since the given unix time. ok is true only when this call won the
// conditional write and the caller should publish.
func (r *Reconciler) stampRepublish(ctx context.Context, job *jobstore.Job, since int64, now time.Time, cond jobstore.Condition) (bool, sweepAction, error) {
	grace := r.pendingGrace()
	if now.Sub(time.Unix(since, 0)) < grace {
		return false, actionNone, nil
	}
	if r.MaxAttempts > 0 && job.Republishes >= r.MaxAttempts {
		logger(r.Logger).Warn("Job exceeded max republishes",
			zap.String("job_id", job.JobID),
			zap.Stringer("status", job.Status),
			zap.Int("republishes", job.Republishes))
		return false, actionStuck, nil
	}

	cond.RepublishedBefore = now.Add(-grace).Unix() + 1
	res, err := r.Store.Update(ctx, job.JobID, cond,
		jobstore.Update{RepublishTime: now.Unix(), IncRepublishes: true})
	if err != nil {
		return false, actionNone, fmt.Errorf("stamp republish of %s: %w", job.JobID, err)
	}
	recordTransition("republish", res)
	return res == jobstore.Updated, actionNone, nil
}

func (r *Reconciler) pendingGrace() time.Duration {
	if r.PendingGrace <= 0 {
		return DefaultPendingGrace
	}
	return r.PendingGrace
}

func (r *Reconciler) runningGrace() time.Duration {
	if r.RunningGrace <= 0 {
		return DefaultRunningGrace
	}
	return r.RunningGrace
}

// Start sweeps every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReconcileInterval
	}
	log := logger(r.Logger)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := r.Sweep(ctx)
		if err != nil {
			log.Error("Reconcile sweep had failures", zap.Int("failed", res.Failed), zap.Error(err))
		}
		if res != (SweepResult{}) {
			log.Info("Reconcile sweep",
				zap.Int("requeued", res.Requeued),
				zap.Int("republished", res.Republished),
				zap.Int("rearchived", res.Rearchived),
				zap.Int("stuck", res.Stuck),
				zap.Int("failed", res.Failed))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
