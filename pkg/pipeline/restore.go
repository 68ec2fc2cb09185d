package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/metrics"
	"github.com/3leaps/jobvault/pkg/queue"
)

// RetrievalRequest is one retrieval the restorer started.
type RetrievalRequest struct {
	JobID       string         `json:"job_id"`
	ArchiveID   string         `json:"archive_id"`
	RetrievalID string         `json:"retrieval_id"`
	Tier        coldstore.Tier `json:"tier"`
}

// RetrievalFailure is one archive the restorer could not request.
type RetrievalFailure struct {
	JobID     string `json:"job_id"`
	ArchiveID string `json:"archive_id"`
	Error     string `json:"error"`
}

// RestoreSummary reports what a restore request did.
type RestoreSummary struct {
	UserID    string             `json:"user_id"`
	Requested []RetrievalRequest `json:"requested"`
	Failed    []RetrievalFailure `json:"failed,omitempty"`
	Skipped   int                `json:"skipped"`
}

// Restorer requests cold-tier retrievals for every archived job of a user,
// expedited first with a standard fallback.
type Restorer struct {
	Store jobstore.Store
	Vault coldstore.Vault

	// Limiter paces retrieval requests. Nil means unlimited.
	Limiter *rate.Limiter

	Logger *zap.Logger
}

var _ consumer.Handler = (*Restorer)(nil)

// Handle acknowledges the message once every archived job has been tried;
// individual retrieval failures are logged, not retried.
func (r *Restorer) Handle(ctx context.Context, msg queue.Message) error {
	m, err := decodeRestoreRequest(msg)
	if err != nil {
		return err
	}
	_, err = r.Restore(ctx, m.UserID)
	return err
}

// Restore starts retrievals for userID's archived jobs. Only a failed job
// lookup is returned as an error.
func (r *Restorer) Restore(ctx context.Context, userID string) (*RestoreSummary, error) {
	log := logger(r.Logger).With(zap.String("user_id", userID))

	jobs, err := r.Store.QueryByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query jobs for %s: %w", userID, err)
	}

	summary := &RestoreSummary{UserID: userID}
	for _, job := range jobs {
		if !job.Archived() {
			summary.Skipped++
			continue
		}
		if r.Limiter != nil {
			if err := r.Limiter.Wait(ctx); err != nil {
				return summary, err
			}
		}

		retrievalID, tier, err := r.retrieve(ctx, job.ResultArchiveID)
		if err != nil {
			log.Error("Retrieval request failed",
				zap.String("job_id", job.JobID),
				zap.String("archive_id", job.ResultArchiveID),
				zap.Error(err))
			summary.Failed = append(summary.Failed, RetrievalFailure{
				JobID: job.JobID, ArchiveID: job.ResultArchiveID, Error: err.Error(),
			})
			continue
		}
		log.Info("Retrieval requested",
			zap.String("job_id", job.JobID),
			zap.String("archive_id", job.ResultArchiveID),
			zap.String("retrieval_id", retrievalID),
			zap.String("tier", string(tier)))
		summary.Requested = append(summary.Requested, RetrievalRequest{
			JobID: job.JobID, ArchiveID: job.ResultArchiveID, RetrievalID: retrievalID, Tier: tier,
		})
	}

	log.Info("Restore processed",
		zap.Int("requested", len(summary.Requested)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("skipped", summary.Skipped))
	return summary, nil
}

// retrieve requests an expedited retrieval, falling back to standard only
// when the expedited tier lacks capacity.
func (r *Restorer) retrieve(ctx context.Context, archiveID string) (string, coldstore.Tier, error) {
	id, err := r.Vault.InitiateRetrieval(ctx, archiveID, coldstore.TierExpedited)
	if err == nil {
		metrics.IncRetrieval(string(coldstore.TierExpedited), "ok")
		return id, coldstore.TierExpedited, nil
	}
	if !errors.Is(err, coldstore.ErrInsufficientCapacity) {
		metrics.IncRetrieval(string(coldstore.TierExpedited), "error")
		return "", "", err
	}
	metrics.IncRetrieval(string(coldstore.TierExpedited), "insufficient_capacity")

	id, err = r.Vault.InitiateRetrieval(ctx, archiveID, coldstore.TierStandard)
	if err != nil {
		metrics.IncRetrieval(string(coldstore.TierStandard), "error")
		return "", "", err
	}
	metrics.IncRetrieval(string(coldstore.TierStandard), "ok")
	return id, coldstore.TierStandard, nil
}
