package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/notify"
)

var (
	// ErrInputRejected indicates the input key matched no allowed pattern.
	ErrInputRejected = errors.New("input rejected")

	// ErrInvalidRequest indicates a submission is missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
)

// SubmitRequest describes a new job.
type SubmitRequest struct {
	UserID     string `json:"user_id"`
	Bucket     string `json:"input_bucket,omitempty"`
	Key        string `json:"input_key"`
	JobID      string `json:"job_id,omitempty"`
	Recipients string `json:"recipients,omitempty"`
	UserRole   string `json:"user_role,omitempty"`
}

// Submitter creates PENDING job records and publishes submission messages.
type Submitter struct {
	Store         jobstore.Store
	Publisher     notify.Publisher
	RequestsTopic string

	// InputsBucket is used when a request names no bucket.
	InputsBucket string

	// AllowedPatterns are doublestar globs an input key must match.
	// Empty allows every key.
	AllowedPatterns []string

	Clock  Clock
	Logger *zap.Logger
}

// ValidatePatterns checks that every allowed pattern is well formed.
func ValidatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid input pattern %q", p)
		}
	}
	return nil
}

// Allowed reports whether key matches an allowed pattern.
func (s *Submitter) Allowed(key string) bool {
	if len(s.AllowedPatterns) == 0 {
		return true
	}
	for _, p := range s.AllowedPatterns {
		if ok, err := doublestar.Match(p, key); err == nil && ok {
			return true
		}
	}
	return false
}

// Submit creates the job record and publishes it. The job id comes from
// the request, then from a "<user>/<job_id>~<file>" key, then a new uuid.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*jobstore.Job, error) {
	userID := strings.TrimSpace(req.UserID)
	key := strings.TrimSpace(req.Key)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: input_key is required", ErrInvalidRequest)
	}
	if !s.Allowed(key) {
		return nil, fmt.Errorf("%w: %s", ErrInputRejected, key)
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = s.InputsBucket
	}
	if bucket == "" {
		return nil, fmt.Errorf("%w: input bucket is required", ErrInvalidRequest)
	}

	jobID := strings.TrimSpace(req.JobID)
	fileName := path.Base(key)
	if keyUser, keyJob, keyFile, ok := ParseInputKey(key); ok {
		if jobID == "" {
			jobID = keyJob
		}
		if keyUser != userID {
			return nil, fmt.Errorf("%w: key %s belongs to another user", ErrInputRejected, key)
		}
		fileName = keyFile
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}

	job := &jobstore.Job{
		JobID:         jobID,
		UserID:        userID,
		InputFileName: fileName,
		InputLocation: jobstore.Location{Bucket: bucket, Key: key},
		SubmitTime:    s.Clock.now().Unix(),
		Status:        jobstore.StatusPending,
		Recipients:    req.Recipients,
		UserRole:      req.UserRole,
	}
	if err := s.Store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job %s: %w", jobID, err)
	}

	if err := publish(ctx, s.Publisher, s.RequestsTopic, "requests", NewSubmissionMessage(job), nil); err != nil {
		// The record exists; the reconciler republishes stale PENDING jobs.
		return job, fmt.Errorf("publish submission for %s: %w", jobID, err)
	}

	logger(s.Logger).Info("Job submitted",
		zap.String("job_id", job.JobID),
		zap.String("user_id", job.UserID),
		zap.String("input", job.InputLocation.String()))
	return job, nil
}

// RequestRestore publishes a restore request for userID.
func RequestRestore(ctx context.Context, pub notify.Publisher, topic, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	return publish(ctx, pub, topic, "restore", RestoreRequest{UserID: userID}, nil)
}

func logger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
