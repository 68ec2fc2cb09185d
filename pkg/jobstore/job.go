// Package jobstore defines the job record and the conditional key-value
// store that every pipeline stage coordinates through.
//
// The store is the only shared mutable resource in the pipeline. All
// mutations are single-record conditional writes; a write whose condition
// does not hold is rejected, never merged.
package jobstore

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// Status is the lifecycle status of a job.
//
// NOTE: These values are persisted and published on the wire; they are part
// of the stable record contract.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
)

// Rank orders statuses PENDING < RUNNING < COMPLETED.
// Unknown statuses rank 0.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	case StatusCompleted:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Rank() > 0
}

// Before reports whether s precedes other in the lifecycle.
func (s Status) Before(other Status) bool {
	return s.Rank() < other.Rank()
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", v)
	}
	return s, nil
}

// Location references an object in the hot tier.
type Location struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// IsZero reports whether the location is unset.
func (l Location) IsZero() bool {
	return l.Bucket == "" && l.Key == ""
}

// String renders the location as an s3 URI.
func (l Location) String() string {
	if l.IsZero() {
		return ""
	}
	return "s3://" + l.Bucket + "/" + strings.TrimPrefix(l.Key, "/")
}

// Base returns the final path element of the key.
func (l Location) Base() string {
	return path.Base(l.Key)
}

// Job is the persistent job record.
//
// Timestamps are unix seconds. The same tags drive JSON and DynamoDB
// attribute names.
type Job struct {
	JobID         string   `json:"job_id"`
	UserID        string   `json:"user_id"`
	InputFileName string   `json:"input_file_name"`
	InputLocation Location `json:"input_location"`
	SubmitTime    int64    `json:"submit_time"`
	Status        Status   `json:"job_status"`

	// RunTime is the time of the most recent RUNNING claim.
	RunTime  int64 `json:"run_time,omitempty"`
	Attempts int   `json:"attempts,omitempty"`

	// RepublishTime is when the reconciler last republished the submission
	// message of a PENDING job.
	RepublishTime int64 `json:"republish_time,omitempty"`
	Republishes   int   `json:"republishes,omitempty"`

	CompleteTime   int64     `json:"complete_time,omitempty"`
	ResultLocation *Location `json:"result_location,omitempty"`
	LogLocation    *Location `json:"log_location,omitempty"`

	// ResultArchiveID is present iff the result currently lives in the cold tier.
	ResultArchiveID string `json:"result_archive_id,omitempty"`
	RestoreTime     int64  `json:"restore_time,omitempty"`

	Recipients string `json:"recipients,omitempty"`
	UserRole   string `json:"user_role,omitempty"`
}

// Archived reports whether the result currently lives in the cold tier.
func (j *Job) Archived() bool {
	return j != nil && j.ResultArchiveID != ""
}

// SubmittedAt returns SubmitTime as a time.Time.
func (j *Job) SubmittedAt() time.Time {
	return time.Unix(j.SubmitTime, 0).UTC()
}

// CompletedAt returns CompleteTime as a time.Time, or the zero time.
func (j *Job) CompletedAt() time.Time {
	if j.CompleteTime == 0 {
		return time.Time{}
	}
	return time.Unix(j.CompleteTime, 0).UTC()
}

// Validate checks the fields required to create a record.
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("job record is nil")
	}
	if strings.TrimSpace(j.JobID) == "" {
		return fmt.Errorf("job_id is required")
	}
	if strings.TrimSpace(j.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if j.InputLocation.Key == "" {
		return fmt.Errorf("input_location.key is required")
	}
	if !j.Status.Valid() {
		return fmt.Errorf("invalid job_status %q", j.Status)
	}
	return nil
}
