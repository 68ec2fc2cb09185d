package pipeline

import (
	"encoding/json"
	"strings"

	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/queue"
)

// SubmissionMessage is published to the requests topic for every new job.
type SubmissionMessage struct {
	JobID         string            `json:"job_id"`
	UserID        string            `json:"user_id"`
	InputFileName string            `json:"input_file_name"`
	InputLocation jobstore.Location `json:"input_location"`
	SubmitTime    int64             `json:"submit_time"`
	JobStatus     jobstore.Status   `json:"job_status"`
	Recipients    string            `json:"recipients,omitempty"`
	UserRole      string            `json:"user_role,omitempty"`
}

// NewSubmissionMessage builds the submission message for job.
func NewSubmissionMessage(job *jobstore.Job) SubmissionMessage {
	return SubmissionMessage{
		JobID:         job.JobID,
		UserID:        job.UserID,
		InputFileName: job.InputFileName,
		InputLocation: job.InputLocation,
		SubmitTime:    job.SubmitTime,
		JobStatus:     jobstore.StatusPending,
		Recipients:    job.Recipients,
		UserRole:      job.UserRole,
	}
}

// UnmarshalJSON also accepts the flat bucket/key fields older web tiers send.
func (m *SubmissionMessage) UnmarshalJSON(b []byte) error {
	type plain SubmissionMessage
	var raw struct {
		plain
		InputsBucket string `json:"s3_inputs_bucket"`
		InputKey     string `json:"s3_key_input_file"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = SubmissionMessage(raw.plain)
	if m.InputLocation.IsZero() {
		m.InputLocation = jobstore.Location{Bucket: raw.InputsBucket, Key: raw.InputKey}
	}
	return nil
}

// ResultsNotice is published when a job completes.
type ResultsNotice struct {
	JobID      string `json:"job_id"`
	Recipients string `json:"recipients,omitempty"`
}

// ArchiveRequest asks the archival stage to move a job's result.
type ArchiveRequest struct {
	JobID string `json:"job_id"`
}

// RestoreRequest asks the restoration stage to thaw a user's results.
type RestoreRequest struct {
	UserID string `json:"user_id"`
}

// decode unmarshals msg into v and reports malformed payloads as missing
// data, since redelivery cannot fix them.
func decode[T any](msg queue.Message, required func(*T) string) (*T, error) {
	var v T
	if err := queue.Decode(msg, &v); err != nil {
		return nil, malformed("decode message %s: %v", msg.ID, err)
	}
	if field := required(&v); field != "" {
		return nil, malformed("message %s has no %s", msg.ID, field)
	}
	return &v, nil
}

func requireField(v, name string) string {
	if strings.TrimSpace(v) == "" {
		return name
	}
	return ""
}

func decodeSubmission(msg queue.Message) (*SubmissionMessage, error) {
	return decode(msg, func(m *SubmissionMessage) string {
		return requireField(m.JobID, "job_id")
	})
}

func decodeArchiveRequest(msg queue.Message) (*ArchiveRequest, error) {
	return decode(msg, func(m *ArchiveRequest) string {
		return requireField(m.JobID, "job_id")
	})
}

func decodeRestoreRequest(msg queue.Message) (*RestoreRequest, error) {
	return decode(msg, func(m *RestoreRequest) string {
		return requireField(m.UserID, "user_id")
	})
}

func malformed(format string, args ...any) error {
	return consumer.Missing(format, args...)
}
