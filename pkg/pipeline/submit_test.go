package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/notify"
	"github.com/3leaps/jobvault/pkg/queue"
)

func TestSubmitter_Submit(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		req      SubmitRequest
		wantErr  string
		wantJob  string
		wantFile string
	}{
		{
			name:     "job id from key",
			req:      SubmitRequest{UserID: "u1", Key: "jobvault/u1/j1~a.vcf"},
			wantJob:  "j1",
			wantFile: "a.vcf",
		},
		{
			name:     "explicit job id wins",
			req:      SubmitRequest{UserID: "u1", Key: "jobvault/u1/j1~a.vcf", JobID: "j9"},
			wantJob:  "j9",
			wantFile: "a.vcf",
		},
		{
			name:     "plain key",
			req:      SubmitRequest{UserID: "u1", Key: "uploads/a.vcf", JobID: "j2"},
			wantJob:  "j2",
			wantFile: "a.vcf",
		},
		{
			name:    "missing user",
			req:     SubmitRequest{Key: "u1/j1~a.vcf"},
			wantErr: "user_id is required",
		},
		{
			name:    "missing key",
			req:     SubmitRequest{UserID: "u1"},
			wantErr: "input_key is required",
		},
		{
			name:    "key of another user",
			req:     SubmitRequest{UserID: "u2", Key: "jobvault/u1/j1~a.vcf"},
			wantErr: "belongs to another user",
		},
		{
			name:     "pattern match",
			patterns: []string{"jobvault/**/*.vcf"},
			req:      SubmitRequest{UserID: "u1", Key: "jobvault/u1/j1~a.vcf"},
			wantJob:  "j1",
			wantFile: "a.vcf",
		},
		{
			name:     "pattern reject",
			patterns: []string{"jobvault/**/*.vcf"},
			req:      SubmitRequest{UserID: "u1", Key: "jobvault/u1/j1~a.exe"},
			wantErr:  "input rejected",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			bus := notify.NewBus()
			requests := queue.NewMemory("requests")
			bus.Subscribe("requests", requests)
			store := jobstore.NewMemory()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			s := &Submitter{
				Store:           store,
				Publisher:       bus,
				RequestsTopic:   "requests",
				InputsBucket:    "inputs",
				AllowedPatterns: tt.patterns,
				Clock:           func() time.Time { return now },
			}
			job, err := s.Submit(ctx, tt.req)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, 0, requests.Len())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, job.JobID)
			assert.Equal(t, tt.wantFile, job.InputFileName)
			assert.Equal(t, jobstore.StatusPending, job.Status)
			assert.Equal(t, now.Unix(), job.SubmitTime)
			assert.Equal(t, "inputs", job.InputLocation.Bucket)

			stored, err := store.Get(ctx, job.JobID)
			require.NoError(t, err)
			assert.Equal(t, jobstore.StatusPending, stored.Status)

			require.Equal(t, 1, requests.Len())
			var msg SubmissionMessage
			require.NoError(t, queue.Decode(queue.Message{Body: requests.Bodies()[0]}, &msg))
			assert.Equal(t, job.JobID, msg.JobID)
			assert.Equal(t, jobstore.StatusPending, msg.JobStatus)
			assert.Equal(t, job.InputLocation, msg.InputLocation)
		})
	}
}

func TestSubmitter_GeneratesJobID(t *testing.T) {
	s := &Submitter{Store: jobstore.NewMemory(), Publisher: notify.NewBus(), RequestsTopic: "requests", InputsBucket: "inputs"}
	a, err := s.Submit(context.Background(), SubmitRequest{UserID: "u1", Key: "a.vcf"})
	require.NoError(t, err)
	b, err := s.Submit(context.Background(), SubmitRequest{UserID: "u1", Key: "a.vcf"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.JobID)
	assert.NotEqual(t, a.JobID, b.JobID)
}

func TestSubmitter_DuplicateJobID(t *testing.T) {
	s := &Submitter{Store: jobstore.NewMemory(), Publisher: notify.NewBus(), RequestsTopic: "requests", InputsBucket: "inputs"}
	_, err := s.Submit(context.Background(), SubmitRequest{UserID: "u1", Key: "u1/j1~a.vcf"})
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), SubmitRequest{UserID: "u1", Key: "u1/j1~a.vcf"})
	assert.ErrorIs(t, err, jobstore.ErrAlreadyExists)
}

func TestValidatePatterns(t *testing.T) {
	require.NoError(t, ValidatePatterns([]string{"**/*.vcf", "inputs/*"}))
	assert.Error(t, ValidatePatterns([]string{"[unclosed"}))
}

func TestSubmissionMessage_LegacyFields(t *testing.T) {
	var m SubmissionMessage
	require.NoError(t, m.UnmarshalJSON([]byte(`{
		"job_id": "j1",
		"user_id": "u1",
		"input_file_name": "a.vcf",
		"s3_inputs_bucket": "inputs",
		"s3_key_input_file": "u1/j1~a.vcf",
		"submit_time": 1700000000,
		"job_status": "PENDING"
	}`)))
	assert.Equal(t, jobstore.Location{Bucket: "inputs", Key: "u1/j1~a.vcf"}, m.InputLocation)
	assert.Equal(t, int64(1700000000), m.SubmitTime)
	assert.Equal(t, jobstore.StatusPending, m.JobStatus)
}

func TestDecodeMessages(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		decode  func(queue.Message) error
		wantErr bool
	}{
		{name: "archive ok", body: `{"job_id":"j1"}`, decode: func(m queue.Message) error { _, err := decodeArchiveRequest(m); return err }},
		{name: "archive missing id", body: `{}`, decode: func(m queue.Message) error { _, err := decodeArchiveRequest(m); return err }, wantErr: true},
		{name: "restore ok", body: `{"user_id":"u1"}`, decode: func(m queue.Message) error { _, err := decodeRestoreRequest(m); return err }},
		{name: "restore blank user", body: `{"user_id":"  "}`, decode: func(m queue.Message) error { _, err := decodeRestoreRequest(m); return err }, wantErr: true},
		{name: "submission not json", body: `nope`, decode: func(m queue.Message) error { _, err := decodeSubmission(m); return err }, wantErr: true},
		{
			name:   "enveloped submission",
			body:   `{"Type":"Notification","MessageId":"x","TopicArn":"requests","Message":"{\"job_id\":\"j1\",\"user_id\":\"u1\"}"}`,
			decode: func(m queue.Message) error { _, err := decodeSubmission(m); return err },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode(queue.Message{ID: "m1", Body: []byte(tt.body)})
			if tt.wantErr {
				assert.ErrorIs(t, err, consumer.ErrMissing)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRequestRestore(t *testing.T) {
	bus := notify.NewBus()
	q := queue.NewMemory("restore")
	bus.Subscribe("restore", q)

	require.NoError(t, RequestRestore(context.Background(), bus, "restore", " u1 "))
	require.Equal(t, 1, q.Len())
	assert.JSONEq(t, `{"user_id":"u1"}`, string(queue.Unwrap(q.Bodies()[0])))

	assert.Error(t, RequestRestore(context.Background(), bus, "restore", ""))
}

type flakyPublisher struct {
	failures int32
	err      error
	calls    atomic.Int32
}

func (p *flakyPublisher) Publish(ctx context.Context, topic string, payload any) error {
	n := p.calls.Add(1)
	if n <= p.failures {
		return p.err
	}
	return nil
}

func TestPublish_Retry(t *testing.T) {
	fast := &PublishRetry{Attempts: 3, NewBackoff: func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}}

	tests := []struct {
		name      string
		pub       *flakyPublisher
		wantErr   bool
		wantCalls int32
	}{
		{name: "first try", pub: &flakyPublisher{}, wantCalls: 1},
		{name: "transient then ok", pub: &flakyPublisher{failures: 2, err: errors.New("throttled")}, wantCalls: 3},
		{name: "exhausted", pub: &flakyPublisher{failures: 5, err: errors.New("throttled")}, wantErr: true, wantCalls: 3},
		{name: "missing topic not retried", pub: &flakyPublisher{failures: 5, err: notify.ErrTopicNotFound}, wantErr: true, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := publish(context.Background(), tt.pub, "results", "results", ResultsNotice{JobID: "j1"}, fast)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, tt.pub.calls.Load())
		})
	}
}

func TestCommandWorker(t *testing.T) {
	dir := t.TempDir()
	input := dir + "/sample.vcf"
	require.NoError(t, writeFile(input, "x"))

	var out strings.Builder
	w := &CommandWorker{Command: []string{"/bin/sh", "-c", `echo "$1"; pwd`, "sh"}, Stdout: &out}
	require.NoError(t, w.Execute(context.Background(), input))
	assert.Equal(t, input+"\n"+dir+"\n", out.String())

	assert.Error(t, (&CommandWorker{}).Execute(context.Background(), input))
	assert.Error(t, (&CommandWorker{Command: []string{"/bin/false"}}).Execute(context.Background(), input))
}
