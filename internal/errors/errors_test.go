package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/pipeline"
	"github.com/3leaps/jobvault/pkg/provider"
)

func TestRespondWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "job not found",
			err:        fmt.Errorf("get j1: %w", jobstore.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
			wantMsg:    "job not found",
		},
		{
			name:       "duplicate job",
			err:        fmt.Errorf("create: %w", jobstore.ErrAlreadyExists),
			wantStatus: http.StatusConflict,
			wantCode:   CodeConflict,
		},
		{
			name:       "rejected input",
			err:        fmt.Errorf("%w: a.exe", pipeline.ErrInputRejected),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeBadRequest,
			wantMsg:    "input rejected: a.exe",
		},
		{
			name:       "missing object",
			err:        &provider.OpError{Op: "get", Bucket: "results", Key: "k", Err: provider.ErrNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   CodeNotFound,
		},
		{
			name:       "app error passes through",
			err:        fmt.Errorf("wrapped: %w", NewBadRequest("bad body")),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeBadRequest,
			wantMsg:    "bad body",
		},
		{
			name:       "unknown error hides cause",
			err:        fmt.Errorf("dial tcp: secret host"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   CodeInternal,
			wantMsg:    "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil)
			req = req.WithContext(WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()

			RespondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, "req-1", body.Error.RequestID)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, body.Error.Message)
			}
		})
	}
}

func TestRespondWithError_DetailsBecomeEnvelopeContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-7"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewNotFound("gone").WithDetails(map[string]any{"job_id": "j1"}))

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeNotFound, body.Error.Code)
	assert.Equal(t, "req-7", body.Error.RequestID)
	assert.Equal(t, "j1", body.Error.Details["job_id"])
}

func TestAppError_Envelope(t *testing.T) {
	env := NewBadRequest("bad").WithDetails(map[string]any{"field": "job_id"}).Envelope("req-3")

	assert.Equal(t, CodeBadRequest, env.Code)
	assert.Equal(t, "bad", env.Message)
	assert.Equal(t, "req-3", env.CorrelationID)
	assert.Equal(t, "job_id", env.Context["field"])
}

func TestAppError(t *testing.T) {
	cause := fmt.Errorf("boom")
	err := WrapInternal(WithRequestID(context.Background(), "r9"), cause, "store failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store failed: boom", err.Error())
	assert.Equal(t, "r9", err.Details["request_id"])

	with := NewNotFound("gone").WithDetails(map[string]any{"job_id": "j1"})
	assert.Equal(t, "j1", with.Details["job_id"])
	assert.Equal(t, http.StatusNotFound, with.Status)

	app, ok := As(fmt.Errorf("outer: %w", with))
	require.True(t, ok)
	assert.Equal(t, CodeNotFound, app.Code)

	_, ok = As(cause)
	assert.False(t, ok)
}

func TestRequestIDFromContext(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "abc", RequestIDFromContext(WithRequestID(context.Background(), "abc")))
}
