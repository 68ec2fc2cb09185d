package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/pipeline"
	"github.com/3leaps/jobvault/pkg/provider"
)

// ErrorDetail is the body of an error response.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse is the JSON shape of every error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// Classify maps err onto an AppError. Unrecognized errors become internal
// errors whose message does not leak the cause.
func Classify(err error) *AppError {
	if app, ok := As(err); ok {
		return app
	}
	switch {
	case stderrors.Is(err, jobstore.ErrNotFound):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "job not found", Err: err}
	case stderrors.Is(err, jobstore.ErrAlreadyExists):
		return &AppError{Code: CodeConflict, Status: http.StatusConflict, Message: "job already exists", Err: err}
	case stderrors.Is(err, pipeline.ErrInputRejected), stderrors.Is(err, pipeline.ErrInvalidRequest):
		return &AppError{Code: CodeBadRequest, Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case provider.IsNotFound(err):
		return &AppError{Code: CodeNotFound, Status: http.StatusNotFound, Message: "object not found", Err: err}
	}
	return &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
}

// Envelope converts e into a gofulmen error envelope. requestID becomes the
// correlation id and Details become the envelope context.
func (e *AppError) Envelope(requestID string) *gferrors.ErrorEnvelope {
	env := gferrors.NewErrorEnvelope(e.Code, e.Message)
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}
	if len(e.Details) > 0 {
		withContext, err := env.WithContext(e.Details)
		if err != nil {
			// Render the details even when the envelope rejects them.
			observability.CLILogger.Debug("Error details rejected by envelope", zap.String("code", e.Code), zap.Error(err))
			env.Context = e.Details
		} else {
			env = withContext
		}
	}
	return env
}

// RespondWithError writes err as a JSON error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := Classify(err)
	requestID := RequestIDFromContext(r.Context())
	if app.Status >= http.StatusInternalServerError {
		observability.CLILogger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
	WriteEnvelope(w, app.Envelope(requestID), app.Status)
}

// WriteEnvelope renders env with status.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	WriteJSON(w, status, ErrorResponse{Error: ErrorDetail{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Details:   env.Context,
	}})
}

// WriteJSON writes v as JSON with status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
