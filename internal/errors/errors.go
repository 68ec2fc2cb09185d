// Package errors defines the application error type, the HTTP error
// envelope, and the mapping from domain errors to HTTP statuses.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
)

// Error codes used in HTTP envelopes.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
	CodeInternal           = "INTERNAL_ERROR"
)

// AppError carries an error code and HTTP status alongside the cause.
type AppError struct {
	Code    string
	Status  int
	Message string
	Details map[string]any
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// New returns an AppError.
func New(code string, status int, message string) *AppError {
	return &AppError{Code: code, Status: status, Message: message}
}

func NewBadRequest(message string) *AppError {
	return New(CodeBadRequest, http.StatusBadRequest, message)
}

func NewNotFound(message string) *AppError {
	return New(CodeNotFound, http.StatusNotFound, message)
}

func NewConflict(message string) *AppError {
	return New(CodeConflict, http.StatusConflict, message)
}

func NewServiceUnavailable(message string) *AppError {
	return New(CodeServiceUnavailable, http.StatusServiceUnavailable, message)
}

// NewExternalServiceError reports a dependency outside the process failing.
func NewExternalServiceError(message string) *AppError {
	return New(CodeExternalService, http.StatusBadGateway, message)
}

// WrapInternal wraps err as an internal error. The request id from ctx is
// attached when present.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := &AppError{Code: CodeInternal, Status: http.StatusInternalServerError, Message: message, Err: err}
	if id := RequestIDFromContext(ctx); id != "" {
		e.Details = map[string]any{"request_id": id}
	}
	return e
}

// As reports whether err is or wraps an *AppError.
func As(err error) (*AppError, bool) {
	var app *AppError
	if stderrors.As(err, &app) {
		return app, true
	}
	return nil, false
}

type requestIDKey struct{}

// WithRequestID stores a request id in ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request id stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
