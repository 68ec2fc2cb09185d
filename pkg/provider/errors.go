package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a missing object. Stages treat it as a record that
	// can no longer be processed.
	ErrNotFound = errors.New("object not found")

	ErrBucketNotFound = errors.New("bucket not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrThrottled      = errors.New("request throttled")
	ErrUnavailable    = errors.New("storage unavailable")
)

// OpError records a failed operation and the object it addressed.
type OpError struct {
	Op      string
	Backend Backend
	Bucket  string
	Key     string
	Err     error
}

func (e *OpError) Error() string {
	loc := e.Bucket
	if e.Key != "" {
		loc += "/" + e.Key
	}
	if loc == "" {
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, loc, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsNotFound reports whether err marks a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether a later retry may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled) || errors.Is(err, ErrUnavailable)
}
