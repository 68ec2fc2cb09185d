// Package provider is the hot tier: mutable object storage for job inputs,
// results and logs, addressed by bucket and key.
//
// A Provider serves one bucket; a Pool opens providers by bucket name so
// pipeline stages can address any jobstore.Location. Credentials come from
// the SDK default chain.
package provider

import (
	"context"
	"io"
)

// Provider stores the objects of one bucket. Implementations map backend
// failures onto the sentinel errors of this package and are safe for
// concurrent use.
type Provider interface {
	// GetObject streams key and reports its size, or -1 when unknown.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject creates or replaces key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes key. A missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	Close() error
}

// Backend names a hot tier implementation.
type Backend string

const (
	BackendS3   Backend = "s3"
	BackendFile Backend = "file"
)
