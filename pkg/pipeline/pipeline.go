// Package pipeline implements the job lifecycle stages.
//
// Each stage is a consumer.Handler (or, for finalization, a function run
// by the execution itself) built from explicit collaborators: a job store,
// the hot tier, the cold tier, and a publisher. Stages coordinate only
// through conditional updates on the job record:
//
//	PENDING --claim--> RUNNING --finalize--> COMPLETED --archive--> archived --thaw--> COMPLETED (restored)
//
// A rejected condition always means another delivery already progressed the
// job; the stage skips its side effects and acknowledges the message.
package pipeline

import (
	"context"
	"io"
	"time"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/metrics"
	"github.com/3leaps/jobvault/pkg/provider"
)

// Blobs addresses hot-tier objects by bucket and key.
// *provider.Pool satisfies it.
type Blobs interface {
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error)
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64) error
	Delete(ctx context.Context, bucket, key string) error
}

var _ Blobs = (*provider.Pool)(nil)

// Topics names the notification topics the pipeline publishes to.
type Topics struct {
	Requests string
	Results  string
	Archive  string
	Restore  string
}

// Clock returns the current time. Stages take one so tests can pin time.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// recordTransition counts a conditional update for stage.
func recordTransition(stage string, res jobstore.UpdateResult) {
	metrics.IncTransition(stage, res.String())
}
