package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/3leaps/jobvault/pkg/metrics"
	"github.com/3leaps/jobvault/pkg/notify"
)

// DefaultPublishAttempts bounds notification publish retries.
const DefaultPublishAttempts = 4

func defaultPublishBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(200*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)
}

// PublishRetry configures notification publish retries.
type PublishRetry struct {
	Attempts int

	// NewBackoff returns the pacing for one publish. Nil means jittered
	// exponential backoff from 200ms up to 5s.
	NewBackoff func() backoff.BackOff
}

func (r *PublishRetry) policy(ctx context.Context) backoff.BackOff {
	attempts, next := DefaultPublishAttempts, defaultPublishBackoff
	if r != nil {
		if r.Attempts > 0 {
			attempts = r.Attempts
		}
		if r.NewBackoff != nil {
			next = r.NewBackoff
		}
	}
	return backoff.WithContext(backoff.WithMaxRetries(next(), uint64(attempts-1)), ctx)
}

// publish sends payload to topic, retrying transient failures. A missing
// topic is not retried.
func publish(ctx context.Context, pub notify.Publisher, topic, kind string, payload any, retry *PublishRetry) error {
	err := backoff.Retry(func() error {
		err := pub.Publish(ctx, topic, payload)
		if errors.Is(err, notify.ErrTopicNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, retry.policy(ctx))
	if err != nil {
		metrics.IncPublish(kind, "error")
		return err
	}
	metrics.IncPublish(kind, "ok")
	return nil
}
