// Package consumer runs the receive-process-acknowledge loop shared by every
// pipeline stage.
//
// A Handler processes one message and reports its disposition through the
// returned error:
//
//   - nil: processed, the message is deleted
//   - ErrAlreadyHandled: a duplicate or stale delivery, deleted
//   - ErrMissing: upstream data is gone and retrying cannot help, deleted
//     with a warning
//   - any other error: left on the queue for redelivery
//
// Messages that keep failing are moved to a dead-letter queue after
// MaxReceives deliveries when one is configured.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobvault/pkg/metrics"
	"github.com/3leaps/jobvault/pkg/queue"
)

// Disposition sentinels. Wrap them with AlreadyHandled and Missing.
var (
	ErrAlreadyHandled = errors.New("already handled")
	ErrMissing        = errors.New("missing upstream data")
)

// AlreadyHandled reports a duplicate or stale delivery.
func AlreadyHandled(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAlreadyHandled, fmt.Sprintf(format, args...))
}

// Missing reports that data the message refers to no longer exists.
func Missing(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMissing, fmt.Sprintf(format, args...))
}

// Disposition labels used in logs and metrics.
const (
	DispositionProcessed      = "processed"
	DispositionAlreadyHandled = "already_handled"
	DispositionMissing        = "missing"
	DispositionRetry          = "retry"
	DispositionDeadLettered   = "dead_lettered"
)

// Classify maps a handler result to its disposition.
func Classify(err error) string {
	switch {
	case err == nil:
		return DispositionProcessed
	case errors.Is(err, ErrAlreadyHandled):
		return DispositionAlreadyHandled
	case errors.Is(err, ErrMissing):
		return DispositionMissing
	default:
		return DispositionRetry
	}
}

// Handler processes one message.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) error {
	return f(ctx, msg)
}

// Default runner settings.
const (
	DefaultBatchSize   = 10
	DefaultWaitTime    = 20 * time.Second
	DefaultConcurrency = 1
)

// Config configures a Runner.
type Config struct {
	// Name labels logs and metrics. Defaults to the queue name.
	Name string

	// Concurrency bounds in-flight handlers per batch.
	Concurrency int

	// BatchSize is the maximum number of messages per receive.
	BatchSize int

	// WaitTime is the long-poll wait per receive.
	WaitTime time.Duration

	// MaxReceives moves a message to the dead-letter queue once it has been
	// delivered more than this many times. Zero disables.
	MaxReceives int

	// HandlerTimeout bounds a single Handle call. Zero means no limit.
	HandlerTimeout time.Duration

	// ReceiveBackoff paces retries after failed receives. It is reset after
	// every successful receive and must not be shared between runners.
	ReceiveBackoff backoff.BackOff
}

// DefaultReceiveBackoff is jittered exponential backoff from 1s up to 1m
// that never gives up.
func DefaultReceiveBackoff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(time.Minute),
		backoff.WithMaxElapsedTime(0),
	)
}

func (c Config) withDefaults(q queue.Queue) Config {
	if c.Name == "" {
		c.Name = q.Name()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WaitTime < 0 {
		c.WaitTime = 0
	} else if c.WaitTime == 0 {
		c.WaitTime = DefaultWaitTime
	}
	if c.ReceiveBackoff == nil {
		c.ReceiveBackoff = DefaultReceiveBackoff()
	}
	return c
}

// Runner drives one Handler from one Queue.
type Runner struct {
	queue      queue.Queue
	handler    Handler
	deadLetter queue.Queue
	cfg        Config
	logger     *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithDeadLetter sets the queue that receives poison messages.
func WithDeadLetter(q queue.Queue) Option {
	return func(r *Runner) { r.deadLetter = q }
}

// New returns a runner for h on q.
func New(q queue.Queue, h Handler, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		queue:   q,
		handler: h,
		cfg:     cfg.withDefaults(q),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("consumer", r.cfg.Name), zap.String("queue", q.Name()))
	return r
}

// Name returns the runner's label.
func (r *Runner) Name() string { return r.cfg.Name }

// Run polls until ctx is cancelled. In-flight handlers finish before Run
// returns. Cancellation is not an error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Consumer started",
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.Duration("wait", r.cfg.WaitTime))
	defer r.logger.Info("Consumer stopped")

	pacing := r.cfg.ReceiveBackoff
	pacing.Reset()
	failures := 0
	for ctx.Err() == nil {
		_, err := r.Poll(ctx)
		if err == nil {
			failures = 0
			pacing.Reset()
			continue
		}
		if ctx.Err() != nil {
			break
		}
		failures++
		delay := pacing.NextBackOff()
		if delay == backoff.Stop {
			delay = time.Minute
		}
		r.logger.Warn("Receive failed",
			zap.Error(err),
			zap.Int("consecutive_failures", failures),
			zap.Duration("retry_in", delay))
		if !sleep(ctx, delay) {
			break
		}
	}
	return nil
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Poll receives one batch and processes it. It returns the number of
// messages received; only receive failures are returned as errors.
func (r *Runner) Poll(ctx context.Context) (int, error) {
	msgs, err := r.queue.Receive(ctx, r.cfg.BatchSize, r.cfg.WaitTime)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		metrics.IncReceiveError(r.cfg.Name)
		return 0, fmt.Errorf("receive from %s: %w", r.queue.Name(), err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	// Handlers run detached from ctx cancellation so a shutdown drains the
	// batch instead of abandoning half-applied work.
	hctx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			r.process(hctx, msg)
			return nil
		})
	}
	_ = g.Wait()
	return len(msgs), nil
}

// Drain polls without waiting until the queue reports empty, up to max
// batches. Returns the number of messages processed.
func (r *Runner) Drain(ctx context.Context, maxBatches int) (int, error) {
	total := 0
	for i := 0; maxBatches <= 0 || i < maxBatches; i++ {
		msgs, err := r.queue.Receive(ctx, r.cfg.BatchSize, 0)
		if err != nil {
			return total, fmt.Errorf("receive from %s: %w", r.queue.Name(), err)
		}
		if len(msgs) == 0 {
			return total, nil
		}
		var g errgroup.Group
		g.SetLimit(r.cfg.Concurrency)
		for _, msg := range msgs {
			g.Go(func() error {
				r.process(ctx, msg)
				return nil
			})
		}
		_ = g.Wait()
		total += len(msgs)
	}
	return total, nil
}

func (r *Runner) process(ctx context.Context, msg queue.Message) {
	log := r.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	if r.deadLetter != nil && r.cfg.MaxReceives > 0 && msg.ReceiveCount > r.cfg.MaxReceives {
		r.moveToDeadLetter(ctx, msg, log)
		return
	}

	start := time.Now()
	err := r.handle(ctx, msg)
	metrics.ObserveHandle(r.cfg.Name, time.Since(start))

	disposition := Classify(err)
	metrics.IncMessage(r.cfg.Name, disposition)

	switch disposition {
	case DispositionProcessed:
		log.Debug("Message processed")
	case DispositionAlreadyHandled:
		log.Info("Message already handled", zap.String("reason", err.Error()))
	case DispositionMissing:
		log.Warn("Message refers to missing data", zap.Error(err))
	default:
		log.Error("Message processing failed, leaving for redelivery", zap.Error(err))
		return
	}

	if err := r.queue.Delete(ctx, msg); err != nil {
		log.Error("Failed to delete message", zap.Error(err))
	}
}

func (r *Runner) handle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked",
				zap.String("message_id", msg.ID),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()

	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	return r.handler.Handle(ctx, msg)
}

func (r *Runner) moveToDeadLetter(ctx context.Context, msg queue.Message, log *zap.Logger) {
	if err := r.deadLetter.Send(ctx, msg.Body); err != nil {
		log.Error("Failed to dead-letter message", zap.String("dead_letter_queue", r.deadLetter.Name()), zap.Error(err))
		return
	}
	metrics.IncMessage(r.cfg.Name, DispositionDeadLettered)
	log.Warn("Message dead-lettered",
		zap.String("dead_letter_queue", r.deadLetter.Name()),
		zap.Int("max_receives", r.cfg.MaxReceives))
	if err := r.queue.Delete(ctx, msg); err != nil {
		log.Error("Failed to delete dead-lettered message", zap.Error(err))
	}
}

// Group runs several runners until ctx is cancelled.
func Group(ctx context.Context, runners ...*Runner) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error { return r.Run(gctx) })
	}
	return g.Wait()
}
