package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/internal/server/handlers"
	"github.com/3leaps/jobvault/pkg/awsconn"
	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/coldstore/glacier"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/jobstore/dynamo"
	"github.com/3leaps/jobvault/pkg/jobstore/sqlstore"
	"github.com/3leaps/jobvault/pkg/notify"
	"github.com/3leaps/jobvault/pkg/notify/sns"
	"github.com/3leaps/jobvault/pkg/pipeline"
	"github.com/3leaps/jobvault/pkg/provider"
	"github.com/3leaps/jobvault/pkg/provider/file"
	"github.com/3leaps/jobvault/pkg/provider/s3"
	"github.com/3leaps/jobvault/pkg/queue"
	"github.com/3leaps/jobvault/pkg/queue/sqs"
	"github.com/3leaps/jobvault/pkg/staging"
)

// Stage names accepted by consume.
const (
	StageSubmission = "submission"
	StageArchive    = "archive"
	StageRestore    = "restore"
	StageThaw       = "thaw"
)

// Stages lists every consumer stage in pipeline order.
var Stages = []string{StageSubmission, StageArchive, StageRestore, StageThaw}

// tableWait bounds how long startup waits for a new DynamoDB table.
const tableWait = 2 * time.Minute

// app holds the backends built from one Config. Memory backends live only
// in this process.
type app struct {
	cfg *config.Config
	log *zap.Logger

	awsOnce sync.Once
	awsCfg  aws.Config
	awsErr  error

	store     jobstore.Store
	blobs     *provider.Pool
	bus       *notify.Bus
	publisher notify.Publisher
	vault     coldstore.Vault
	area      *staging.Area

	mu     sync.Mutex
	queues map[string]queue.Queue

	launcher pipeline.Launcher
}

// newApp builds the store, hot tier, topics and cold tier for cfg. Queues
// are opened on first use, except with in-process topics where every queue
// is opened and subscribed up front.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		log:    observability.CLILogger,
		area:   staging.New(cfg.Staging.Dir),
		queues: make(map[string]queue.Queue),
	}

	if cfg.Topics.Backend == config.BackendSNS && cfg.Queues.Backend == config.BackendMemory {
		return nil, fmt.Errorf("memory queues cannot subscribe to sns topics; use sqs queues or memory topics")
	}

	var err error
	if a.store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.blobs, err = a.openBlobs(); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openTopics(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.vault, err = a.openVault(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// aws loads the shared AWS configuration once.
func (a *app) aws(ctx context.Context) (aws.Config, error) {
	a.awsOnce.Do(func() {
		c := a.cfg.AWS
		a.awsCfg, a.awsErr = awsconn.Load(ctx, awsconn.Config{
			Region:          c.Region,
			Endpoint:        c.Endpoint,
			Profile:         c.Profile,
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.SecretAccessKey,
			UseIMDSRegion:   c.UseIMDSRegion,
		})
		if a.awsErr != nil {
			a.awsErr = fmt.Errorf("load aws config: %w", a.awsErr)
		}
	})
	return a.awsCfg, a.awsErr
}

func (a *app) openStore(ctx context.Context) (jobstore.Store, error) {
	c := a.cfg.Store
	switch c.Backend {
	case config.BackendMemory:
		return jobstore.NewMemory(), nil
	case config.BackendSQLite:
		return sqlstore.Open(ctx, sqlstore.Config{Path: c.Path, URL: c.URL, AuthToken: c.AuthToken})
	case config.BackendDynamo:
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return nil, err
		}
		dc := dynamo.Config{Table: c.Table, UserIndex: c.UserIndex, ArchiveIndex: c.ArchiveIndex}
		if c.CreateTable {
			if err := dynamo.EnsureTable(ctx, dynamodb.NewFromConfig(awsCfg), dc, tableWait); err != nil {
				return nil, err
			}
		}
		return dynamo.NewFromConfig(awsCfg, dc)
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}

func (a *app) openBlobs() (*provider.Pool, error) {
	c := a.cfg.Storage
	switch c.Backend {
	case config.BackendFile:
		return provider.NewPool(file.Opener(c.Root)), nil
	case config.BackendS3:
		awsCfg, err := a.aws(context.Background())
		if err != nil {
			return nil, err
		}
		return provider.NewPool(s3.Opener(awsCfg, s3.Config{ForcePathStyle: c.ForcePathStyle})), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Backend)
	}
}

func (a *app) openTopics(ctx context.Context) error {
	switch a.cfg.Topics.Backend {
	case config.BackendMemory:
		a.bus = notify.NewBus()
		a.publisher = a.bus
		return a.subscribeAll(ctx)
	case config.BackendSNS:
		awsCfg, err := a.aws(ctx)
		if err != nil {
			return err
		}
		a.publisher = sns.NewFromConfig(awsCfg)
		return nil
	default:
		return fmt.Errorf("unknown topics backend %q", a.cfg.Topics.Backend)
	}
}

// subscribeAll wires every queue to its topic on the in-process bus.
func (a *app) subscribeAll(ctx context.Context) error {
	t, q := a.cfg.Topics, a.cfg.Queues
	subs := []struct{ topic, queue string }{
		{t.Requests, q.Requests},
		{t.Results, q.Results},
		{t.Archive, q.Archive},
		{t.Restore, q.Restore},
		{a.cfg.Archive.NotificationTopic, q.Thaw},
	}
	for _, s := range subs {
		if s.topic == "" || s.queue == "" {
			continue
		}
		qq, err := a.queue(ctx, s.queue)
		if err != nil {
			return err
		}
		a.bus.Subscribe(s.topic, qq)
	}
	return nil
}

func (a *app) openVault() (coldstore.Vault, error) {
	c := a.cfg.Archive
	switch c.Backend {
	case config.BackendMemory:
		var opts []coldstore.MemoryOption
		if c.NotificationTopic != "" {
			opts = append(opts, coldstore.WithNotifier(a.publisher, c.NotificationTopic))
		}
		return coldstore.NewMemory(c.Vault, opts...), nil
	case config.BackendGlacier:
		awsCfg, err := a.aws(context.Background())
		if err != nil {
			return nil, err
		}
		return glacier.NewFromConfig(awsCfg, glacier.Config{
			Vault:             c.Vault,
			AccountID:         c.AccountID,
			NotificationTopic: c.NotificationTopic,
		})
	default:
		return nil, fmt.Errorf("unknown archive backend %q", c.Backend)
	}
}

// queue opens the named queue once.
func (a *app) queue(ctx context.Context, name string) (queue.Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is empty")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.queues[name]; ok {
		return q, nil
	}

	var (
		q   queue.Queue
		err error
	)
	switch a.cfg.Queues.Backend {
	case config.BackendMemory:
		var opts []queue.MemoryOption
		if vt := a.cfg.Queues.VisibilityTimeout; vt > 0 {
			opts = append(opts, queue.WithVisibilityTimeout(vt))
		}
		q = queue.NewMemory(name, opts...)
	case config.BackendSQS:
		awsCfg, aerr := a.aws(ctx)
		if aerr != nil {
			return nil, aerr
		}
		sc := sqs.Config{Name: name, VisibilityTimeout: a.cfg.Queues.VisibilityTimeout}
		if isURL(name) {
			sc = sqs.Config{URL: name, VisibilityTimeout: a.cfg.Queues.VisibilityTimeout}
		}
		q, err = sqs.NewFromConfig(ctx, awsCfg, sc)
	default:
		err = fmt.Errorf("unknown queues backend %q", a.cfg.Queues.Backend)
	}
	if err != nil {
		return nil, err
	}
	a.queues[name] = q
	return q, nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "https://") || strings.HasPrefix(s, "http://")
}

// Close releases the store and the hot tier.
func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("Failed to close job store", zap.Error(err))
		}
	}
	if a.blobs != nil {
		if err := a.blobs.Close(); err != nil {
			a.log.Warn("Failed to close hot tier", zap.Error(err))
		}
	}
}

func (a *app) topics() pipeline.Topics {
	t := a.cfg.Topics
	return pipeline.Topics{Requests: t.Requests, Results: t.Results, Archive: t.Archive, Restore: t.Restore}
}

func (a *app) policy() pipeline.Policy {
	return pipeline.Policy{
		ArchiveRoles:     a.cfg.Policy.ArchiveRoles,
		FreeAccessWindow: a.cfg.Policy.FreeAccessWindow,
	}
}

func (a *app) naming() pipeline.Naming {
	return pipeline.Naming{
		ResultSuffix: a.cfg.Execution.ResultSuffix,
		LogSuffix:    a.cfg.Execution.LogSuffix,
	}
}

func (a *app) submitter() *pipeline.Submitter {
	return &pipeline.Submitter{
		Store:           a.store,
		Publisher:       a.publisher,
		RequestsTopic:   a.cfg.Topics.Requests,
		InputsBucket:    a.cfg.Storage.InputsBucket,
		AllowedPatterns: a.cfg.Inputs.AllowedPatterns,
		Logger:          a.log.Named("submit"),
	}
}

func (a *app) finalizer() *pipeline.Finalizer {
	return &pipeline.Finalizer{
		Store:         a.store,
		Blobs:         a.blobs,
		Publisher:     a.publisher,
		Topics:        a.topics(),
		ResultsBucket: a.cfg.Storage.ResultsBucket,
		Naming:        a.naming(),
		Policy:        a.policy(),
		Staging:       a.area,
		Logger:        a.log.Named("finalize"),
	}
}

func (a *app) execution(w pipeline.Worker) *pipeline.Execution {
	return &pipeline.Execution{
		Worker:    w,
		Finalizer: a.finalizer(),
		Logger:    a.log.Named("execute"),
	}
}

// commandWorker runs execution.command with the process's own stdio.
func (a *app) commandWorker() pipeline.Worker {
	return &pipeline.CommandWorker{
		Command: a.cfg.Execution.Command,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}
}

// setLauncher overrides the configured launcher.
func (a *app) setLauncher(l pipeline.Launcher) { a.launcher = l }

func (a *app) launcherFor() pipeline.Launcher {
	if a.launcher != nil {
		return a.launcher
	}
	switch a.cfg.Execution.Launcher {
	case config.LauncherInProcess:
		a.launcher = &pipeline.InProcessLauncher{Execution: a.execution(a.commandWorker())}
	default:
		opts := []staging.ExecutorOption{staging.WithExecutorLogger(a.log.Named("executor"))}
		if cfgFile != "" {
			if exe, err := os.Executable(); err == nil {
				opts = append(opts, staging.WithCommand(exe, "run", "--config", cfgFile))
			}
		}
		a.launcher = &pipeline.ProcessLauncher{Executor: staging.NewExecutor(a.area, opts...)}
	}
	return a.launcher
}

func (a *app) submission() *pipeline.Submission {
	return &pipeline.Submission{
		Store:    a.store,
		Blobs:    a.blobs,
		Staging:  a.area,
		Launcher: a.launcherFor(),
		Logger:   a.log.Named(StageSubmission),
	}
}

func (a *app) archiver() *pipeline.Archiver {
	return &pipeline.Archiver{
		Store:          a.store,
		Blobs:          a.blobs,
		Vault:          a.vault,
		MaxMemoryBytes: a.cfg.Archive.MaxMemoryBytes,
		Logger:         a.log.Named(StageArchive),
	}
}

func (a *app) restorer() *pipeline.Restorer {
	var limiter *rate.Limiter
	if r := a.cfg.Restore.RatePerSecond; r > 0 {
		burst := a.cfg.Restore.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	return &pipeline.Restorer{
		Store:   a.store,
		Vault:   a.vault,
		Limiter: limiter,
		Logger:  a.log.Named(StageRestore),
	}
}

func (a *app) thawer() *pipeline.Thawer {
	return &pipeline.Thawer{
		Store:          a.store,
		Blobs:          a.blobs,
		Vault:          a.vault,
		MaxMemoryBytes: a.cfg.Archive.MaxMemoryBytes,
		Logger:         a.log.Named(StageThaw),
	}
}

func (a *app) reconciler() *pipeline.Reconciler {
	c := a.cfg.Reconcile
	return &pipeline.Reconciler{
		Store:         a.store,
		Publisher:     a.publisher,
		RequestsTopic: a.cfg.Topics.Requests,
		ArchiveTopic:  a.cfg.Topics.Archive,
		Policy:        a.policy(),
		RunningGrace:  c.RunningGrace,
		PendingGrace:  c.PendingGrace,
		MaxAttempts:   c.MaxAttempts,
		Logger:        a.log.Named("reconcile"),
	}
}

func (a *app) jobsAPI() *handlers.Jobs {
	return &handlers.Jobs{
		Store:        a.store,
		Submitter:    a.submitter(),
		Blobs:        a.blobs,
		Policy:       a.policy(),
		Publisher:    a.publisher,
		RestoreTopic: a.cfg.Topics.Restore,
	}
}

// runner builds the consumer for one stage.
func (a *app) runner(ctx context.Context, stage string) (*consumer.Runner, error) {
	var (
		qname   string
		handler consumer.Handler
	)
	switch stage {
	case StageSubmission:
		qname, handler = a.cfg.Queues.Requests, a.submission()
	case StageArchive:
		qname, handler = a.cfg.Queues.Archive, a.archiver()
	case StageRestore:
		qname, handler = a.cfg.Queues.Restore, a.restorer()
	case StageThaw:
		qname, handler = a.cfg.Queues.Thaw, a.thawer()
	default:
		return nil, fmt.Errorf("unknown stage %q (expected one of %v)", stage, Stages)
	}

	q, err := a.queue(ctx, qname)
	if err != nil {
		return nil, fmt.Errorf("open %s queue: %w", stage, err)
	}
	c := a.cfg.Consumer
	opts := []consumer.Option{consumer.WithLogger(a.log.Named("consumer"))}
	if dl := a.cfg.Queues.DeadLetter; dl != "" {
		dlq, err := a.queue(ctx, dl)
		if err != nil {
			return nil, fmt.Errorf("open dead-letter queue: %w", err)
		}
		opts = append(opts, consumer.WithDeadLetter(dlq))
	}
	return consumer.New(q, handler, consumer.Config{
		Name:           stage,
		Concurrency:    a.cfg.Workers,
		BatchSize:      c.BatchSize,
		WaitTime:       c.WaitTime,
		MaxReceives:    c.MaxReceives,
		HandlerTimeout: c.HandlerTimeout,
	}, opts...), nil
}

// loadApp builds an app from the config loaded by the root command.
func loadApp(ctx context.Context) (*app, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		var err error
		if cfg, err = config.Load(ctx); err != nil {
			return nil, err
		}
	}
	return newApp(ctx, cfg)
}
