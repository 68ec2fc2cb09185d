package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/internal/server"
	"github.com/3leaps/jobvault/internal/server/handlers"
	"github.com/3leaps/jobvault/pkg/consumer"
	"github.com/3leaps/jobvault/pkg/jobstore"
)

var (
	serveHost      string
	servePort      int
	serveConsumers []string
	serveReconcile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job API server",
	Long: `Run the HTTP job API with health, version and metrics endpoints.

The reconciler runs alongside the server unless disabled. Consumer stages
can be hosted in the same process with --consumers, which is required when
queues and topics use the memory backend.

Examples:
  jobvault serve
  jobvault serve --port 9000
  jobvault serve --consumers all
  jobvault serve --consumers submission,archive --reconcile=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default from config)")
	serveCmd.Flags().StringSliceVar(&serveConsumers, "consumers", nil, "Consumer stages to run in-process (submission, archive, restore, thaw, all)")
	serveCmd.Flags().BoolVar(&serveReconcile, "reconcile", true, "Run the reconciler (also requires reconcile.enabled)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.GetConfig()
	if cfg == nil {
		return exitError(foundry.ExitInvalidArgument, "Configuration not loaded", errors.New("no config"))
	}
	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	stages, err := parseStages(serveConsumers)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --consumers", err)
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	hm.RegisterChecker("store", storeHealthChecker{store: a.store})

	opts := []server.Option{
		server.WithJobs(a.jobsAPI()),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
	}
	if cfg.Metrics.Enabled {
		observability.InitTelemetry()
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
		opts = append(opts, server.WithMetrics())
	}
	if cfg.Debug.PprofEnabled {
		opts = append(opts, server.WithPprof())
	}

	reconciler := a.reconciler()
	opts = append(opts, server.WithAdminAction(func(sig string) error {
		switch sig {
		case "reconcile":
			res, err := reconciler.Sweep(ctx)
			observability.CLILogger.Info("Reconcile sweep requested",
				zap.Int("requeued", res.Requeued),
				zap.Int("republished", res.Republished),
				zap.Int("rearchived", res.Rearchived),
				zap.Int("stuck", res.Stuck),
				zap.Int("failed", res.Failed))
			return err
		case "shutdown":
			stop()
			return nil
		default:
			return fmt.Errorf("unsupported signal %q (expected reconcile or shutdown)", sig)
		}
	}))

	runners := make([]*consumer.Runner, 0, len(stages))
	for _, stage := range stages {
		r, err := a.runner(ctx, stage)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start consumer", err)
		}
		runners = append(runners, r)
	}

	srv := server.New(host, port, opts...)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		observability.CLILogger.Info("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})
	if serveReconcile && cfg.Reconcile.Enabled {
		g.Go(func() error {
			reconciler.Start(gctx, cfg.Reconcile.Interval)
			return nil
		})
	}
	if len(runners) > 0 {
		g.Go(func() error { return consumer.Group(gctx, runners...) })
	}

	observability.CLILogger.Info("jobvault server started",
		zap.String("addr", srv.Addr()),
		zap.Strings("consumers", stages),
		zap.Bool("metrics", cfg.Metrics.Enabled))

	if err := g.Wait(); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// parseStages expands "all" and rejects unknown stage names.
func parseStages(in []string) ([]string, error) {
	var out []string
	seen := map[string]bool{}
	for _, s := range in {
		if s == "all" {
			return append([]string(nil), Stages...), nil
		}
		if !slices.Contains(Stages, s) {
			return nil, fmt.Errorf("unknown stage %q (expected one of %v or all)", s, Stages)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out, nil
}

// signalHealthChecker reports the signal handler as installed.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.Registry == nil {
		return errors.New("telemetry system not initialized")
	}
	return nil
}

type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("app identity missing binary name")
	case c.envPrefix == "":
		return errors.New("app identity missing env prefix")
	case c.configName == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

// storeHealthChecker probes the job store with a point lookup.
type storeHealthChecker struct {
	store jobstore.Store
}

const storeProbeID = "healthcheck-probe"

func (c storeHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("job store not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := c.store.Get(ctx, storeProbeID); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return fmt.Errorf("job store unavailable: %w", err)
	}
	return nil
}
