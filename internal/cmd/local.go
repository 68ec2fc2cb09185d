package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/coldstore"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/pipeline"
	"github.com/3leaps/jobvault/pkg/queue"
)

var (
	localUser    string
	localRole    string
	localRestore bool
	localPersist bool
	localJSON    bool
)

var localCmd = &cobra.Command{
	Use:   "local <input...>",
	Short: "Run the full job lifecycle in one process",
	Long: `Run every pipeline stage in this process against local files: upload the
inputs, submit them, execute and finalize each job, archive results for
archive-tier roles and, with --restore, restore and thaw them again.

Queues, topics and the cold tier are in memory; the hot tier is the file
backend under storage.root. The job store is in memory unless --persist
keeps it in the configured SQLite database.

When execution.command is empty a built-in worker copies the input to the
result and writes a line count to the log.

Examples:
  jobvault local ./sample.vcf
  jobvault local --user u1 --role free_user --restore ./a.vcf ./b.vcf
  jobvault local --persist --json ./sample.vcf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLocal,
}

func init() {
	rootCmd.AddCommand(localCmd)
	localCmd.Flags().StringVar(&localUser, "user", "local-user", "Owning user ID")
	localCmd.Flags().StringVar(&localRole, "role", "free_user", "User role")
	localCmd.Flags().BoolVar(&localRestore, "restore", false, "Restore archived results after archival")
	localCmd.Flags().BoolVar(&localPersist, "persist", false, "Keep jobs in the configured SQLite store")
	localCmd.Flags().BoolVar(&localJSON, "json", false, "Output as JSON")
}

// localConfig returns cfg with every transport switched to an in-process
// backend.
func localConfig(cfg config.Config, persist bool) *config.Config {
	cfg.Queues.Backend = config.BackendMemory
	cfg.Queues.DeadLetter = ""
	cfg.Topics.Backend = config.BackendMemory
	cfg.Archive.Backend = config.BackendMemory
	cfg.Storage.Backend = config.BackendFile
	cfg.Execution.Launcher = config.LauncherInProcess
	if !persist || cfg.Store.Backend != config.BackendSQLite {
		cfg.Store.Backend = config.BackendMemory
	}
	return &cfg
}

func runLocal(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	base := config.GetConfig()
	if base == nil {
		return errors.New("configuration not loaded")
	}
	cfg := localConfig(*base, localPersist)

	a, err := newApp(ctx, cfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	var worker pipeline.Worker = a.commandWorker()
	if len(cfg.Execution.Command) == 0 {
		worker = builtinWorker(a.naming())
	}
	launcher := &pipeline.InProcessLauncher{Execution: a.execution(worker)}
	a.setLauncher(launcher)

	jobs, err := localSubmit(ctx, a, args)
	if err != nil {
		return err
	}

	if _, err := a.drain(ctx, StageSubmission); err != nil {
		return err
	}
	for _, err := range launcher.Wait() {
		observability.CLILogger.Error("Execution failed", zap.Error(err))
	}
	if _, err := a.drain(ctx, StageArchive); err != nil {
		return err
	}

	if localRestore {
		if err := localRestoreAll(ctx, a); err != nil {
			return err
		}
	}

	if q, err := a.queue(ctx, cfg.Queues.Results); err == nil {
		if mq, ok := q.(*queue.Memory); ok {
			observability.CLILogger.Info("Results notices published", zap.Int("count", mq.Len()))
		}
	}

	final := make([]*jobstore.Job, 0, len(jobs))
	for _, j := range jobs {
		job, err := a.store.Get(ctx, j.JobID)
		if err != nil {
			return err
		}
		final = append(final, job)
	}
	return printJobs(cmd.OutOrStdout(), a.views(final), localJSON)
}

func localSubmit(ctx context.Context, a *app, paths []string) ([]*jobstore.Job, error) {
	submitter := a.submitter()
	jobs := make([]*jobstore.Job, 0, len(paths))
	for _, p := range paths {
		req := pipeline.SubmitRequest{UserID: localUser, UserRole: localRole}
		key, err := uploadInput(ctx, a, p, &req)
		if err != nil {
			return nil, exitError(foundry.ExitFileReadError, "Failed to upload input", err)
		}
		req.Key = key
		job, err := submitter.Submit(ctx, req)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func localRestoreAll(ctx context.Context, a *app) error {
	if err := pipeline.RequestRestore(ctx, a.publisher, a.cfg.Topics.Restore, localUser); err != nil {
		return err
	}
	if _, err := a.drain(ctx, StageRestore); err != nil {
		return err
	}
	vault, ok := a.vault.(*coldstore.Memory)
	if !ok {
		return errors.New("local restore requires the memory cold tier")
	}
	n, err := vault.CompleteRetrievals(ctx)
	if err != nil {
		return err
	}
	observability.CLILogger.Info("Retrievals completed", zap.Int("count", n))
	_, err = a.drain(ctx, StageThaw)
	return err
}

// drain processes every message queued for stage.
func (a *app) drain(ctx context.Context, stage string) (int, error) {
	r, err := a.runner(ctx, stage)
	if err != nil {
		return 0, err
	}
	n, err := r.Drain(ctx, 0)
	if err != nil {
		return n, fmt.Errorf("drain %s: %w", stage, err)
	}
	observability.CLILogger.Debug("Stage drained", zap.String("stage", stage), zap.Int("messages", n))
	return n, nil
}

// builtinWorker copies the input to the result artifact and writes its line
// count to the log artifact.
func builtinWorker(naming pipeline.Naming) pipeline.Worker {
	return pipeline.WorkerFunc(func(ctx context.Context, inputPath string) error {
		in, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer func() { _ = in.Close() }()

		out, err := os.Create(naming.ResultPath(inputPath))
		if err != nil {
			return err
		}
		lines := 0
		scanner := bufio.NewScanner(io.TeeReader(in, out))
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines++
		}
		if err := scanner.Err(); err != nil {
			_ = out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}

		return os.WriteFile(naming.LogPath(inputPath),
			[]byte(fmt.Sprintf("input=%s\nlines=%d\n", filepath.Base(inputPath), lines)), 0o644)
	})
}
