package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
)

var (
	reconcileWatch bool
	reconcileJSON  bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recover stale PENDING and RUNNING jobs",
	Long: `Sweep the job store for jobs that the consumers will not make progress on:

- RUNNING jobs whose claim is older than reconcile.running_grace are returned
  to PENDING and their submission message is published again
- PENDING jobs older than reconcile.pending_grace are published again
- jobs that reached reconcile.max_attempts are left RUNNING and reported

Without --watch a single sweep runs and its counts are printed.

Examples:
  jobvault reconcile
  jobvault reconcile --json
  jobvault reconcile --watch`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	reconcileCmd.Flags().BoolVar(&reconcileWatch, "watch", false, "Sweep every reconcile.interval until interrupted")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "Output as JSON")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	r := a.reconciler()
	if reconcileWatch {
		observability.CLILogger.Info("Reconciler started", zap.Duration("interval", a.cfg.Reconcile.Interval))
		r.Start(ctx, a.cfg.Reconcile.Interval)
		return nil
	}

	res, sweepErr := r.Sweep(ctx)
	out := cmd.OutOrStdout()
	if reconcileJSON {
		if err := writeJSON(out, res); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(out, "requeued=%d\nrepublished=%d\nrearchived=%d\nstuck=%d\nfailed=%d\n",
			res.Requeued, res.Republished, res.Rearchived, res.Stuck, res.Failed)
	}
	if sweepErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Reconcile sweep failed", sweepErr)
	}
	return nil
}
