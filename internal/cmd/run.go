package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

var (
	runJobID      string
	runUserID     string
	runInput      string
	runRecipients string
	runRole       string
)

// runCmd is the managed child spawned for each launched execution.
var runCmd = &cobra.Command{
	Use:    "run",
	Short:  "Execute one job and finalize it",
	Hidden: true,
	Long: `Run the configured execution command against a staged input and, on
success, finalize the job: upload the result and log artifacts, mark the
job COMPLETED, clean up staging and publish notifications.

This command is spawned by the submission consumer; it is not meant to be
run by hand.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runJobID, "job-id", "", "Job ID")
	runCmd.Flags().StringVar(&runUserID, "user-id", "", "Owning user ID")
	runCmd.Flags().StringVar(&runInput, "input", "", "Staged input path")
	runCmd.Flags().StringVar(&runRecipients, "recipients", "", "Notification recipients")
	runCmd.Flags().StringVar(&runRole, "role", "", "User role")
	_ = runCmd.MarkFlagRequired("job-id")
	_ = runCmd.MarkFlagRequired("input")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	if len(a.cfg.Execution.Command) == 0 {
		return exitError(foundry.ExitInvalidArgument, "Execution command not configured",
			errors.New("set execution.command or JOBVAULT_EXECUTION_COMMAND"))
	}

	log := observability.CLILogger.With(zap.String("job_id", runJobID), zap.String("user_id", runUserID))
	log.Info("Execution starting", zap.String("input", runInput))

	exec := a.execution(a.commandWorker())
	if err := exec.Run(ctx, pipeline.RunRequest{
		JobID:      runJobID,
		UserID:     runUserID,
		InputPath:  runInput,
		Recipients: runRecipients,
		UserRole:   runRole,
	}); err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}
	log.Info("Execution finished")
	return nil
}
