package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

var restoreNow bool

var restoreCmd = &cobra.Command{
	Use:   "restore <user_id>",
	Short: "Request restoration of a user's archived results",
	Long: `Publish a restore request for a user to the restore topic. The restore
consumer then issues one cold-tier retrieval per archived job, expedited
first with a standard fallback.

With --now the retrievals are requested directly from this process instead
of through the restore topic.

Examples:
  jobvault restore u1
  jobvault restore u1 --now`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().BoolVar(&restoreNow, "now", false, "Request retrievals directly instead of publishing")
}

func runRestore(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	userID := args[0]

	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if !restoreNow {
		if err := pipeline.RequestRestore(ctx, a.publisher, a.cfg.Topics.Restore, userID); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to publish restore request", err)
		}
		observability.CLILogger.Info("Restore requested",
			zap.String("user_id", userID),
			zap.String("topic", a.cfg.Topics.Restore))
		_, _ = fmt.Fprintf(out, "user_id=%s\nstatus=requested\n", userID)
		return nil
	}

	summary, err := a.restorer().Restore(ctx, userID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Restore failed", err)
	}
	return writeJSON(out, summary)
}
