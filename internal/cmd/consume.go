package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/consumer"
)

var consumeDrain bool

var consumeCmd = &cobra.Command{
	Use:   "consume <stage...>",
	Short: "Run pipeline consumers",
	Long: `Run one or more pipeline consumers until interrupted.

Stages: submission, archive, restore, thaw, or all. Each stage polls its
own queue with long-poll receives, acknowledges messages that were handled
or are already handled, and leaves failed messages for redelivery.

With --drain the consumers process whatever is queued and exit.

Examples:
  jobvault consume all
  jobvault consume submission
  jobvault consume archive thaw
  jobvault consume restore --drain`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConsume,
}

func init() {
	rootCmd.AddCommand(consumeCmd)
	consumeCmd.Flags().BoolVar(&consumeDrain, "drain", false, "Process queued messages and exit")
}

func runConsume(cmd *cobra.Command, args []string) error {
	stages, err := parseStages(args)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid stage", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	runners := make([]*consumer.Runner, 0, len(stages))
	for _, stage := range stages {
		r, err := a.runner(ctx, stage)
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to start consumer", err)
		}
		runners = append(runners, r)
	}

	if consumeDrain {
		for _, r := range runners {
			n, err := r.Drain(ctx, 0)
			if err != nil {
				return exitError(foundry.ExitExternalServiceUnavailable, "Drain failed", err)
			}
			observability.CLILogger.Info("Queue drained",
				zap.String("stage", r.Name()),
				zap.Int("messages", n))
		}
		return nil
	}

	observability.CLILogger.Info("Consumers starting", zap.Strings("stages", stages))
	if err := consumer.Group(ctx, runners...); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Consumer failed", err)
	}
	if ctx.Err() != nil {
		observability.CLILogger.Info("Consumers stopped by signal")
	}
	return nil
}
