// Package cmd implements the jobvault command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/internal/server/handlers"
)

var (
	cfgFile    string
	logLevel   string
	logProfile string

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{
		Version:   "dev",
		Commit:    "unknown",
		BuildDate: "unknown",
	}

	appIdentity *config.Identity
)

var rootCmd = &cobra.Command{
	Use:   "jobvault",
	Short: "Asynchronous job pipeline with hot and cold result tiers",
	Long: `jobvault runs a multi-stage job pipeline: submitted jobs are claimed,
executed, finalized, archived to a cold tier by role policy, and restored
back to the hot tier on demand.

Every stage is an independent at-least-once consumer that coordinates only
through conditional updates on the job store.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	appIdentity = config.DefaultIdentity()
	config.SetIdentity(appIdentity)
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./jobvault.yaml, then user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logProfile, "log-profile", "", "Log profile (structured, console)")
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.profile", rootCmd.PersistentFlags().Lookup("log-profile"))
}

// setDefaults seeds the global viper with the values used before the
// config file is loaded.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.profile", "structured")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	viper.SetDefault("health.enabled", true)

	viper.SetDefault("workers", 4)

	viper.SetDefault("debug.enabled", false)
	viper.SetDefault("debug.pprof_enabled", false)
}

// initRuntime loads configuration and replaces the bootstrap logger.
func initRuntime(cmd *cobra.Command, args []string) error {
	if err := observability.InitCLILogger(appIdentity.BinaryName,
		viper.GetString("logging.level"), viper.GetString("logging.profile")); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging flags", err)
	}

	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}
	overrides := map[string]any{}
	if logLevel != "" {
		overrides["logging.level"] = logLevel
	}
	if logProfile != "" {
		overrides["logging.profile"] = logProfile
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		if cfgFile != "" && errors.Is(err, os.ErrNotExist) {
			return exitError(foundry.ExitFileNotFound, "Config file not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}

	if err := observability.InitCLILogger(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("store", cfg.Store.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("queues", cfg.Queues.Backend),
		zap.String("topics", cfg.Topics.Backend),
		zap.String("archive", cfg.Archive.Backend))
	return nil
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the binary identity, or nil before init.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps a command error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// ExitWithCode logs err and terminates the process with code.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	_ = logger.Sync()
	os.Exit(code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		_ = observability.CLILogger.Sync()
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitCode(err)
	}
	return 0
}
