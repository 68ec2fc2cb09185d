package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/config"
	errwrap "github.com/3leaps/jobvault/internal/errors"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/awsconn"
)

var doctorAWS bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment and the configured backends
and suggest fixes for common issues.

Examples:
  jobvault doctor          # Environment, staging and job store checks
  jobvault doctor --aws    # Also check AWS credentials`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorAWS, "aws", false, "Run AWS credential checks")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("Running diagnostic checks...")

	cfg := config.GetConfig()
	if cfg == nil {
		ExitWithCode(observability.CLILogger, foundry.ExitInvalidArgument, "Configuration not loaded",
			errwrap.NewBadRequest("configuration not loaded"))
		return
	}

	allChecks := true
	checkNum := 1
	totalChecks := 5
	if doctorAWS {
		totalChecks = 7
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go runtime... ✅ %s %s/%s", checkNum, totalChecks, goVersion, runtime.GOOS, runtime.GOARCH),
		zap.String("go_version", goVersion))
	checkNum++

	// Check 2: Crucible and Gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible/Gofulmen... ✅ v%s / v%s", checkNum, totalChecks, version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible/Gofulmen... ❌ version metadata unavailable", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 3: Staging directory
	if err := checkWritableDir(cfg.Staging.Dir); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking staging directory... ❌ %s", checkNum, totalChecks, cfg.Staging.Dir),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking staging directory... ✅ %s", checkNum, totalChecks, cfg.Staging.Dir))
	}
	checkNum++

	// Check 4: Hot tier root for the file backend
	if cfg.Storage.Backend == config.BackendFile {
		if err := checkWritableDir(cfg.Storage.Root); err != nil {
			observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking hot tier root... ❌ %s", checkNum, totalChecks, cfg.Storage.Root),
				zap.Error(err))
			allChecks = false
		} else {
			observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking hot tier root... ✅ %s", checkNum, totalChecks, cfg.Storage.Root))
		}
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking hot tier... ✅ %s (%s, %s)", checkNum, totalChecks,
			cfg.Storage.Backend, cfg.Storage.InputsBucket, cfg.Storage.ResultsBucket))
	}
	checkNum++

	// Check 5: Job store
	if err := checkStore(cmd.Context(), cfg); err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking job store... ❌ %s", checkNum, totalChecks, cfg.Store.Backend),
			zap.Error(err))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking job store... ✅ %s", checkNum, totalChecks, cfg.Store.Backend))
	}
	checkNum++

	if doctorAWS {
		allChecks = runAWSChecks(cmd.Context(), cfg, checkNum, totalChecks) && allChecks
	}

	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkWritableDir creates dir if needed and verifies a file can be written.
func checkWritableDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("directory is not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(filepath.Clean(name))
}

// checkStore opens the configured job store and runs a point lookup.
func checkStore(ctx context.Context, cfg *config.Config) error {
	a := &app{cfg: cfg, log: observability.CLILogger}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	return storeHealthChecker{store: store}.CheckHealth(ctx)
}

// runAWSChecks loads the AWS configuration the backends would use.
func runAWSChecks(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	observability.CLILogger.Info("AWS Checks:")

	awsCfg, err := awsconn.Load(ctx, awsconn.Config{
		Region:          cfg.AWS.Region,
		Endpoint:        cfg.AWS.Endpoint,
		Profile:         cfg.AWS.Profile,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		UseIMDSRegion:   cfg.AWS.UseIMDSRegion,
	})
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))
	checkNum++

	region := awsCfg.Region
	if region == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking AWS region... ⚠️  not resolved", checkNum, totalChecks))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS region... ✅ %s", checkNum, totalChecks, region),
		zap.String("region", region),
		zap.String("endpoint", cfg.AWS.Endpoint))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

func printAWSCredentialsHelp() {
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set JOBVAULT_AWS_ACCESS_KEY_ID and JOBVAULT_AWS_SECRET_ACCESS_KEY, or")
	observability.CLILogger.Info("  2. Set aws.profile (JOBVAULT_AWS_PROFILE) to a shared config profile, or")
	observability.CLILogger.Info("  3. Use an IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("For moto or LocalStack, also set aws.endpoint (JOBVAULT_AWS_ENDPOINT).")
}
