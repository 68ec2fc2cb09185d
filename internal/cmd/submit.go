package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/manifest"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

var (
	submitUser       string
	submitKey        string
	submitBucket     string
	submitJobID      string
	submitRecipients string
	submitRole       string
	submitUpload     string
	submitFile       string
	submitJSON       bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit jobs",
	Long: `Create PENDING job records and publish their submission messages.

A single job is described with flags. --upload copies a local file into the
inputs bucket under <key_prefix>/<user>/<job_id>~<file> first. --file submits
every job in a YAML or JSON manifest.

Examples:
  jobvault submit --user u1 --key jobvault/u1/j1~sample.vcf --role free_user
  jobvault submit --user u1 --upload ./sample.vcf --role premium_user
  jobvault submit --file jobs.yaml --json`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitUser, "user", "", "Owning user ID")
	submitCmd.Flags().StringVar(&submitKey, "key", "", "Input key in the inputs bucket")
	submitCmd.Flags().StringVar(&submitBucket, "bucket", "", "Input bucket (default: storage.inputs_bucket)")
	submitCmd.Flags().StringVar(&submitJobID, "job-id", "", "Job ID (default: derived from the key, else generated)")
	submitCmd.Flags().StringVar(&submitRecipients, "recipients", "", "Notification recipients")
	submitCmd.Flags().StringVar(&submitRole, "role", "", "User role")
	submitCmd.Flags().StringVar(&submitUpload, "upload", "", "Local file to upload as the input")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "Submission manifest (YAML or JSON)")
	submitCmd.Flags().BoolVar(&submitJSON, "json", false, "Output JSON")
	submitCmd.MarkFlagsMutuallyExclusive("file", "key")
	submitCmd.MarkFlagsMutuallyExclusive("file", "upload")
	submitCmd.MarkFlagsMutuallyExclusive("key", "upload")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	reqs, err := submitRequests()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid submission", err)
	}

	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	if submitUpload != "" {
		key, err := uploadInput(ctx, a, submitUpload, &reqs[0])
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to upload input", err)
		}
		reqs[0].Key = key
	}

	submitter := a.submitter()
	jobs := make([]*jobstore.Job, 0, len(reqs))
	var failed int
	for _, req := range reqs {
		job, err := submitter.Submit(ctx, req)
		if err != nil {
			failed++
			observability.CLILogger.Error("Submission failed",
				zap.String("user_id", req.UserID),
				zap.String("input_key", req.Key),
				zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}

	if err := printJobs(cmd.OutOrStdout(), a.views(jobs), submitJSON); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(reqs))
	}
	return nil
}

// submitRequests builds the requests from --file or the single-job flags.
func submitRequests() ([]pipeline.SubmitRequest, error) {
	if submitFile != "" {
		m, err := manifest.Load(submitFile)
		if err != nil {
			return nil, err
		}
		return m.Requests()
	}
	if submitUser == "" {
		return nil, errors.New("--user is required")
	}
	if submitKey == "" && submitUpload == "" {
		return nil, errors.New("one of --key, --upload or --file is required")
	}
	return []pipeline.SubmitRequest{{
		UserID:     submitUser,
		Bucket:     submitBucket,
		Key:        submitKey,
		JobID:      submitJobID,
		Recipients: submitRecipients,
		UserRole:   submitRole,
	}}, nil
}

// uploadInput copies a local file into the inputs bucket under the key the
// submission handoff derives the job id from.
func uploadInput(ctx context.Context, a *app, localPath string, req *pipeline.SubmitRequest) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return "", err
	}

	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	bucket := req.Bucket
	if bucket == "" {
		bucket = a.cfg.Storage.InputsBucket
	}
	key := pipeline.InputKey(a.cfg.Inputs.KeyPrefix, req.UserID, req.JobID, filepath.Base(localPath))
	if err := a.blobs.Put(ctx, bucket, key, f, info.Size()); err != nil {
		return "", fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	observability.CLILogger.Info("Input uploaded",
		zap.String("bucket", bucket),
		zap.String("key", key),
		zap.Int64("bytes", info.Size()))
	return key, nil
}
