package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/jobvault/pkg/jobstore"
	"github.com/3leaps/jobvault/pkg/pipeline"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect job records",
	Long: `Inspect job records in the job store and local executions in the
staging area.

Output is a table by default; --json prints the records with their derived
result_state and free_access_expired fields.`,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job_id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's jobs, newest first",
	Long: `List a user's jobs, newest first.

Examples:
  jobvault jobs list --user u1
  jobvault jobs list --user u1 --status COMPLETED --limit 10 --json`,
	RunE: runJobsList,
}

var jobsLogCmd = &cobra.Command{
	Use:   "log <job_id>",
	Short: "Print a completed job's log artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLog,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsLogCmd)

	jobsGetCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("user", "", "User ID (required)")
	jobsListCmd.Flags().String("status", "", "Filter by status (PENDING, RUNNING, COMPLETED)")
	jobsListCmd.Flags().Int("limit", 0, "Maximum jobs to show (0 = all)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	_ = jobsListCmd.MarkFlagRequired("user")
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	a, err := loadApp(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	job, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	v := a.view(job)
	out := cmd.OutOrStdout()
	if jsonOutput {
		return writeJSON(out, v)
	}
	printView(out, v)
	return nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	userID, _ := cmd.Flags().GetString("user")
	statusFlag, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var status jobstore.Status
	if statusFlag != "" {
		s, err := jobstore.ParseStatus(statusFlag)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status", err)
		}
		status = s
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	jobs, err := a.store.QueryByUser(cmd.Context(), userID)
	if err != nil {
		return err
	}
	selected := make([]*jobstore.Job, 0, len(jobs))
	for i := range jobs {
		if status != "" && jobs[i].Status != status {
			continue
		}
		selected = append(selected, &jobs[i])
		if limit > 0 && len(selected) == limit {
			break
		}
	}
	return printJobs(cmd.OutOrStdout(), a.views(selected), jsonOutput)
}

func runJobsLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to initialize backends", err)
	}
	defer a.Close()

	job, err := a.store.Get(ctx, args[0])
	if err != nil {
		return err
	}
	if job.LogLocation == nil {
		return fmt.Errorf("job %s has no log yet (status %s)", job.JobID, job.Status)
	}
	rc, _, err := a.blobs.Get(ctx, job.LogLocation.Bucket, job.LogLocation.Key)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	_, err = io.Copy(cmd.OutOrStdout(), rc)
	return err
}

func (a *app) view(job *jobstore.Job) pipeline.View {
	return a.policy().NewView(job, time.Now())
}

func (a *app) views(jobs []*jobstore.Job) []pipeline.View {
	out := make([]pipeline.View, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, a.view(j))
	}
	return out
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printJobs writes views as JSON or as a table.
func printJobs(w io.Writer, views []pipeline.View, jsonOutput bool) error {
	if jsonOutput {
		return writeJSON(w, views)
	}
	if len(views) == 0 {
		_, _ = fmt.Fprintln(w, "No jobs found")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer func() { _ = tw.Flush() }()

	_, _ = fmt.Fprintln(tw, "JOB ID\tUSER\tSTATUS\tRESULT\tROLE\tSUBMITTED\tCOMPLETED\tINPUT")
	for _, v := range views {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.JobID,
			v.UserID,
			v.Status,
			resultLabel(v),
			orDash(v.UserRole),
			formatUnix(v.SubmitTime),
			formatUnix(v.CompleteTime),
			v.InputLocation.String(),
		)
	}
	return nil
}

func printView(w io.Writer, v pipeline.View) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", v.JobID)
	_, _ = fmt.Fprintf(w, "user_id=%s\n", v.UserID)
	_, _ = fmt.Fprintf(w, "status=%s\n", v.Status)
	_, _ = fmt.Fprintf(w, "result_state=%s\n", v.ResultState)
	_, _ = fmt.Fprintf(w, "input=%s\n", v.InputLocation.String())
	_, _ = fmt.Fprintf(w, "submitted_at=%s\n", formatUnix(v.SubmitTime))
	if v.UserRole != "" {
		_, _ = fmt.Fprintf(w, "user_role=%s\n", v.UserRole)
	}
	if v.RunTime != 0 {
		_, _ = fmt.Fprintf(w, "run_at=%s\n", formatUnix(v.RunTime))
		_, _ = fmt.Fprintf(w, "attempts=%d\n", v.Attempts)
	}
	if v.CompleteTime != 0 {
		_, _ = fmt.Fprintf(w, "completed_at=%s\n", formatUnix(v.CompleteTime))
		_, _ = fmt.Fprintf(w, "free_access_expired=%t\n", v.FreeAccessExpired)
	}
	if v.ResultLocation != nil {
		_, _ = fmt.Fprintf(w, "result=%s\n", v.ResultLocation.String())
	}
	if v.LogLocation != nil {
		_, _ = fmt.Fprintf(w, "log=%s\n", v.LogLocation.String())
	}
	if v.ResultArchiveID != "" {
		_, _ = fmt.Fprintf(w, "result_archive_id=%s\n", v.ResultArchiveID)
	}
	if v.RestoreTime != 0 {
		_, _ = fmt.Fprintf(w, "restored_at=%s\n", formatUnix(v.RestoreTime))
	}
}

func resultLabel(v pipeline.View) string {
	if v.FreeAccessExpired {
		return string(v.ResultState) + " (expired)"
	}
	return string(v.ResultState)
}

func formatUnix(sec int64) string {
	if sec == 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
