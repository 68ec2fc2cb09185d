package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/3leaps/jobvault/internal/config"
	"github.com/3leaps/jobvault/pkg/staging"
)

var jobsRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List local executions in the staging area",
	Long: `List executions launched on this host, newest first.

A run whose process has exited without recording an outcome is reported as
unknown; the reconciler returns its job to PENDING once the running grace
period passes.`,
	RunE: runJobsRuns,
}

var jobsRunsLogsCmd = &cobra.Command{
	Use:   "logs <user_id> <job_id>",
	Short: "Show the captured output of a local execution",
	Args:  cobra.ExactArgs(2),
	RunE:  runJobsRunsLogs,
}

func init() {
	jobsCmd.AddCommand(jobsRunsCmd)
	jobsRunsCmd.AddCommand(jobsRunsLogsCmd)

	jobsRunsCmd.Flags().Bool("json", false, "Output as JSON")
	jobsRunsLogsCmd.Flags().String("stream", "stdout", "Log stream: stdout, stderr, or both")
	jobsRunsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = no tail)")
	jobsRunsLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

func stagingArea() (*staging.Area, error) {
	cfg := config.GetConfig()
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	return staging.New(cfg.Staging.Dir), nil
}

func runJobsRuns(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	area, err := stagingArea()
	if err != nil {
		return err
	}
	runs, err := area.List()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if runs == nil {
			runs = []staging.RunRecord{}
		}
		return writeJSON(out, runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(out, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	_, _ = fmt.Fprintln(w, "JOB ID\tUSER\tSTATE\tPID\tSTARTED\tENDED\tEXIT")
	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprintf("%d", *r.ExitCode)
		}
		pid := "-"
		if r.PID > 0 {
			pid = fmt.Sprintf("%d", r.PID)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.JobID, r.UserID, r.State, pid,
			formatOptionalTime(r.StartedAt), formatOptionalTime(r.EndedAt), exit)
	}
	return nil
}

func runJobsRunsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	stream = strings.TrimSpace(strings.ToLower(stream))
	if stream == "" {
		stream = "stdout"
	}
	tailN, _ := cmd.Flags().GetInt("tail")
	if tailN < 0 {
		tailN = 0
	}
	follow, _ := cmd.Flags().GetBool("follow")

	area, err := stagingArea()
	if err != nil {
		return err
	}
	userID, jobID := args[0], args[1]
	rec, err := area.Get(userID, jobID)
	if err != nil {
		return err
	}
	dir, err := area.JobDir(userID, jobID)
	if err != nil {
		return err
	}
	stdoutPath := rec.StdoutPath
	if stdoutPath == "" {
		stdoutPath = filepath.Join(dir, "stdout.log")
	}
	stderrPath := rec.StderrPath
	if stderrPath == "" {
		stderrPath = filepath.Join(dir, "stderr.log")
	}

	out := cmd.OutOrStdout()
	var paths []string
	switch stream {
	case "stdout":
		paths = []string{stdoutPath}
	case "stderr":
		paths = []string{stderrPath}
	case "both":
		paths = []string{stdoutPath, stderrPath}
	default:
		return fmt.Errorf("invalid --stream %q (expected stdout, stderr, or both)", stream)
	}
	for _, p := range paths {
		if follow {
			if err := followLog(cmd.Context(), out, p); err != nil {
				return err
			}
			continue
		}
		if err := printLogTail(out, p, tailN); err != nil {
			return err
		}
	}
	return nil
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}
	lines, err := tailLines(f, tailN)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}

// followLog prints path and then polls for appended output until ctx ends.
func followLog(ctx context.Context, w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.Copy(w, f); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
