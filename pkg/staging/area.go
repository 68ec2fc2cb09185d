// Package staging manages the local working directories executions run in.
//
// Directory layout:
//
//	<root>/<user_id>/<job_id>/<input file>
//	<root>/<user_id>/<job_id>/run.json
//	<root>/<user_id>/<job_id>/stdout.log
//	<root>/<user_id>/<job_id>/stderr.log
//
// Directories are scoped per user and per job so concurrent executions on
// one host never share files.
package staging

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// Area persists run records and staged files under a root directory.
type Area struct {
	root string
}

// New returns an area rooted at root.
func New(root string) *Area {
	return &Area{root: strings.TrimSpace(root)}
}

func (a *Area) RootDir() string {
	return a.root
}

// JobDir returns the directory for one job.
func (a *Area) JobDir(userID, jobID string) (string, error) {
	if err := validSegment("user_id", userID); err != nil {
		return "", err
	}
	if err := validSegment("job_id", jobID); err != nil {
		return "", err
	}
	return filepath.Join(a.root, userID, jobID), nil
}

// InputPath returns where the input file for a job is staged.
func (a *Area) InputPath(userID, jobID, fileName string) (string, error) {
	dir, err := a.JobDir(userID, jobID)
	if err != nil {
		return "", err
	}
	name := filepath.Base(filepath.Clean("/" + fileName))
	if name == "/" || name == "." {
		return "", fmt.Errorf("input file name %q is invalid", fileName)
	}
	return filepath.Join(dir, name), nil
}

func (a *Area) runPath(userID, jobID string) (string, error) {
	dir, err := a.JobDir(userID, jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "run.json"), nil
}

// Prepare creates the job directory and returns it.
func (a *Area) Prepare(userID, jobID string) (string, error) {
	if a.root == "" {
		return "", fmt.Errorf("staging root dir is empty")
	}
	dir, err := a.JobDir(userID, jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Write atomically replaces the job's run.json.
func (a *Area) Write(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record is nil")
	}
	dir, err := a.Prepare(record.UserID, record.JobID)
	if err != nil {
		return err
	}

	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, "run.json.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp run file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp run file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, "run.json")); err != nil {
		return fmt.Errorf("rename run file: %w", err)
	}
	return nil
}

// Get loads a job's run.json.
func (a *Area) Get(userID, jobID string) (*RunRecord, error) {
	path, err := a.runPath(userID, jobID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, fmt.Errorf("run.json is empty")
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return nil, fmt.Errorf("parse run.json: %w", err)
	}

	// Zombie detection: a run that claims running but whose pid is gone is unknown.
	if record.State == RunStateRunning && record.PID > 0 && !isProcessAlive(record.PID) {
		record.State = RunStateUnknown
		_ = a.Write(&record)
	}

	return &record, nil
}

// Finish records the end of a run.
func (a *Area) Finish(userID, jobID string, exitCode int, runErr error) error {
	rec, err := a.Get(userID, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.EndedAt = &now
	rec.ExitCode = &exitCode
	rec.State = RunStateSuccess
	if runErr != nil || exitCode != 0 {
		rec.State = RunStateFailed
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	return a.Write(rec)
}

// List returns every run record, newest first.
func (a *Area) List() ([]RunRecord, error) {
	users, err := os.ReadDir(a.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read staging root: %w", err)
	}

	var out []RunRecord
	for _, u := range users {
		if !u.IsDir() {
			continue
		}
		jobs, err := os.ReadDir(filepath.Join(a.root, u.Name()))
		if err != nil {
			continue
		}
		for _, j := range jobs {
			if !j.IsDir() {
				continue
			}
			r, err := a.Get(u.Name(), j.Name())
			if err != nil {
				continue
			}
			out = append(out, *r)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return runSortTime(out[i]).After(runSortTime(out[j]))
	})
	return out, nil
}

// Remove deletes the job directory and, when empty, the user directory.
func (a *Area) Remove(userID, jobID string) error {
	dir, err := a.JobDir(userID, jobID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove job dir: %w", err)
	}
	// Fails while other jobs for the user remain, which is fine.
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

func validSegment(field, v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return fmt.Errorf("%s is required", field)
	}
	if v == "." || v == ".." || strings.ContainsAny(v, `/\`) {
		return fmt.Errorf("%s %q is not a valid path segment", field, v)
	}
	return nil
}

func runSortTime(r RunRecord) time.Time {
	if r.StartedAt != nil {
		return r.StartedAt.UTC()
	}
	return r.CreatedAt.UTC()
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence without delivering a signal.
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
