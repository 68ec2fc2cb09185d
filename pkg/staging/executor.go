package staging

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Executor spawns executions as managed child processes.
//
// The default child is this binary running:
//
//	jobvault run --job-id <id> --user-id <user> --input <path> --recipients <r> --role <role>
//
// with stdout/stderr captured to the job directory.
type Executor struct {
	area   *Area
	name   string
	prefix []string
	logger *zap.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCommand overrides the child command; run flags are appended to args.
func WithCommand(name string, args ...string) ExecutorOption {
	return func(e *Executor) {
		e.name = name
		e.prefix = args
	}
}

// WithExecutorLogger sets the logger used when reaping children.
func WithExecutorLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewExecutor returns an executor writing under area.
func NewExecutor(area *Area, opts ...ExecutorOption) *Executor {
	e := &Executor{area: area, prefix: []string{"run"}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Area() *Area {
	return e.area
}

// StartRequest describes one execution.
type StartRequest struct {
	JobID      string
	UserID     string
	InputPath  string
	Recipients string
	UserRole   string
}

// Args returns the run flags for req.
func (r StartRequest) Args() []string {
	return []string{
		"--job-id", r.JobID,
		"--user-id", r.UserID,
		"--input", r.InputPath,
		"--recipients", r.Recipients,
		"--role", r.UserRole,
	}
}

// Start spawns the child and returns once it has started. The child is
// reaped in the background.
func (e *Executor) Start(req StartRequest) (*RunRecord, error) {
	if e == nil || e.area == nil {
		return nil, fmt.Errorf("executor is not initialized")
	}
	if strings.TrimSpace(req.InputPath) == "" {
		return nil, fmt.Errorf("input path is required")
	}
	if _, err := os.Stat(req.InputPath); err != nil {
		return nil, fmt.Errorf("staged input not found: %s", req.InputPath)
	}

	dir, err := e.area.Prepare(req.UserID, req.JobID)
	if err != nil {
		return nil, err
	}
	stdoutPath := filepath.Join(dir, "stdout.log")
	stderrPath := filepath.Join(dir, "stderr.log")

	stdoutFile, err := os.Create(stdoutPath)
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	defer func() { _ = stdoutFile.Close() }()
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		return nil, fmt.Errorf("create stderr log: %w", err)
	}
	defer func() { _ = stderrFile.Close() }()

	name := e.name
	if name == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		name = exe
	}

	args := append(append([]string(nil), e.prefix...), req.Args()...)
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start managed run: %w", err)
	}

	now := time.Now().UTC()
	rec := &RunRecord{
		JobID:      req.JobID,
		UserID:     req.UserID,
		State:      RunStateRunning,
		InputPath:  req.InputPath,
		PID:        cmd.Process.Pid,
		CreatedAt:  now,
		StartedAt:  &now,
		StdoutPath: stdoutPath,
		StderrPath: stderrPath,
	}
	if err := e.area.Write(rec); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	go e.reap(cmd, req)
	return rec, nil
}

// reap waits for the child and records its exit unless the child already
// cleaned up its directory.
func (e *Executor) reap(cmd *exec.Cmd, req StartRequest) {
	err := cmd.Wait()
	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
		err = nil
	}

	log := e.logger.With(zap.String("job_id", req.JobID), zap.Int("exit_code", code))
	rec, getErr := e.area.Get(req.UserID, req.JobID)
	if getErr != nil {
		// Finalization removes the job directory on success.
		log.Debug("Run finished")
		return
	}
	if rec.State != RunStateRunning && rec.State != RunStateUnknown {
		return
	}
	if finishErr := e.area.Finish(req.UserID, req.JobID, code, err); finishErr != nil {
		log.Warn("Failed to record run exit", zap.Error(finishErr))
		return
	}
	if code != 0 || err != nil {
		log.Warn("Run failed", zap.Error(err))
	}
}
