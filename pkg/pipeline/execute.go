package pipeline

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/3leaps/jobvault/pkg/staging"
)

// Worker performs the opaque computation on a staged input, writing the
// result and log artifacts next to it.
type Worker interface {
	Execute(ctx context.Context, inputPath string) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, inputPath string) error

func (f WorkerFunc) Execute(ctx context.Context, inputPath string) error {
	return f(ctx, inputPath)
}

// CommandWorker runs an external command with the input path appended,
// in the input's directory.
type CommandWorker struct {
	Command []string
	Stdout  io.Writer
	Stderr  io.Writer
}

func (w *CommandWorker) Execute(ctx context.Context, inputPath string) error {
	if len(w.Command) == 0 {
		return fmt.Errorf("execution command is not configured")
	}
	args := append(append([]string(nil), w.Command[1:]...), inputPath)
	cmd := exec.CommandContext(ctx, w.Command[0], args...)
	cmd.Dir = filepath.Dir(inputPath)
	cmd.Stdout = w.Stdout
	cmd.Stderr = w.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", w.Command[0], err)
	}
	return nil
}

// RunRequest is the invocation contract of an execution.
type RunRequest struct {
	JobID      string
	UserID     string
	InputPath  string
	Recipients string
	UserRole   string
}

// Execution runs a Worker and then finalizes the job. A failed worker
// leaves the job RUNNING for the reconciler.
type Execution struct {
	Worker    Worker
	Finalizer *Finalizer
	Logger    *zap.Logger
}

func (e *Execution) Run(ctx context.Context, req RunRequest) error {
	log := logger(e.Logger).With(zap.String("job_id", req.JobID))
	if err := e.Worker.Execute(ctx, req.InputPath); err != nil {
		log.Error("Execution failed", zap.Error(err))
		return fmt.Errorf("execute job %s: %w", req.JobID, err)
	}
	if _, err := e.Finalizer.Finalize(ctx, FinalizeRequest{
		JobID:      req.JobID,
		InputPath:  req.InputPath,
		Recipients: req.Recipients,
		UserRole:   req.UserRole,
	}); err != nil {
		log.Error("Finalization failed", zap.Error(err))
		return err
	}
	return nil
}

// ProcessLauncher launches each execution as a managed child process.
type ProcessLauncher struct {
	Executor *staging.Executor
}

func (l *ProcessLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	_, err := l.Executor.Start(staging.StartRequest{
		JobID:      req.Job.JobID,
		UserID:     req.Job.UserID,
		InputPath:  req.InputPath,
		Recipients: req.Job.Recipients,
		UserRole:   req.Job.UserRole,
	})
	return err
}

// InProcessLauncher runs each execution on a goroutine. It backs local
// mode and tests.
type InProcessLauncher struct {
	Execution *Execution

	wg     sync.WaitGroup
	mu     sync.Mutex
	errs   []error
	launch int
}

func (l *InProcessLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	run := RunRequest{
		JobID:      req.Job.JobID,
		UserID:     req.Job.UserID,
		InputPath:  req.InputPath,
		Recipients: req.Job.Recipients,
		UserRole:   req.Job.UserRole,
	}
	rctx := context.WithoutCancel(ctx)

	l.mu.Lock()
	l.launch++
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.Execution.Run(rctx, run); err != nil {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
		}
	}()
	return nil
}

// Wait blocks until every launched execution has returned and reports
// their errors.
func (l *InProcessLauncher) Wait() []error {
	l.wg.Wait()
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

// Launches returns the number of executions launched.
func (l *InProcessLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launch
}
