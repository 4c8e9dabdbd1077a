package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/wyatt727/WDFWatch-sub001/pkg/models"
)

// Logger defines the logging interface for the pipeline package
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// ProgressEvent is an intermediate progress report emitted by an executor
// while a stage is running.
type ProgressEvent struct {
	Progress       int // 0-100
	Message        string
	ItemsProcessed int
	TotalItems     int
}

// ExecRequest identifies one stage execution attempt.
type ExecRequest struct {
	RunID     string
	EpisodeID int64
	StageID   string
	Attempt   int
	// OnProgress, when non-nil, receives intermediate progress events.
	// Executors may call it zero or more times before returning.
	OnProgress func(ProgressEvent)
}

// ExecResult is the success outcome of a stage execution. Stage output
// artifacts are written to the external state store by the executor itself;
// the controller only sees metrics.
type ExecResult struct {
	Metrics models.StageMetrics
	Output  string
}

// StageExecutor runs one stage for one episode. Execute blocks until the
// stage finishes or ctx is cancelled; cancellation must terminate the
// underlying work. A nil error is the success outcome.
type StageExecutor interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ExecutorFunc adapts a function to the StageExecutor interface.
type ExecutorFunc func(ctx context.Context, req ExecRequest) (*ExecResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	return f(ctx, req)
}

// StageError is a failure whose kind the executor could determine itself.
// Executors that can distinguish their own failure modes should return it so
// the classifier does not have to fall back to message heuristics.
type StageError struct {
	Kind models.ErrorKind
	Msg  string
	Err  error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func NewStageError(kind models.ErrorKind, format string, args ...interface{}) *StageError {
	return &StageError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapStageError tags an underlying error with a known kind.
func WrapStageError(kind models.ErrorKind, err error, msg string) *StageError {
	return &StageError{Kind: kind, Msg: msg, Err: err}
}

// CommandExecutor runs stages as external commands, the bridge to the CLI
// tools doing the actual LLM work. Each stage maps to an argv; the episode ID
// is appended as the last argument. The spawned process gets its own process
// group so cancellation can kill the whole tree.
type CommandExecutor struct {
	commands map[string][]string
	workDir  string
	logger   Logger
}

func NewCommandExecutor(commands map[string][]string, workDir string, logger Logger) *CommandExecutor {
	return &CommandExecutor{commands: commands, workDir: workDir, logger: logger}
}

func (e *CommandExecutor) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	argv, ok := e.commands[req.StageID]
	if !ok || len(argv) == 0 {
		return nil, NewStageError(models.DataValidationError, "no command configured for stage '%s'", req.StageID)
	}

	args := append(append([]string(nil), argv[1:]...), fmt.Sprintf("%d", req.EpisodeID))
	cmd := exec.Command(argv[0], args...)
	cmd.Dir = e.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, WrapStageError(models.FileAccessError, err, fmt.Sprintf("start command for stage '%s'", req.StageID))
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		// Kill the whole process group, not just the direct child.
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		e.logger.Infof("Killed stage '%s' process group for run %s: %v", req.StageID, req.RunID, ctx.Err())
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			msg := stderr.String()
			if msg == "" {
				msg = err.Error()
			}
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ProcessState != nil {
				if status, ok := exitErr.ProcessState.Sys().(syscall.WaitStatus); ok && status.Signaled() {
					return nil, WrapStageError(models.ProcessTerminatedError, err, msg)
				}
			}
			return nil, fmt.Errorf("stage '%s' command failed: %s", req.StageID, msg)
		}
	}

	return &ExecResult{Output: stdout.String()}, nil
}
