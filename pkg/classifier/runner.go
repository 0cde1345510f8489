package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Runner executes a command with its output appended to logPath.
// It returns the process exit code; err is non-nil only when the process
// could not be started or did not exit normally.
type Runner interface {
	Run(ctx context.Context, logPath string, argv []string) (exitCode int, err error)
}

// ExecRunner runs commands as local OS processes.
type ExecRunner struct {
	// Dir is the working directory of spawned processes. Empty means the
	// current directory.
	Dir string
	// Env is appended to the parent environment.
	Env []string
}

// NewExecRunner creates a process-based runner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements Runner using os/exec.
func (r *ExecRunner) Run(ctx context.Context, logPath string, argv []string) (int, error) {
	if len(argv) == 0 {
		return -1, errors.New("command is required")
	}

	logFile, err := openLog(logPath)
	if err != nil {
		return -1, err
	}
	defer logFile.Close()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	err = cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() >= 0 {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	if err != nil {
		return -1, fmt.Errorf("start %s: %w", argv[0], err)
	}
	return 0, nil
}

func openLog(path string) (*os.File, error) {
	if path == "" {
		return os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}
