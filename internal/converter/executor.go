package converter

import (
	"context"
	"errors"
	"os"
	"os/exec"
)

// Executor abstracts spawning the external conversion engine for testability.
type Executor interface {
	// Run executes binary with args in workDir, appending stdout and stderr
	// to the named files. It returns the process exit code; -1 means the
	// process died to a signal (including the timeout kill).
	Run(ctx context.Context, binary string, args []string, workDir, stdoutPath, stderrPath string) (int, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, workDir, stdoutPath, stderrPath string) (int, error) {
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return -1, err
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return -1, err
	}
	defer stderr.Close()

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = workDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if runErr == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, runErr
}
