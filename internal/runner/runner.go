package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultShell interprets every command line handed to a ShellRunner.
const DefaultShell = "bash"

// Runner executes shell command lines
type Runner interface {
	// Run executes command and streams its output to the log. A non-zero
	// exit status is reported through exitCode, not through err.
	Run(ctx context.Context, command, dir string, env []string) (exitCode int, err error)
	// RunCapture executes command and returns its stdout with line
	// breaks removed.
	RunCapture(ctx context.Context, command, dir string, env []string) (string, error)
}

// ShellRunner implements Runner by handing command lines to a shell
type ShellRunner struct {
	shell  string
	logger *slog.Logger
}

// NewShellRunner creates a runner that executes commands via "<shell> -c"
func NewShellRunner(shell string, logger *slog.Logger) *ShellRunner {
	if shell == "" {
		shell = DefaultShell
	}
	return &ShellRunner{shell: shell, logger: logger}
}

// Run starts command and logs stdout and stderr line by line while it runs
func (r *ShellRunner) Run(ctx context.Context, command, dir string, env []string) (int, error) {
	cmd := r.command(ctx, command, dir, env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stdout of %q: %w", command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to open stderr of %q: %w", command, err)
	}

	r.logger.Debug("running command", "command", command, "dir", dir)
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to run command %q: %w", command, err)
	}

	// Both pipes must be drained before Wait, otherwise a chatty child
	// blocks on a full pipe buffer.
	var g errgroup.Group
	g.Go(func() error { return r.stream(stdout, "stdout", slog.LevelInfo) })
	g.Go(func() error { return r.stream(stderr, "stderr", slog.LevelInfo) })
	if err := g.Wait(); err != nil {
		r.logger.Warn("failed to read command output", "command", command, "error", err)
	}

	return exitStatus(command, cmd.Wait())
}

// RunCapture runs command to completion and returns its concatenated stdout
func (r *ShellRunner) RunCapture(ctx context.Context, command, dir string, env []string) (string, error) {
	cmd := r.command(ctx, command, dir, env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout of %q: %w", command, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stderr of %q: %w", command, err)
	}

	r.logger.Debug("running command", "command", command, "dir", dir)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to run command %q: %w", command, err)
	}

	var out strings.Builder
	var g errgroup.Group
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			out.WriteString(scanner.Text())
		}
		return scanner.Err()
	})
	g.Go(func() error { return r.stream(stderr, "stderr", slog.LevelWarn) })
	if err := g.Wait(); err != nil {
		r.logger.Warn("failed to read command output", "command", command, "error", err)
	}

	code, err := exitStatus(command, cmd.Wait())
	if err != nil {
		return "", err
	}
	if code != 0 {
		r.logger.Warn("command exited with non-zero status", "command", command, "exit_code", code)
	}

	return out.String(), nil
}

func (r *ShellRunner) command(ctx context.Context, command, dir string, env []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}

// stream logs each line read from rc until EOF
func (r *ShellRunner) stream(rc io.Reader, name string, level slog.Level) error {
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		r.logger.Log(context.Background(), level, scanner.Text(), "stream", name)
	}
	return scanner.Err()
}

// exitStatus converts the result of Wait into an exit code. Only failures
// that are not a plain exit status are returned as errors; a child killed
// by a signal has no exit status.
func exitStatus(command string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("command %q failed: %w", command, err)
}
