package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"

	"github.com/schaermu/resourcesyncd/internal/runner"
)

// Client provides git operations for the local working copy
type Client interface {
	// EnsureWorkingCopy clones the repository into destDir if it is
	// missing and pulls the latest state of branch.
	EnsureWorkingCopy(ctx context.Context, url, branch, destDir string) error
	// Pull updates an existing working copy
	Pull(ctx context.Context, destDir string) error
}

// ShellClient implements Client by running git through a runner.Runner
type ShellClient struct {
	runner     runner.Runner
	logger     *slog.Logger
	sshKeyFile string
}

// NewShellClient creates a new git client that uses the git command
func NewShellClient(r runner.Runner, logger *slog.Logger, sshKeyFile string) *ShellClient {
	return &ShellClient{
		runner:     r,
		logger:     logger,
		sshKeyFile: sshKeyFile,
	}
}

// EnsureWorkingCopy clones the repository when destDir does not exist and
// always pulls afterwards. A failing git command is logged but not
// returned: the working copy keeps whatever state git left behind. Only
// failing to start git at all is an error.
func (c *ShellClient) EnsureWorkingCopy(ctx context.Context, url, branch, destDir string) error {
	if _, err := os.Stat(destDir); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(destDir), 0755); err != nil {
			return fmt.Errorf("failed to create parent directory: %w", err)
		}

		c.logger.Info("cloning repository", "url", url, "branch", branch, "dest", destDir)
		cmd := fmt.Sprintf("git clone -b %s %s %s", shellQuote(branch), shellQuote(url), shellQuote(destDir))
		if err := c.run(ctx, cmd, "", url); err != nil {
			return fmt.Errorf("git clone: %w", err)
		}
		c.logger.Info("cloned repository", "dest", destDir)
	} else if err != nil {
		return fmt.Errorf("failed to stat working copy %s: %w", destDir, err)
	}

	if _, err := os.Stat(destDir); err != nil {
		return fmt.Errorf("working copy %s missing after clone: %w", destDir, err)
	}

	return c.pull(ctx, url, destDir)
}

// Pull runs git pull inside destDir
func (c *ShellClient) Pull(ctx context.Context, destDir string) error {
	return c.pull(ctx, "", destDir)
}

func (c *ShellClient) pull(ctx context.Context, url, destDir string) error {
	c.logger.Debug("pulling working copy", "dir", destDir)
	if err := c.run(ctx, "git pull", destDir, url); err != nil {
		return fmt.Errorf("git pull: %w", err)
	}
	return nil
}

func (c *ShellClient) run(ctx context.Context, cmd, dir, url string) error {
	code, err := c.runner.Run(ctx, cmd, dir, c.env(url))
	if err != nil {
		return err
	}
	if code != 0 {
		c.logger.Warn("git command exited with non-zero status", "command", cmd, "dir", dir, "exit_code", code)
	}
	return nil
}

// env returns the extra environment for git commands. GIT_SSH_COMMAND is
// only set for SSH remotes; for pulls the remote is unknown and the key is
// passed whenever one is configured.
func (c *ShellClient) env(url string) []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if c.sshKeyFile == "" {
		return env
	}
	if url != "" && !strings.HasPrefix(url, "git@") && !strings.HasPrefix(url, "ssh://") {
		return env
	}
	// The path is shell-quoted to prevent injection via crafted filenames.
	sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(c.sshKeyFile))
	return append(env, "GIT_SSH_COMMAND="+sshCmd)
}

// Head returns the commit hash HEAD points to in the working copy at dir
func Head(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", fmt.Errorf("failed to open repository %s: %w", dir, err)
	}

	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD in %s: %w", dir, err)
	}

	return ref.Hash().String(), nil
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
