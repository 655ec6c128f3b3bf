package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	gosync "sync"

	"github.com/schaermu/resourcesyncd/internal/bundle"
	"github.com/schaermu/resourcesyncd/internal/config"
	"github.com/schaermu/resourcesyncd/internal/git"
	"github.com/schaermu/resourcesyncd/internal/runner"
)

// ErrEmptyVersion is returned when a version source produced no version
var ErrEmptyVersion = errors.New("no content version available")

// VersionSource obtains content versions
type VersionSource interface {
	// Initial returns the version of the freshly prepared working copy.
	// An empty result means the version is set by the first accepted
	// webhook.
	Initial(ctx context.Context) (string, error)
	// Next returns the version after a push notification. hint is the
	// hash carried by the notification, possibly empty.
	Next(ctx context.Context, hint string) (string, error)
}

// NewVersionSource builds the source selected by cfg.Version.Source
func NewVersionSource(cfg *config.Config, gitClient git.Client, r runner.Runner, logger *slog.Logger) (VersionSource, error) {
	dir := cfg.RepoDir()

	switch cfg.Version.Source {
	case config.VersionFromPayload:
		return &PayloadSource{initial: cfg.Version.Initial}, nil

	case config.VersionFromCommand:
		command := cfg.Version.HashCommand
		return newLocalSource(gitClient, dir, logger, func(ctx context.Context) (string, error) {
			out, err := r.RunCapture(ctx, command, dir, nil)
			if err != nil {
				return "", fmt.Errorf("hash command: %w", err)
			}
			return out, nil
		}), nil

	case config.VersionFromHead:
		return newLocalSource(gitClient, dir, logger, func(context.Context) (string, error) {
			return git.Head(dir)
		}), nil

	case config.VersionFromTree:
		return newLocalSource(gitClient, dir, logger, func(context.Context) (string, error) {
			return bundle.TreeHash(dir)
		}), nil

	default:
		return nil, fmt.Errorf("unknown version source: %s", cfg.Version.Source)
	}
}

// PayloadSource takes versions from the push notification itself
type PayloadSource struct {
	initial string
}

// Initial returns the configured initial version, usually empty
func (p *PayloadSource) Initial(context.Context) (string, error) {
	return p.initial, nil
}

// Next returns hint
func (p *PayloadSource) Next(_ context.Context, hint string) (string, error) {
	if hint == "" {
		return "", fmt.Errorf("payload carries no content hash: %w", ErrEmptyVersion)
	}
	return hint, nil
}

// localSource computes versions from the working copy. Next pulls before
// computing; calls are serialized so git never runs twice in the same
// directory at once.
type localSource struct {
	git     git.Client
	dir     string
	logger  *slog.Logger
	compute func(ctx context.Context) (string, error)

	mu gosync.Mutex
}

func newLocalSource(gitClient git.Client, dir string, logger *slog.Logger, compute func(context.Context) (string, error)) *localSource {
	return &localSource{git: gitClient, dir: dir, logger: logger, compute: compute}
}

func (l *localSource) Initial(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version(ctx)
}

func (l *localSource) Next(ctx context.Context, hint string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.git.Pull(ctx, l.dir); err != nil {
		return "", err
	}
	v, err := l.version(ctx)
	if err != nil {
		return "", err
	}
	if hint != "" && hint != v {
		l.logger.Debug("computed version differs from payload hash", "payload", hint, "computed", v)
	}
	return v, nil
}

func (l *localSource) version(ctx context.Context) (string, error) {
	v, err := l.compute(ctx)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ErrEmptyVersion
	}
	return v, nil
}
