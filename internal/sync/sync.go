package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/schaermu/resourcesyncd/internal/bundle"
	"github.com/schaermu/resourcesyncd/internal/config"
	"github.com/schaermu/resourcesyncd/internal/git"
	"github.com/schaermu/resourcesyncd/internal/runner"
)

// Engine prepares the working copy and the shared state at startup
type Engine struct {
	cfg    *config.Config
	git    git.Client
	source VersionSource
	logger *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, gitClient git.Client, r runner.Runner, logger *slog.Logger) (*Engine, error) {
	source, err := NewVersionSource(cfg, gitClient, r, logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		source: source,
		logger: logger,
	}, nil
}

// Source returns the version source used for webhook updates
func (e *Engine) Source() VersionSource {
	return e.source
}

// Prepare ensures the working copy exists and is up to date, computes
// the initial content version and builds the shared state.
func (e *Engine) Prepare(ctx context.Context) (*State, error) {
	e.logger.Info("preparing working copy",
		"repository", e.cfg.Repo.Repository,
		"branch", e.cfg.Repo.Branch,
		"version_source", e.cfg.Version.Source)

	secret, err := e.cfg.ResolveSecret()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(e.cfg.Paths.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := e.git.EnsureWorkingCopy(ctx, e.cfg.CloneURL(), e.cfg.Repo.Branch, e.cfg.RepoDir()); err != nil {
		return nil, fmt.Errorf("failed to prepare working copy: %w", err)
	}

	version, err := e.source.Initial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute initial version: %w", err)
	}
	if version == "" {
		e.logger.Info("no initial version, waiting for the first push notification")
	} else {
		e.logger.Info("initial version computed", "version", version)
	}

	state, err := NewState(
		Target{Repository: e.cfg.Repo.Repository, Branch: e.cfg.Repo.Branch},
		Credentials{Port: e.cfg.Webhook.Port, Secret: secret},
		e.cfg.UpdateMessage,
		e.cfg.RepoDir(),
		bundle.StableID(e.cfg.Bundle.Seed),
		version,
	)
	if err != nil {
		return nil, err
	}

	return state, nil
}

// Run performs a one-shot sync and logs the resulting version
func (e *Engine) Run(ctx context.Context) error {
	state, err := e.Prepare(ctx)
	if err != nil {
		return err
	}

	e.logger.Info("sync completed successfully",
		"dir", state.BundleDir,
		"version", state.Version(),
		"bundle_id", state.BundleID)
	return nil
}
