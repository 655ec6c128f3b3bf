package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/schaermu/resourcesyncd/internal/activation"
	"github.com/schaermu/resourcesyncd/internal/bundle"
	"github.com/schaermu/resourcesyncd/internal/client"
	"github.com/schaermu/resourcesyncd/internal/config"
	"github.com/schaermu/resourcesyncd/internal/git"
	"github.com/schaermu/resourcesyncd/internal/hub"
	"github.com/schaermu/resourcesyncd/internal/runner"
	"github.com/schaermu/resourcesyncd/internal/sync"
	"github.com/schaermu/resourcesyncd/internal/webhook"
	"github.com/spf13/cobra"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	seed      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resourcesyncd",
	Short: "Keep a proxy's resource bundle in sync with a Git repository",
	Long: `resourcesyncd keeps a local working copy of a Git repository holding a
resource bundle up to date and tells connected clients when the content changes.

It can run as a oneshot sync or as a long-running daemon that listens for
push notifications and serves load and unload requests from the proxy host.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Clone or pull the repository once and print the content version",
	Long: `Sync clones the configured repository if the working copy is missing, pulls
the configured branch and computes the current content version.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook listener and the host bridge",
	Long: `Serve prepares the working copy and starts an HTTP server that accepts signed
push notifications on /webhook. When the content version changes, every
connected client is notified through the host event stream on /events.

The host forwards client load and unload requests to /channel.`,
	RunE: runServe,
}

var stableIDCmd = &cobra.Command{
	Use:   "stable-id",
	Short: "Print the bundle identifier derived from the seed",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(bundle.StableID(seed))
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("resourcesyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/resourcesyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	stableIDCmd.Flags().StringVar(&seed, "seed", config.DefaultBundleSeed, "seed the identifier is derived from")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stableIDCmd)
	rootCmd.AddCommand(versionCmd)
}

// newEngine wires the runner, git client and sync engine for cfg
func newEngine(cfg *config.Config, logger *slog.Logger) (*sync.Engine, error) {
	r := runner.NewShellRunner(cfg.Runner.Shell, logger)
	gitClient := git.NewShellClient(r, logger, cfg.Repo.SSHKeyFile)
	return sync.NewEngine(cfg, gitClient, r, logger)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync operation")
	if err := engine.Run(ctx); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}

	state, err := engine.Prepare(ctx)
	if err != nil {
		logger.Error("startup sync failed", "error", err)
		return err
	}

	bridge := hub.New(state.Credentials.Secret, logger)
	bridge.SetHandler(client.NewHandler(state, bridge, logger))

	server, err := webhook.NewServer(state, engine.Source(), bridge, webhook.Options{
		ListenAddr:  cfg.Webhook.ListenAddr,
		EventSource: cfg.Webhook.EventSource,
		Payload:     cfg.Webhook.Payload,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create webhook server: %w", err)
	}
	bridge.Mount(server)

	ln, err := activation.Listener("webhook", logger)
	if err != nil {
		return fmt.Errorf("failed to get activated listener: %w", err)
	}

	return server.Start(ctx, ln)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/resourcesyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repository", cfg.Repo.Repository,
		"branch", cfg.Repo.Branch,
		"data_dir", cfg.Paths.DataDir,
		"port", cfg.Webhook.Port,
		"version_source", cfg.Version.Source)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
