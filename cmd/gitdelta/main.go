package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/checkpoint"
	"github.com/schaermu/gitdelta/internal/config"
	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/store"
	"github.com/schaermu/gitdelta/internal/sync"
	"github.com/schaermu/gitdelta/internal/webhook"
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
	source    string
	mirrorDir string

	// Sync command flags
	continuation string
	resume       bool
	listPaths    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gitdelta",
	Short: "Mirror a Git repository and report files changed since a checkpoint",
	Long: `gitdelta keeps a local mirror of a remote Git repository and computes the set
of files that changed between a checkpoint revision and the mirror's head, so a
downstream ingestion pipeline only has to process deltas.

Each run prints the new head as the continuation token for the next run.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize the mirror and report changed files",
	Long: `Sync clones the configured repository, or fetches and hard resets an existing
mirror to the remote head, discarding local modifications.

Without a continuation token a full ingest is reported. With a token, the files
added or modified since that revision are reported; deleted files are omitted
unless sync.deletions is set to include.`,
	RunE: runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook server",
	Long: `Serve starts a long-running HTTP server that listens for GitHub webhook events
and synchronizes the mirror when the configured repository is updated.

Every run resumes from the checkpoint recorded by the previous run. Prometheus
metrics are served on /metrics.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gitdelta %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/gitdelta/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVarP(&source, "source", "s", "", "remote repository URL (overrides repo.url)")
	rootCmd.PersistentFlags().StringVarP(&mirrorDir, "path", "p", "", "local mirror directory (overrides paths.mirror_dir)")

	// Sync command flags
	syncCmd.Flags().StringVarP(&continuation, "continuation", "c", "", "revision of a previous run to compute changes from")
	syncCmd.Flags().BoolVar(&resume, "resume", false, "continue from the checkpoint recorded by the last successful run")
	syncCmd.Flags().BoolVar(&listPaths, "list", false, "print the files to ingest")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := sync.NewEngine(cfg, newStore(cfg), metrics.New(nil), logger)
	if err != nil {
		return err
	}

	logger.Info("starting sync operation")
	res, err := engine.Run(ctx, checkpoint.Token(continuation))
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	printResult(cmd.OutOrStdout(), res, listPaths)
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
	if !cfg.Serve.Enabled {
		return errors.New("serve.enabled must be true to start the webhook server")
	}
	// Webhook runs chain checkpoints across runs.
	cfg.Sync.Resume = true

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(reg)
	engine, err := sync.NewEngine(cfg, newStore(cfg), m, logger)
	if err != nil {
		return err
	}

	server, err := webhook.NewServer(cfg, engine, m, reg, logger)
	if err != nil {
		return err
	}
	return server.Start(ctx)
}

func newStore(cfg *config.Config) store.Store {
	if cfg.Sync.Backend == config.BackendShell {
		return store.NewShell(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
	}
	return store.NewGoGit(cfg.Auth.SSHKeyFile, cfg.Auth.HTTPSTokenFile)
}

// printResult writes the continuation token and the change set summary.
func printResult(w io.Writer, res *sync.Result, list bool) {
	_, _ = fmt.Fprintf(w, "continuation: %s\n", res.Token())

	switch cs := res.Changes.(type) {
	case changeset.Full:
		_, _ = fmt.Fprintf(w, "changes: full (%d files)\n", len(res.Paths))
	case changeset.Incremental:
		_, _ = fmt.Fprintf(w, "changes: %d files\n", cs.Len())
	}

	if list {
		for _, p := range res.Paths {
			_, _ = fmt.Fprintln(w, p)
		}
	}
}

func setupLogger() *slog.Logger {
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

	// Logs go to stderr; stdout carries the continuation token and paths.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	cfg, err := readConfig(logger)
	if err != nil {
		return nil, err
	}

	// Flags override the file
	if source != "" {
		cfg.Repo.URL = source
	}
	if mirrorDir != "" {
		abs, err := filepath.Abs(mirrorDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mirror path: %w", err)
		}
		cfg.Paths.MirrorDir = abs
	}
	if resume {
		cfg.Sync.Resume = true
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"mirror_dir", cfg.Paths.MirrorDir,
		"state_dir", cfg.Paths.StateDir,
		"backend", cfg.Sync.Backend,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

// readConfig reads the explicit config file, or the default one when it
// exists. Without either, built-in defaults are used.
func readConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile != "" {
		logger.Info("loading configuration", "path", cfgFile)
		return config.Read(cfgFile)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get user home directory: %w", err)
	}
	configPath := filepath.Join(home, ".config", "gitdelta", "config.yaml")

	if _, err := os.Stat(configPath); err != nil {
		logger.Debug("no configuration file found, using defaults", "path", configPath)
		return config.Default(), nil
	}

	logger.Info("loading configuration", "path", configPath)
	return config.Read(configPath)
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
