package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/checkpoint"
	"github.com/schaermu/gitdelta/internal/config"
	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/mirror"
	"github.com/schaermu/gitdelta/internal/progress"
	"github.com/schaermu/gitdelta/internal/store"
	"github.com/schaermu/gitdelta/internal/walk"
)

var tracer = otel.Tracer("github.com/schaermu/gitdelta/internal/sync")

// Result describes one completed run
type Result struct {
	Head    store.Revision
	Changes changeset.ChangeSet
	// Paths lists the files an ingestion step has to process, sorted.
	Paths  []string
	Cloned bool
	// Checkpoint is the resolved revision the run started from, nil for a
	// full ingest.
	Checkpoint *store.Revision
}

// Token returns the continuation token for the next run.
func (r *Result) Token() checkpoint.Token {
	return checkpoint.Token(r.Head.String())
}

// Engine orchestrates the sync process
type Engine struct {
	cfg      *config.Config
	mirrors  *mirror.Manager
	resolver *checkpoint.Resolver
	computer *changeset.Computer
	walker   *walk.Walker
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, s store.Store, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	walker, err := walk.NewWalker(cfg.Repo.Subdir, cfg.Sync.Ignore, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid repo.subdir: %w", err)
	}

	reporter := progress.NewReporter(logger, m, progress.DefaultInterval)

	return &Engine{
		cfg:      cfg,
		mirrors:  mirror.NewManager(s, progress.Safe(reporter, logger), logger, m),
		resolver: checkpoint.NewResolver(cfg.Sync.Ancestry, logger),
		computer: changeset.NewComputer(cfg.Sync.Deletions, logger),
		walker:   walker,
		metrics:  m,
		logger:   logger,
	}, nil
}

// Run executes the complete sync process. An empty token requests a full
// ingest unless resuming is enabled and a checkpoint was recorded.
func (e *Engine) Run(ctx context.Context, token checkpoint.Token) (*Result, error) {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "sync")
	defer span.End()
	span.SetAttributes(attribute.String("source", e.cfg.Repo.URL))

	res, err := e.run(ctx, token)
	e.metrics.ObserveRun(start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		return nil, err
	}
	return res, nil
}

func (e *Engine) run(ctx context.Context, token checkpoint.Token) (*Result, error) {
	e.logger.Info("starting sync",
		"source", e.cfg.Repo.URL,
		"path", e.cfg.Paths.MirrorDir,
		"backend", e.cfg.Sync.Backend)

	mir, err := e.mirrors.Ensure(ctx, e.cfg.Repo.URL, e.cfg.Paths.MirrorDir)
	if err != nil {
		return nil, fmt.Errorf("failed to synchronize mirror: %w", err)
	}
	e.logger.Info("most recent commit", "commit", mir.Head.String())

	if token.IsZero() && e.cfg.Sync.Resume {
		token = e.resumeToken()
	}

	from, err := e.resolver.Resolve(ctx, mir, token)
	if err != nil {
		return nil, err
	}

	changes, err := e.computer.Compute(ctx, mir, from)
	if err != nil {
		return nil, fmt.Errorf("failed to compute changes: %w", err)
	}

	paths, err := e.walker.Paths(ctx, mir, changes)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate paths: %w", err)
	}

	switch cs := changes.(type) {
	case changeset.Full:
		e.metrics.FullIngests.Inc()
	case changeset.Incremental:
		e.metrics.ChangedFiles.Set(float64(cs.Len()))
	}

	state := &checkpoint.State{
		Source:    e.cfg.Repo.URL,
		Commit:    mir.Head.String(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := checkpoint.SaveState(e.cfg.Paths.StateDir, state); err != nil {
		return nil, fmt.Errorf("failed to save state: %w", err)
	}

	e.logger.Info("continuation", "token", mir.Head.String(), "paths", len(paths))

	return &Result{
		Head:       mir.Head,
		Changes:    changes,
		Paths:      paths,
		Cloned:     mir.Cloned,
		Checkpoint: from,
	}, nil
}

// resumeToken returns the checkpoint recorded by the last successful run.
// Unusable state is logged and treated as absent.
func (e *Engine) resumeToken() checkpoint.Token {
	state, err := checkpoint.LoadState(e.cfg.Paths.StateDir)
	if err != nil {
		e.logger.Warn("failed to load previous state (will treat as fresh sync)", "error", err)
		return ""
	}
	if state == nil {
		e.logger.Info("no previous checkpoint recorded, full ingest required")
		return ""
	}
	if state.Source != e.cfg.Repo.URL {
		e.logger.Warn("ignoring checkpoint recorded for a different source",
			"recorded", state.Source,
			"source", e.cfg.Repo.URL)
		return ""
	}

	e.logger.Info("resuming from checkpoint", "commit", state.Commit, "recorded_at", state.UpdatedAt)
	return state.Token()
}
