// Package mirror keeps a local clone in step with its remote.
//
// The local copy is non-authoritative: every synchronization ends with a
// hard reset to the remote head, discarding local modifications.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/store"
)

var tracer = otel.Tracer("github.com/schaermu/gitdelta/internal/mirror")

// Mirror is a synchronized local clone.
type Mirror struct {
	Path      string
	RemoteURL string
	Head      store.Revision
	// Cloned is true when the mirror was created by this synchronization
	// and false when an existing mirror was updated.
	Cloned bool
	Repo   store.Repository
}

// Manager creates and updates mirrors.
type Manager struct {
	store     store.Store
	callbacks store.Callbacks
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewManager creates a Manager. Transfer events are delivered to callbacks.
func NewManager(s store.Store, callbacks store.Callbacks, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		store:     s,
		callbacks: callbacks,
		logger:    logger,
		metrics:   m,
	}
}

// Ensure makes localPath an exact copy of the remote head. A missing mirror is
// cloned; an existing one is fetched and hard reset. Calling Ensure again
// after a failure is safe.
func (m *Manager) Ensure(ctx context.Context, remoteURL, localPath string) (*Mirror, error) {
	m.logger.Info("cloning repository", "source", remoteURL, "path", localPath)

	res := m.clone(ctx, remoteURL, localPath)

	var repo store.Repository
	cloned := false
	switch res.Status {
	case store.CloneCreated:
		repo = res.Repo
		cloned = true
		m.metrics.MirrorUpdates.WithLabelValues("clone").Inc()
	case store.CloneAlreadyPresent:
		m.logger.Info("already exists, opening", "path", localPath)
		var err error
		repo, err = m.update(ctx, remoteURL, localPath)
		if err != nil {
			return nil, err
		}
		m.metrics.MirrorUpdates.WithLabelValues("update").Inc()
	default:
		attrs := []any{"error", res.Err}
		var storeErr *store.Error
		if errors.As(res.Err, &storeErr) {
			attrs = append(attrs, "code", storeErr.Code, "class", storeErr.Class)
		}
		m.logger.Info("clone failed", attrs...)
		return nil, fmt.Errorf("failed to clone %s: %w", remoteURL, res.Err)
	}

	head, err := repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve mirror head: %w", err)
	}

	m.logger.Debug("repository cloned or updated", "head", head.String(), "cloned", cloned)

	return &Mirror{
		Path:      localPath,
		RemoteURL: remoteURL,
		Head:      head,
		Cloned:    cloned,
		Repo:      repo,
	}, nil
}

func (m *Manager) clone(ctx context.Context, remoteURL, localPath string) store.CloneResult {
	ctx, span := tracer.Start(ctx, "clone repository", trace.WithAttributes(
		attribute.String("source", remoteURL),
		attribute.String("path", localPath)))
	defer span.End()

	res := m.store.Clone(ctx, remoteURL, localPath, m.callbacks)
	span.SetAttributes(attribute.String("status", res.Status.String()))
	if res.Status == store.CloneFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "clone failed")
	}
	return res
}

// update opens an existing mirror, fetches origin and resets to its head.
func (m *Manager) update(ctx context.Context, remoteURL, localPath string) (store.Repository, error) {
	repo, err := m.open(ctx, localPath)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "fetching updates")
	defer span.End()

	if err := m.fetchAndReset(ctx, repo, remoteURL); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return nil, err
	}
	return repo, nil
}

func (m *Manager) open(ctx context.Context, localPath string) (store.Repository, error) {
	ctx, span := tracer.Start(ctx, "open repository")
	defer span.End()

	repo, err := m.store.Open(ctx, localPath)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open failed")
		return nil, fmt.Errorf("failed to open existing mirror at %s: %w", localPath, err)
	}
	return repo, nil
}

func (m *Manager) fetchAndReset(ctx context.Context, repo store.Repository, remoteURL string) error {
	current, err := repo.RemoteURL(store.DefaultRemote)
	if err != nil || current != remoteURL {
		m.logger.Info("updating origin", "from", current, "to", remoteURL)
		if err := repo.SetRemoteURL(store.DefaultRemote, remoteURL); err != nil {
			return fmt.Errorf("failed to update origin: %w", err)
		}
	}

	m.logger.Debug("fetching updates")
	if err := repo.Fetch(ctx, store.DefaultRemote, m.callbacks); err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	m.logger.Debug("disconnected")

	head, err := repo.FetchedHead(ctx, store.DefaultRemote)
	if err != nil {
		return fmt.Errorf("failed to resolve fetched head: %w", err)
	}

	// reset to the most recent commit
	if err := repo.ResetHard(ctx, head); err != nil {
		return fmt.Errorf("failed to reset mirror to %s: %w", head.Short(), err)
	}
	return nil
}
