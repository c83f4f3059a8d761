// Package changeset computes which files changed between a checkpoint and the
// head of a mirror.
package changeset

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/schaermu/gitdelta/internal/mirror"
	"github.com/schaermu/gitdelta/internal/store"
)

var tracer = otel.Tracer("github.com/schaermu/gitdelta/internal/changeset")

// ChangeSet is either Full or Incremental.
type ChangeSet interface {
	isChangeSet()
}

// Full asks the consumer to process every file in the mirror.
type Full struct{}

func (Full) isChangeSet() {}

// Incremental holds the relative, slash separated paths that changed. An
// empty Incremental means nothing changed, which is not the same as Full.
type Incremental struct {
	Paths map[string]struct{}
}

func (Incremental) isChangeSet() {}

// NewIncremental builds an Incremental from paths, dropping duplicates.
func NewIncremental(paths ...string) Incremental {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p] = struct{}{}
	}
	return Incremental{Paths: set}
}

// Len returns the number of changed paths.
func (i Incremental) Len() int {
	return len(i.Paths)
}

// Contains reports whether path is in the set.
func (i Incremental) Contains(path string) bool {
	_, ok := i.Paths[path]
	return ok
}

// Sorted returns the paths in lexical order.
func (i Incremental) Sorted() []string {
	out := make([]string, 0, len(i.Paths))
	for p := range i.Paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// DeletionPolicy controls whether files removed since the checkpoint appear
// in an Incremental.
type DeletionPolicy string

const (
	DeletionsOmit    DeletionPolicy = "omit"
	DeletionsInclude DeletionPolicy = "include"
)

// Computer diffs checkpoint trees against the mirror head.
type Computer struct {
	deletions DeletionPolicy
	logger    *slog.Logger
}

// NewComputer creates a Computer. An empty policy behaves like DeletionsOmit.
func NewComputer(deletions DeletionPolicy, logger *slog.Logger) *Computer {
	if deletions == "" {
		deletions = DeletionsOmit
	}
	return &Computer{deletions: deletions, logger: logger}
}

// Compute returns Full when from is nil and the set of changed paths between
// from and the mirror head otherwise. Renames are reported as a deletion of
// the old path plus an addition of the new one.
func (c *Computer) Compute(ctx context.Context, mir *mirror.Mirror, from *store.Revision) (ChangeSet, error) {
	if from == nil {
		c.logger.Info("no checkpoint given, full ingest required")
		return Full{}, nil
	}

	ctx, span := tracer.Start(ctx, "continue from")
	defer span.End()
	span.SetAttributes(
		attribute.String("from", from.String()),
		attribute.String("to", mir.Head.String()))

	c.logger.Info("continue from", "checkpoint", from.String())

	deltas, err := mir.Repo.DiffTrees(ctx, *from, mir.Head)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "diff failed")
		return nil, fmt.Errorf("failed to diff %s..%s: %w", from.Short(), mir.Head.Short(), err)
	}

	set := Incremental{Paths: make(map[string]struct{}, len(deltas))}
	for _, d := range deltas {
		switch {
		case d.NewPath != "":
			set.Paths[d.NewPath] = struct{}{}
		case c.deletions == DeletionsInclude && d.OldPath != "":
			set.Paths[d.OldPath] = struct{}{}
		}
	}

	span.SetAttributes(attribute.Int("changed", set.Len()))
	c.logger.Info("detected changed files", "count", set.Len())
	return set, nil
}
