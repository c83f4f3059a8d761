// Package checkpoint turns continuation tokens into revisions of a mirror.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/gitdelta/internal/mirror"
	"github.com/schaermu/gitdelta/internal/store"
)

// Token names a revision from a previous run. The empty token means no
// checkpoint was supplied.
type Token string

// IsZero reports whether no checkpoint was supplied.
func (t Token) IsZero() bool {
	return t == ""
}

// AncestryPolicy decides what happens when a checkpoint is not an ancestor
// of the mirror head, for example after a force push.
type AncestryPolicy string

const (
	AncestryIgnore AncestryPolicy = "ignore"
	AncestryWarn   AncestryPolicy = "warn"
	AncestryReject AncestryPolicy = "reject"
)

// ErrNotAncestor is returned under AncestryReject.
var ErrNotAncestor = errors.New("checkpoint is not an ancestor of the mirror head")

// Resolver resolves tokens against a synchronized mirror.
type Resolver struct {
	policy AncestryPolicy
	logger *slog.Logger
}

// NewResolver creates a Resolver. An empty policy behaves like AncestryWarn.
func NewResolver(policy AncestryPolicy, logger *slog.Logger) *Resolver {
	if policy == "" {
		policy = AncestryWarn
	}
	return &Resolver{policy: policy, logger: logger}
}

// Resolve returns the revision named by token, or nil for an empty token.
// Abbreviated ids and symbolic names are accepted. The mirror is never
// modified.
func (r *Resolver) Resolve(ctx context.Context, mir *mirror.Mirror, token Token) (*store.Revision, error) {
	if token.IsZero() {
		return nil, nil
	}

	rev, err := mir.Repo.ResolveRevision(ctx, string(token))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve checkpoint %q: %w", token, err)
	}

	if err := r.checkAncestry(ctx, mir, rev); err != nil {
		return nil, err
	}

	r.logger.Debug("resolved checkpoint", "token", string(token), "commit", rev.String())
	return &rev, nil
}

func (r *Resolver) checkAncestry(ctx context.Context, mir *mirror.Mirror, rev store.Revision) error {
	if r.policy == AncestryIgnore || rev == mir.Head {
		return nil
	}

	ok, err := mir.Repo.IsAncestor(ctx, rev, mir.Head)
	if err != nil {
		return fmt.Errorf("failed to check checkpoint ancestry: %w", err)
	}
	if ok {
		return nil
	}

	if r.policy == AncestryReject {
		return fmt.Errorf("%s: %w", rev.Short(), ErrNotAncestor)
	}
	r.logger.Warn("checkpoint is not an ancestor of head, history may have been rewritten",
		"checkpoint", rev.Short(),
		"head", mir.Head.Short())
	return nil
}
