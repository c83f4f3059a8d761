// Package store defines the versioned content store the mirror is built on
// and provides two implementations: GoGit, backed by go-git, and Shell, which
// shells out to the git command.
package store

import (
	"context"
	"encoding/hex"
	"fmt"
)

// DefaultRemote is the remote name every mirror is bound to.
const DefaultRemote = "origin"

// Revision is a content-addressed commit identifier.
type Revision [20]byte

// ZeroRevision is the all-zero revision, used as the old id of newly created refs.
var ZeroRevision Revision

// ParseRevision parses a full 40 character hex object id.
func ParseRevision(s string) (Revision, error) {
	var r Revision
	if len(s) != 2*len(r) {
		return r, fmt.Errorf("invalid revision %q: expected %d hex characters", s, 2*len(r))
	}
	if _, err := hex.Decode(r[:], []byte(s)); err != nil {
		return r, fmt.Errorf("invalid revision %q: %w", s, err)
	}
	return r, nil
}

// String returns the full hex form of the revision.
func (r Revision) String() string {
	return hex.EncodeToString(r[:])
}

// Short returns the abbreviated hex form used in log output.
func (r Revision) Short() string {
	return r.String()[:10]
}

// IsZero reports whether r is the zero revision.
func (r Revision) IsZero() bool {
	return r == ZeroRevision
}

// DeltaEntry is one row of a tree-to-tree diff. Paths are slash separated and
// relative to the repository root; an empty path means absent.
type DeltaEntry struct {
	OldPath string
	NewPath string
}

// IsDeletion reports whether the entry removes a file without replacing it.
func (d DeltaEntry) IsDeletion() bool {
	return d.NewPath == "" && d.OldPath != ""
}

// TransferStats is a snapshot of an ongoing object transfer.
type TransferStats struct {
	ReceivedObjects int
	TotalObjects    int
	ReceivedBytes   int64
}

// Callbacks receives events while objects are transferred from a remote.
// Returning false from a callback asks the store to abort the transfer.
type Callbacks interface {
	TransferProgress(stats TransferStats) bool
	UpdateTip(ref string, old, new Revision) bool
}

// CloneStatus tells which way a clone attempt went.
type CloneStatus int

const (
	// CloneFailed means the clone could not be performed; Err is set.
	CloneFailed CloneStatus = iota
	// CloneCreated means a fresh clone was written; Repo is set.
	CloneCreated
	// CloneAlreadyPresent means the destination already holds a repository.
	CloneAlreadyPresent
)

func (s CloneStatus) String() string {
	switch s {
	case CloneCreated:
		return "created"
	case CloneAlreadyPresent:
		return "already-present"
	default:
		return "failed"
	}
}

// CloneResult is the outcome of Store.Clone.
type CloneResult struct {
	Status CloneStatus
	Repo   Repository
	Err    error
}

// Store creates and opens local repositories.
type Store interface {
	// Clone clones url into path, streaming transfer events to cb.
	Clone(ctx context.Context, url, path string, cb Callbacks) CloneResult
	// Open opens the repository at path.
	Open(ctx context.Context, path string) (Repository, error)
}

// Repository is an opened local repository.
type Repository interface {
	// Path returns the working tree root.
	Path() string
	// RemoteURL returns the first URL configured for the named remote.
	RemoteURL(remote string) (string, error)
	// SetRemoteURL points the named remote at url.
	SetRemoteURL(remote, url string) error
	// Fetch fetches refspecs (the remote's configured ones when empty) and
	// tags from the named remote, pruning remote-tracking refs the remote no
	// longer has, and records the commit the remote advertised as HEAD. The
	// connection is closed before returning.
	Fetch(ctx context.Context, remote string, cb Callbacks, refspecs ...string) error
	// FetchedHead returns the remote HEAD recorded by the last Fetch from the
	// named remote on this Repository.
	FetchedHead(ctx context.Context, remote string) (Revision, error)
	// Head resolves HEAD to a commit.
	Head(ctx context.Context) (Revision, error)
	// ResolveRevision resolves a full or abbreviated id or a symbolic name
	// to a commit.
	ResolveRevision(ctx context.Context, token string) (Revision, error)
	// DiffTrees compares the trees of two commits without rename detection.
	DiffTrees(ctx context.Context, from, to Revision) ([]DeltaEntry, error)
	// ResetHard moves HEAD to rev, forces index and working tree to match and
	// removes untracked files and directories. Files matched by the
	// repository's .gitignore are kept.
	ResetHard(ctx context.Context, rev Revision) error
	// ListFiles returns the slash separated paths of the files and symlinks
	// recorded in the tree of rev. Submodules are skipped.
	ListFiles(ctx context.Context, rev Revision) ([]string, error)
	// IsAncestor reports whether ancestor is reachable from descendant.
	IsAncestor(ctx context.Context, ancestor, descendant Revision) (bool, error)
}
