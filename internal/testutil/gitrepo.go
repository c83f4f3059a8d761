// Package testutil builds throwaway git repositories for tests.
package testutil

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/gitdelta/internal/store"
)

// Remote is a non-bare repository that tests commit to and mirrors clone from.
type Remote struct {
	Dir  string
	repo *git.Repository
	tick time.Time
}

// NewRemote initializes an empty repository in a fresh temporary directory.
func NewRemote(t *testing.T) *Remote {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "remote")
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err, "init remote")

	return &Remote{
		Dir:  dir,
		repo: repo,
		tick: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Commit writes files (path -> content), deletes the listed paths and records
// a commit. Paths are slash separated.
func (r *Remote) Commit(t *testing.T, msg string, files map[string]string, deletes ...string) store.Revision {
	t.Helper()

	wt, err := r.repo.Worktree()
	require.NoError(t, err)

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		full := filepath.Join(r.Dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(files[name]), 0644))
		_, err := wt.Add(name)
		require.NoError(t, err, "add %s", name)
	}
	for _, name := range deletes {
		_, err := wt.Remove(name)
		require.NoError(t, err, "remove %s", name)
	}

	r.tick = r.tick.Add(time.Minute)
	sig := &object.Signature{Name: "Test", Email: "test@test.com", When: r.tick}
	hash, err := wt.Commit(msg, &git.CommitOptions{Author: sig, Committer: sig})
	require.NoError(t, err, "commit %q", msg)

	return store.Revision(hash)
}

// RenameBranch renames the checked out branch to name and keeps HEAD on it,
// like `git branch -m name`. Later commits land on the new branch.
func (r *Remote) RenameBranch(t *testing.T, name string) {
	t.Helper()

	head, err := r.repo.Reference(plumbing.HEAD, false)
	require.NoError(t, err)
	current, err := r.repo.Reference(head.Target(), true)
	require.NoError(t, err, "resolve %s", head.Target())

	renamed := plumbing.NewBranchReferenceName(name)
	require.NoError(t, r.repo.Storer.SetReference(plumbing.NewHashReference(renamed, current.Hash())))
	require.NoError(t, r.repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, renamed)))
	require.NoError(t, r.repo.Storer.RemoveReference(current.Name()))
}
