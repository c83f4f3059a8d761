package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// maxSymrefDepth bounds how many symbolic references are followed.
const maxSymrefDepth = 5

// GoGit implements Store in-process with go-git.
type GoGit struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewGoGit creates a go-git backed store. The key and token files are only
// used for remotes with a matching URL scheme.
func NewGoGit(sshKeyFile, httpsTokenFile string) *GoGit {
	return &GoGit{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Clone clones url into path. A destination that is not an empty directory
// yields CloneAlreadyPresent without touching it.
func (g *GoGit) Clone(ctx context.Context, url, path string, cb Callbacks) CloneResult {
	occupied, err := destinationOccupied(path)
	if err != nil {
		return CloneResult{Status: CloneFailed, Err: newError("clone", ErrFilesystem, "", err)}
	}
	if occupied {
		return CloneResult{Status: CloneAlreadyPresent, Err: ErrAlreadyExists}
	}

	auth, err := g.authFor(url)
	if err != nil {
		return CloneResult{Status: CloneFailed, Err: newError("clone", ErrAuthFailure, "config", err)}
	}

	opts := &git.CloneOptions{
		URL:        url,
		RemoteName: DefaultRemote,
		Auth:       auth,
		Tags:       git.AllTags,
	}
	if cb != nil {
		opts.Progress = newProgressWriter(cb)
	}

	repo, err := git.PlainCloneContext(ctx, path, false, opts)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return CloneResult{Status: CloneAlreadyPresent, Err: ErrAlreadyExists}
	}
	if err != nil {
		return CloneResult{Status: CloneFailed, Err: classifyGoGit("clone", err)}
	}

	r := &goGitRepo{path: path, repo: repo, auth: auth}
	if after, err := r.refSnapshot(); err == nil {
		emitRefUpdates(nil, after, cb)
	}
	return CloneResult{Status: CloneCreated, Repo: r}
}

// Open opens the repository at path.
func (g *GoGit) Open(_ context.Context, path string) (Repository, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, newError("open", ErrOpen, "repository", err)
	}

	url := ""
	if remote, err := repo.Remote(DefaultRemote); err == nil && len(remote.Config().URLs) > 0 {
		url = remote.Config().URLs[0]
	}
	auth, err := g.authFor(url)
	if err != nil {
		return nil, newError("open", ErrAuthFailure, "config", err)
	}

	return &goGitRepo{path: path, repo: repo, auth: auth}, nil
}

// authFor picks the transport credentials matching the URL scheme.
func (g *GoGit) authFor(url string) (transport.AuthMethod, error) {
	if g.sshKeyFile != "" && isSSHURL(url) {
		keys, err := ssh.NewPublicKeysFromFile("git", g.sshKeyFile, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load SSH key: %w", err)
		}
		return keys, nil
	}

	if g.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(g.httpsTokenFile)
		if err != nil {
			return nil, err
		}
		return &http.BasicAuth{Username: "x-access-token", Password: token}, nil
	}

	return nil, nil
}

type goGitRepo struct {
	path    string
	repo    *git.Repository
	auth    transport.AuthMethod
	fetched map[string]Revision
}

func (r *goGitRepo) Path() string {
	return r.path
}

func (r *goGitRepo) RemoteURL(name string) (string, error) {
	remote, err := r.repo.Remote(name)
	if err != nil {
		return "", newError("remote", ErrOpen, "config", err)
	}
	urls := remote.Config().URLs
	if len(urls) == 0 {
		return "", newError("remote", ErrOpen, "config", fmt.Errorf("remote %q has no URL", name))
	}
	return urls[0], nil
}

func (r *goGitRepo) SetRemoteURL(name, url string) error {
	cfg := &config.RemoteConfig{
		Name: name,
		URLs: []string{url},
	}

	if err := r.repo.DeleteRemote(name); err != nil && !errors.Is(err, git.ErrRemoteNotFound) {
		return newError("remote", ErrFilesystem, "config", err)
	}
	if _, err := r.repo.CreateRemote(cfg); err != nil {
		return newError("remote", ErrFilesystem, "config", err)
	}
	return nil
}

func (r *goGitRepo) Fetch(ctx context.Context, remote string, cb Callbacks, refspecs ...string) error {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return newError("fetch", ErrOpen, "config", err)
	}

	before, err := r.refSnapshot()
	if err != nil {
		return newError("fetch", ErrOpen, "refs", err)
	}

	// The remote's HEAD is read from its advertisement, never from a
	// remote-tracking ref that may be left over from an earlier remote.
	advertised, err := rem.ListContext(ctx, &git.ListOptions{Auth: r.auth})
	if err != nil {
		return classifyGoGit("fetch", err)
	}
	head, err := advertisedHead(advertised)
	if err != nil {
		return newError("fetch", ErrRevisionNotFound, "refs", err)
	}

	opts := &git.FetchOptions{
		RemoteName: remote,
		Auth:       r.auth,
		Tags:       git.AllTags,
		Force:      true,
		Prune:      true,
	}
	for _, spec := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, config.RefSpec(spec))
	}
	if cb != nil {
		opts.Progress = newProgressWriter(cb)
	}

	// go-git closes the session before FetchContext returns.
	err = rem.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return classifyGoGit("fetch", err)
	}

	if _, err := r.repo.CommitObject(plumbing.Hash(head)); err != nil {
		return newError("fetch", ErrRemoteUnavailable, "refs",
			fmt.Errorf("remote HEAD %s did not arrive with the fetch: %w", head.Short(), err))
	}

	after, err := r.refSnapshot()
	if err != nil {
		return newError("fetch", ErrOpen, "refs", err)
	}
	emitRefUpdates(before, after, cb)

	if r.fetched == nil {
		r.fetched = make(map[string]Revision)
	}
	r.fetched[remote] = head
	return nil
}

// FetchedHead returns the commit the remote advertised as HEAD during the
// last Fetch from it.
func (r *goGitRepo) FetchedHead(_ context.Context, remote string) (Revision, error) {
	head, ok := r.fetched[remote]
	if !ok {
		return ZeroRevision, newError("fetched-head", ErrRevisionNotFound, "refs", fmt.Errorf("nothing fetched from %s", remote))
	}
	return head, nil
}

func (r *goGitRepo) Head(_ context.Context) (Revision, error) {
	head, err := r.repo.Head()
	if err != nil {
		return ZeroRevision, newError("head", ErrRevisionNotFound, "refs", err)
	}
	return Revision(head.Hash()), nil
}

func (r *goGitRepo) ResolveRevision(_ context.Context, token string) (Revision, error) {
	hash, err := r.repo.ResolveRevision(plumbing.Revision(token))
	if err != nil {
		return ZeroRevision, newError("resolve", ErrRevisionNotFound, "revparse", fmt.Errorf("%q: %w", token, err))
	}
	return Revision(*hash), nil
}

func (r *goGitRepo) DiffTrees(ctx context.Context, from, to Revision) ([]DeltaEntry, error) {
	fromTree, err := r.tree(from)
	if err != nil {
		return nil, newError("diff", ErrDiff, "object", err)
	}
	toTree, err := r.tree(to)
	if err != nil {
		return nil, newError("diff", ErrDiff, "object", err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, nil)
	if err != nil {
		return nil, newError("diff", ErrDiff, "tree", err)
	}

	deltas := make([]DeltaEntry, 0, len(changes))
	for _, change := range changes {
		deltas = append(deltas, DeltaEntry{
			OldPath: change.From.Name,
			NewPath: change.To.Name,
		})
	}
	return deltas, nil
}

func (r *goGitRepo) ResetHard(_ context.Context, rev Revision) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return newError("reset", ErrReset, "worktree", err)
	}
	err = wt.Reset(&git.ResetOptions{
		Commit: plumbing.Hash(rev),
		Mode:   git.HardReset,
	})
	if err != nil {
		return newError("reset", ErrReset, "worktree", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return newError("reset", ErrReset, "clean", err)
	}
	return nil
}

func (r *goGitRepo) ListFiles(ctx context.Context, rev Revision) ([]string, error) {
	tree, err := r.tree(rev)
	if err != nil {
		return nil, newError("list", ErrRevisionNotFound, "object", err)
	}

	var files []string
	err = tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		files = append(files, f.Name)
		return nil
	})
	if err != nil {
		return nil, newError("list", ErrDiff, "tree", err)
	}
	return files, nil
}

func (r *goGitRepo) IsAncestor(_ context.Context, ancestor, descendant Revision) (bool, error) {
	a, err := r.repo.CommitObject(plumbing.Hash(ancestor))
	if err != nil {
		return false, newError("ancestry", ErrRevisionNotFound, "object", err)
	}
	d, err := r.repo.CommitObject(plumbing.Hash(descendant))
	if err != nil {
		return false, newError("ancestry", ErrRevisionNotFound, "object", err)
	}
	ok, err := a.IsAncestor(d)
	if err != nil {
		return false, newError("ancestry", ErrDiff, "walk", err)
	}
	return ok, nil
}

func (r *goGitRepo) tree(rev Revision) (*object.Tree, error) {
	commit, err := r.repo.CommitObject(plumbing.Hash(rev))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", rev.Short(), err)
	}
	return commit.Tree()
}

// advertisedHead follows HEAD through the references a remote advertised.
func advertisedHead(refs []*plumbing.Reference) (Revision, error) {
	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}

	name := plumbing.HEAD
	for depth := 0; depth < maxSymrefDepth; depth++ {
		ref, ok := byName[name]
		if !ok {
			return ZeroRevision, fmt.Errorf("remote does not advertise %s", name)
		}
		if ref.Type() == plumbing.HashReference {
			return Revision(ref.Hash()), nil
		}
		name = ref.Target()
	}
	return ZeroRevision, fmt.Errorf("symbolic reference chain at %s is too deep", name)
}

// refSnapshot maps every direct reference to its target.
func (r *goGitRepo) refSnapshot() (map[string]Revision, error) {
	iter, err := r.repo.References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	refs := make(map[string]Revision)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() == plumbing.HashReference {
			refs[ref.Name().String()] = Revision(ref.Hash())
		}
		return nil
	})
	return refs, err
}

// classifyGoGit maps go-git transport failures onto the store sentinels.
func classifyGoGit(op string, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return newError(op, ErrAuthFailure, "auth", err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return newError(op, ErrRemoteUnavailable, "repository", err)
	case errors.Is(err, errTransferAborted):
		return newError(op, ErrRemoteUnavailable, "callback", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(op, ErrRemoteUnavailable, "net", err)
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return newError(op, ErrFilesystem, "os", err)
	}
	return newError(op, ErrRemoteUnavailable, "transport", err)
}
