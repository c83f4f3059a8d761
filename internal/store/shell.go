package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Shell implements Store by shelling out to the git command.
type Shell struct {
	sshKeyFile     string
	httpsTokenFile string
}

// NewShell creates a store that uses the git command.
func NewShell(sshKeyFile, httpsTokenFile string) *Shell {
	return &Shell{
		sshKeyFile:     sshKeyFile,
		httpsTokenFile: httpsTokenFile,
	}
}

// Clone runs git clone, feeding its progress output to cb.
func (s *Shell) Clone(ctx context.Context, url, path string, cb Callbacks) CloneResult {
	occupied, err := destinationOccupied(path)
	if err != nil {
		return CloneResult{Status: CloneFailed, Err: newError("clone", ErrFilesystem, "", err)}
	}
	if occupied {
		return CloneResult{Status: CloneAlreadyPresent, Err: ErrAlreadyExists}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return CloneResult{Status: CloneFailed, Err: newError("clone", ErrFilesystem, "", fmt.Errorf("failed to create parent directory: %w", err))}
	}

	err = s.runTransfer(ctx, cb, "clone", url, "clone", "--progress", "--origin", DefaultRemote, url, path)
	if err != nil {
		classified := classifyShell("clone", err)
		if errors.Is(classified, ErrAlreadyExists) {
			return CloneResult{Status: CloneAlreadyPresent, Err: ErrAlreadyExists}
		}
		return CloneResult{Status: CloneFailed, Err: classified}
	}

	r := &shellRepo{shell: s, path: path}
	if after, err := r.refSnapshot(ctx); err == nil {
		emitRefUpdates(nil, after, cb)
	}
	return CloneResult{Status: CloneCreated, Repo: r}
}

// Open checks that path is the top level of a git working tree.
func (s *Shell) Open(ctx context.Context, path string) (Repository, error) {
	out, err := s.output(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, newError("open", ErrOpen, exitClass(err), err)
	}

	top, err := filepath.EvalSymlinks(strings.TrimSpace(out))
	if err != nil {
		return nil, newError("open", ErrFilesystem, "", err)
	}
	want, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, newError("open", ErrFilesystem, "", err)
	}
	if top != want {
		return nil, newError("open", ErrOpen, "repository", fmt.Errorf("%s is inside the repository at %s", path, top))
	}

	return &shellRepo{shell: s, path: path}, nil
}

// runTransfer runs a network-facing git command with authentication and
// progress reporting. A callback asking to abort kills the command.
func (s *Shell) runTransfer(ctx context.Context, cb Callbacks, op, url string, args ...string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if err := s.configureAuth(cmd, url); err != nil {
		return newError(op, ErrAuthFailure, "config", err)
	}

	var stderr bytes.Buffer
	progress := &abortingWriter{w: newProgressWriter(cb), abort: cancel}
	cmd.Stderr = &teeWriter{primary: &stderr, secondary: progress}

	if err := cmd.Run(); err != nil {
		if progress.aborted {
			return errTransferAborted
		}
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

// configureAuth sets up authentication for git operations
func (s *Shell) configureAuth(cmd *exec.Cmd, url string) error {
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")

	// SSH authentication
	if s.sshKeyFile != "" && isSSHURL(url) {
		// The path is shell-quoted to prevent injection via crafted filenames.
		sshCmd := fmt.Sprintf("ssh -i %s -o StrictHostKeyChecking=accept-new -F /dev/null", shellQuote(s.sshKeyFile))
		cmd.Env = append(cmd.Env, "GIT_SSH_COMMAND="+sshCmd)
		return nil
	}

	// HTTPS authentication with token
	if s.httpsTokenFile != "" && strings.HasPrefix(url, "https://") {
		token, err := readToken(s.httpsTokenFile)
		if err != nil {
			return err
		}

		// The token travels in the environment and is read back by an
		// inline credential helper, never through the command line.
		cmd.Env = append(cmd.Env, "GITDELTA_GIT_TOKEN="+token)
		cmd.Args = insertGitFlags(cmd.Args,
			"-c", `credential.helper=!f() { echo "username=x-access-token"; echo "password=$GITDELTA_GIT_TOKEN"; }; f`,
		)
	}

	return nil
}

// transferOutput runs a network-facing git command with authentication and
// returns its stdout.
func (s *Shell) transferOutput(ctx context.Context, op, url string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if err := s.configureAuth(cmd, url); err != nil {
		return "", newError(op, ErrAuthFailure, "config", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// output runs git in dir and returns its stdout.
func (s *Shell) output(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return string(out), nil
}

// insertGitFlags inserts flags immediately after the "git" command name,
// before the subcommand (e.g. "clone", "fetch").
func insertGitFlags(args []string, flags ...string) []string {
	if len(args) == 0 {
		return flags
	}
	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args[0])
	result = append(result, flags...)
	result = append(result, args[1:]...)
	return result
}

// shellQuote wraps s in single quotes, escaping any embedded single quotes.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// exitClass describes how a git command failed.
func exitClass(err error) string {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit status %d", exitErr.ExitCode())
	}
	return "exec"
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// classifyShell maps git's stderr messages onto the store sentinels.
func classifyShell(op string, err error) error {
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}
	if errors.Is(err, errTransferAborted) {
		return newError(op, ErrRemoteUnavailable, "callback", err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists and is not an empty directory"):
		return newError(op, ErrAlreadyExists, exitClass(err), err)
	case strings.Contains(msg, "Authentication failed"),
		strings.Contains(msg, "could not read Username"),
		strings.Contains(msg, "Permission denied"),
		strings.Contains(msg, "terminal prompts disabled"):
		return newError(op, ErrAuthFailure, exitClass(err), err)
	}
	return newError(op, ErrRemoteUnavailable, exitClass(err), err)
}

// teeWriter copies stderr into a buffer and the progress parser. It never
// fails so the child process never blocks on a full pipe.
type teeWriter struct {
	primary   *bytes.Buffer
	secondary *abortingWriter
}

func (t *teeWriter) Write(p []byte) (int, error) {
	_, _ = t.primary.Write(p)
	_, _ = t.secondary.Write(p)
	return len(p), nil
}

type abortingWriter struct {
	w       *progressWriter
	abort   context.CancelFunc
	aborted bool
}

func (a *abortingWriter) Write(p []byte) (int, error) {
	if a.aborted {
		return len(p), nil
	}
	if _, err := a.w.Write(p); errors.Is(err, errTransferAborted) {
		a.aborted = true
		a.abort()
	}
	return len(p), nil
}

type shellRepo struct {
	shell   *Shell
	path    string
	fetched map[string]Revision
}

func (r *shellRepo) Path() string {
	return r.path
}

func (r *shellRepo) RemoteURL(remote string) (string, error) {
	out, err := r.shell.output(context.Background(), r.path, "remote", "get-url", remote)
	if err != nil {
		return "", newError("remote", ErrOpen, exitClass(err), err)
	}
	return strings.TrimSpace(out), nil
}

func (r *shellRepo) SetRemoteURL(remote, url string) error {
	ctx := context.Background()
	if _, err := r.shell.output(ctx, r.path, "remote", "set-url", remote, url); err == nil {
		return nil
	}
	if _, err := r.shell.output(ctx, r.path, "remote", "add", remote, url); err != nil {
		return newError("remote", ErrFilesystem, exitClass(err), err)
	}
	return nil
}

func (r *shellRepo) Fetch(ctx context.Context, remote string, cb Callbacks, refspecs ...string) error {
	url, err := r.RemoteURL(remote)
	if err != nil {
		return err
	}

	before, err := r.refSnapshot(ctx)
	if err != nil {
		return newError("fetch", ErrOpen, exitClass(err), err)
	}

	// The remote's HEAD is asked for directly, never taken from a
	// remote-tracking ref that may be left over from an earlier remote.
	out, err := r.shell.transferOutput(ctx, "fetch", url, "-C", r.path, "ls-remote", "--symref", remote, "HEAD")
	if err != nil {
		return classifyShell("fetch", err)
	}
	head, err := parseLsRemoteHead(out)
	if err != nil {
		return newError("fetch", ErrRevisionNotFound, "refs", err)
	}

	args := append([]string{"-C", r.path, "fetch", "--progress", "--tags", "--force", "--prune", remote}, refspecs...)
	if err := r.shell.runTransfer(ctx, cb, "fetch", url, args...); err != nil {
		return classifyShell("fetch", err)
	}

	if _, err := r.revParse(ctx, head.String()); err != nil {
		return newError("fetch", ErrRemoteUnavailable, "refs",
			fmt.Errorf("remote HEAD %s did not arrive with the fetch: %w", head.Short(), err))
	}

	after, err := r.refSnapshot(ctx)
	if err != nil {
		return newError("fetch", ErrOpen, exitClass(err), err)
	}
	emitRefUpdates(before, after, cb)

	if r.fetched == nil {
		r.fetched = make(map[string]Revision)
	}
	r.fetched[remote] = head
	return nil
}

// FetchedHead returns the commit the remote reported as HEAD during the last
// Fetch from it.
func (r *shellRepo) FetchedHead(_ context.Context, remote string) (Revision, error) {
	head, ok := r.fetched[remote]
	if !ok {
		return ZeroRevision, newError("fetched-head", ErrRevisionNotFound, "refs", fmt.Errorf("nothing fetched from %s", remote))
	}
	return head, nil
}

func (r *shellRepo) Head(ctx context.Context) (Revision, error) {
	rev, err := r.revParse(ctx, "HEAD")
	if err != nil {
		return ZeroRevision, newError("head", ErrRevisionNotFound, exitClass(err), err)
	}
	return rev, nil
}

func (r *shellRepo) ResolveRevision(ctx context.Context, token string) (Revision, error) {
	if strings.HasPrefix(token, "-") {
		return ZeroRevision, newError("resolve", ErrRevisionNotFound, "revparse", fmt.Errorf("%q: not a revision", token))
	}
	rev, err := r.revParse(ctx, token)
	if err != nil {
		return ZeroRevision, newError("resolve", ErrRevisionNotFound, exitClass(err), fmt.Errorf("%q: %w", token, err))
	}
	return rev, nil
}

func (r *shellRepo) DiffTrees(ctx context.Context, from, to Revision) ([]DeltaEntry, error) {
	out, err := r.shell.output(ctx, r.path, "diff-tree", "-r", "-z", "--no-renames", "--name-status", from.String(), to.String())
	if err != nil {
		return nil, newError("diff", ErrDiff, exitClass(err), err)
	}
	deltas, err := parseNameStatus(out)
	if err != nil {
		return nil, newError("diff", ErrDiff, "parse", err)
	}
	return deltas, nil
}

func (r *shellRepo) ResetHard(ctx context.Context, rev Revision) error {
	if _, err := r.shell.output(ctx, r.path, "reset", "--hard", "--quiet", rev.String()); err != nil {
		return newError("reset", ErrReset, exitClass(err), err)
	}
	if _, err := r.shell.output(ctx, r.path, "clean", "-ffd", "--quiet"); err != nil {
		return newError("reset", ErrReset, exitClass(err), err)
	}
	return nil
}

func (r *shellRepo) ListFiles(ctx context.Context, rev Revision) ([]string, error) {
	out, err := r.shell.output(ctx, r.path, "ls-tree", "-r", "-z", "--full-tree", rev.String())
	if err != nil {
		return nil, newError("list", ErrRevisionNotFound, exitClass(err), err)
	}
	files, err := parseLsTree(out)
	if err != nil {
		return nil, newError("list", ErrDiff, "parse", err)
	}
	return files, nil
}

func (r *shellRepo) IsAncestor(ctx context.Context, ancestor, descendant Revision) (bool, error) {
	_, err := r.shell.output(ctx, r.path, "merge-base", "--is-ancestor", ancestor.String(), descendant.String())
	switch {
	case err == nil:
		return true, nil
	case exitCode(err) == 1:
		return false, nil
	default:
		return false, newError("ancestry", ErrRevisionNotFound, exitClass(err), err)
	}
}

// revParse resolves rev to a commit id.
func (r *shellRepo) revParse(ctx context.Context, rev string) (Revision, error) {
	out, err := r.shell.output(ctx, r.path, "rev-parse", "--verify", "--quiet", rev+"^{commit}")
	if err != nil {
		return ZeroRevision, err
	}
	return ParseRevision(strings.TrimSpace(out))
}

// refSnapshot maps every ref to the object it points at.
func (r *shellRepo) refSnapshot(ctx context.Context) (map[string]Revision, error) {
	out, err := r.shell.output(ctx, r.path, "for-each-ref", "--format=%(objectname) %(refname)")
	if err != nil {
		return nil, err
	}

	refs := make(map[string]Revision)
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		id, name, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		rev, err := ParseRevision(id)
		if err != nil {
			return nil, err
		}
		refs[name] = rev
	}
	return refs, nil
}

// parseLsRemoteHead picks the commit id of HEAD out of
// `git ls-remote --symref <remote> HEAD` output.
func parseLsRemoteHead(out string) (Revision, error) {
	for _, line := range strings.Split(out, "\n") {
		id, name, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || name != "HEAD" || strings.HasPrefix(id, "ref: ") {
			continue
		}
		return ParseRevision(id)
	}
	return ZeroRevision, errors.New("remote does not advertise HEAD")
}

// parseLsTree parses `git ls-tree -r -z` output, keeping blobs only.
func parseLsTree(out string) ([]string, error) {
	var files []string
	for _, entry := range strings.Split(strings.TrimSuffix(out, "\x00"), "\x00") {
		if entry == "" {
			continue
		}
		meta, name, ok := strings.Cut(entry, "\t")
		if !ok {
			return nil, fmt.Errorf("unexpected ls-tree entry %q", entry)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return nil, fmt.Errorf("unexpected ls-tree entry %q", entry)
		}
		if fields[1] == "blob" {
			files = append(files, name)
		}
	}
	return files, nil
}

// parseNameStatus parses `git diff-tree -z --name-status` output.
func parseNameStatus(out string) ([]DeltaEntry, error) {
	fields := strings.Split(strings.TrimSuffix(out, "\x00"), "\x00")
	if len(fields) == 1 && fields[0] == "" {
		return nil, nil
	}
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("unexpected diff-tree output: %d fields", len(fields))
	}

	deltas := make([]DeltaEntry, 0, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		status, path := fields[i], fields[i+1]
		switch {
		case strings.HasPrefix(status, "A"):
			deltas = append(deltas, DeltaEntry{NewPath: path})
		case strings.HasPrefix(status, "D"):
			deltas = append(deltas, DeltaEntry{OldPath: path})
		default:
			deltas = append(deltas, DeltaEntry{OldPath: path, NewPath: path})
		}
	}
	return deltas, nil
}
