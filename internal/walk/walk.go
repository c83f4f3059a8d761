// Package walk lists the files an ingestion step has to process for a
// change set.
package walk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	gitignore "github.com/denormal/go-gitignore"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/mirror"
)

// IgnoreFileName is read from the mirror root when present.
const IgnoreFileName = ".gitdeltaignore"

// ErrPathEscapes is returned for a sub-directory outside the mirror.
var ErrPathEscapes = errors.New("path escapes the mirror")

// Walker enumerates paths below a sub-directory of the mirror.
type Walker struct {
	subdir   string
	patterns []string
	logger   *slog.Logger
}

// NewWalker creates a Walker. subdir is relative to the mirror root; the empty
// string selects the whole mirror. patterns use gitignore syntax.
func NewWalker(subdir string, patterns []string, logger *slog.Logger) (*Walker, error) {
	clean, err := cleanSubdir(subdir)
	if err != nil {
		return nil, err
	}
	return &Walker{subdir: clean, patterns: patterns, logger: logger}, nil
}

func cleanSubdir(subdir string) (string, error) {
	if subdir == "" {
		return "", nil
	}
	slashed := filepath.ToSlash(subdir)
	if path.IsAbs(slashed) || filepath.IsAbs(subdir) {
		return "", fmt.Errorf("%q is absolute: %w", subdir, ErrPathEscapes)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%q: %w", subdir, ErrPathEscapes)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// Paths returns the sorted, slash separated paths relative to the mirror
// root that the change set selects. Full lists the files recorded in the
// mirror's head commit, so stray files in the working tree never show up.
// Paths of an Incremental are filtered the same way and need not exist.
func (w *Walker) Paths(ctx context.Context, mir *mirror.Mirror, cs changeset.ChangeSet) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matcher, err := w.loadIgnore(mir.Path)
	if err != nil {
		return nil, err
	}

	var candidates []string
	switch cs := cs.(type) {
	case changeset.Full:
		candidates, err = mir.Repo.ListFiles(ctx, mir.Head)
		if err != nil {
			return nil, fmt.Errorf("failed to list files at %s: %w", mir.Head.Short(), err)
		}
	case changeset.Incremental:
		candidates = cs.Sorted()
	default:
		return nil, fmt.Errorf("unsupported change set %T", cs)
	}

	var paths []string
	inside := 0
	for _, p := range candidates {
		if !w.inSubdir(p) {
			continue
		}
		inside++
		if !ignored(matcher, p) {
			paths = append(paths, p)
		}
	}

	if _, full := cs.(changeset.Full); full && w.subdir != "" && inside == 0 {
		w.logger.Warn("subdirectory does not exist at head", "subdir", w.subdir, "head", mir.Head.Short())
	}

	sort.Strings(paths)
	w.logger.Debug("enumerated paths", "count", len(paths), "subdir", w.subdir)
	return paths, nil
}

func (w *Walker) inSubdir(p string) bool {
	return w.subdir == "" || p == w.subdir || strings.HasPrefix(p, w.subdir+"/")
}

// loadIgnore compiles the configured patterns together with the mirror's
// ignore file. It returns nil when there is nothing to ignore.
func (w *Walker) loadIgnore(root string) (gitignore.GitIgnore, error) {
	patterns := append([]string(nil), w.patterns...)

	content, err := os.ReadFile(filepath.Join(root, IgnoreFileName))
	switch {
	case err == nil:
		patterns = append(patterns, strings.Split(string(content), "\n")...)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read %s: %w", IgnoreFileName, err)
	}

	var lines []string
	for _, p := range patterns {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines = append(lines, strings.ReplaceAll(trimmed, "\\", "/"))
	}
	if len(lines) == 0 {
		return nil, nil
	}

	matcher := gitignore.New(strings.NewReader(strings.Join(lines, "\n")), root,
		func(e gitignore.Error) bool {
			w.logger.Warn("invalid ignore pattern", "error", e.Error())
			return true
		})
	return matcher, nil
}

// ignored reports whether p or any of its parent directories is ignored.
func ignored(matcher gitignore.GitIgnore, p string) bool {
	if matcher == nil {
		return false
	}
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if matchIgnored(matcher, strings.Join(parts[:i], "/"), true) {
			return true
		}
	}
	return matchIgnored(matcher, p, false)
}

func matchIgnored(matcher gitignore.GitIgnore, rel string, isdir bool) bool {
	if matcher == nil {
		return false
	}
	match := matcher.Relative(rel, isdir)
	if match == nil {
		return false
	}
	return match.Ignore()
}
