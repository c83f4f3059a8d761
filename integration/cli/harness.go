//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Harness builds the gitdelta binary once and runs it in an isolated HOME.
type Harness struct {
	t      *testing.T
	binary string
	home   string
}

// NewHarness compiles the binary into a temporary directory.
func NewHarness(t *testing.T, ctx context.Context) *Harness {
	t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		t.Fatalf("get project root: %v", err)
	}

	binDir := t.TempDir()
	binary := filepath.Join(binDir, "gitdelta")

	t.Logf("Building %s", binary)
	cmd := exec.CommandContext(ctx, "go", "build", "-o", binary, "./cmd/gitdelta")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: t, prefix: "[build] "}
	if err := cmd.Run(); err != nil {
		t.Fatalf("go build: %v", err)
	}

	return &Harness{
		t:      t,
		binary: binary,
		home:   t.TempDir(),
	}
}

// Exec runs the binary and returns stdout, stderr and the exit code.
func (h *Harness) Exec(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()

	cmd := exec.CommandContext(ctx, h.binary, args...)
	cmd.Env = append(os.Environ(), "HOME="+h.home, "GIT_TERMINAL_PROMPT=0")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustExec runs the binary and fails the test on a non-zero exit code.
func (h *Harness) MustExec(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Exec(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// Output is the parsed stdout of a sync run.
type Output struct {
	Continuation string
	Summary      string
	Paths        []string
}

// ParseOutput splits sync output into the continuation token, the change
// summary and the listed paths.
func ParseOutput(stdout string) Output {
	var out Output
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		switch {
		case strings.HasPrefix(line, "continuation: "):
			out.Continuation = strings.TrimPrefix(line, "continuation: ")
		case strings.HasPrefix(line, "changes: "):
			out.Summary = strings.TrimPrefix(line, "changes: ")
		case line != "":
			out.Paths = append(out.Paths, line)
		}
	}
	return out
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up from this source file to the directory holding go.mod
func findProjectRoot() (string, error) {
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
