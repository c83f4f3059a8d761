package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/config"
	"github.com/schaermu/gitdelta/internal/store"
	"github.com/schaermu/gitdelta/internal/sync"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// resetFlags restores the global flag variables after a test.
func resetFlags(t *testing.T) {
	t.Helper()
	origCfgFile, origSource, origMirror, origResume := cfgFile, source, mirrorDir, resume
	t.Cleanup(func() {
		cfgFile, source, mirrorDir, resume = origCfgFile, origSource, origMirror, origResume
	})
}

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	resetFlags(t)

	tmpDir := t.TempDir()
	mirror := filepath.Join(tmpDir, "mirror")

	configContent := []byte(`repo:
  url: "git@github.com:test/repo.git"
  subdir: "cves"
paths:
  mirror_dir: "` + mirror + `"
sync:
  deletions: "include"
`)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, configContent, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	source, mirrorDir, resume = "", "", false

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Paths.StateDir != mirror+".state" {
		t.Errorf("unexpected state dir %s", cfg.Paths.StateDir)
	}
	if cfg.Sync.Deletions != changeset.DeletionsInclude {
		t.Errorf("unexpected deletion policy %s", cfg.Sync.Deletions)
	}
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	resetFlags(t)

	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte("[repo]\nurl = \"https://example.com/a.git\"\n"), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfgFile = cfgPath
	source = "https://example.com/b.git"
	mirrorDir = filepath.Join(tmpDir, "mirror")
	resume = true

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Repo.URL != source {
		t.Errorf("--source not applied, got %s", cfg.Repo.URL)
	}
	if cfg.Paths.MirrorDir != mirrorDir {
		t.Errorf("--path not applied, got %s", cfg.Paths.MirrorDir)
	}
	if !cfg.Sync.Resume {
		t.Error("--resume not applied")
	}
}

func TestLoadConfig_RelativePathFlag(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(cfgFile, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	mirrorDir = "relative-mirror"

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if !filepath.IsAbs(cfg.Paths.MirrorDir) {
		t.Errorf("expected absolute mirror dir, got %s", cfg.Paths.MirrorDir)
	}
	if cfg.Repo.URL != config.DefaultRepoURL {
		t.Errorf("expected default source, got %s", cfg.Repo.URL)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	resetFlags(t)

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	_, err := loadConfig(quietLogger())
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPathWithoutMirror(t *testing.T) {
	resetFlags(t)
	t.Setenv("HOME", t.TempDir())
	cfgFile, source, mirrorDir = "", "", ""

	// Defaults alone lack a mirror directory.
	if _, err := loadConfig(quietLogger()); err == nil {
		t.Error("expected error without a mirror directory")
	}

	mirrorDir = filepath.Join(t.TempDir(), "mirror")
	if _, err := loadConfig(quietLogger()); err != nil {
		t.Errorf("expected defaults plus --path to be valid, got %v", err)
	}
}

func TestNewStore(t *testing.T) {
	cfg := config.Default()

	if _, ok := newStore(cfg).(*store.GoGit); !ok {
		t.Error("expected go-git store by default")
	}

	cfg.Sync.Backend = config.BackendShell
	if _, ok := newStore(cfg).(*store.Shell); !ok {
		t.Error("expected shell store")
	}
}

func TestPrintResult(t *testing.T) {
	head, err := store.ParseRevision("0123456789abcdef0123456789abcdef01234567")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		res  *sync.Result
		list bool
		want string
	}{
		{
			name: "full",
			res:  &sync.Result{Head: head, Changes: changeset.Full{}, Paths: []string{"a", "b"}},
			want: "continuation: 0123456789abcdef0123456789abcdef01234567\nchanges: full (2 files)\n",
		},
		{
			name: "incremental with list",
			res: &sync.Result{
				Head:    head,
				Changes: changeset.NewIncremental("a.txt", "c.txt", "other/x"),
				Paths:   []string{"a.txt", "c.txt"},
			},
			list: true,
			want: "continuation: 0123456789abcdef0123456789abcdef01234567\nchanges: 3 files\na.txt\nc.txt\n",
		},
		{
			name: "nothing changed",
			res:  &sync.Result{Head: head, Changes: changeset.NewIncremental()},
			list: true,
			want: "continuation: 0123456789abcdef0123456789abcdef01234567\nchanges: 0 files\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printResult(&buf, tt.res, tt.list)
			if buf.String() != tt.want {
				t.Errorf("printResult() =\n%q\nwant\n%q", buf.String(), tt.want)
			}
		})
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
