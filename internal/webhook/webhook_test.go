package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/checkpoint"
	"github.com/schaermu/gitdelta/internal/config"
	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/store"
	gitsync "github.com/schaermu/gitdelta/internal/sync"
)

const (
	testSecret = "test-secret-key"
	testSource = "https://github.com/test/repo.git"
	pushedSHA  = "1111111111111111111111111111111111111111"
	otherSHA   = "2222222222222222222222222222222222222222"
)

// fakeRunner records runs and reports head as the resulting mirror head.
type fakeRunner struct {
	mu      sync.Mutex
	runs    int
	head    store.Revision
	err     error
	release chan struct{} // when set, each run blocks until it is closed
	started chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, _ checkpoint.Token) (*gitsync.Result, error) {
	f.mu.Lock()
	f.runs++
	release, started := f.release, f.started
	head, err := f.head, f.err
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return nil, err
	}
	return &gitsync.Result{Head: head, Changes: changeset.NewIncremental("a.txt"), Paths: []string{"a.txt"}}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

// logBuffer is a goroutine-safe sink for slog output.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type fixture struct {
	cfg    *config.Config
	runner *fakeRunner
	server *Server
	logs   *logBuffer
	m      *metrics.Metrics
	reg    *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	secretPath := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretPath, []byte(testSecret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret: %v", err)
	}

	cfg := &config.Config{
		Repo:  config.RepoConfig{URL: testSource},
		Paths: config.PathsConfig{MirrorDir: filepath.Join(dir, "mirror"), StateDir: filepath.Join(dir, "state")},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
			AllowedRefs:             []string{"refs/heads/main"},
		},
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	logs := &logBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	runner := &fakeRunner{}

	srv, err := NewServer(cfg, runner, m, reg, logger)
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	srv.quiet = 20 * time.Millisecond
	t.Cleanup(srv.stopTimer)

	return &fixture{cfg: cfg, runner: runner, server: srv, logs: logs, m: m, reg: reg}
}

func pushBody(repoURL, ref, after string, deleted bool) string {
	return fmt.Sprintf(`{"ref":%q,"before":"0000000000000000000000000000000000000000","after":%q,"deleted":%t,`+
		`"repository":{"full_name":"test/repo","clone_url":%q}}`,
		ref, after, deleted, repoURL)
}

func sign(body string) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *fixture) deliver(t *testing.T, event, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	req.Header.Set("X-Hub-Signature-256", sign(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) deliveries(result string) float64 {
	return testutil.ToFloat64(f.m.WebhookDeliveries.WithLabelValues(result))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func mustRevision(t *testing.T, s string) store.Revision {
	t.Helper()
	rev, err := store.ParseRevision(s)
	if err != nil {
		t.Fatalf("ParseRevision(%q) failed: %v", s, err)
	}
	return rev
}

func TestNewServerSecret(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{Serve: config.ServeConfig{GitHubWebhookSecretFile: filepath.Join(dir, "missing")}}
	if _, err := NewServer(cfg, &fakeRunner{}, nil, nil, slog.Default()); err == nil {
		t.Error("expected error for missing secret file")
	}

	empty := filepath.Join(dir, "empty")
	if err := os.WriteFile(empty, []byte(" \n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.GitHubWebhookSecretFile = empty
	if _, err := NewServer(cfg, &fakeRunner{}, nil, nil, slog.Default()); err == nil {
		t.Error("expected error for empty secret file")
	}
}

func TestDeliveryVerdicts(t *testing.T) {
	mirrored := pushBody(testSource, "refs/heads/main", pushedSHA, false)

	tests := []struct {
		name     string
		event    string
		body     string
		wantCode int
		wantBody string
		result   string
	}{
		{"ping", "ping", `{"zen":"hi"}`, http.StatusOK, "pong", metrics.DeliveryIgnored},
		{"event not allowed", "issues", mirrored, http.StatusOK, "Event type not configured", metrics.DeliveryIgnored},
		{"malformed payload", "push", `{"ref":`, http.StatusBadRequest, "Invalid payload", metrics.DeliveryRejected},
		{"other repository", "push", pushBody("https://github.com/someone/else.git", "refs/heads/main", pushedSHA, false), http.StatusOK, "Repository not mirrored", metrics.DeliveryIgnored},
		{"ref not allowed", "push", pushBody(testSource, "refs/heads/feature", pushedSHA, false), http.StatusOK, "Ref not configured", metrics.DeliveryIgnored},
		{"ref deleted", "push", pushBody(testSource, "refs/heads/main", "0000000000000000000000000000000000000000", true), http.StatusOK, "Ref deletion ignored", metrics.DeliveryIgnored},
		{"invalid after", "push", pushBody(testSource, "refs/heads/main", "not-a-sha", false), http.StatusBadRequest, "Invalid after commit", metrics.DeliveryRejected},
		{"mirrored push", "push", mirrored, http.StatusAccepted, "Sync scheduled for 1111111", metrics.DeliveryAccepted},
		{"mirrored push over ssh url", "push", pushBody("git@github.com:test/repo.git", "refs/heads/main", pushedSHA, false), http.StatusAccepted, "Sync scheduled", metrics.DeliveryAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.server.quiet = time.Hour

			rec := f.deliver(t, tt.event, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %q)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
			if got := f.deliveries(tt.result); got != 1 {
				t.Errorf("deliveries{result=%q} = %v, want 1", tt.result, got)
			}
			if f.runner.count() != 0 {
				t.Errorf("runner invoked before the quiet period elapsed")
			}
		})
	}
}

func TestRequestRejections(t *testing.T) {
	f := newFixture(t)
	body := pushBody(testSource, "refs/heads/main", pushedSHA, false)

	get := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/", nil))
	if get.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", get.Code, http.StatusMethodNotAllowed)
	}

	form := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	form.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, form)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("form status = %d, want %d", rec.Code, http.StatusUnsupportedMediaType)
	}

	charset := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	charset.Header.Set("Content-Type", "application/json; charset=utf-8")
	charset.Header.Set("X-GitHub-Event", "push")
	charset.Header.Set("X-Hub-Signature-256", sign(body))
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, charset)
	if rec.Code != http.StatusAccepted {
		t.Errorf("json with charset status = %d, want %d", rec.Code, http.StatusAccepted)
	}

	for name, sig := range map[string]string{
		"missing":    "",
		"wrong algo": "sha1=abcdef",
		"not hex":    "sha256=zzzz",
		"wrong key":  "sha256=" + strings.Repeat("0", 64),
	} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "push")
		if sig != "" {
			req.Header.Set("X-Hub-Signature-256", sig)
		}
		rec := httptest.NewRecorder()
		f.server.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("signature %s: status = %d, want %d", name, rec.Code, http.StatusForbidden)
		}
	}

	if got := f.deliveries(metrics.DeliveryRejected); got != 6 {
		t.Errorf("rejected deliveries = %v, want 6", got)
	}
}

func TestDeliverySkippedWhenCheckpointMatches(t *testing.T) {
	f := newFixture(t)
	f.server.quiet = time.Hour

	if err := checkpoint.SaveState(f.cfg.Paths.StateDir, &checkpoint.State{Source: testSource, Commit: pushedSHA}); err != nil {
		t.Fatalf("SaveState() failed: %v", err)
	}

	rec := f.deliver(t, "push", pushBody(testSource, "refs/heads/main", pushedSHA, false))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Already synchronized to 1111111") {
		t.Errorf("got %d %q, want 200 already synchronized", rec.Code, rec.Body.String())
	}

	rec = f.deliver(t, "push", pushBody(testSource, "refs/heads/main", otherSHA, false))
	if rec.Code != http.StatusAccepted {
		t.Errorf("newer push status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestDeliveryCheckpointFromOtherSourceIgnored(t *testing.T) {
	f := newFixture(t)
	f.server.quiet = time.Hour

	if err := checkpoint.SaveState(f.cfg.Paths.StateDir, &checkpoint.State{Source: "https://example.com/other.git", Commit: pushedSHA}); err != nil {
		t.Fatalf("SaveState() failed: %v", err)
	}

	rec := f.deliver(t, "push", pushBody(testSource, "refs/heads/main", pushedSHA, false))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestPushesCoalesceIntoOneRun(t *testing.T) {
	f := newFixture(t)
	f.runner.head = mustRevision(t, otherSHA)

	f.deliver(t, "push", pushBody(testSource, "refs/heads/main", pushedSHA, false))
	f.deliver(t, "push", pushBody(testSource, "refs/heads/main", otherSHA, false))

	waitFor(t, "coalesced run", func() bool { return f.runner.count() == 1 })
	time.Sleep(3 * f.server.quiet)
	if got := f.runner.count(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}

	f.server.mu.Lock()
	pending := f.server.pushed
	f.server.mu.Unlock()
	if !pending.IsZero() {
		t.Errorf("pushed = %s after a run reaching it, want zero", pending)
	}
	if strings.Contains(f.logs.String(), "mirror head differs") {
		t.Errorf("unexpected head mismatch warning:\n%s", f.logs.String())
	}
}

func TestRunReportsHeadOtherThanPushed(t *testing.T) {
	f := newFixture(t)
	f.runner.head = mustRevision(t, otherSHA)

	f.deliver(t, "push", pushBody(testSource, "refs/heads/main", pushedSHA, false))
	waitFor(t, "run", func() bool { return f.runner.count() == 1 })
	waitFor(t, "mismatch log", func() bool { return strings.Contains(f.logs.String(), "mirror head differs from pushed commit") })

	logs := f.logs.String()
	if !strings.Contains(logs, "pushed=1111111") || !strings.Contains(logs, "head=2222222") {
		t.Errorf("mismatch log lacks revisions:\n%s", logs)
	}
}

func TestRunFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("remote unavailable")

	f.deliver(t, "push", pushBody(testSource, "refs/heads/main", pushedSHA, false))
	waitFor(t, "failure log", func() bool { return strings.Contains(f.logs.String(), "sync failed") })
}

func TestSyncNowQueuesSingleFollowUp(t *testing.T) {
	f := newFixture(t)
	f.runner.release = make(chan struct{})
	f.runner.started = make(chan struct{}, 4)

	done := make(chan struct{})
	go func() {
		f.server.syncNow(context.Background())
		close(done)
	}()
	<-f.runner.started

	// Three triggers while the first run is blocked collapse into one follow-up.
	for i := 0; i < 3; i++ {
		f.server.syncNow(context.Background())
	}
	close(f.runner.release)
	<-done

	if got := f.runner.count(); got != 2 {
		t.Errorf("runs = %d, want 2", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.deliver(t, "ping", `{}`)

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `gitdelta_webhook_deliveries_total{result="ignored"} 1`) {
		t.Errorf("metrics output lacks deliveries counter:\n%s", rec.Body.String())
	}
}

func TestMetricsEndpointDisabledWithoutGatherer(t *testing.T) {
	f := newFixture(t)
	f.server.gatherer = nil

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code == http.StatusOK {
		t.Errorf("metrics served without a gatherer")
	}
}

func TestStartRunsInitialSyncAndServes(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	f.cfg.Serve.ListenAddr = addr

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Start(ctx) }()

	waitFor(t, "initial sync", func() bool { return f.runner.count() == 1 })

	body := pushBody(testSource, "refs/heads/main", pushedSHA, false)
	var resp *http.Response
	waitFor(t, "listener", func() bool {
		req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-GitHub-Event", "push")
		req.Header.Set("X-Hub-Signature-256", sign(body))
		resp, err = http.DefaultClient.Do(req)
		return err == nil
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if !strings.Contains(f.logs.String(), "webhook server listening") {
		t.Errorf("listen address not logged")
	}
}
