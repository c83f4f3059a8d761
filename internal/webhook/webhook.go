// Package webhook turns GitHub push deliveries for the mirrored repository
// into sync runs that resume from the recorded checkpoint.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/schaermu/gitdelta/internal/changeset"
	"github.com/schaermu/gitdelta/internal/checkpoint"
	"github.com/schaermu/gitdelta/internal/config"
	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/store"
	gitsync "github.com/schaermu/gitdelta/internal/sync"
)

// DefaultQuietPeriod is how long the server waits after the last accepted
// push before it starts a run.
const DefaultQuietPeriod = 2 * time.Second

const maxPayloadBytes = 1 << 20

// Runner performs one sync run. *sync.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, token checkpoint.Token) (*gitsync.Result, error)
}

// Server receives push deliveries and schedules sync runs. Pushes arriving
// within the quiet period share one run; a push arriving while a run is in
// flight queues exactly one follow-up run.
type Server struct {
	cfg      *config.Config
	runner   Runner
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	secret   []byte
	quiet    time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	running bool
	again   bool
	pushed  store.Revision // newest accepted push not yet seen at the mirror head
}

// verdict is the response to a delivery that does not schedule a run.
type verdict struct {
	code   int
	msg    string
	result string
}

// NewServer creates a webhook server. A nil gatherer disables the metrics
// endpoint; a nil m records deliveries without exporting them.
func NewServer(cfg *config.Config, runner Runner, m *metrics.Metrics, gatherer prometheus.Gatherer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}
	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, errors.New("webhook secret file is empty")
	}

	if m == nil {
		m = metrics.New(nil)
	}

	return &Server{
		cfg:      cfg,
		runner:   runner,
		metrics:  m,
		gatherer: gatherer,
		logger:   logger,
		secret:   secret,
		quiet:    DefaultQuietPeriod,
	}, nil
}

// Handler returns the HTTP routes served by the webhook server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlePush)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start brings the mirror up to date, then serves deliveries until ctx is
// cancelled. A failing initial run is logged and does not stop the server.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("performing initial sync before starting webhook server")
	s.syncNow(ctx)
	if ctx.Err() != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Serve.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Serve.ListenAddr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", ln.Addr().String(), "source", s.cfg.Repo.URL)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.stopTimer()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		s.stopTimer()
		return err
	}
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	target, v := s.admit(w, r)
	if v != nil {
		s.metrics.WebhookDeliveries.WithLabelValues(v.result).Inc()
		if v.code >= http.StatusBadRequest {
			http.Error(w, v.msg, v.code)
			return
		}
		w.WriteHeader(v.code)
		_, _ = fmt.Fprintln(w, v.msg)
		return
	}

	s.metrics.WebhookDeliveries.WithLabelValues(metrics.DeliveryAccepted).Inc()
	s.schedule(target)

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Sync scheduled for %s\n", target.Short())
}

// admit validates a delivery and returns the pushed commit, or the verdict
// to answer with when no run is scheduled.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (store.Revision, *verdict) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		return store.ZeroRevision, &verdict{http.StatusMethodNotAllowed, "Method not allowed", metrics.DeliveryRejected}
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", r.Header.Get("Content-Type"))
		return store.ZeroRevision, &verdict{http.StatusUnsupportedMediaType, "Invalid content type", metrics.DeliveryRejected}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		s.logger.Warn("failed to read request body", "error", err)
		return store.ZeroRevision, &verdict{http.StatusRequestEntityTooLarge, "Failed to read body", metrics.DeliveryRejected}
	}

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		return store.ZeroRevision, &verdict{http.StatusForbidden, "Invalid signature", metrics.DeliveryRejected}
	}

	eventType := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	logger := s.logger.With("event", eventType, "delivery", delivery)

	if eventType == "ping" {
		logger.Info("received ping")
		return store.ZeroRevision, &verdict{http.StatusOK, "pong", metrics.DeliveryIgnored}
	}
	if !allowed(s.cfg.Serve.AllowedEventTypes, eventType) {
		logger.Info("ignoring disallowed event type")
		return store.ZeroRevision, &verdict{http.StatusOK, "Event type not configured for sync", metrics.DeliveryIgnored}
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		logger.Warn("failed to parse webhook payload", "error", err)
		return store.ZeroRevision, &verdict{http.StatusBadRequest, "Invalid payload", metrics.DeliveryRejected}
	}
	logger = logger.With("ref", event.Ref, "repo", event.Repository.FullName)

	if !event.Concerns(s.cfg.Repo.URL) {
		logger.Info("ignoring push for a repository that is not mirrored", "source", s.cfg.Repo.URL)
		return store.ZeroRevision, &verdict{http.StatusOK, "Repository not mirrored", metrics.DeliveryIgnored}
	}
	if !allowed(s.cfg.Serve.AllowedRefs, event.Ref) {
		logger.Info("ignoring disallowed ref")
		return store.ZeroRevision, &verdict{http.StatusOK, "Ref not configured for sync", metrics.DeliveryIgnored}
	}

	target, err := event.Target()
	if err != nil {
		logger.Warn("rejecting push without a valid commit", "after", event.After, "error", err)
		return store.ZeroRevision, &verdict{http.StatusBadRequest, "Invalid after commit", metrics.DeliveryRejected}
	}
	if target.IsZero() {
		logger.Info("ignoring ref deletion")
		return store.ZeroRevision, &verdict{http.StatusOK, "Ref deletion ignored", metrics.DeliveryIgnored}
	}

	if s.recorded(target) {
		logger.Info("push already recorded as checkpoint", "commit", target.Short())
		return store.ZeroRevision, &verdict{http.StatusOK, "Already synchronized to " + target.Short(), metrics.DeliveryIgnored}
	}

	logger.Info("webhook accepted", "commit", target.Short(), "before", event.Before)
	return target, nil
}

// recorded reports whether the checkpoint of the last successful run for
// this source is rev.
func (s *Server) recorded(rev store.Revision) bool {
	state, err := checkpoint.LoadState(s.cfg.Paths.StateDir)
	if err != nil {
		s.logger.Warn("failed to load checkpoint", "error", err)
		return false
	}
	return state != nil && state.Source == s.cfg.Repo.URL && state.Commit == rev.String()
}

// verifySignature checks the X-Hub-Signature-256 header against body.
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSum, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSum == "" {
		return false
	}
	got, err := hex.DecodeString(hexSum)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// allowed reports whether value is listed. An empty list allows everything.
func allowed(list []string, value string) bool {
	if len(list) == 0 {
		return true
	}
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// schedule remembers target and (re)starts the quiet period.
func (s *Server) schedule(target store.Revision) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushed = target
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.quiet, func() {
		s.syncNow(context.Background())
	})
}

func (s *Server) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// syncNow runs the engine unless a run is in flight, in which case one
// follow-up run is requested and syncNow returns immediately.
func (s *Server) syncNow(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.again = true
		s.mu.Unlock()
		s.logger.Info("sync in flight, follow-up run queued")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		want := s.pushed
		s.mu.Unlock()

		s.runOnce(ctx, want)

		s.mu.Lock()
		if !s.again {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.again = false
		s.mu.Unlock()
		s.logger.Info("running queued follow-up sync")
	}
}

// runOnce resumes from the recorded checkpoint and compares the resulting
// head with the pushed commit the run was started for.
func (s *Server) runOnce(ctx context.Context, want store.Revision) {
	res, err := s.runner.Run(ctx, "")
	if err != nil {
		s.logger.Error("sync failed", "error", err)
		return
	}

	s.logger.Info("sync completed",
		"continuation", string(res.Token()),
		"changes", describe(res.Changes),
		"paths", len(res.Paths))

	if want.IsZero() {
		return
	}
	if res.Head == want {
		s.mu.Lock()
		if s.pushed == want {
			s.pushed = store.ZeroRevision
		}
		s.mu.Unlock()
		return
	}
	// A push to a non-default branch or a newer push both end here.
	s.logger.Info("mirror head differs from pushed commit",
		"pushed", want.Short(),
		"head", res.Head.Short())
}

func describe(cs changeset.ChangeSet) string {
	switch cs := cs.(type) {
	case changeset.Full:
		return "full"
	case changeset.Incremental:
		return fmt.Sprintf("%d files", cs.Len())
	default:
		return "unknown"
	}
}
