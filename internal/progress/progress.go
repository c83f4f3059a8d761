// Package progress reports transfer and ref-update events emitted by the
// store while a mirror is cloned or fetched. Reporting never influences the
// outcome of a transfer.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/schaermu/gitdelta/internal/metrics"
	"github.com/schaermu/gitdelta/internal/store"
)

// DefaultInterval bounds how often transfer progress is logged.
const DefaultInterval = time.Second

// Reporter logs store events and records them as metrics. It always asks
// the store to continue.
type Reporter struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	lastLog time.Time
}

// NewReporter creates a Reporter. Progress lines are logged at most once per
// interval; the final line of a transfer is always logged.
func NewReporter(logger *slog.Logger, m *metrics.Metrics, interval time.Duration) *Reporter {
	return &Reporter{
		logger:   logger,
		metrics:  m,
		interval: interval,
	}
}

// TransferProgress implements store.Callbacks.
func (r *Reporter) TransferProgress(stats store.TransferStats) bool {
	r.metrics.ObjectsReceived.Set(float64(stats.ReceivedObjects))
	// Most progress lines carry no size; keep the last reported one.
	if stats.ReceivedBytes > 0 {
		r.metrics.BytesReceived.Set(float64(stats.ReceivedBytes))
	}

	if r.shouldLog(stats) {
		r.logger.Debug("progress",
			"objects", stats.ReceivedObjects,
			"total", stats.TotalObjects,
			"bytes", stats.ReceivedBytes)
	}
	return true
}

// UpdateTip implements store.Callbacks.
func (r *Reporter) UpdateTip(ref string, old, new store.Revision) bool {
	if old.IsZero() {
		r.metrics.RefUpdates.WithLabelValues("new").Inc()
		r.logger.Debug("[new]", "id", new.Short(), "ref", ref)
	} else {
		r.metrics.RefUpdates.WithLabelValues("updated").Inc()
		r.logger.Debug("[updated]", "from", old.Short(), "to", new.Short(), "ref", ref)
	}
	return true
}

func (r *Reporter) shouldLog(stats store.TransferStats) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	done := stats.TotalObjects > 0 && stats.ReceivedObjects >= stats.TotalObjects
	if !done && now.Sub(r.lastLog) < r.interval {
		return false
	}
	r.lastLog = now
	return true
}

// Safe wraps cb so that a panicking callback is logged and the transfer
// continues.
func Safe(cb store.Callbacks, logger *slog.Logger) store.Callbacks {
	return &safeCallbacks{cb: cb, logger: logger}
}

type safeCallbacks struct {
	cb     store.Callbacks
	logger *slog.Logger
}

func (s *safeCallbacks) TransferProgress(stats store.TransferStats) (cont bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("progress callback failed", "panic", rec)
			cont = true
		}
	}()
	return s.cb.TransferProgress(stats)
}

func (s *safeCallbacks) UpdateTip(ref string, old, new store.Revision) (cont bool) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("ref update callback failed", "ref", ref, "panic", rec)
			cont = true
		}
	}()
	return s.cb.UpdateTip(ref, old, new)
}
