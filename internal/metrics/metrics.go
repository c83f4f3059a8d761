// Package metrics holds the prometheus collectors shared by the sync engine,
// the progress reporter and the webhook server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for Runs.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Delivery labels for WebhookDeliveries.
const (
	DeliveryAccepted = "accepted"
	DeliveryIgnored  = "ignored"
	DeliveryRejected = "rejected"
)

// Metrics groups the collectors. A Metrics created with a nil registerer
// records values without exporting them.
type Metrics struct {
	Runs            *prometheus.CounterVec
	Duration        prometheus.Histogram
	ChangedFiles    prometheus.Gauge
	FullIngests     prometheus.Counter
	MirrorUpdates   *prometheus.CounterVec
	ObjectsReceived prometheus.Gauge
	BytesReceived   prometheus.Gauge
	RefUpdates      *prometheus.CounterVec

	WebhookDeliveries *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gitdelta_sync_runs_total",
			Help: "Total sync runs by outcome",
		}, []string{"outcome"}),
		Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gitdelta_sync_duration_seconds",
			Help:    "Duration of a complete sync run in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}),
		ChangedFiles: f.NewGauge(prometheus.GaugeOpts{
			Name: "gitdelta_changed_files",
			Help: "Number of changed files reported by the last incremental run",
		}),
		FullIngests: f.NewCounter(prometheus.CounterOpts{
			Name: "gitdelta_full_ingest_total",
			Help: "Runs that requested a full ingest because no checkpoint was given",
		}),
		MirrorUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gitdelta_mirror_updates_total",
			Help: "Mirror synchronizations by mode (clone or update)",
		}, []string{"mode"}),
		ObjectsReceived: f.NewGauge(prometheus.GaugeOpts{
			Name: "gitdelta_transfer_objects_received",
			Help: "Objects received by the current or last transfer",
		}),
		BytesReceived: f.NewGauge(prometheus.GaugeOpts{
			Name: "gitdelta_transfer_bytes_received",
			Help: "Bytes received by the current or last transfer",
		}),
		RefUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gitdelta_ref_updates_total",
			Help: "Ref updates seen during transfers by kind (new or updated)",
		}, []string{"kind"}),
		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gitdelta_webhook_deliveries_total",
			Help: "Webhook deliveries by result (accepted, ignored or rejected)",
		}, []string{"result"}),
	}
}

// ObserveRun records the outcome and duration of one sync run.
func (m *Metrics) ObserveRun(start time.Time, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.Duration.Observe(time.Since(start).Seconds())
}
