// Package metrics exposes Prometheus instrumentation for the review workflow.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for drafts, decisions, and event delivery.
type Metrics struct {
	// Draft saves by path (form, patch) and whether a rebase happened
	DraftsSaved *prometheus.CounterVec

	// Decisions by kind (approve, reject) and outcome (ok or error kind)
	Decisions *prometheus.CounterVec

	// Event publish attempts by type and delivery result
	EventsPublished *prometheus.CounterVec

	// End to end approval latency
	ApprovalLatency prometheus.Histogram

	// Items per bulk approval batch
	BulkBatchSize prometheus.Histogram
}

// New registers the metrics with registerer. A nil registerer uses the default registry.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)
	return &Metrics{
		DraftsSaved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberreview_drafts_saved_total",
			Help: "Overlay draft saves by path and rebase flag",
		}, []string{"path", "rebased"}),

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberreview_decisions_total",
			Help: "Review decisions by kind and outcome",
		}, []string{"decision", "outcome"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "memberreview_events_published_total",
			Help: "Integration event publish attempts by type and result",
		}, []string{"type", "delivered"}),

		ApprovalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "memberreview_approval_duration_seconds",
			Help:    "Duration of an approval transaction including event publishing",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),

		BulkBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "memberreview_bulk_batch_size",
			Help:    "Applications per bulk approval request",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

// IncrementDraft records a saved draft.
func (m *Metrics) IncrementDraft(path string, rebased bool) {
	if m != nil {
		m.DraftsSaved.WithLabelValues(path, strconv.FormatBool(rebased)).Inc()
	}
}

// IncrementDecision records a decision outcome.
func (m *Metrics) IncrementDecision(decision, outcome string) {
	if m != nil {
		m.Decisions.WithLabelValues(decision, outcome).Inc()
	}
}

// ObserveEvent records an event publish attempt. It matches the events publisher observer signature.
func (m *Metrics) ObserveEvent(eventType string, delivered bool) {
	if m != nil {
		m.EventsPublished.WithLabelValues(eventType, strconv.FormatBool(delivered)).Inc()
	}
}

// ObserveApprovalLatency records the duration of one approval.
func (m *Metrics) ObserveApprovalLatency(d time.Duration) {
	if m != nil {
		m.ApprovalLatency.Observe(d.Seconds())
	}
}

// ObserveBulkBatch records the size of a bulk approval request.
func (m *Metrics) ObserveBulkBatch(size int) {
	if m != nil {
		m.BulkBatchSize.Observe(float64(size))
	}
}
