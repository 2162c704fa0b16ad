package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements generation.Metrics using Prometheus.
type Metrics struct {
	submissionsTotal       *prometheus.CounterVec
	outcomesTotal          *prometheus.CounterVec
	reconciliationsTotal   *prometheus.CounterVec
	reconciliationDuration prometheus.Histogram
	sweepTouchedTotal      *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		submissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_submissions_total",
			Help:      "Total number of generation submission attempts.",
		}, []string{"success"}),

		outcomesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_outcomes_total",
			Help:      "Terminal outcome applications by source; won=false counts duplicate terminal writes.",
		}, []string{"source", "status", "won"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_reconciliations_total",
			Help:      "Total reconciler runs, by whether anything changed.",
		}, []string{"changed"}),

		reconciliationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "package_reconciliation_duration_seconds",
			Help:      "Latency of package reconciliation runs.",
			Buckets:   prometheus.DefBuckets,
		}),

		sweepTouchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_records_touched_total",
			Help:      "Records touched per sweep pass, by sweep kind.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) RecordSubmission(success bool) {
	m.submissionsTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func (m *Metrics) RecordOutcome(source, status string, won bool) {
	m.outcomesTotal.WithLabelValues(source, status, strconv.FormatBool(won)).Inc()
}

func (m *Metrics) RecordReconciliation(changed bool, duration time.Duration) {
	m.reconciliationsTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
	m.reconciliationDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSweep(kind string, touched int) {
	m.sweepTouchedTotal.WithLabelValues(kind).Add(float64(touched))
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
