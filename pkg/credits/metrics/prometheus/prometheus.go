package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements credits.Metrics using Prometheus.
type Metrics struct {
	deductionsTotal      *prometheus.CounterVec
	deductionAmount      *prometheus.HistogramVec
	creditsGrantedTotal  *prometheus.CounterVec
	refundsTotal         *prometheus.CounterVec
	balanceCheckDuration prometheus.Histogram
	cacheHitsTotal       prometheus.Counter
	cacheMissesTotal     prometheus.Counter
	storageOpsDuration   *prometheus.HistogramVec
	storageOpsErrors     *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deductionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_deductions_total",
			Help:      "Total number of credit deduction attempts.",
		}, []string{"source", "success"}),

		deductionAmount: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_deduction_amount",
			Help:      "Distribution of deducted credit amounts.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 500},
		}, []string{"source"}),

		creditsGrantedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credits_granted_total",
			Help:      "Total credits granted, by source.",
		}, []string{"source"}),

		refundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_refunds_total",
			Help:      "Total number of refunds, including suppressed duplicates.",
		}, []string{"duplicate"}),

		balanceCheckDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_balance_check_duration_seconds",
			Help:      "Latency of availability checks.",
			Buckets:   prometheus.DefBuckets,
		}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_cache_hits_total",
			Help:      "Total number of snapshot cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_cache_misses_total",
			Help:      "Total number of snapshot cache misses.",
		}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "credit_storage_operation_duration_seconds",
			Help:      "Latency of credit storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credit_storage_operation_errors_total",
			Help:      "Total number of credit storage operation errors.",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordDeduction(source string, amount int, success bool) {
	m.deductionsTotal.WithLabelValues(source, strconv.FormatBool(success)).Inc()
	if success {
		m.deductionAmount.WithLabelValues(source).Observe(float64(amount))
	}
}

func (m *Metrics) RecordCredit(source string, amount int) {
	m.creditsGrantedTotal.WithLabelValues(source).Add(float64(amount))
}

func (m *Metrics) RecordRefund(amount int, duplicate bool) {
	m.refundsTotal.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
}

func (m *Metrics) RecordBalanceCheck(duration time.Duration) {
	m.balanceCheckDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
