package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harrier_runs_total",
		Help: "Total pipeline runs by terminal status.",
	}, []string{"status"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harrier_run_duration_seconds",
		Help:    "End-to-end pipeline run duration.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	excludedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harrier_excluded_rows_total",
		Help: "Source rows excluded for data-quality reasons.",
	}, []string{"reason"})

	fraudFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harrier_fraud_flags_total",
		Help: "Claims flagged by incorrectly claimed channel.",
	}, []string{"channel"})

	reportRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harrier_report_rows_total",
		Help: "Final report rows produced across all runs.",
	})
)

func observeExcluded(counts domain.ExcludedCounts) {
	excludedRows.WithLabelValues("malformed_claims").Add(float64(counts.MalformedClaims))
	excludedRows.WithLabelValues("malformed_payments").Add(float64(counts.MalformedPayments))
	excludedRows.WithLabelValues("non_numeric_ids").Add(float64(counts.NonNumericIDs))
	excludedRows.WithLabelValues("malformed_payouts").Add(float64(counts.MalformedPayouts))
	excludedRows.WithLabelValues("bad_fee_payloads").Add(float64(counts.BadFeePayloads))
}
