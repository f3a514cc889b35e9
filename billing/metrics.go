package billing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receiptsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_receipts_submitted_total",
			Help: "Receipt submissions by category and outcome",
		},
		[]string{"category", "status"},
	)

	invoicesReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_invoices_reconciled_total",
			Help: "Invoice reconciliations by outcome (created, extended)",
		},
		[]string{"outcome"},
	)

	conflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_conflict_retries_total",
			Help: "Submissions retried after a concurrency conflict",
		},
	)

	submitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_submit_duration_seconds",
			Help:    "Duration of receipt submission including retries",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2},
		},
	)

	duplicateRegistrations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "billing_duplicate_registration_invoices",
			Help: "Visitors holding more than one registration fee invoice at the last audit",
		},
	)
)

// categoryLabel keeps the category label bounded: open categories from
// callers are counted as "other".
func categoryLabel(c Category) string {
	switch c {
	case CategoryRegistrationFee, CategoryCourse:
		return string(c)
	}
	return "other"
}

// statusLabel maps a submission error to a low-cardinality label.
func statusLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case IsClientError(err):
		return "rejected"
	case IsRetryable(err):
		return "conflict"
	}
	return "error"
}
