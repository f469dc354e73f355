// Package metrics holds the Prometheus collectors shared by the ledger,
// the settlement worker and the HTTP layer. They register on the default
// registry and are served by promhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_admissions_total",
		Help: "Submitted requests, labeled by admission result",
	}, []string{"result"})

	SettledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settled_total",
		Help: "Requests drained by settlement, labeled by outcome and kind",
	}, []string{"outcome", "kind"})

	RejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_rejections_total",
		Help: "Settlement rejections, labeled by rejection code",
	}, []string{"code"})

	// SequenceGapsTotal counts requests that arrived ahead of their payer's
	// expected sequence.
	SequenceGapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_sequence_gaps_total",
		Help: "Requests rejected because their sequence skipped ahead",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_duration_seconds",
		Help:    "Latency distribution of settlement passes",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	SettlementFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_failures_total",
		Help: "Settlement passes aborted by a storage fault",
	})

	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_pending_requests",
		Help: "Requests in the pending queue when the last pass started",
	})

	StalledPayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_stalled_payers",
		Help: "Payers with no queued request at the expected sequence when the last pass started",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})
)
