// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketgate_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ticketgate_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})

	LedgerOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketgate_ledger_operations_total",
		Help: "Ledger operations by kind and outcome",
	}, []string{"operation", "outcome"})

	RunnerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketgate_runner_calls_total",
		Help: "Job runner calls by runner, operation and result",
	}, []string{"runner", "operation", "result"})

	HistoryDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ticketgate_history_dropped_total",
		Help: "Generation history records dropped because the buffer was full",
	})
)

// Ledger outcome labels.
const (
	OutcomeApplied        = "applied"
	OutcomeAlreadyApplied = "already_applied"
	OutcomeInsufficient   = "insufficient_credit"
	OutcomeSkipped        = "skipped"
	OutcomeError          = "error"
)
