// Package observability holds the Prometheus metrics shared by the
// consumer, the batch jobs and the archive pipeline.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event results recorded on EventsTotal.
const (
	ResultApplied   = "applied"
	ResultFailed    = "failed"
	ResultMalformed = "malformed"
	ResultIgnored   = "ignored"
)

// Job results recorded on JobRuns.
const (
	JobOK    = "ok"
	JobError = "error"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// --- Consumer ---
	EventsTotal     *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	Reclaimed       prometheus.Counter
	DeadLettered    prometheus.Counter
	PublishErrors   *prometheus.CounterVec

	// --- Jobs ---
	JobRuns             *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	MarketsTransitioned *prometheus.CounterVec

	// --- Settlement ---
	SettlementPayout  prometheus.Counter
	SettlementWinners prometheus.Counter
	OrdersRefunded    prometheus.Counter

	// --- Archive ---
	ArchivedRecords *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// creates unregistered metrics, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	handlerBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	jobBuckets := []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &Metrics{
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_consumer_events_total",
			Help: "Stream entries handled by the consumer, by event type and result",
		}, []string{"type", "result"}),

		HandlerDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_handler_duration_seconds",
			Help:    "Time to apply one event in its ledger transaction",
			Buckets: handlerBuckets,
		}, []string{"type"}),

		Reclaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_consumer_reclaimed_total",
			Help: "Stale pending entries claimed from other consumers",
		}),

		DeadLettered: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_consumer_dead_lettered_total",
			Help: "Entries moved to the dead-letter stream after too many deliveries",
		}),

		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_consumer_publish_errors_total",
			Help: "Failed processed-event notifications, by target",
		}, []string{"target"}),

		JobRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_job_runs_total",
			Help: "Batch job runs, by job and result",
		}, []string{"job", "result"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_job_duration_seconds",
			Help:    "Batch job run duration",
			Buckets: jobBuckets,
		}, []string{"job"}),

		MarketsTransitioned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_markets_transitioned_total",
			Help: "Markets moved to a new status, by job",
		}, []string{"job"}),

		SettlementPayout: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_payout_coins_total",
			Help: "Coins paid to winning positions",
		}),

		SettlementWinners: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_winners_total",
			Help: "Accounts paid by settlement",
		}),

		OrdersRefunded: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_settlement_orders_cancelled_total",
			Help: "Resting orders cancelled by settlement",
		}),

		ArchivedRecords: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_archived_records_total",
			Help: "Records uploaded to cold storage, by kind",
		}, []string{"kind"}),
	}
}
