package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// schedulerEvents counts scheduler outcomes per event.
	// outcome: processed | noop | skipped | failed | exceeded
	schedulerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_scheduler_events_total",
			Help: "Webhook events handled by the retry scheduler, by outcome.",
		},
		[]string{"outcome"},
	)

	// schedulerRunDuration observes the wall time of one scheduler pass.
	schedulerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_scheduler_run_duration_seconds",
			Help:    "Duration of one retry scheduler pass.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// codEntries counts ledger transitions.
	// action: added | settled
	codEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_cod_entries_total",
			Help: "COD ledger entries added and settled.",
		},
		[]string{"action"},
	)

	// webhookEvents counts events appended to the event log.
	webhookEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_webhook_events_appended_total",
			Help: "Webhook events appended to the event log.",
		},
	)
)

func init() {
	prometheus.MustRegister(schedulerEvents, schedulerRunDuration, codEntries, webhookEvents)
}
