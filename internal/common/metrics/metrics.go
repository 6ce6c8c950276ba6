package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_events_processed_total",
			Help: "Total number of events run through the matcher",
		},
	)

	EventMatches = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_event_matches",
			Help:    "Number of subscriptions matched per event",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		},
	)

	MatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name: "engine_match_duration_seconds",
			Help: "Duration of the store matching query in seconds",
		},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_handler_failures_total",
			Help: "Total number of event handler invocation failures",
		},
		[]string{"handler"},
	)

	SubscriptionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_subscriptions_created_total",
			Help: "Total number of subscriptions created",
		},
		[]string{"type"},
	)

	SubscriptionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_subscriptions_deleted_total",
			Help: "Total number of subscriptions deleted",
		},
	)

	CleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_cleanup_deleted_total",
			Help: "Total number of subscriptions removed by background cleanup",
		},
	)

	CleanupRunFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_cleanup_run_failures_total",
			Help: "Total number of failed cleanup iterations",
		},
	)
)
