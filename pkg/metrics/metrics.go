package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Realtime metrics
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docqa_realtime_connection_state",
			Help: "Current realtime connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	ConnectionAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_realtime_connection_attempts_total",
			Help: "Total number of connection attempts by result",
		},
		[]string{"result"},
	)

	FramesReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_realtime_frames_received_total",
			Help: "Total number of frames read from the realtime connection",
		},
	)

	FramesMalformedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docqa_realtime_frames_malformed_total",
			Help: "Total number of frames dropped because they could not be parsed",
		},
	)

	// Dispatcher metrics
	EventsHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_events_handled_total",
			Help: "Total number of events handled by kind",
		},
		[]string{"kind"},
	)

	EventsIgnoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_events_ignored_total",
			Help: "Total number of events ignored by reason",
		},
		[]string{"reason"},
	)

	// Reconciler metrics
	ReconcileOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_reconcile_outcomes_total",
			Help: "Total number of reconciliations by event kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docqa_reconcile_duration_seconds",
			Help:    "Time taken to merge one event into the cache in seconds",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	RefetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_refetches_total",
			Help: "Total number of pull refetches by key kind and result",
		},
		[]string{"kind", "result"},
	)

	// Cache metrics
	CacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docqa_cache_entries",
			Help: "Number of keys currently held by the cache",
		},
	)

	// Mutation metrics
	OptimisticMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_optimistic_mutations_total",
			Help: "Total number of optimistic mutations by operation and result",
		},
		[]string{"operation", "result"},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docqa_notifications_total",
			Help: "Total number of notifications raised by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(ConnectionAttemptsTotal)
	prometheus.MustRegister(FramesReceivedTotal)
	prometheus.MustRegister(FramesMalformedTotal)
	prometheus.MustRegister(EventsHandledTotal)
	prometheus.MustRegister(EventsIgnoredTotal)
	prometheus.MustRegister(ReconcileOutcomesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(RefetchesTotal)
	prometheus.MustRegister(CacheEntries)
	prometheus.MustRegister(OptimisticMutationsTotal)
	prometheus.MustRegister(NotificationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetConnectionState marks state as the only active connection state
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		if s == state {
			ConnectionState.WithLabelValues(s).Set(1)
		} else {
			ConnectionState.WithLabelValues(s).Set(0)
		}
	}
}
