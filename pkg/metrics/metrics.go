package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	DevicesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_devices_total",
			Help: "Total number of enrolled devices",
		},
	)

	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_heartbeats_total",
			Help: "Total number of heartbeat submissions by outcome",
		},
		[]string{"outcome"}, // created, deduped, error
	)

	HeartbeatIngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_heartbeat_ingest_duration_seconds",
			Help:    "Heartbeat ingest duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_dispatches_total",
			Help: "Total number of command dispatches by action and status",
		},
		[]string{"action", "status"},
	)

	DispatchIdempotencyHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_dispatch_idempotency_hits_total",
			Help: "Total number of dispatch requests answered from the ledger",
		},
	)

	PushProviderDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_push_provider_duration_seconds",
			Help:    "Push provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ACK metrics
	AcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_acks_total",
			Help: "Total number of device ACKs by outcome",
		},
		[]string{"outcome"}, // ok, failed, idempotent, unknown, mismatch
	)

	// Alert metrics
	AlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_alert_transitions_total",
			Help: "Total number of alert state transitions by condition and direction",
		},
		[]string{"condition", "direction"}, // direction: raise, recover
	)

	AlertEvalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_alert_eval_duration_seconds",
			Help:    "Alert evaluation tick duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Registration metrics
	RegistrationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_registrations_in_flight",
			Help: "Number of registrations currently holding an admission permit",
		},
	)

	RegistrationQueueWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_registration_queue_wait_seconds",
			Help:    "Time spent waiting for a registration admission permit",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Event queue metrics
	EventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "roost_event_queue_depth",
			Help: "Current depth of the async event queue",
		},
	)

	EventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_events_dropped_total",
			Help: "Total number of events shed because the queue was full",
		},
	)

	// Partition lifecycle metrics
	PartitionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_partition_ops_total",
			Help: "Total number of partition lifecycle operations by op and outcome",
		},
		[]string{"op", "outcome"}, // op: create, archive, drop; outcome: ok, error
	)

	// Reconciliation metrics
	ReconcileRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "roost_reconcile_repairs_total",
			Help: "Total number of last-status projections repaired",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "roost_reconcile_duration_seconds",
			Help:    "Reconciliation run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roost_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roost_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatIngestDuration)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchIdempotencyHits)
	prometheus.MustRegister(PushProviderDuration)
	prometheus.MustRegister(AcksTotal)
	prometheus.MustRegister(AlertTransitionsTotal)
	prometheus.MustRegister(AlertEvalDuration)
	prometheus.MustRegister(RegistrationsInFlight)
	prometheus.MustRegister(RegistrationQueueWait)
	prometheus.MustRegister(EventQueueDepth)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(PartitionOpsTotal)
	prometheus.MustRegister(ReconcileRepairsTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
