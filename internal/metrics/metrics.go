package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sequencer Metrics
var (
	// EventsSequencedTotal tracks events sequenced by result
	EventsSequencedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sequencer_events_total",
			Help: "Total events submitted to the sequencer by result (sequenced/duplicate/malformed/persistence_error)",
		},
		[]string{"result"},
	)

	// SequenceAssignDuration tracks time spent in the per-match critical section
	SequenceAssignDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sequencer_assign_duration_seconds",
			Help:    "Time from submission to durable persist and publish",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// SequencerShardContention tracks submissions that waited on a busy shard
	SequencerShardContention = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sequencer_shard_contention_total",
			Help: "Submissions that contended on a shard lock",
		},
	)
)

// Connection Hub Metrics
var (
	// HubActiveMatches tracks matches with at least one local subscriber
	HubActiveMatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_active_matches",
			Help: "Matches with at least one connected client on this instance",
		},
	)

	// HubConnectedClients tracks connected websocket clients
	HubConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Current number of connected websocket clients",
		},
	)

	// HubEventsDelivered tracks events pushed to clients by outcome
	HubEventsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_events_delivered_total",
			Help: "Events handled per client by outcome (delivered/duplicate/gap)",
		},
		[]string{"outcome"},
	)

	// HubSlowClientsEvicted tracks slow clients evicted due to full buffers
	HubSlowClientsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_slow_clients_evicted_total",
			Help: "Websocket clients evicted because their send buffer was full",
		},
	)

	// HubReconciliationsTotal tracks reconciliations triggered by reason
	HubReconciliationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hub_reconciliations_total",
			Help: "Reconciliation snapshots sent by reason (subscribe/gap/resync/overflow)",
		},
		[]string{"reason"},
	)

	// HubCommandChannelDepth tracks current command channel depth
	HubCommandChannelDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_command_channel_depth",
			Help: "Current hub command channel depth",
		},
	)

	// HubPanicsTotal tracks hub panic recoveries
	HubPanicsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_panics_total",
			Help: "Total hub panic recoveries",
		},
	)

	// HubStopTimeoutsTotal tracks hub stops that exceeded timeout
	HubStopTimeoutsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_stop_timeouts_total",
			Help: "Hub stops that exceeded the graceful timeout",
		},
	)
)

// Broker Metrics
var (
	// BrokerPublishTotal tracks publishes by status
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_publish_total",
			Help: "Broker publishes by status (ok/error)",
		},
		[]string{"status"},
	)

	// BrokerSubscriptionsActive tracks open match subscriptions on this instance
	BrokerSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_subscriptions_active",
			Help: "Open per-match broker subscriptions on this instance",
		},
	)

	// BrokerReconnectsTotal tracks resubscribe attempts after a drop
	BrokerReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Broker resubscribe attempts after disconnect",
		},
	)

	// BrokerDegradedMode is 1 while the instance serves reconciliation-only
	BrokerDegradedMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_degraded_mode",
			Help: "1 while the broker is unreachable and the instance is reconciliation-only",
		},
	)
)

// Reconciliation Metrics
var (
	// SnapshotReadsTotal tracks snapshot reads by result
	SnapshotReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_snapshot_reads_total",
			Help: "Snapshot reads by result (ok/not_found/error/breaker_open)",
		},
		[]string{"result"},
	)

	// SnapshotReadDuration tracks snapshot read latency
	SnapshotReadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_snapshot_read_duration_seconds",
			Help:    "Snapshot read duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// SnapshotSingleflightShared tracks reads collapsed into an in-flight one
	SnapshotSingleflightShared = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reconcile_singleflight_shared_total",
			Help: "Snapshot reads served from a collapsed in-flight read",
		},
	)
)

// Store Metrics
var (
	// StoreQueryDuration tracks store query duration by query name
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_query_duration_seconds",
			Help:    "Durable store query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"query"},
	)

	// StoreErrorsTotal tracks store errors by query name
	StoreErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_errors_total",
			Help: "Total durable store errors by query",
		},
		[]string{"query"},
	)
)

// Ingest Metrics
var (
	// FeedEventsTotal tracks normalized feed events by provider and result
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_feed_events_total",
			Help: "Upstream feed events by provider and result (ok/malformed)",
		},
		[]string{"provider", "result"},
	)
)

// WebSocket Metrics
var (
	// WebSocketConnectionsTotal tracks connection attempts by result
	WebSocketConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "Websocket connection attempts by result (success/rejected/error)",
		},
		[]string{"result"},
	)

	// WebSocketConnectionsRejected tracks rejected attempts by reason
	WebSocketConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_rejected_total",
			Help: "Websocket connections rejected by reason (rate_limit/match_limit)",
		},
		[]string{"reason"},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "go_version"},
	)
)
