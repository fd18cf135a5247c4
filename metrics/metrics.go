// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Document service
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_appended_total",
			Help: "Total number of messages appended to document streams",
		},
	)

	MessagesSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_messages_suppressed_total",
			Help: "Total number of empty sync step2 messages that were not appended",
		},
	)

	// Compaction
	CompactionTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_compaction_tasks_total",
			Help: "Total number of compaction tasks processed",
		},
		[]string{"outcome"}, // "deleted", "compacted", "error"
	)

	WorkerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_worker_errors_total",
			Help: "Total number of failed worker queue iterations",
		},
	)

	UpdateCallbackFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_update_callback_failures_total",
			Help: "Total number of update callbacks that failed or panicked",
		},
	)

	// Subscriber
	SubscribedStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_subscribed_streams",
			Help: "Number of streams the subscriber is currently polling",
		},
	)

	FanoutBatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fanout_batches_total",
			Help: "Total number of merged batches dispatched to stream handlers",
		},
	)

	// Gateway
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_websocket_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Total number of client messages that were not processed",
		},
		[]string{"reason"}, // "read_only", "unexpected", "send_buffer_full"
	)

	AuthFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_failures_total",
			Help: "Total number of rejected WebSocket upgrades",
		},
	)
)
