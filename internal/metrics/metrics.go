// Package metrics defines Prometheus metrics for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of active (leased) server
	// connections per route.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_connections_active",
		Help: "Number of active backend connections per route",
	}, []string{"route_id"})

	// ConnectionsIdle tracks the number of idle connections in the pool
	// per route.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_connections_idle",
		Help: "Number of idle connections in the pool per route",
	}, []string{"route_id"})

	// ConnectionsPinned tracks the number of pinned connections per
	// route.
	ConnectionsPinned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_connections_pinned",
		Help: "Number of pinned connections per route",
	}, []string{"route_id", "pin_reason"})

	// ConnectionsMax tracks the configured max connections per route.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_connections_max",
		Help: "Configured maximum connections per route",
	}, []string{"route_id"})

	// ConnectionsTotal counts total attach/detach/close operations.
	ConnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgpool_connections_total",
		Help: "Total connection operations",
	}, []string{"route_id", "status"})

	// QueueLength tracks the current admission-queue depth per route.
	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_queue_length",
		Help: "Number of sessions waiting for a backend per route",
	}, []string{"route_id"})

	// QueueWaitDuration tracks the time sessions spend waiting in queue.
	QueueWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgpool_queue_wait_seconds",
		Help:    "Time spent waiting in queue for a backend connection",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"route_id"})

	// WireMessagesTotal counts protocol messages relayed by direction
	// and message type.
	WireMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgpool_wire_messages_total",
		Help: "Total wire protocol messages relayed",
	}, []string{"route_id", "direction", "type"})

	// QueryDuration tracks the time between a client's first-chunk query
	// forward and the matching ReadyForQuery.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgpool_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"route_id"})

	// ConnectionErrors counts connection errors by type.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgpool_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"route_id", "error_type"})

	// RedisOperations counts coordinator operations against Redis.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgpool_redis_operations_total",
		Help: "Total Redis operations performed by the coordinator",
	}, []string{"operation", "status"})

	// InstanceHeartbeat tracks instance heartbeat status.
	InstanceHeartbeat = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_instance_heartbeat",
		Help: "Instance heartbeat (1 = alive, 0 = dead)",
	}, []string{"instance_id"})

	// PinningDuration tracks how long sessions stay pinned.
	PinningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pgpool_pinning_duration_seconds",
		Help:    "Duration of session pinning",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"route_id", "pin_reason"})

	// SessionsActive tracks the number of client sessions currently
	// being served, independent of whether they hold a backend lease.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgpool_sessions_active",
		Help: "Number of client sessions currently being served",
	}, []string{"route_id"})
)
