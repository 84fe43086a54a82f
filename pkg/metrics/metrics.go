package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popd_connections_total",
			Help: "Total number of POP3 connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_connections_current",
			Help: "Current number of active POP3 connections",
		},
	)

	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_connections_rejected_total",
			Help: "Connections refused before the greeting",
		},
		[]string{"reason"}, // reason: "limit", "per_ip"
	)

	AuthenticatedConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_authenticated_connections_current",
			Help: "Current number of sessions in the TRANSACTION state",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "popd_connection_duration_seconds",
			Help:    "Duration of POP3 sessions in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_authentication_attempts_total",
			Help: "Total number of PASS attempts",
		},
		[]string{"result"}, // result: "success", "failure", "locked", "error"
	)
)

// Command metrics
var (
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_commands_total",
			Help: "Commands processed, by verb and outcome",
		},
		[]string{"command", "status"}, // status: "ok", "error", "terminate"
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popd_command_duration_seconds",
			Help:    "Time spent executing a command",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"command"},
	)

	BytesRetrieved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "popd_retr_bytes_total",
			Help: "Message content bytes streamed by RETR",
		},
	)

	MessagesDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_messages_deleted_total",
			Help: "Deletions applied at QUIT",
		},
		[]string{"status"}, // status: "success", "failure"
	)

	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_protocol_errors_total",
			Help: "Malformed input that ended a session",
		},
		[]string{"kind"}, // kind: "truncated", "nul", "blank"
	)
)

// Storage metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popd_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
		[]string{"operation"},
	)

	S3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_s3_operations_total",
			Help: "Total number of S3 operations",
		},
		[]string{"operation", "status"},
	)

	S3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "popd_s3_operation_duration_seconds",
			Help:    "Duration of S3 operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_cache_operations_total",
			Help: "Total number of body cache operations",
		},
		[]string{"operation", "result"}, // result: "hit", "miss", "success", "error"
	)

	CacheSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_cache_size_bytes",
			Help: "Current size of the body cache in bytes",
		},
	)

	CacheObjectsTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_cache_objects_total",
			Help: "Number of objects in the body cache",
		},
	)
)

// Authentication cache and circuit breaker metrics
var (
	AuthCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "popd_auth_cache_lookups_total",
			Help: "Authentication cache lookups",
		},
		[]string{"result"}, // "hit", "miss"
	)

	AuthCacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_auth_cache_entries",
			Help: "Number of cached successful authentications",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "popd_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

// Maildrop totals, refreshed by Collector
var (
	UsersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_users_total",
			Help: "Number of users known to the backend",
		},
	)

	MessagesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_messages_total",
			Help: "Number of stored messages across all maildrops",
		},
	)

	MessageBytesTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "popd_message_bytes_total",
			Help: "Total size of stored messages in octets",
		},
	)
)
