package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics (game side)
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "motd_connections_active",
		Help: "Number of live dispatcher connections",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motd_connections_total",
		Help: "Total number of accepted dispatcher connections",
	})

	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_connection_rejected_total",
		Help: "Total number of dispatcher connections rejected",
	}, []string{"reason"})

	// Action metrics
	ActionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_actions_total",
		Help: "Total number of actions processed, by action and response status",
	}, []string{"action", "status"})

	ActionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motd_action_latency_seconds",
		Help:    "Action handling latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
	}, []string{"action"})

	// Session metrics
	TrackedPlayers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "motd_players_tracked",
		Help: "Number of identities tracked by the session registry",
	})

	SessionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motd_sessions_opened_total",
		Help: "Total number of sessions offered to players",
	})

	SessionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_sessions_closed_total",
		Help: "Total number of sessions closed, by close code",
	}, []string{"code"})

	SaltRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_salt_rotations_total",
		Help: "Total number of salt rotations, by role and result",
	}, []string{"role", "result"})

	CallbackFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_callback_faults_total",
		Help: "Total number of faults raised by page callbacks",
	}, []string{"kind"})

	// Web side
	GatewayRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_gateway_requests_total",
		Help: "Total number of authenticated web requests, by result",
	}, []string{"result"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motd_gateway_request_latency_seconds",
		Help:    "Web request round latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to 1s
	}, []string{"action"})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "motd_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// Rate limiting metrics
	RateLimitRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "motd_rate_limit_rejected_total",
		Help: "Total number of connections rejected by the handler limiter",
	})

	// Persistence metrics
	StorageOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_storage_operations_total",
		Help: "Total number of persistence operations",
	}, []string{"backend", "op", "result"})

	StorageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "motd_storage_latency_seconds",
		Help:    "Persistence operation latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"backend", "op"})

	StorageQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "motd_storage_queue_depth",
		Help: "Number of jobs waiting on the persistence worker",
	})

	// Configuration reload metrics
	ConfigRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "motd_config_refresh_errors_total",
		Help: "Total number of configuration refresh errors",
	}, []string{"config_type"})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// ObserveStorage records the outcome of one persistence operation
func ObserveStorage(backend, op string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StorageOps.WithLabelValues(backend, op, result).Inc()
	StorageLatency.WithLabelValues(backend, op).Observe(seconds)
}
