package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Runtime metrics
	runtimeMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentry_runtime_messages_total",
			Help: "Total runtime messages by operation and outcome",
		},
		[]string{"op", "status"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentry_handler_duration_seconds",
			Help:    "Agent handler execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent_type"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_queue_depth",
			Help: "Envelopes waiting on the central queue",
		},
	)

	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_active_agents",
			Help: "Live agent instances in this runtime",
		},
	)

	// Cluster metrics
	grpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentry_grpc_requests_total",
			Help: "Total gRPC requests handled by the host",
		},
		[]string{"method", "status"},
	)

	grpcRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentry_grpc_request_duration_seconds",
			Help:    "gRPC request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	workerConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_worker_connections",
			Help: "Worker connections currently held by the host",
		},
	)

	ownedAgentTypes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_owned_agent_types",
			Help: "Agent types with a live owning worker on the host",
		},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentry_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers all Prometheus metrics. Safe to call from every
// runtime in the process; registration happens once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			runtimeMessagesTotal,
			handlerDuration,
			queueDepth,
			activeAgents,
			grpcRequestsTotal,
			grpcRequestDuration,
			workerConnections,
			ownedAgentTypes,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordRuntimeMessage counts one runtime operation outcome. op is one of
// "publish", "send", "deliver", "enqueue"; status describes what happened
// ("accepted", "dropped", "ok", "error", "timeout", "unroutable").
func RecordRuntimeMessage(op, status string) {
	runtimeMessagesTotal.WithLabelValues(op, status).Inc()
}

// RecordHandlerDuration records one handler execution
func RecordHandlerDuration(agentType string, duration time.Duration) {
	handlerDuration.WithLabelValues(agentType).Observe(duration.Seconds())
}

// SetQueueDepth sets the central queue depth gauge
func SetQueueDepth(depth int) {
	queueDepth.Set(float64(depth))
}

// SetActiveAgents sets the live instance gauge
func SetActiveAgents(count int) {
	activeAgents.Set(float64(count))
}

// RecordGRPCRequest records one host-side gRPC request
func RecordGRPCRequest(method, status string, duration time.Duration) {
	grpcRequestsTotal.WithLabelValues(method, status).Inc()
	grpcRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetWorkerConnections sets the host's live worker connection gauge
func SetWorkerConnections(count int) {
	workerConnections.Set(float64(count))
}

// SetOwnedAgentTypes sets the host's owned agent type gauge
func SetOwnedAgentTypes(count int) {
	ownedAgentTypes.Set(float64(count))
}

// SetMemoryUsage sets the memory usage gauge
func SetMemoryUsage(bytes uint64) {
	memoryUsage.Set(float64(bytes))
}

// SetGoroutines sets the goroutines gauge
func SetGoroutines(count int) {
	goroutines.Set(float64(count))
}
