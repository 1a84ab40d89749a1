package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequestsTotal  *prometheus.CounterVec
	httpLatencySeconds *prometheus.HistogramVec
	httpErrorsTotal    *prometheus.CounterVec

	executionsTotal          *prometheus.CounterVec
	executionDurationSeconds *prometheus.HistogramVec
	dispatchQueueDepth       prometheus.Gauge
	dispatchRejectedTotal    prometheus.Counter

	notificationsPublishedTotal *prometheus.CounterVec
	streamClientsActive         *prometheus.GaugeVec
)

// RegisterMetrics initialises the Prometheus collectors used by the service.
func RegisterMetrics() {
	registerOnce.Do(func() {
		httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertest_http_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		httpLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peertest_http_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		httpErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertest_http_errors_total",
			Help: "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertest_executions_total",
			Help: "Resolved test match executions by runtime and outcome.",
		}, []string{"runtime", "outcome"})

		executionDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peertest_execution_duration_seconds",
			Help:    "Wall time of test match executions.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"runtime"})

		dispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peertest_dispatch_queue_depth",
			Help: "Test matches waiting for an execution worker.",
		})

		dispatchRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peertest_dispatch_rejected_total",
			Help: "Dispatch requests rejected because the queue was full.",
		})

		notificationsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertest_notifications_published_total",
			Help: "Notifications delivered to local subscribers.",
		}, []string{"type"})

		streamClientsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peertest_stream_clients_active",
			Help: "Connected streaming clients by transport.",
		}, []string{"transport"})

		prometheus.MustRegister(
			httpRequestsTotal, httpLatencySeconds, httpErrorsTotal,
			executionsTotal, executionDurationSeconds, dispatchQueueDepth, dispatchRejectedTotal,
			notificationsPublishedTotal, streamClientsActive,
		)
	})
}

// HTTPRequests exposes the counter for API requests.
func HTTPRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return httpRequestsTotal
}

// HTTPLatency exposes the latency histogram for API requests.
func HTTPLatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return httpLatencySeconds
}

// HTTPErrors exposes the counter for API error responses.
func HTTPErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return httpErrorsTotal
}

// Executions counts resolved executions.
func Executions() *prometheus.CounterVec {
	RegisterMetrics()
	return executionsTotal
}

// ExecutionDuration observes execution wall time.
func ExecutionDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return executionDurationSeconds
}

// DispatchQueueDepth tracks queued test matches.
func DispatchQueueDepth() prometheus.Gauge {
	RegisterMetrics()
	return dispatchQueueDepth
}

// DispatchRejected counts backpressure rejections.
func DispatchRejected() prometheus.Counter {
	RegisterMetrics()
	return dispatchRejectedTotal
}

// NotificationsPublished counts notifications fanned out to subscribers.
func NotificationsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsPublishedTotal
}

// StreamClients tracks open SSE and websocket clients.
func StreamClients() *prometheus.GaugeVec {
	RegisterMetrics()
	return streamClientsActive
}
