package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// crucible-api metrics
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"route", "method", "code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	ActiveRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_active_requests",
		Help: "Current in-flight requests",
	})

	// crucible-worker metrics
	TaskTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_task_total",
		Help: "Task completion count",
	}, []string{"language", "status"})

	TaskDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_task_duration_seconds",
		Help:    "Task end-to-end duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"language"})

	TaskQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_task_queue_depth",
		Help: "Task ids waiting for delivery",
	})

	TaskRetryTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_task_retry_total",
		Help: "Task retry count",
	}, []string{"language"})

	DuplicateDeliveryTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_duplicate_delivery_total",
		Help: "Queue deliveries acked without execution (unclaimable task)",
	})

	SweepExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_sweep_expired_total",
		Help: "Tasks expired by the sweep",
	})

	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crucible_sweep_duration_seconds",
		Help:    "Expiration sweep tick duration",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// sandbox metrics
	SandboxBuildDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_sandbox_build_duration_seconds",
		Help:    "Container image build duration",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"language"})

	SandboxRunDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "crucible_sandbox_run_duration_seconds",
		Help:    "Container run duration",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"language"})

	SandboxTimeoutTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandbox_timeout_total",
		Help: "Runs killed by TTL deadline",
	}, []string{"language"})

	SandboxCleanupFailTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sandbox_cleanup_fail_total",
		Help: "Image or build-dir cleanup failures",
	}, []string{"kind"})

	ActiveExecutions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_active_executions",
		Help: "Currently executing tasks",
	})
)

func RegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, ActiveRequests,
		TaskTotal, TaskDuration, TaskQueueDepth, TaskRetryTotal,
		DuplicateDeliveryTotal, SweepExpiredTotal, SweepDuration,
		SandboxBuildDuration, SandboxRunDuration, SandboxTimeoutTotal,
		SandboxCleanupFailTotal, ActiveExecutions,
	)
}
