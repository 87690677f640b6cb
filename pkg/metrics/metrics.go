package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

var (
	// Assigner metrics
	PromptsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_prompts_total",
			Help: "Number of prompts by status",
		},
		[]string{"status"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drover_queue_depth",
			Help: "Number of pending prompts awaiting assignment",
		},
	)

	SessionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_sessions_total",
			Help: "Number of registered sessions by status",
		},
		[]string{"status"},
	)

	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drover_assignment_latency_seconds",
			Help:    "Time from prompt creation to assignment in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PromptsAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_prompts_assigned_total",
			Help: "Total number of prompt assignments",
		},
	)

	PromptsRetried = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_prompts_retried_total",
			Help: "Total number of prompt retries",
		},
	)

	// Supervisor metrics
	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_services_total",
			Help: "Number of supervised services by state",
		},
		[]string{"state"},
	)

	ServiceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drover_service_restarts_total",
			Help: "Total restart attempts by service",
		},
		[]string{"service"},
	)

	ServiceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_service_cpu_percent",
			Help: "CPU usage per supervised service",
		},
		[]string{"service"},
	)

	ServiceMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_service_memory_mb",
			Help: "Resident memory per supervised service in MB",
		},
		[]string{"service"},
	)

	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drover_nodes_total",
			Help: "Number of cluster nodes by role and health",
		},
		[]string{"role", "healthy"},
	)

	FailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_failovers_total",
			Help: "Total number of primary-role failovers",
		},
	)

	HeartbeatsReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "drover_heartbeats_received_total",
			Help: "Total heartbeats accepted by this node",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PromptsTotal,
		QueueDepth,
		SessionsTotal,
		AssignmentLatency,
		PromptsAssigned,
		PromptsRetried,
		ServicesTotal,
		ServiceRestarts,
		ServiceCPU,
		ServiceMemory,
		NodesTotal,
		FailoversTotal,
		HeartbeatsReceived,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
