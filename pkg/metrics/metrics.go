package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Supervisor metrics
	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heliogrid_devices_total",
			Help: "Total number of devices by lifecycle state",
		},
		[]string{"state"},
	)

	WorkerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliogrid_worker_operations_total",
			Help: "Worker lifecycle operations by operation and result",
		},
		[]string{"op", "result"},
	)

	WorkerBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heliogrid_worker_build_duration_seconds",
			Help:    "Time taken to build and start a worker in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "heliogrid_reconcile_duration_seconds",
			Help:    "Time taken by one reconciliation pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliogrid_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "heliogrid_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Worker process metrics
	CollectionCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliogrid_collection_cycles_total",
			Help: "Collection cycles by result (ok, skipped, sink_error, panic)",
		},
		[]string{"result"},
	)

	PortalLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "heliogrid_portal_logins_total",
			Help: "Portal credential exchanges by result (success, failure, cached)",
		},
		[]string{"result"},
	)

	ComponentUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "heliogrid_component_up",
			Help: "1 when the last health probe of a component passed",
		},
		[]string{"component"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(WorkerOperationsTotal)
	prometheus.MustRegister(WorkerBuildDuration)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(CollectionCyclesTotal)
	prometheus.MustRegister(PortalLoginsTotal)
	prometheus.MustRegister(ComponentUp)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordOperation counts one worker lifecycle operation
func RecordOperation(op string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	WorkerOperationsTotal.WithLabelValues(op, result).Inc()
}
