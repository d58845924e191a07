/*
Package metrics provides Prometheus metrics and the component health registry.

All metrics are registered on the default registry at package init and served by
Handler on /metrics, both by the supervisor and, when --metrics-addr is set, by
a worker process.

# Metrics

Supervisor:

	heliogrid_devices_total{state}                  gauge
	heliogrid_worker_operations_total{op,result}    counter
	heliogrid_worker_build_duration_seconds         histogram
	heliogrid_reconcile_duration_seconds            histogram
	heliogrid_api_requests_total{method,status}     counter
	heliogrid_api_request_duration_seconds{method}  histogram

Worker:

	heliogrid_collection_cycles_total{result}       counter
	heliogrid_portal_logins_total{result}           counter

Durations are recorded with Timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.WorkerBuildDuration)

# Health

Components report their state with RegisterComponent or UpdateComponent. The
store and api components are critical. containerd and sink are optional: when
one of them is unhealthy, /health answers 200 with status "degraded" and the
supervisor keeps serving in its no-op mode. /ready requires every critical
component to be registered and healthy. /live always answers 200 while the
process runs.
*/
package metrics
