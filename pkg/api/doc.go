/*
Package api implements the HTTP API of the heliogrid supervisor daemon.

The router is chi. Every response is JSON; failures carry an ErrorResponse
whose status follows the error kind:

	not_found               404
	config, malformed       400
	backend_unavailable     503
	transport, auth         502
	anything else           500

# Routes

	GET    /health /ready /live /metrics
	GET    /api/v1/config/sink
	GET    /api/v1/templates
	GET    /api/v1/templates/{name}
	POST   /api/v1/templates/{name}/rollout
	GET    /api/v1/templates/{name}/rollout
	POST   /api/v1/devices
	GET    /api/v1/devices
	GET    /api/v1/devices/{id}
	DELETE /api/v1/devices/{id}
	POST   /api/v1/devices/{id}/start
	POST   /api/v1/devices/{id}/stop
	GET    /api/v1/devices/{id}/status
	GET    /api/v1/devices/{id}/logs?tail=N
	GET    /api/v1/devices/{id}/telemetry?start=&end=
	GET    /api/v1/devices/{id}/telemetry/last

Creating a device stores it and dispatches a worker start. Start, stop and
delete answer 202 and run after the response, so a client that hangs up
cannot cut a stop short: poll status or the device record for the outcome.
Without an execution backend the device is stored inactive and the request
still succeeds; start and stop answer 503.

A rollout rebuilds every running worker of a template in batches so that
template edits reach existing devices. It runs in the background; the POST
answers 202 and the GET reports progress.

The /api/v1 routes pass through an optional guard: an IP deny and allow
list, then a per-client token bucket (golang.org/x/time/rate). Probes and
/metrics are never guarded.

Request bodies are validated with validator/v10 before anything is stored.
Passwords and sink tokens are accepted but never returned.

# Usage

	srv, err := api.NewServer(api.Config{
		Supervisor: sup,
		Store:      store,
		Registry:   registry,
		Sink:       influx,
		SinkConfig: cfg.Sink,
		Guard:      api.GuardConfig{AllowedIPs: []string{"10.0.0.0/8"}},
	})
	go srv.Start(":8080")
	defer srv.Shutdown(ctx)
*/
package api
