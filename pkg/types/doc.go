/*
Package types defines the data model shared by every heliogrid package.

# Devices and workers

A Device is one registered inverter account: portal credentials, region,
collection interval and timezone, plus the lifecycle State the supervisor
maintains. While a worker exists for it, Handle points at a WorkerHandle
naming the backend container, the worker image and the private worker
directory.

Device states:

	none      registered, never built
	building  a create operation is in flight
	active    worker running
	inactive  stopped, or created while the backend was unavailable
	error     build, start or run failed; LastError says why

WorkerStatus is what the execution backend reports for a handle: pending,
active, error, inactive or not_found.

# Templates and specs

WorkerTemplate is a parsed template manifest. WorkerSpec is the immutable,
fully resolved input to a worker build: device identity, PortalCredentials,
SinkConfig and WorkerSettings. It is rendered into the worker's config.json
and never changes for the life of that worker.

# Telemetry

TelemetrySample is one point bound for the time-series sink: a measurement,
string tags, numeric fields and a timestamp.

# Errors

Error carries an ErrorKind so callers branch on the class of failure rather
than on message text:

	if types.IsKind(err, types.KindBackendUnavailable) {
		// degraded mode
	}

ErrBackendUnavailable works with errors.Is for the same purpose.
*/
package types
