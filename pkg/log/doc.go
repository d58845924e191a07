/*
Package log provides structured logging for heliogrid using zerolog.

A single package-level Logger is configured once with Init and then shared by
every component. Child loggers attach the fields operators filter on:

	WithComponent("supervisor")   component=supervisor
	WithDeviceID("3")             device_id=3
	WithWorkerID("heliogrid-3")   worker_id=heliogrid-3
	WithTemplate("goodwe")        template=goodwe

# Configuration

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

JSONOutput selects one JSON object per line, which is what the daemon uses
in production and what worker processes write into worker.log. Without it a
zerolog ConsoleWriter renders human-readable lines with RFC3339 timestamps.
Output defaults to stdout.

Levels below the configured threshold are dropped globally through
zerolog.SetGlobalLevel, so a debug event built on a disabled level costs a
nil check.

# Conventions

Failures that are reported but not raised (a rejected portal login, a sink
write that gave up, a worker that exited) are logged at warn or error with
Err(err) and the identifying fields above. Portal passwords, session tokens
and the sink token are never logged.
*/
package log
