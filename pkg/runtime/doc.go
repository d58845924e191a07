/*
Package runtime provides the execution backend that runs heliogrid workers.

The supervisor only sees the Backend interface. ContainerdBackend implements it
on containerd; tests use an in-memory fake.

# Architecture

	┌──────────────── CONTAINERD BACKEND ─────────────────┐
	│                                                      │
	│  BuildImage                                          │
	│    pull template base image  ──►  tag per worker     │
	│                                   heliogrid-worker-N │
	│                                                      │
	│  Run                                                 │
	│    snapshot + OCI spec                               │
	│    - worker dir bind mounted, used as cwd            │
	│    - host network for portal and sink access         │
	│    - stdout/stderr to worker.log                     │
	│    - restart monitor labels (unless-stopped)         │
	│                                                      │
	│  Stop     SIGTERM, SIGKILL after timeout             │
	│  Remove   stop, delete container and snapshot        │
	│  Status   task state ──► pending/active/inactive/error│
	│  Logs     last N lines of worker.log                 │
	└──────────────────────────────────────────────────────┘

# Restart Policy

Workers are labelled for containerd's restart monitor with the unless-stopped
policy. The supervisor never restarts a worker itself. Stop flips the restart
status label to stopped before signalling, so a deliberate stop stays stopped.

The restart monitor has no backoff of its own. A worker that crashes on start
is restarted on every monitor pass, independent of the collection loop's 30
second error backoff.

# Availability

Connect fails with types.ErrBackendUnavailable when the socket does not exist
or the daemon does not answer a version request. Callers treat that as a
degraded mode, not a fatal error.

# Not Found

Every method returns ErrNotFound when the container, task or log file is gone.
Status additionally returns types.WorkerStatusNotFound in that case.
*/
package runtime
