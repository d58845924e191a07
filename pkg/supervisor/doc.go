/*
Package supervisor owns the lifecycle of per-device collection workers.

# Lifecycle

Each device moves through a small state machine (looplab/fsm):

	none | inactive | error | active ──build──────► building
	building ─────────────────────────started────► active
	building ─────────────────────────failed─────► error
	active ───────────────────────────crashed────► error
	error ────────────────────────────recovered──► active
	none | active | building | error ──stop──────► inactive

build, started, failed and stop are driven by Create and StopDevice.
crashed and recovered are observed by Refresh, which the reconciler calls
on an interval to follow what the backend's restart policy did.

# Create

Create runs the full sequence for one device while holding that device's lock:

 1. Validate the template (files present, image named). Failure leaves no
    worker directory behind.
 2. Stop and remove the device's existing worker, if any. At most one worker
    runs per device, so a worker the backend refuses to stop aborts the
    create and the device keeps its state.
 3. Build the worker directory and its config.json.
 4. Tag the worker image and run the worker with the unless-stopped restart
    policy.
 5. Persist the handle and mark the device active.

A failure in steps 3 or 4 removes the worker directory and marks the device
error with the cause in LastError.

Start, RequestStop and RequestDelete dispatch Create, StopDevice and Delete
on background goroutines and return immediately; callers read the outcome
from the stored device. Wait blocks until dispatched work has finished.

Rebuild is Create for rollouts. It re-reads the device under its lock and
leaves devices that were stopped in the meantime alone.

# Degraded Mode

Without an execution backend every lifecycle call returns an error of kind
backend_unavailable and devices stay inactive. The condition is logged and
published once. Status reports inactive and Logs returns a LogsUnavailable
message.
*/
package supervisor
