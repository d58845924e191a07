/*
Package collector implements the collection loop run inside every worker.

Each cycle asks the portal session for telemetry, turns every inverter point
into an inverter_status sample and writes the batch to the sink:

	┌──────────┐  CollectOnce  ┌─────────┐  Samples  ┌──────┐
	│   Loop   │ ────────────▶ │ session │ ────────▶ │ sink │
	└──────────┘               └─────────┘           └──────┘
	     │
	     └── sleep Interval (or ErrorBackoff after a crashed cycle)

A failed cycle never ends the loop. Collection and write failures are logged
and the loop waits the normal interval; a panic is recovered and the loop
waits ErrorBackoff instead.

Cancelling the context passed to Run stops the loop between cycles. A cycle
already running completes on a context detached from cancellation.
*/
package collector
