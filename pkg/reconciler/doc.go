/*
Package reconciler keeps stored device state in line with what the execution
backend reports.

Workers run under the backend's unless-stopped restart policy, so a worker
can crash, come back, or disappear without the supervisor taking part. Every
interval the reconciler asks the supervisor to refresh each device that has a
worker:

	┌──────────────┐  every 10s  ┌────────────┐  Status  ┌─────────┐
	│  Reconciler  │ ──────────▶ │ Supervisor │ ───────▶ │ backend │
	└──────────────┘   Refresh   └────────────┘          └─────────┘
	       │                           │
	       ▼                           ▼
	 devices_total gauge        store + worker.state_changed event

Refresh runs under the supervisor's per-device lock, so a pass never races a
create or stop on the same device. Devices being built are skipped.

Without a backend the pass only updates the device gauges.

	rec := reconciler.NewReconciler(sup, store, 10*time.Second)
	rec.Start()
	defer rec.Stop()
*/
package reconciler
