/*
Package events provides an in-process publish/subscribe broker for supervisor
lifecycle events.

The supervisor and reconciler publish an Event whenever a device is created or
deleted, or whenever a worker changes state. The serve command subscribes and
writes each event to the structured log.

	supervisor ─┐                 ┌─► subscriber (event log)
	            ├─► Broker queue ─┤
	reconciler ─┘    (100)        └─► subscriber (tests)
	                                   buffer 50 each

Publish never blocks. An event is dropped when the broker queue is full, and a
subscriber whose buffer is full misses that event. Events are diagnostics. No
lifecycle decision depends on them.

Event types:

	device.created        device.deleted
	worker.building       worker.started
	worker.failed         worker.stopped
	worker.state_changed  backend.unavailable
*/
package events
