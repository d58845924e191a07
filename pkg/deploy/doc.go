/*
Package deploy rolls template changes out to running workers.

A worker's files are copied from its template when the worker is built, so
editing a template does not affect workers that already run. A rollout
rebuilds every worker of a template that should be running (devices in the
active or error state) through the supervisor's normal create path:

	d := deploy.NewDeployer(sup, store, registry)
	status, err := d.Start("goodwe", deploy.Strategy{
		Parallelism: 2,
		Delay:       30 * time.Second,
	})

Workers are rebuilt in batches of Strategy.Parallelism with Strategy.Delay
between batches. A failed rebuild is recorded in Status.Failed and the
rollout carries on; the final state is failed if any device failed.
Inactive devices are left alone.

The template is validated before the first worker is touched. Only one
rollout per template runs at a time, and the status of the latest rollout
of each template is kept in memory until the daemon restarts.
*/
package deploy
