package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"

	"github.com/heliogrid/heliogrid/pkg/types"
)

// Lifecycle events
const (
	eventBuild   = "build"
	eventStarted = "started"
	eventFailed  = "failed"
	eventStop    = "stop"

	// Observed by the reconciler while a worker is running
	eventCrashed   = "crashed"
	eventRecovered = "recovered"
)

var lifecycleEvents = fsm.Events{
	{
		Name: eventBuild,
		Src: []string{
			string(types.DeviceStateNone),
			string(types.DeviceStateInactive),
			string(types.DeviceStateError),
			string(types.DeviceStateActive),
		},
		Dst: string(types.DeviceStateBuilding),
	},
	{
		Name: eventStarted,
		Src:  []string{string(types.DeviceStateBuilding)},
		Dst:  string(types.DeviceStateActive),
	},
	{
		Name: eventFailed,
		Src:  []string{string(types.DeviceStateBuilding)},
		Dst:  string(types.DeviceStateError),
	},
	{
		Name: eventStop,
		Src: []string{
			string(types.DeviceStateNone),
			string(types.DeviceStateActive),
			string(types.DeviceStateBuilding),
			string(types.DeviceStateError),
		},
		Dst: string(types.DeviceStateInactive),
	},
	{
		Name: eventCrashed,
		Src:  []string{string(types.DeviceStateActive)},
		Dst:  string(types.DeviceStateError),
	},
	{
		Name: eventRecovered,
		Src:  []string{string(types.DeviceStateError)},
		Dst:  string(types.DeviceStateActive),
	},
}

func newLifecycle(state types.DeviceState) *fsm.FSM {
	if state == "" {
		state = types.DeviceStateNone
	}
	return fsm.NewFSM(string(state), lifecycleEvents, fsm.Callbacks{})
}

// canTransition reports whether event is legal from the device's state
func canTransition(device *types.Device, event string) bool {
	return newLifecycle(device.State).Can(event)
}

// transition applies event to the device state
func transition(ctx context.Context, device *types.Device, event string) error {
	lc := newLifecycle(device.State)
	if err := lc.Event(ctx, event); err != nil {
		var noTransition fsm.NoTransitionError
		if errors.As(err, &noTransition) {
			return nil
		}
		return fmt.Errorf("device %s: %s not allowed from %s: %w", device.ID, event, device.State, err)
	}

	device.State = types.DeviceState(lc.Current())
	return nil
}
