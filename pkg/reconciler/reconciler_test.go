package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/types"
)

type fakeSupervisor struct {
	available bool
	changes   map[string]bool
	errs      map[string]error
	refreshed []string
}

func (f *fakeSupervisor) Available() bool { return f.available }

func (f *fakeSupervisor) Refresh(_ context.Context, id string) (bool, error) {
	f.refreshed = append(f.refreshed, id)
	if err := f.errs[id]; err != nil {
		return false, err
	}
	return f.changes[id], nil
}

type fakeDevices struct {
	devices []*types.Device
	err     error
}

func (f *fakeDevices) ListDevices() ([]*types.Device, error) {
	return f.devices, f.err
}

func devices() []*types.Device {
	return []*types.Device{
		{ID: "1", State: types.DeviceStateActive, Handle: &types.WorkerHandle{ID: "w1"}},
		{ID: "2", State: types.DeviceStateError, Handle: &types.WorkerHandle{ID: "w2"}},
		{ID: "3", State: types.DeviceStateInactive},
	}
}

func TestReconcile(t *testing.T) {
	sup := &fakeSupervisor{available: true, changes: map[string]bool{"2": true}}
	r := NewReconciler(sup, &fakeDevices{devices: devices()}, time.Hour)

	changed, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	// Devices without a worker are not refreshed
	assert.Equal(t, []string{"1", "2"}, sup.refreshed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DevicesTotal.WithLabelValues("active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DevicesTotal.WithLabelValues("inactive")))
}

func TestReconcile_SkipsFailingDevice(t *testing.T) {
	sup := &fakeSupervisor{
		available: true,
		changes:   map[string]bool{"2": true},
		errs:      map[string]error{"1": errors.New("backend timeout")},
	}
	r := NewReconciler(sup, &fakeDevices{devices: devices()}, time.Hour)

	changed, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, changed)
	assert.Equal(t, []string{"1", "2"}, sup.refreshed)
}

func TestReconcile_DegradedMode(t *testing.T) {
	sup := &fakeSupervisor{available: false}
	r := NewReconciler(sup, &fakeDevices{devices: devices()}, time.Hour)

	changed, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Zero(t, changed)
	assert.Empty(t, sup.refreshed)
}

func TestReconcile_ListError(t *testing.T) {
	r := NewReconciler(&fakeSupervisor{available: true}, &fakeDevices{err: errors.New("db closed")}, time.Hour)

	_, err := r.Reconcile(context.Background())
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	sup := &fakeSupervisor{available: true}
	r := NewReconciler(sup, &fakeDevices{devices: devices()}, 10*time.Millisecond)

	r.Start()
	assert.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(sup.refreshed) > 0
	}, time.Second, 5*time.Millisecond)

	r.Stop()
	r.Stop()
}
