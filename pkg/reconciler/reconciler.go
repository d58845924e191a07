package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// DefaultInterval is the time between reconciliation passes
const DefaultInterval = 10 * time.Second

// Supervisor is the part of the worker supervisor the reconciler drives
type Supervisor interface {
	Available() bool
	Refresh(ctx context.Context, deviceID string) (bool, error)
}

// DeviceLister lists stored devices
type DeviceLister interface {
	ListDevices() ([]*types.Device, error)
}

// Reconciler keeps stored device state in line with the execution backend
type Reconciler struct {
	supervisor Supervisor
	devices    DeviceLister
	interval   time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewReconciler creates a new reconciler
func NewReconciler(sup Supervisor, devices DeviceLister, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		supervisor: sup,
		devices:    devices,
		interval:   interval,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler and waits for a pass in progress to finish
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	<-r.done
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Reconcile(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one pass over every device and returns how many changed
// state. A device that fails to refresh is logged and skipped.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	r.mu.Lock()
	defer r.mu.Unlock()

	devices, err := r.devices.ListDevices()
	if err != nil {
		return 0, fmt.Errorf("failed to list devices: %w", err)
	}

	changed := 0
	if r.supervisor.Available() {
		for _, device := range devices {
			if device.Handle == nil {
				continue
			}

			ok, err := r.supervisor.Refresh(ctx, device.ID)
			if err != nil {
				r.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Failed to refresh device")
				continue
			}
			if ok {
				changed++
			}
		}
	}

	// Gauges reflect the state after this pass
	if changed > 0 {
		if devices, err = r.devices.ListDevices(); err != nil {
			return changed, fmt.Errorf("failed to list devices: %w", err)
		}
	}
	metrics.RecordDeviceStates(devices)

	if changed > 0 {
		r.logger.Info().Int("changed", changed).Int("devices", len(devices)).Msg("Reconciliation pass complete")
	}
	return changed, nil
}
