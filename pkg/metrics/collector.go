package metrics

import (
	"time"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// DeviceLister is the read side of the device store
type DeviceLister interface {
	ListDevices() ([]*types.Device, error)
}

var deviceStates = []types.DeviceState{
	types.DeviceStateNone,
	types.DeviceStateBuilding,
	types.DeviceStateActive,
	types.DeviceStateInactive,
	types.DeviceStateError,
}

// Collector refreshes the device gauges from the store on an interval
type Collector struct {
	devices  DeviceLister
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector polls devices every interval, 15s when interval is zero
func NewCollector(devices DeviceLister, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		devices:  devices,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start records once immediately and then on every tick
func (c *Collector) Start() {
	go c.loop()
}

func (c *Collector) loop() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.collect()
		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts polling and waits for an in-flight pass to finish
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) collect() {
	devices, err := c.devices.ListDevices()
	if err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Device gauge refresh skipped")
		return
	}
	RecordDeviceStates(devices)
}

// RecordDeviceStates sets the per-state device gauge. Every state is written
// so a state that drops to zero devices is reported as zero.
func RecordDeviceStates(devices []*types.Device) {
	counts := make(map[types.DeviceState]int, len(deviceStates))
	for _, d := range devices {
		counts[d.State]++
	}

	for _, state := range deviceStates {
		DevicesTotal.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
