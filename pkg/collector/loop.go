package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/sems"
	"github.com/heliogrid/heliogrid/pkg/sink"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	// Measurement is the time-series measurement every sample is written to
	Measurement = "inverter_status"

	// DefaultErrorBackoff is the sleep after a cycle failed unexpectedly
	DefaultErrorBackoff = 30 * time.Second
)

// Session produces one telemetry payload per call
type Session interface {
	CollectOnce(ctx context.Context) (*sems.Telemetry, error)
}

// Device identifies the device whose samples a loop writes
type Device struct {
	ID   string
	Name string
}

// Config configures a collection loop
type Config struct {
	DeviceID     string
	DeviceName   string
	Interval     time.Duration
	Timezone     string
	ErrorBackoff time.Duration
}

// Loop runs collection cycles on a fixed interval
type Loop struct {
	session Session
	sink    sink.Sink
	cfg     Config
	loc     *time.Location
	now     func() time.Time
	logger  zerolog.Logger
}

// NewLoop creates a collection loop
func NewLoop(session Session, s sink.Sink, cfg Config) (*Loop, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = types.DefaultInterval * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Timezone == "" {
		cfg.Timezone = types.DefaultTimezone
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("invalid timezone %q", cfg.Timezone), err)
	}

	return &Loop{
		session: session,
		sink:    s,
		cfg:     cfg,
		loc:     loc,
		now:     time.Now,
		logger:  log.WithDeviceID(cfg.DeviceID),
	}, nil
}

// Samples converts one telemetry payload into one sample per inverter. Every
// sample of a call shares the same collection id and timestamp.
func Samples(device Device, tel *sems.Telemetry, now time.Time) []types.TelemetrySample {
	if tel == nil {
		return nil
	}

	collectionID := uuid.NewString()[:8]
	samples := make([]types.TelemetrySample, 0, len(tel.InverterPoints))

	for _, p := range tel.InverterPoints {
		status := "Offline"
		if p.Online() {
			status = "Online"
		}

		samples = append(samples, types.TelemetrySample{
			Measurement: Measurement,
			Tags: map[string]string{
				"device_id":     device.ID,
				"inverter_name": p.Name,
				"inverter_sn":   p.SN,
				"status":        status,
				"collection_id": collectionID,
			},
			Fields: map[string]interface{}{
				"current_power":  float64(p.OutPac),
				"daily_energy":   float64(p.EDay),
				"monthly_energy": float64(p.EMonth),
				"total_energy":   float64(p.ETotal),
				"total_hours":    float64(p.HTotal),
			},
			Timestamp: now,
		})
	}

	return samples
}

// Step runs one cycle and returns how long to sleep before the next one.
// Collection and sink failures are logged and wait the normal interval; a
// panic inside the cycle is recovered and waits ErrorBackoff.
func (l *Loop) Step(ctx context.Context) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CollectionCyclesTotal.WithLabelValues("panic").Inc()
			l.logger.Error().Interface("panic", r).Dur("backoff", l.cfg.ErrorBackoff).Msg("Collection cycle crashed")
			next = l.cfg.ErrorBackoff
		}
	}()

	tel, err := l.session.CollectOnce(ctx)
	if err != nil {
		metrics.CollectionCyclesTotal.WithLabelValues("skipped").Inc()
		l.logger.Error().Err(err).Str("kind", string(types.KindOf(err))).Msg("Failed to collect data")
		return l.cfg.Interval
	}

	now := l.now().In(l.loc)
	samples := Samples(Device{ID: l.cfg.DeviceID, Name: l.cfg.DeviceName}, tel, now)
	if len(samples) == 0 {
		metrics.CollectionCyclesTotal.WithLabelValues("skipped").Inc()
		l.logger.Warn().Str("station_id", tel.StationID).Msg("Station reported no inverters")
		return l.cfg.Interval
	}

	if err := l.sink.Write(ctx, samples...); err != nil {
		metrics.CollectionCyclesTotal.WithLabelValues("sink_error").Inc()
		l.logger.Error().Err(err).Msg("Failed to write samples")
		return l.cfg.Interval
	}

	metrics.CollectionCyclesTotal.WithLabelValues("ok").Inc()
	l.logger.Info().
		Int("samples", len(samples)).
		Str("local_time", now.Format(time.RFC3339)).
		Msg("Data collection successful")
	return l.cfg.Interval
}

// Run executes cycles until ctx is done. A cycle in progress when ctx is
// cancelled runs to completion.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info().
		Dur("interval", l.cfg.Interval).
		Str("timezone", l.loc.String()).
		Msg("Starting data collection")

	cycleCtx := context.WithoutCancel(ctx)

	for {
		next := l.Step(cycleCtx)

		timer := time.NewTimer(next)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.logger.Info().Msg("Stopping data collection")
			return nil
		case <-timer.C:
		}
	}
}
