package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/builder"
	"github.com/heliogrid/heliogrid/pkg/events"
	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/runtime"
	"github.com/heliogrid/heliogrid/pkg/storage"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	// DefaultMountPath is where the worker directory appears inside a worker
	DefaultMountPath = "/worker"

	// DefaultStopTimeout bounds graceful worker shutdown
	DefaultStopTimeout = 10 * time.Second

	// WorkerLogFile receives worker stdout and stderr inside the worker directory
	WorkerLogFile = "worker.log"

	// LogsUnavailable prefixes the message returned instead of logs
	LogsUnavailable = "logs unavailable"
)

// DefaultCommand starts the template's entry script from the worker directory
var DefaultCommand = []string{"/bin/sh", "run.sh"}

// Config holds the supervisor's collaborators
type Config struct {
	Backend     runtime.Backend // nil runs the supervisor in degraded mode
	Registry    *template.Registry
	Builder     *builder.Builder
	Store       storage.Store
	Broker      *events.Broker // optional
	WorkersDir  string
	MountPath   string
	Command     []string
	Sink        types.SinkConfig
	StopTimeout time.Duration
}

// Supervisor owns the lifecycle of every device's worker
type Supervisor struct {
	backend     runtime.Backend
	registry    *template.Registry
	builder     *builder.Builder
	store       storage.Store
	broker      *events.Broker
	workersDir  string
	mountPath   string
	command     []string
	sink        types.SinkConfig
	stopTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	wg    sync.WaitGroup

	unavailableOnce sync.Once
	logger          zerolog.Logger
}

// New creates a supervisor
func New(cfg Config) *Supervisor {
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultMountPath
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if len(cfg.Command) == 0 {
		cfg.Command = DefaultCommand
	}
	if cfg.Builder == nil {
		cfg.Builder = builder.NewBuilder(cfg.Registry)
	}

	return &Supervisor{
		backend:     cfg.Backend,
		registry:    cfg.Registry,
		builder:     cfg.Builder,
		store:       cfg.Store,
		broker:      cfg.Broker,
		workersDir:  cfg.WorkersDir,
		mountPath:   cfg.MountPath,
		command:     cfg.Command,
		sink:        cfg.Sink,
		stopTimeout: cfg.StopTimeout,
		locks:       make(map[string]*sync.Mutex),
		logger:      log.WithComponent("supervisor"),
	}
}

// Available reports whether an execution backend is connected
func (s *Supervisor) Available() bool {
	return s.backend != nil
}

// WorkerDir returns the private directory of a device's worker
func (s *Supervisor) WorkerDir(deviceID string) string {
	return filepath.Join(s.workersDir, "inverter_"+deviceID)
}

// Create builds and starts a worker for a stored device, tearing down any
// existing worker first. It blocks until the worker runs or the attempt fails.
func (s *Supervisor) Create(ctx context.Context, device *types.Device) (*types.WorkerHandle, error) {
	if !s.Available() {
		return nil, s.unavailable(device.ID)
	}

	unlock := s.lock(device.ID)
	defer unlock()

	return s.timedCreate(ctx, device)
}

// Rebuild recreates the worker of a stored device that is still meant to
// run. A device stopped, deleted or never started since the caller last
// looked is left alone and Rebuild returns a nil handle.
func (s *Supervisor) Rebuild(ctx context.Context, deviceID string) (*types.WorkerHandle, error) {
	if !s.Available() {
		return nil, s.unavailable(deviceID)
	}

	unlock := s.lock(deviceID)
	defer unlock()

	device, err := s.store.GetDevice(deviceID)
	if types.IsKind(err, types.KindNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if device.State != types.DeviceStateActive && device.State != types.DeviceStateError {
		s.logger.Info().Str("device_id", deviceID).Str("state", string(device.State)).Msg("Skipping rebuild of idle device")
		return nil, nil
	}

	return s.timedCreate(ctx, device)
}

func (s *Supervisor) timedCreate(ctx context.Context, device *types.Device) (*types.WorkerHandle, error) {
	timer := metrics.NewTimer()
	handle, err := s.create(ctx, device)
	metrics.RecordOperation("create", err)
	if err == nil {
		timer.ObserveDuration(metrics.WorkerBuildDuration)
	}
	return handle, err
}

func (s *Supervisor) create(ctx context.Context, device *types.Device) (*types.WorkerHandle, error) {
	logger := log.WithDeviceID(device.ID)

	// The stored record is authoritative for the current handle
	if stored, err := s.store.GetDevice(device.ID); err == nil {
		device.Handle = stored.Handle
		device.State = stored.State
	}

	spec := s.builder.Spec(device, s.sink)

	// Template validation happens before anything is torn down or written
	tpl, err := s.checkTemplate(spec.TemplateType)
	if err != nil {
		s.fail(ctx, device, err)
		return nil, err
	}

	// A worker that will not stop keeps its device; starting a second one
	// would put two writers behind one device id
	if device.Handle != nil {
		logger.Info().Str("worker_id", device.Handle.ID).Msg("Tearing down existing worker")
		if _, err := s.stopWorker(ctx, device.Handle); err != nil {
			return nil, err
		}
		device.Handle = nil
	}

	if err := transition(ctx, device, eventBuild); err != nil {
		return nil, err
	}
	s.persist(device)
	s.publish(events.EventWorkerBuilding, device, "Building worker")

	dir := s.WorkerDir(device.ID)
	if _, err := s.builder.Build(spec, dir); err != nil {
		s.fail(ctx, device, err)
		return nil, err
	}

	tag := "heliogrid-worker-" + device.ID
	if err := s.backend.BuildImage(ctx, runtime.ImageSpec{BaseImage: tpl.Image, Tag: tag, SourceDir: dir}); err != nil {
		s.removeDir(dir, logger)
		err = fmt.Errorf("failed to build worker image: %w", err)
		s.fail(ctx, device, err)
		return nil, err
	}

	id, err := s.backend.Run(ctx, runtime.RunSpec{
		Name:          tag,
		Image:         tag,
		WorkerDir:     dir,
		MountPath:     s.mountPath,
		Args:          s.command,
		RestartPolicy: runtime.RestartUnlessStopped,
		LogPath:       filepath.Join(dir, WorkerLogFile),
	})
	if err != nil {
		s.removeDir(dir, logger)
		err = fmt.Errorf("failed to start worker: %w", err)
		s.fail(ctx, device, err)
		return nil, err
	}

	handle := &types.WorkerHandle{
		ID:        id,
		DeviceID:  device.ID,
		Image:     tag,
		Dir:       dir,
		Status:    types.WorkerStatusActive,
		UpdatedAt: time.Now(),
	}
	device.Handle = handle
	device.LastError = ""
	if err := transition(ctx, device, eventStarted); err != nil {
		return nil, err
	}
	s.persist(device)

	logger.Info().Str("worker_id", id).Str("image", tag).Msg("Worker started")
	s.publish(events.EventWorkerStarted, device, "Worker started")

	return handle, nil
}

// Start dispatches Create for a stored device and returns without waiting.
// The outcome is written to the device record.
func (s *Supervisor) Start(deviceID string) error {
	if !s.Available() {
		return s.unavailable(deviceID)
	}

	if _, err := s.store.GetDevice(deviceID); err != nil {
		return err
	}

	s.dispatch(func(ctx context.Context) {
		device, err := s.store.GetDevice(deviceID)
		if err != nil {
			s.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Device vanished before start")
			return
		}
		if _, err := s.Create(ctx, device); err != nil {
			logger := log.WithDeviceID(deviceID)
			logger.Error().Err(err).Msg("Worker start failed")
		}
	})

	return nil
}

// RequestStop dispatches StopDevice and returns without waiting
func (s *Supervisor) RequestStop(deviceID string) error {
	if !s.Available() {
		return s.unavailable(deviceID)
	}
	if _, err := s.store.GetDevice(deviceID); err != nil {
		return err
	}

	s.dispatch(func(ctx context.Context) {
		if _, err := s.StopDevice(ctx, deviceID); err != nil {
			logger := log.WithDeviceID(deviceID)
			logger.Error().Err(err).Msg("Worker stop failed")
		}
	})
	return nil
}

// RequestDelete dispatches Delete and returns without waiting. The device
// record stays readable until its worker is gone.
func (s *Supervisor) RequestDelete(deviceID string) error {
	if _, err := s.store.GetDevice(deviceID); err != nil {
		return err
	}

	s.dispatch(func(ctx context.Context) {
		if err := s.Delete(ctx, deviceID); err != nil && !types.IsKind(err, types.KindNotFound) {
			logger := log.WithDeviceID(deviceID)
			logger.Error().Err(err).Msg("Device delete failed")
		}
	})
	return nil
}

// dispatch runs fn detached from any request context, tracked by Wait
func (s *Supervisor) dispatch(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.Background())
	}()
}

// Stop terminates and removes a worker. It returns false when there was
// nothing to stop, including a second call for the same handle, and when
// the backend failed to stop it.
func (s *Supervisor) Stop(ctx context.Context, handle *types.WorkerHandle) bool {
	stopped, _ := s.stopWorker(ctx, handle)
	return stopped
}

// stopWorker is Stop with backend failures reported. A worker that is
// already gone is not an error.
func (s *Supervisor) stopWorker(ctx context.Context, handle *types.WorkerHandle) (bool, error) {
	if handle == nil || !s.Available() {
		return false, nil
	}

	logger := log.WithWorkerID(handle.ID)

	err := s.backend.Stop(ctx, handle.ID, s.stopTimeout)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.Error().Err(err).Msg("Failed to stop worker")
		metrics.RecordOperation("stop", err)
		return false, fmt.Errorf("failed to stop worker %s: %w", handle.ID, err)
	}
	stopped := err == nil

	if rmErr := s.backend.Remove(ctx, handle.ID); rmErr != nil && !errors.Is(rmErr, runtime.ErrNotFound) {
		logger.Warn().Err(rmErr).Msg("Failed to remove worker")
	}

	handle.Status = types.WorkerStatusInactive
	handle.UpdatedAt = time.Now()

	if stopped {
		metrics.RecordOperation("stop", nil)
		logger.Info().Msg("Worker stopped")
	}
	return stopped, nil
}

// StopDevice stops a device's worker and marks the device inactive. When
// the backend cannot stop the worker the device keeps its state.
func (s *Supervisor) StopDevice(ctx context.Context, deviceID string) (bool, error) {
	if !s.Available() {
		return false, s.unavailable(deviceID)
	}

	unlock := s.lock(deviceID)
	defer unlock()

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return false, err
	}

	stopped, err := s.stopWorker(ctx, device.Handle)
	if err != nil {
		return false, err
	}

	if canTransition(device, eventStop) {
		if err := transition(ctx, device, eventStop); err != nil {
			return stopped, err
		}
	}
	s.persist(device)

	if stopped {
		s.publish(events.EventWorkerStopped, device, "Worker stopped")
	}
	return stopped, nil
}

// Delete stops a device's worker, removes its directory and its record
func (s *Supervisor) Delete(ctx context.Context, deviceID string) error {
	unlock := s.lock(deviceID)
	defer unlock()

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return err
	}

	logger := log.WithDeviceID(deviceID)

	if device.Handle != nil {
		if s.Available() {
			if _, err := s.stopWorker(ctx, device.Handle); err != nil {
				return err
			}
		} else {
			logger.Warn().Str("worker_id", device.Handle.ID).Msg("Backend unavailable, worker left to the backend")
		}
	}

	s.removeDir(s.WorkerDir(deviceID), logger)

	if err := s.store.DeleteDevice(deviceID); err != nil {
		return err
	}

	metrics.RecordOperation("delete", nil)
	s.publish(events.EventDeviceDeleted, device, "Device deleted")

	s.mu.Lock()
	delete(s.locks, deviceID)
	s.mu.Unlock()

	return nil
}

// Status queries the backend for a worker. A worker the backend does not
// know reports not_found.
func (s *Supervisor) Status(ctx context.Context, handle *types.WorkerHandle) types.WorkerStatus {
	if handle == nil {
		return types.WorkerStatusNotFound
	}
	if !s.Available() {
		return types.WorkerStatusInactive
	}

	status, err := s.backend.Status(ctx, handle.ID)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return types.WorkerStatusNotFound
		}
		logger := log.WithWorkerID(handle.ID)
		logger.Warn().Err(err).Msg("Failed to query worker status")
		return types.WorkerStatusError
	}
	return status
}

// Refresh aligns a device's state with what the backend reports for its
// worker. Devices without a worker or with an operation in progress are left
// alone. It returns true when the device state changed.
func (s *Supervisor) Refresh(ctx context.Context, deviceID string) (bool, error) {
	if !s.Available() {
		return false, nil
	}

	unlock := s.lock(deviceID)
	defer unlock()

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return false, err
	}
	if device.Handle == nil || device.State == types.DeviceStateBuilding {
		return false, nil
	}

	status, err := s.backend.Status(ctx, device.Handle.ID)
	if err != nil {
		if !errors.Is(err, runtime.ErrNotFound) {
			return false, fmt.Errorf("failed to query worker %s: %w", device.Handle.ID, err)
		}
		status = types.WorkerStatusNotFound
	}

	previous := device.State
	var event string
	switch status {
	case types.WorkerStatusActive, types.WorkerStatusPending:
		event = eventRecovered
	case types.WorkerStatusError:
		event = eventCrashed
	case types.WorkerStatusInactive, types.WorkerStatusNotFound:
		if previous == types.DeviceStateActive || previous == types.DeviceStateError {
			event = eventStop
		}
	}
	if event != "" && canTransition(device, event) {
		if err := transition(ctx, device, event); err != nil {
			return false, err
		}
	}

	handleChanged := device.Handle.Status != status
	if !handleChanged && device.State == previous {
		return false, nil
	}

	device.Handle.Status = status
	device.Handle.UpdatedAt = time.Now()
	switch device.State {
	case types.DeviceStateError:
		if previous != types.DeviceStateError {
			device.LastError = "worker exited with an error"
		}
	case types.DeviceStateActive:
		device.LastError = ""
	}
	s.persist(device)

	if device.State == previous {
		return false, nil
	}

	logger := log.WithDeviceID(deviceID)
	logger.Info().
		Str("from", string(previous)).
		Str("to", string(device.State)).
		Str("worker_status", string(status)).
		Msg("Device state changed")
	s.publish(events.EventWorkerStateChanged, device, fmt.Sprintf("%s -> %s", previous, device.State))

	return true, nil
}

// Logs returns the tail of a worker's output, or a LogsUnavailable message
func (s *Supervisor) Logs(ctx context.Context, handle *types.WorkerHandle, tail int) string {
	if !s.Available() {
		return LogsUnavailable + ": execution backend not connected"
	}
	if handle == nil {
		return LogsUnavailable + ": no worker"
	}

	out, err := s.backend.Logs(ctx, handle.ID, tail)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return LogsUnavailable + ": worker not found"
		}
		return fmt.Sprintf("%s: %v", LogsUnavailable, err)
	}
	return out
}

// Wait blocks until every dispatched operation has finished
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

func (s *Supervisor) checkTemplate(name string) (*types.WorkerTemplate, error) {
	tpl, err := s.registry.Load(name)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("template %q unusable", name), err)
	}

	ok, err := s.registry.Validate(name)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("template %q unusable", name), err)
	}
	if !ok {
		return nil, types.ConfigError(fmt.Sprintf("template %q references missing files", name), nil)
	}
	if tpl.Image == "" {
		return nil, types.ConfigError(fmt.Sprintf("template %q has no image", name), nil)
	}

	return tpl, nil
}

// fail records a failed create attempt on the device
func (s *Supervisor) fail(ctx context.Context, device *types.Device, cause error) {
	if device.State != types.DeviceStateBuilding {
		if err := transition(ctx, device, eventBuild); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to enter building state")
		}
	}
	if err := transition(ctx, device, eventFailed); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to enter error state")
	}

	device.LastError = cause.Error()
	s.persist(device)

	logger := log.WithDeviceID(device.ID)
	logger.Error().Err(cause).Str("kind", string(types.KindOf(cause))).Msg("Worker create failed")
	s.publish(events.EventWorkerFailed, device, cause.Error())
}

// unavailable keeps the device inactive and reports the missing backend
func (s *Supervisor) unavailable(deviceID string) error {
	s.unavailableOnce.Do(func() {
		s.logger.Warn().Msg("Execution backend unavailable, lifecycle operations disabled")
		if s.broker != nil {
			s.broker.Publish(&events.Event{
				Type:    events.EventBackendUnavailable,
				Message: "Execution backend unavailable",
			})
		}
	})

	if device, err := s.store.GetDevice(deviceID); err == nil && device.State == types.DeviceStateNone {
		device.State = types.DeviceStateInactive
		s.persist(device)
	}

	return types.BackendUnavailableError("execution backend not connected", nil)
}

func (s *Supervisor) persist(device *types.Device) {
	if err := s.store.UpdateDevice(device); err != nil {
		logger := log.WithDeviceID(device.ID)
		logger.Error().Err(err).Msg("Failed to persist device")
	}
}

func (s *Supervisor) publish(eventType events.EventType, device *types.Device, message string) {
	if s.broker == nil {
		return
	}

	metadata := map[string]string{
		"device_id": device.ID,
		"state":     string(device.State),
	}
	if device.Handle != nil {
		metadata["worker_id"] = device.Handle.ID
	}

	s.broker.Publish(&events.Event{
		Type:     eventType,
		Message:  message,
		Metadata: metadata,
	})
}

func (s *Supervisor) removeDir(dir string, logger zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("Failed to remove worker directory")
	}
}

func (s *Supervisor) lock(deviceID string) func() {
	s.mu.Lock()
	l, ok := s.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[deviceID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}
