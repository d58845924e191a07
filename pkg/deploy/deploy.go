package deploy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/metrics"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	// MaxParallelism caps how many workers a rollout rebuilds at once
	MaxParallelism = 50

	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Supervisor rebuilds one device's worker synchronously. Rebuild returns a
// nil handle and no error when the device no longer wants a worker.
type Supervisor interface {
	Available() bool
	Rebuild(ctx context.Context, deviceID string) (*types.WorkerHandle, error)
}

// DeviceLister is the read side of the device store
type DeviceLister interface {
	ListDevices() ([]*types.Device, error)
}

// TemplateChecker confirms a template is complete before any worker is touched
type TemplateChecker interface {
	Validate(name string) (bool, error)
}

// Strategy controls how a rollout walks the fleet
type Strategy struct {
	Parallelism int           // Workers rebuilt per batch
	Delay       time.Duration // Pause between batches
}

// Status is the progress of the most recent rollout of a template
type Status struct {
	Template   string            `json:"template"`
	State      string            `json:"state"`
	Total      int               `json:"total"`
	Updated    int               `json:"updated"`
	Skipped    int               `json:"skipped"`                // stopped or deleted mid-rollout
	Failed     map[string]string `json:"failed,omitempty"` // device id -> error
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

func (s *Status) copy() *Status {
	c := *s
	if s.Failed != nil {
		c.Failed = make(map[string]string, len(s.Failed))
		for k, v := range s.Failed {
			c.Failed[k] = v
		}
	}
	return &c
}

// Deployer rebuilds every running worker of a template after the template
// changed, a batch at a time
type Deployer struct {
	supervisor Supervisor
	devices    DeviceLister
	templates  TemplateChecker

	mu       sync.Mutex
	rollouts map[string]*Status
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewDeployer creates a new deployer
func NewDeployer(sup Supervisor, devices DeviceLister, templates TemplateChecker) *Deployer {
	return &Deployer{
		supervisor: sup,
		devices:    devices,
		templates:  templates,
		rollouts:   make(map[string]*Status),
		logger:     log.WithComponent("deploy"),
	}
}

// Start begins a rollout in the background and returns its initial status
func (d *Deployer) Start(template string, strategy Strategy) (*Status, error) {
	targets, err := d.prepare(template, &strategy)
	if err != nil {
		return nil, err
	}

	status, err := d.begin(template, len(targets))
	if err != nil {
		return nil, err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(context.Background(), status, targets, strategy)
	}()

	return d.Status(template)
}

// Rollout runs a rollout to completion. Cancelling ctx stops it between batches.
func (d *Deployer) Rollout(ctx context.Context, template string, strategy Strategy) (*Status, error) {
	targets, err := d.prepare(template, &strategy)
	if err != nil {
		return nil, err
	}

	status, err := d.begin(template, len(targets))
	if err != nil {
		return nil, err
	}

	d.run(ctx, status, targets, strategy)
	return d.Status(template)
}

// Status returns the latest rollout of a template
func (d *Deployer) Status(template string) (*Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	status, ok := d.rollouts[template]
	if !ok {
		return nil, types.NotFoundError(fmt.Sprintf("no rollout for template %s", template))
	}
	return status.copy(), nil
}

// Wait waits for background rollouts
func (d *Deployer) Wait() {
	d.wg.Wait()
}

func (d *Deployer) prepare(template string, strategy *Strategy) ([]*types.Device, error) {
	if !d.supervisor.Available() {
		return nil, types.BackendUnavailableError("cannot roll out workers", nil)
	}

	if strategy.Parallelism <= 0 {
		strategy.Parallelism = 1
	}
	if strategy.Parallelism > MaxParallelism {
		strategy.Parallelism = MaxParallelism
	}

	ok, err := d.templates.Validate(template)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.ConfigError(fmt.Sprintf("template %s references missing files", template), nil)
	}

	devices, err := d.devices.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	// Inactive devices were stopped on purpose and stay stopped
	var targets []*types.Device
	for _, dev := range devices {
		if dev.TemplateType != template {
			continue
		}
		if dev.State == types.DeviceStateActive || dev.State == types.DeviceStateError {
			targets = append(targets, dev)
		}
	}
	if len(targets) == 0 {
		return nil, types.NotFoundError(fmt.Sprintf("no running workers use template %s", template))
	}

	return targets, nil
}

func (d *Deployer) begin(template string, total int) (*Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if prev, ok := d.rollouts[template]; ok && prev.State == StateRunning {
		return nil, types.ConfigError(fmt.Sprintf("a rollout of template %s is already running", template), nil)
	}

	status := &Status{
		Template:  template,
		State:     StateRunning,
		Total:     total,
		StartedAt: time.Now(),
	}
	d.rollouts[template] = status
	return status, nil
}

func (d *Deployer) run(ctx context.Context, status *Status, targets []*types.Device, strategy Strategy) {
	logger := d.logger.With().Str("template", status.Template).Logger()
	logger.Info().
		Int("workers", len(targets)).
		Int("parallelism", strategy.Parallelism).
		Dur("delay", strategy.Delay).
		Msg("Starting rolling rebuild")

	batches := (len(targets) + strategy.Parallelism - 1) / strategy.Parallelism
	for i := 0; i < len(targets); i += strategy.Parallelism {
		end := i + strategy.Parallelism
		if end > len(targets) {
			end = len(targets)
		}

		batch := targets[i:end]
		logger.Info().
			Int("batch", i/strategy.Parallelism+1).
			Int("batches", batches).
			Int("workers", len(batch)).
			Msg("Rebuilding batch")

		var wg sync.WaitGroup
		for _, dev := range batch {
			wg.Add(1)
			go func(dev *types.Device) {
				defer wg.Done()
				handle, err := d.supervisor.Rebuild(ctx, dev.ID)
				d.record(status, dev.ID, handle, err)
			}(dev)
		}
		wg.Wait()

		if end < len(targets) && !sleep(ctx, strategy.Delay) {
			logger.Warn().Int("remaining", len(targets)-end).Msg("Rollout cancelled")
			d.finish(status, StateFailed)
			return
		}
	}

	final := StateCompleted
	d.mu.Lock()
	if len(status.Failed) > 0 {
		final = StateFailed
	}
	d.mu.Unlock()
	d.finish(status, final)

	logger.Info().Str("state", final).Msg("Rolling rebuild finished")
}

func (d *Deployer) record(status *Status, deviceID string, handle *types.WorkerHandle, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil && handle == nil {
		status.Skipped++
		return
	}
	metrics.RecordOperation("rollout", err)

	if err != nil {
		if status.Failed == nil {
			status.Failed = make(map[string]string)
		}
		status.Failed[deviceID] = err.Error()
		d.logger.Error().Err(err).Str("device_id", deviceID).Msg("Worker rebuild failed")
		return
	}
	status.Updated++
}

func (d *Deployer) finish(status *Status, state string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status.State = state
	status.FinishedAt = time.Now()
}

// FailedDevices returns the ids of devices whose rebuild failed, sorted
func (s *Status) FailedDevices() []string {
	ids := make([]string, 0, len(s.Failed))
	for id := range s.Failed {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
