package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
)

// ReportFunc receives the debounced health of a component
type ReportFunc func(component string, healthy bool, message string)

// Monitor runs named checkers on an interval and reports state changes
type Monitor struct {
	config   Config
	report   ReportFunc
	mu       sync.Mutex
	checkers map[string]Checker
	statuses map[string]*Status
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewMonitor creates a monitor that forwards results to report
func NewMonitor(config Config, report ReportFunc) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}

	return &Monitor{
		config:   config,
		report:   report,
		checkers: make(map[string]Checker),
		statuses: make(map[string]*Status),
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Add registers a checker under a component name
func (m *Monitor) Add(component string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.checkers[component] = checker
	m.statuses[component] = NewStatus()
}

// Start runs an initial check of every component and then checks on the interval
func (m *Monitor) Start(ctx context.Context) {
	m.CheckAll(ctx)

	go func() {
		defer close(m.doneCh)

		ticker := time.NewTicker(m.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.CheckAll(ctx)
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the monitor and waits for the check loop to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// CheckAll runs every checker once
func (m *Monitor) CheckAll(ctx context.Context) {
	m.mu.Lock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.check(ctx, name)
	}
}

func (m *Monitor) check(ctx context.Context, name string) {
	m.mu.Lock()
	checker := m.checkers[name]
	m.mu.Unlock()

	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	result := checker.Check(checkCtx)
	cancel()

	m.mu.Lock()
	status := m.statuses[name]
	wasHealthy := status.Healthy
	status.Update(result, m.config)
	healthy := status.Healthy
	m.mu.Unlock()

	if wasHealthy != healthy {
		if healthy {
			m.logger.Info().Str("check", name).Msg("Component recovered")
		} else {
			m.logger.Warn().Str("check", name).Str("reason", result.Message).Msg("Component unhealthy")
		}
	}

	if m.report != nil {
		m.report(name, healthy, result.Message)
	}
}

// Status returns a copy of a component's current status
func (m *Monitor) Status(component string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.statuses[component]
	if !ok {
		return Status{}, false
	}
	return *s, true
}
