package health

import (
	"context"
	"time"
)

// CheckType names the probe mechanism behind a Checker
type CheckType string

const (
	CheckTypeHTTP   CheckType = "http"
	CheckTypeSocket CheckType = "socket"
	CheckTypeFunc   CheckType = "func"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

func passed(start time.Time, msg string) Result {
	return Result{Healthy: true, Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

func failed(start time.Time, msg string) Result {
	return Result{Message: msg, CheckedAt: start, Duration: time.Since(start)}
}

// Checker probes one dependency of the daemon
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often a Monitor probes and how quickly it gives up
type Config struct {
	Interval time.Duration
	Timeout  time.Duration // per probe

	// Retries is the number of consecutive failures that flips a component to unhealthy
	Retries int
}

// DefaultConfig probes every 30s with a 10s deadline and tolerates two misses
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		Retries:  3,
	}
}

// Status is the debounced view of a component
type Status struct {
	Healthy    bool
	Failures   int // consecutive
	Successes  int // consecutive
	LastCheck  time.Time
	LastResult Result
}

// NewStatus starts a component as healthy so a single slow probe at boot
// does not fail readiness
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status
func (s *Status) Update(result Result, config Config) {
	s.LastCheck, s.LastResult = result.CheckedAt, result

	if result.Healthy {
		s.Successes++
		s.Failures = 0
		s.Healthy = true
		return
	}

	s.Successes = 0
	s.Failures++
	if s.Failures >= config.Retries {
		s.Healthy = false
	}
}
