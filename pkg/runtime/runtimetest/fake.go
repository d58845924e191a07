// Package runtimetest provides an in-memory execution backend for tests.
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/heliogrid/heliogrid/pkg/runtime"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Worker is the fake's record of one execution unit
type Worker struct {
	Spec    runtime.RunSpec
	Status  types.WorkerStatus
	Stopped bool
}

// Backend records every call and keeps workers in memory
type Backend struct {
	mu      sync.Mutex
	images  map[string]runtime.ImageSpec
	workers map[string]*Worker
	seq     int
	logs    map[string]string

	// Errors injected into the next calls
	BuildErr error
	RunErr   error
	StopErr  error

	// Blocks Run until closed when set
	RunGate chan struct{}

	Calls []string
}

// NewBackend creates an empty fake backend
func NewBackend() *Backend {
	return &Backend{
		images:  make(map[string]runtime.ImageSpec),
		workers: make(map[string]*Worker),
		logs:    make(map[string]string),
	}
}

func (b *Backend) record(call string) {
	b.Calls = append(b.Calls, call)
}

func (b *Backend) BuildImage(ctx context.Context, spec runtime.ImageSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("build:" + spec.Tag)
	if b.BuildErr != nil {
		return b.BuildErr
	}
	b.images[spec.Tag] = spec
	return nil
}

func (b *Backend) Run(ctx context.Context, spec runtime.RunSpec) (string, error) {
	if b.RunGate != nil {
		<-b.RunGate
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("run:" + spec.Name)
	if b.RunErr != nil {
		return "", b.RunErr
	}
	if _, ok := b.images[spec.Image]; !ok {
		return "", fmt.Errorf("image %s not built", spec.Image)
	}

	b.seq++
	id := fmt.Sprintf("%s-%d", spec.Name, b.seq)
	b.workers[id] = &Worker{Spec: spec, Status: types.WorkerStatusActive}
	return id, nil
}

func (b *Backend) Status(ctx context.Context, id string) (types.WorkerStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[id]
	if !ok {
		return types.WorkerStatusNotFound, runtime.ErrNotFound
	}
	return w.Status, nil
}

func (b *Backend) Stop(ctx context.Context, id string, timeout time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("stop:" + id)
	if b.StopErr != nil {
		return b.StopErr
	}
	w, ok := b.workers[id]
	if !ok || w.Stopped {
		return runtime.ErrNotFound
	}
	w.Stopped = true
	w.Status = types.WorkerStatusInactive
	return nil
}

func (b *Backend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record("remove:" + id)
	if _, ok := b.workers[id]; !ok {
		return runtime.ErrNotFound
	}
	delete(b.workers, id)
	return nil
}

func (b *Backend) Logs(ctx context.Context, id string, tail int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.workers[id]; !ok {
		return "", runtime.ErrNotFound
	}
	return b.logs[id], nil
}

func (b *Backend) Close() error {
	return nil
}

// SetStatus changes the reported status of a worker, as a crash would
func (b *Backend) SetStatus(id string, status types.WorkerStatus) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[id]
	if !ok {
		return errors.New("no such worker")
	}
	w.Status = status
	return nil
}

// SetLogs sets the log output of a worker
func (b *Backend) SetLogs(id, logs string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logs[id] = logs
}

// Running returns the IDs of workers that have not been stopped
func (b *Backend) Running() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ids []string
	for id, w := range b.workers {
		if !w.Stopped {
			ids = append(ids, id)
		}
	}
	return ids
}

// Worker returns a copy of a worker record
func (b *Backend) Worker(id string) (Worker, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	w, ok := b.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// CallCount returns how many recorded calls start with prefix
func (b *Backend) CallCount(prefix string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, c := range b.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
