package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for heliogrid workers
	DefaultNamespace = "heliogrid"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// Labels read by containerd's restart monitor
	restartStatusLabel = "containerd.io/restart.status"
	restartPolicyLabel = "containerd.io/restart.policy"
	restartLogURILabel = "containerd.io/restart.loguri"

	logPathLabel = "heliogrid.io/log-path"
)

// ContainerdBackend runs workers as containerd containers
type ContainerdBackend struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// Connect dials containerd. A missing socket or an unresponsive daemon is
// reported as types.ErrBackendUnavailable.
func Connect(ctx context.Context, socketPath, namespace string, timeout time.Duration) (*ContainerdBackend, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	if _, err := os.Stat(socketPath); err != nil {
		return nil, types.BackendUnavailableError(fmt.Sprintf("containerd socket %s", socketPath), err)
	}

	client, err := containerd.New(socketPath, containerd.WithTimeout(timeout))
	if err != nil {
		return nil, types.BackendUnavailableError("failed to connect to containerd", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := client.Version(pingCtx); err != nil {
		client.Close()
		return nil, types.BackendUnavailableError("containerd is not responding", err)
	}

	return &ContainerdBackend{
		client:    client,
		namespace: namespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// BuildImage pulls the template base image and tags it for the worker
func (r *ContainerdBackend) BuildImage(ctx context.Context, spec ImageSpec) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	// Pull and unpack so snapshots can be created from the tag
	img, err := r.client.Pull(ctx, spec.BaseImage, containerd.WithPullUnpack)
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", spec.BaseImage, err)
	}

	tagged := images.Image{
		Name:   spec.Tag,
		Target: img.Target(),
		Labels: map[string]string{"heliogrid.io/base-image": spec.BaseImage},
	}

	is := r.client.ImageService()
	if _, err := is.Create(ctx, tagged); err != nil {
		if !errdefs.IsAlreadyExists(err) {
			return fmt.Errorf("failed to tag image %s: %w", spec.Tag, err)
		}
		if _, err := is.Update(ctx, tagged); err != nil {
			return fmt.Errorf("failed to retag image %s: %w", spec.Tag, err)
		}
	}

	r.logger.Debug().Str("image", spec.Tag).Str("base", spec.BaseImage).Msg("Worker image ready")
	return nil
}

// Run creates and starts a worker container
func (r *ContainerdBackend) Run(ctx context.Context, spec RunSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	// Replace a leftover container with the same name
	if _, err := r.client.LoadContainer(ctx, spec.Name); err == nil {
		if err := r.Remove(ctx, spec.Name); err != nil {
			return "", fmt.Errorf("failed to remove stale container %s: %w", spec.Name, err)
		}
	}

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostResolvconf,
		oci.WithHostHostsFile,
		oci.WithMounts([]specs.Mount{
			{
				Source:      spec.WorkerDir,
				Destination: spec.MountPath,
				Type:        "bind",
				Options:     []string{"rbind", "rw"},
			},
		}),
		oci.WithProcessCwd(spec.MountPath),
	}
	if len(spec.Args) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Args...))
	}

	labels := map[string]string{
		logPathLabel: spec.LogPath,
	}
	if spec.RestartPolicy != "" {
		labels[restartStatusLabel] = string(containerd.Running)
		labels[restartPolicyLabel] = spec.RestartPolicy
		labels[restartLogURILabel] = "file://" + spec.LogPath
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.LogFile(spec.LogPath))
	if err != nil {
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		task.Delete(ctx)
		container.Delete(ctx, containerd.WithSnapshotCleanup)
		return "", fmt.Errorf("failed to start task: %w", err)
	}

	return container.ID(), nil
}

// Stop sends SIGTERM and escalates to SIGKILL after timeout.
// ErrNotFound is returned when the container or its task is gone.
func (r *ContainerdBackend) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}

	// Keep the restart monitor from reviving a deliberate stop
	if _, err := container.SetLabels(ctx, map[string]string{restartStatusLabel: string(containerd.Stopped)}); err != nil {
		r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to update restart label")
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return mapNotFound(err)
	}

	status, err := task.Status(ctx)
	if err == nil && status.Status == containerd.Stopped {
		if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
		return ErrNotFound
	}

	// Wait channel must exist before the signal
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		r.logger.Warn().Str("container_id", id).Dur("timeout", timeout).Msg("Worker ignored SIGTERM, killing")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Remove deletes a container and its snapshot, stopping it first if needed
func (r *ContainerdBackend) Remove(ctx context.Context, id string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return mapNotFound(err)
	}

	if err := r.Stop(ctx, id, 10*time.Second); err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return mapNotFound(err)
	}

	return nil
}

// Status maps the containerd task state onto a worker status
func (r *ContainerdBackend) Status(ctx context.Context, id string) (types.WorkerStatus, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return types.WorkerStatusNotFound, ErrNotFound
		}
		return types.WorkerStatusError, fmt.Errorf("failed to load container %s: %w", id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Created but never started, or task already reaped
		return types.WorkerStatusInactive, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return types.WorkerStatusError, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return types.WorkerStatusActive, nil
	case containerd.Created:
		return types.WorkerStatusPending, nil
	case containerd.Stopped:
		if status.ExitStatus == 0 {
			return types.WorkerStatusInactive, nil
		}
		return types.WorkerStatusError, nil
	default:
		return types.WorkerStatusPending, nil
	}
}

// Logs returns the last tail lines written by the worker
func (r *ContainerdBackend) Logs(ctx context.Context, id string, tail int) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return "", mapNotFound(err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read container labels: %w", err)
	}

	path := labels[logPathLabel]
	if path == "" {
		return "", ErrNotFound
	}

	return TailLines(path, tail)
}

// ListContainers returns all containers in the heliogrid namespace
func (r *ContainerdBackend) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	containers, err := r.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}

	return ids, nil
}

func mapNotFound(err error) error {
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}
