package runtime

import (
	"bufio"
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/heliogrid/heliogrid/pkg/types"
)

// ErrNotFound is returned when the backend has no entity for an identifier
var ErrNotFound = errors.New("worker not found")

// RestartUnlessStopped restarts a worker after any exit that was not requested
const RestartUnlessStopped = "unless-stopped"

// ImageSpec describes the image a worker runs from
type ImageSpec struct {
	BaseImage string // Image named by the template manifest
	Tag       string // Per-worker image name
	SourceDir string // Materialized worker directory
}

// RunSpec describes one worker execution unit
type RunSpec struct {
	Name          string
	Image         string
	WorkerDir     string   // Host directory holding config.json and template files
	MountPath     string   // Where WorkerDir appears inside the worker
	Args          []string // Empty means the image's default command
	RestartPolicy string
	LogPath       string
}

// Backend is the execution capability the supervisor drives
type Backend interface {
	BuildImage(ctx context.Context, spec ImageSpec) error
	Run(ctx context.Context, spec RunSpec) (string, error)
	Status(ctx context.Context, id string) (types.WorkerStatus, error)
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Logs(ctx context.Context, id string, tail int) (string, error)
	Close() error
}

// TailLines returns the last n lines of a file
func TailLines(path string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer f.Close()

	ring := make([]string, n)
	count := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}

	if count <= n {
		return strings.Join(ring[:count], "\n"), nil
	}

	start := count % n
	lines := append(append([]string{}, ring[start:]...), ring[:start]...)
	return strings.Join(lines, "\n"), nil
}
