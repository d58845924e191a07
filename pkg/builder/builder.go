package builder

import (
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/template"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// Artifacts describes a fully materialized worker directory
type Artifacts struct {
	Template   *types.WorkerTemplate
	Dir        string
	ConfigPath string
	Files      []string // Destination names copied from the template
}

// Builder materializes worker directories from templates
type Builder struct {
	registry *template.Registry
	logger   zerolog.Logger
}

// NewBuilder creates a builder reading from the given template registry
func NewBuilder(registry *template.Registry) *Builder {
	return &Builder{
		registry: registry,
		logger:   log.WithComponent("builder"),
	}
}

// Spec resolves a device record into an immutable worker spec
func (b *Builder) Spec(device *types.Device, sink types.SinkConfig) *types.WorkerSpec {
	interval := device.Interval
	if interval <= 0 {
		interval = types.DefaultInterval
	}
	timezone := device.Timezone
	if timezone == "" {
		timezone = types.DefaultTimezone
	}
	templateType := device.TemplateType
	if templateType == "" {
		templateType = template.DefaultTemplateType
	}

	return &types.WorkerSpec{
		DeviceID:     device.ID,
		DeviceName:   device.Name,
		TemplateType: templateType,
		Credentials: types.PortalCredentials{
			Username: device.Username,
			Password: device.Password,
			Region:   device.Region,
		},
		Sink: sink,
		Settings: types.WorkerSettings{
			Interval: interval,
			Timezone: timezone,
		},
	}
}

// Document renders the configuration document for a spec
func Document(spec *types.WorkerSpec) *template.WorkerConfig {
	return template.NewWorkerConfig(spec)
}

// Materialize copies every manifest file of tpl into dest, keeping mode and
// modification time. dest must already exist. Any copy failure is returned as
// a partial build error and leaves dest for the caller to remove.
func (b *Builder) Materialize(tpl *types.WorkerTemplate, dest string) error {
	roles := make([]string, 0, len(tpl.Files))
	for role := range tpl.Files {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		src := template.SourcePath(tpl.Name, tpl.Files[role])
		if err := copyFile(b.registry.FS(), src, filepath.Join(dest, role)); err != nil {
			return types.PartialBuildError(fmt.Sprintf("failed to copy %s", tpl.Files[role]), err)
		}
	}

	return nil
}

// WriteConfig writes the configuration document into dest
func WriteConfig(dest string, cfg *template.WorkerConfig) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode worker config: %w", err)
	}

	path := filepath.Join(dest, template.ConfigFile)
	// Holds portal credentials
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return "", fmt.Errorf("failed to write worker config: %w", err)
	}

	return path, nil
}

// Build validates the template and the generated config, then materializes
// the worker directory at dest. Nothing is created when validation fails; a
// failure after the directory exists removes it before returning.
func (b *Builder) Build(spec *types.WorkerSpec, dest string) (*Artifacts, error) {
	logger := b.logger.With().Str("device_id", spec.DeviceID).Str("template", spec.TemplateType).Logger()

	tpl, err := b.registry.Load(spec.TemplateType)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("template %q unusable", spec.TemplateType), err)
	}

	missing, err := b.registry.MissingFiles(tpl.Name)
	if err != nil {
		return nil, types.ConfigError(fmt.Sprintf("template %q unusable", tpl.Name), err)
	}
	if len(missing) > 0 {
		return nil, types.ConfigError(fmt.Sprintf("template %q references missing files: %v", tpl.Name, missing), nil)
	}

	cfg := Document(spec)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// A previous build for this device is replaced, never merged
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("failed to clear worker directory: %w", err)
	}
	if err := os.MkdirAll(dest, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worker directory: %w", err)
	}

	if err := b.Materialize(tpl, dest); err != nil {
		b.cleanup(dest, logger)
		return nil, err
	}

	configPath, err := WriteConfig(dest, cfg)
	if err != nil {
		b.cleanup(dest, logger)
		return nil, types.PartialBuildError("failed to write worker config", err)
	}

	files := make([]string, 0, len(tpl.Files))
	for role := range tpl.Files {
		files = append(files, role)
	}
	sort.Strings(files)

	logger.Info().Str("dir", dest).Int("files", len(files)).Msg("Worker directory materialized")

	return &Artifacts{
		Template:   tpl,
		Dir:        dest,
		ConfigPath: configPath,
		Files:      files,
	}, nil
}

func (b *Builder) cleanup(dest string, logger zerolog.Logger) {
	if err := os.RemoveAll(dest); err != nil {
		logger.Error().Err(err).Str("dir", dest).Msg("Failed to remove partial worker directory")
		return
	}
	logger.Warn().Str("dir", dest).Msg("Removed partial worker directory")
}

func copyFile(fsys fs.FS, src, dst string) error {
	in, err := fsys.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	perm := info.Mode().Perm()
	if perm == 0 {
		perm = 0644
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	// OpenFile mode is filtered by umask
	if err := os.Chmod(dst, perm); err != nil {
		return err
	}
	if mtime := info.ModTime(); !mtime.IsZero() {
		if err := os.Chtimes(dst, time.Now(), mtime); err != nil {
			return err
		}
	}

	return nil
}
