package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/heliogrid/heliogrid/pkg/log"
	"github.com/heliogrid/heliogrid/pkg/types"
)

// ManifestFile is the per-template manifest name
const ManifestFile = "template.json"

// manifest is the on-disk shape of template.json
type manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Image       string            `json:"image"`
	Files       map[string]string `json:"files"`
}

// Registry reads worker templates from a template store.
// Templates are reloaded on every lookup; nothing is cached.
type Registry struct {
	fsys fs.FS
	dir  string
}

// NewRegistry creates a registry over an arbitrary template store
func NewRegistry(fsys fs.FS) *Registry {
	return &Registry{fsys: fsys}
}

// NewDirRegistry creates a registry over a template directory on disk
func NewDirRegistry(dir string) (*Registry, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("templates directory not found: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates path is not a directory: %s", dir)
	}

	return &Registry{fsys: os.DirFS(dir), dir: dir}, nil
}

// FS returns the underlying template store
func (r *Registry) FS() fs.FS {
	return r.fsys
}

// Dir returns the on-disk template directory, empty for non-disk stores
func (r *Registry) Dir() string {
	return r.dir
}

// ListTemplateNames returns every subdirectory of the store holding a manifest
func (r *Registry) ListTemplateNames() ([]string, error) {
	entries, err := fs.ReadDir(r.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read template store: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := fs.Stat(r.fsys, path.Join(entry.Name(), ManifestFile)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}

	return names, nil
}

// Load reads and parses a template manifest
func (r *Registry) Load(name string) (*types.WorkerTemplate, error) {
	if !validName(name) {
		return nil, types.NotFoundError(fmt.Sprintf("template %q", name))
	}

	data, err := fs.ReadFile(r.fsys, path.Join(name, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, types.NotFoundError(fmt.Sprintf("template %q", name))
		}
		return nil, types.MalformedError(fmt.Sprintf("template %q: unreadable manifest", name), err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, types.MalformedError(fmt.Sprintf("template %q: invalid manifest", name), err)
	}
	if m.Files == nil {
		return nil, types.MalformedError(fmt.Sprintf("template %q: manifest has no files section", name), nil)
	}

	for role, file := range m.Files {
		// Roles become file names in the worker directory
		if role == "" || strings.ContainsAny(role, `/\`) || role == "." || role == ".." {
			return nil, types.MalformedError(fmt.Sprintf("template %q: invalid file role %q", name, role), nil)
		}
		if file == "" || !fs.ValidPath(file) {
			return nil, types.MalformedError(fmt.Sprintf("template %q: invalid file path %q", name, file), nil)
		}
	}

	tpl := &types.WorkerTemplate{
		Name:        name,
		Description: m.Description,
		Version:     m.Version,
		Image:       m.Image,
		Files:       make(map[string]string, len(m.Files)),
	}
	for role, file := range m.Files {
		tpl.Files[role] = file
	}
	if schema, ok := SchemaFor(name); ok {
		tpl.Schema = schema
	}

	return tpl, nil
}

// MissingFiles returns the manifest-referenced files absent from the template directory
func (r *Registry) MissingFiles(name string) ([]string, error) {
	tpl, err := r.Load(name)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, file := range sortedFiles(tpl) {
		info, err := fs.Stat(r.fsys, path.Join(name, file))
		if err != nil || info.IsDir() {
			missing = append(missing, file)
		}
	}

	return missing, nil
}

// Validate reports whether every file referenced by the manifest exists
func (r *Registry) Validate(name string) (bool, error) {
	missing, err := r.MissingFiles(name)
	if err != nil {
		return false, err
	}

	if len(missing) > 0 {
		logger := log.WithTemplate(name)
		logger.Warn().Strs("missing", missing).Msg("Template references missing files")
		return false, nil
	}

	return true, nil
}

// SourcePath returns the store path of a template file
func SourcePath(templateName, file string) string {
	return path.Join(templateName, file)
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}
