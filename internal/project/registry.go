// Package project maintains the name→path registry of tracked projects: a
// JSON mapping file replaced atomically on every write, plus validation of a
// project directory's expected layout.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/G-Jeffreys/DeployBot/internal/atomicfile"
	"github.com/G-Jeffreys/DeployBot/internal/model"
)

// MappingFile is the on-disk JSON shape of the registry.
type MappingFile struct {
	Version           int               `json:"version"`
	LastUpdated       string            `json:"last_updated"`
	DefaultProjectsRoot string          `json:"default_projects_root"`
	TotalProjects     int               `json:"total_projects"`
	ProjectMappings   map[string]string `json:"project_mappings"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// ValidationResult is returned by Validate.
type ValidationResult struct {
	Exists      bool     `json:"exists"`
	IsDirectory bool     `json:"is_directory"`
	Writable    bool     `json:"writable"`
	HasConfig   bool     `json:"has_config"`
	HasTodo     bool     `json:"has_todo"`
	HasLogsDir  bool     `json:"has_logs_dir"`
	Issues      []string `json:"issues"`
}

// OK reports whether the directory is usable as a project (exists, is a
// directory, and carries both config.json and TODO.md).
func (v ValidationResult) OK() bool {
	return v.Exists && v.IsDirectory && v.HasConfig && v.HasTodo
}

// Registry owns the name→path mapping file: a single in-memory copy guarded
// by a mutex and flushed atomically on every write.
type Registry struct {
	mu                sync.Mutex
	path              string
	defaultProjectsDir string
	mapping           MappingFile
}

// New creates a Registry backed by the mapping file at path, loading any
// existing contents. defaultProjectsDir is scanned by ListAll in addition to
// the mapping.
func New(path, defaultProjectsDir string) (*Registry, error) {
	r := &Registry{
		path:               path,
		defaultProjectsDir: defaultProjectsDir,
		mapping: MappingFile{
			Version:             1,
			DefaultProjectsRoot: defaultProjectsDir,
			ProjectMappings:     map[string]string{},
		},
	}

	if err := atomicfile.ReadJSON(path, &r.mapping); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading project mapping %s: %w", path, err)
	}
	if r.mapping.ProjectMappings == nil {
		r.mapping.ProjectMappings = map[string]string{}
	}
	return r, nil
}

func (r *Registry) save() error {
	r.mapping.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	r.mapping.TotalProjects = len(r.mapping.ProjectMappings)
	return atomicfile.WriteJSON(r.path, &r.mapping)
}

// Add registers name → absPath and persists the mapping.
func (r *Registry) Add(name, absPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mapping.ProjectMappings[name] = absPath
	return r.save()
}

// Remove unregisters name and persists the mapping.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mapping.ProjectMappings, name)
	return r.save()
}

// Resolve returns the path registered for name, if any.
func (r *Registry) Resolve(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.mapping.ProjectMappings[name]
	return p, ok
}

// ListAll returns the union of the mapping and the default projects
// directory, skipping any entry missing config.json or TODO.md, sorted by
// name for stable output.
func (r *Registry) ListAll() []model.Project {
	r.mu.Lock()
	seen := map[string]string{}
	for name, path := range r.mapping.ProjectMappings {
		seen[name] = path
	}
	r.mu.Unlock()

	if r.defaultProjectsDir != "" {
		entries, err := os.ReadDir(r.defaultProjectsDir)
		if err == nil {
			for _, e := range entries {
				if !e.IsDir() {
					continue
				}
				if _, exists := seen[e.Name()]; !exists {
					seen[e.Name()] = filepath.Join(r.defaultProjectsDir, e.Name())
				}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]model.Project, 0, len(names))
	for _, name := range names {
		path := seen[name]
		v := Validate(path)
		if !v.HasConfig || !v.HasTodo {
			continue
		}
		out = append(out, model.Project{Name: name, Path: path})
	}
	return out
}

// Validate inspects path for the expected project layout.
func Validate(path string) ValidationResult {
	var v ValidationResult
	info, err := os.Stat(path)
	if err != nil {
		v.Issues = append(v.Issues, fmt.Sprintf("path does not exist: %s", path))
		return v
	}
	v.Exists = true
	v.IsDirectory = info.IsDir()
	if !v.IsDirectory {
		v.Issues = append(v.Issues, "path is not a directory")
		return v
	}

	if probe := filepath.Join(path, ".deploybot-write-check"); tryWrite(probe) {
		v.Writable = true
	} else {
		v.Issues = append(v.Issues, "directory is not writable")
	}

	if fi, err := os.Stat(filepath.Join(path, "config.json")); err == nil && !fi.IsDir() {
		v.HasConfig = true
	} else {
		v.Issues = append(v.Issues, "missing config.json")
	}

	if fi, err := os.Stat(filepath.Join(path, "TODO.md")); err == nil && !fi.IsDir() {
		v.HasTodo = true
	} else {
		v.Issues = append(v.Issues, "missing TODO.md")
	}

	if fi, err := os.Stat(filepath.Join(path, "logs")); err == nil && fi.IsDir() {
		v.HasLogsDir = true
	}

	return v
}

func tryWrite(probe string) bool {
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

// MigrateExisting backfills the mapping from entries found directly under
// the default projects directory that are not already registered.
func (r *Registry) MigrateExisting() (int, error) {
	if r.defaultProjectsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(r.defaultProjectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading default projects dir: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	added := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, exists := r.mapping.ProjectMappings[e.Name()]; exists {
			continue
		}
		path := filepath.Join(r.defaultProjectsDir, e.Name())
		v := Validate(path)
		if !v.HasConfig || !v.HasTodo {
			continue
		}
		r.mapping.ProjectMappings[e.Name()] = path
		added++
	}
	if added > 0 {
		if err := r.save(); err != nil {
			return added, err
		}
	}
	return added, nil
}
