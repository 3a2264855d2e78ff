package schema

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/evergraph/evergraph/internal/types"
)

// Registry keeps domain schemas per workspace. Schemas are loaded from a
// directory of YAML files at startup and on explicit reload; workspaces
// created through the API register their schema directly. Read-mostly:
// lookups take the read lock only.
type Registry struct {
	dir string
	log *zap.Logger

	mu      sync.RWMutex
	schemas map[string]*Domain
}

// NewRegistry creates an empty registry reading from dir.
func NewRegistry(dir string, log *zap.Logger) *Registry {
	return &Registry{
		dir:     dir,
		log:     log.Named("schema"),
		schemas: make(map[string]*Domain),
	}
}

// LoadAll scans the schema directory and loads every parseable schema.
// Files starting with underscore are skipped. Invalid files are logged and
// skipped rather than failing startup.
func (r *Registry) LoadAll() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.Internalf("read schema dir %s: %v", r.dir, err)
	}

	loaded := make(map[string]*Domain)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") {
			continue
		}
		if ext := filepath.Ext(name); ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			r.log.Warn("skipping unreadable schema file", zap.String("file", name), zap.Error(err))
			continue
		}
		d, err := Parse(raw)
		if err != nil {
			r.log.Warn("skipping invalid schema file", zap.String("file", name), zap.Error(err))
			continue
		}
		loaded[d.Workspace] = d
		r.log.Info("loaded workspace schema",
			zap.String("workspace", d.Workspace),
			zap.String("version", d.Version),
			zap.Int("entity_types", len(d.EntityTypes)))
	}

	r.mu.Lock()
	r.schemas = loaded
	r.mu.Unlock()
	return nil
}

// Reload re-scans the schema directory, replacing the cache.
func (r *Registry) Reload() error { return r.LoadAll() }

// Register validates and installs a schema directly (workspace creation).
// Registering over an existing workspace is a conflict.
func (r *Registry) Register(d *Domain) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[d.Workspace]; exists {
		return types.Conflictf("workspace %q already exists", d.Workspace)
	}
	r.schemas[d.Workspace] = d
	return nil
}

// Get returns the schema for a workspace.
func (r *Registry) Get(workspaceID string) (*Domain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.schemas[workspaceID]
	if !ok {
		return nil, types.NotFoundf("workspace %q", workspaceID)
	}
	return d, nil
}

// Workspaces lists the known workspace IDs.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.schemas))
	for ws := range r.schemas {
		out = append(out, ws)
	}
	return out
}

// MarshalDomain renders a schema back to YAML for the schema endpoint.
func MarshalDomain(d *Domain) ([]byte, error) {
	return yaml.Marshal(d)
}
