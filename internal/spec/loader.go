package spec

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evergraph/evergraph/internal/types"
)

// Loader resolves spec names to parsed specs from a directory of YAML
// files. Parsed specs are cached and invalidated when the file's mtime
// changes or on explicit Reload.
type Loader struct {
	dir string

	mu    sync.Mutex
	cache map[string]cachedSpec
}

type cachedSpec struct {
	spec  *Spec
	mtime time.Time
}

// NewLoader creates a loader reading {dir}/{spec_name}.yaml.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]cachedSpec)}
}

// Load resolves a spec by name.
func (l *Loader) Load(name string) (*Spec, error) {
	path := filepath.Join(l.dir, name+".yaml")
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NotFoundf("spec %q", name)
		}
		return nil, types.Internalf("stat spec %s: %v", path, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.cache[name]; ok && c.mtime.Equal(info.ModTime()) {
		return c.spec, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, types.Internalf("read spec %s: %v", path, err)
	}
	s, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	l.cache[name] = cachedSpec{spec: s, mtime: info.ModTime()}
	return s, nil
}

// List returns available spec names, skipping underscore-prefixed files.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.Internalf("read spec dir %s: %v", l.dir, err)
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, "_") || filepath.Ext(name) != ".yaml" {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".yaml"))
	}
	return names, nil
}

// Reload drops the cache; subsequent loads re-read from disk.
func (l *Loader) Reload() {
	l.mu.Lock()
	l.cache = make(map[string]cachedSpec)
	l.mu.Unlock()
}
