// Package registry owns the live entity and configuration vectors. There
// is exactly one Registry per process, created at the top and passed down
// by reference; readers take a short shared guard, and only the hot-reload
// coordinator writes, always by whole-vector replacement.
package registry

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/loader"
	"github.com/marainhq/marain/internal/schema"
)

var log = logrus.WithField("component", "registry")

// Registry holds the installed definitions. The zero value is not usable;
// call New.
type Registry struct {
	mu       sync.RWMutex
	entities []*schema.EntityDefinition
	configs  []*schema.Configuration
	hashes   map[string]string // source file path -> content hash at install
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{hashes: make(map[string]string)}
}

// Replace installs a full load result, discarding whatever was live. This
// is the only write path; per-file reloads go through the coordinator,
// which re-runs the loader and calls Replace with the merged result.
func (r *Registry) Replace(res *loader.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities = res.Entities
	r.configs = res.Configurations
	r.hashes = make(map[string]string, len(res.Hashes))
	for p, h := range res.Hashes {
		r.hashes[p] = h
	}
	log.WithFields(logrus.Fields{
		"entities":       len(r.entities),
		"configurations": len(r.configs),
	}).Info("registry replaced")
}

// Entity returns the installed definition with the given id. The returned
// pointer is stable for the duration of the call; callers must not hold it
// across a reload boundary.
func (r *Registry) Entity(id string) (*schema.EntityDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entities {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// Entities returns the installed definitions in declaration order.
func (r *Registry) Entities() []*schema.EntityDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.EntityDefinition, len(r.entities))
	copy(out, r.entities)
	return out
}

// Configuration returns the installed configuration with the given id.
func (r *Registry) Configuration(id string) (*schema.Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.configs {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Configurations returns all installed configurations.
func (r *Registry) Configurations() []*schema.Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.Configuration, len(r.configs))
	copy(out, r.configs)
	return out
}

// ConfigString resolves a dotted path in the named configuration.
func (r *Registry) ConfigString(id, path, def string) string {
	if c, ok := r.Configuration(id); ok {
		return c.String(path, def)
	}
	return def
}

// ConfigBool resolves a dotted path in the named configuration.
func (r *Registry) ConfigBool(id, path string, def bool) bool {
	if c, ok := r.Configuration(id); ok {
		return c.Bool(path, def)
	}
	return def
}

// ConfigInt resolves a dotted path in the named configuration.
func (r *Registry) ConfigInt(id, path string, def int64) int64 {
	if c, ok := r.Configuration(id); ok {
		return c.Int(path, def)
	}
	return def
}

// ConfigFloat resolves a dotted path in the named configuration.
func (r *Registry) ConfigFloat(id, path string, def float64) float64 {
	if c, ok := r.Configuration(id); ok {
		return c.Float(path, def)
	}
	return def
}

// SwapConfiguration atomically replaces one configuration by id, used by
// the UpdateConfig action. Unknown ids append.
func (r *Registry) SwapConfiguration(cfg *schema.Configuration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.configs {
		if c.ID == cfg.ID {
			r.configs[i] = cfg
			return
		}
	}
	r.configs = append(r.configs, cfg)
}

// FileHash returns the content hash recorded for path at install time.
func (r *Registry) FileHash(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hashes[path]
	return h, ok
}

// SetFileHash records the hash for one file after a per-file reload.
func (r *Registry) SetFileHash(path, hash string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hashes[path] = hash
}

// FileCount reports how many source files are installed. The bootstrap
// count-check compares it against the files on disk.
func (r *Registry) FileCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hashes)
}

// NeedsReload implements the count-check bootstrap: a mismatch between
// the files on disk and the installed files forces a full reload. This
// bounds the failure mode where a previously applied declaration was lost
// (new instance, restored backup, migrated data).
func (r *Registry) NeedsReload(schemaDir, configDir string) (bool, error) {
	onDisk, err := loader.CountFiles(schemaDir, configDir)
	if err != nil {
		return false, err
	}
	installed := r.FileCount()
	if onDisk != installed {
		log.WithFields(logrus.Fields{
			"on_disk":   onDisk,
			"installed": installed,
		}).Warn("count-check mismatch, forcing full reload")
		return true, nil
	}
	return false, nil
}
