// Package manager owns the process lifecycle: it resolves paths, loads
// schemas and configuration, materializes entity tables, and keeps the
// running state in sync with the watched directories. A reload that
// fails leaves the previous state serving; the manager never takes the
// process down over a bad file.
package manager

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/marainhq/marain/internal/action"
	"github.com/marainhq/marain/internal/audit"
	"github.com/marainhq/marain/internal/content"
	"github.com/marainhq/marain/internal/errs"
	"github.com/marainhq/marain/internal/jsoncache"
	"github.com/marainhq/marain/internal/loader"
	"github.com/marainhq/marain/internal/paths"
	"github.com/marainhq/marain/internal/registry"
	"github.com/marainhq/marain/internal/schema"
	"github.com/marainhq/marain/internal/watcher"
)

var log = logrus.WithField("component", "manager")

// Options tunes the manager.
type Options struct {
	// AcceptBreaking lets reloads apply destructive changes (dropped
	// fields, dropped entities, type rewrites). Off by default: breaking
	// changes are refused and the previous state keeps serving.
	AcceptBreaking bool
	// Debounce and PollInterval pass through to the watcher.
	Debounce     time.Duration
	PollInterval time.Duration
	// GCInterval drives the KV store's value-log garbage collection.
	// Zero uses one hour.
	GCInterval time.Duration
}

// Manager wires the storage engine, cache, audit log, registry, and
// watcher together and serializes reloads.
type Manager struct {
	paths *paths.Paths
	opts  Options

	store    *content.Store
	kv       *jsoncache.Store
	cache    *jsoncache.Cache
	auditLog *audit.Log
	reg      *registry.Registry
	engine   *content.Engine
	tracker  *content.Tracker
	exec     *action.Executor
	w        *watcher.Watcher

	// mu serializes reloads and guards the reload state below.
	mu      sync.Mutex
	trees   map[string]map[string]any
	sources map[string]string
	reports []*ReloadReport
}

// New opens every backing store and wires the components. Call Start to
// load schemas and begin watching.
func New(p *paths.Paths, opts Options) (*Manager, error) {
	if opts.GCInterval <= 0 {
		opts.GCInterval = time.Hour
	}
	if err := p.EnsureDirs(); err != nil {
		return nil, err
	}

	store, err := content.Open(p.ContentDB())
	if err != nil {
		return nil, err
	}
	kv, err := jsoncache.OpenStore(p.CacheDir())
	if err != nil {
		store.Close()
		return nil, err
	}
	auditLog, err := audit.Open(p.AuditLog(), audit.DefaultOptions())
	if err != nil {
		kv.Close()
		store.Close()
		return nil, err
	}

	cache := jsoncache.New(kv)
	reg := registry.New()
	m := &Manager{
		paths:    p,
		opts:     opts,
		store:    store,
		kv:       kv,
		cache:    cache,
		auditLog: auditLog,
		reg:      reg,
		engine:   content.NewEngine(store, reg, cache, auditLog),
		tracker:  content.NewTracker(store),
		exec:     action.NewExecutor(store.DB(), reg, cache),
		trees:    make(map[string]map[string]any),
		sources:  make(map[string]string),
	}
	return m, nil
}

// Engine exposes the content engine for callers serving requests.
func (m *Manager) Engine() *content.Engine { return m.engine }

// Registry exposes the live schema registry.
func (m *Manager) Registry() *registry.Registry { return m.reg }

// Cache exposes the JSON cache.
func (m *Manager) Cache() *jsoncache.Cache { return m.cache }

// Audit exposes the audit log.
func (m *Manager) Audit() *audit.Log { return m.auditLog }

// Tracker exposes the file version log.
func (m *Manager) Tracker() *content.Tracker { return m.tracker }

// Start boots the manager: load everything, materialize missing tables,
// start the watcher and the KV garbage collector. It returns once the
// system is serving; the goroutines it spawns exit when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Boot(ctx); err != nil {
		return err
	}
	m.w = watcher.New(m.paths.WatchedDirs(), func(ev watcher.Event) {
		m.handleEvent(context.Background(), ev)
	}, watcher.Options{Debounce: m.opts.Debounce, PollInterval: m.opts.PollInterval})
	if err := m.w.Start(ctx); err != nil {
		return err
	}
	go m.kv.RunGC(ctx, m.opts.GCInterval)
	return nil
}

// Boot loads schemas and configuration, installs them in the registry,
// and creates tables for entities that do not have them yet.
func (m *Manager) Boot(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, err := loader.LoadAll(m.paths.Schemas, m.paths.Config)
	if err != nil {
		return err
	}
	m.reg.Replace(res)
	m.sources = res.Sources

	for _, def := range res.Entities {
		ok, err := m.store.TablesExist(ctx, def.Plan().Tables)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := m.materialize(ctx, def, res); err != nil {
			return err
		}
	}

	m.trees = make(map[string]map[string]any)
	for path := range res.Hashes {
		tree, err := readTree(path)
		if err != nil {
			log.WithField("path", path).WithError(err).Warn("cannot snapshot file for diffing")
			continue
		}
		m.trees[path] = tree
	}

	if stale, err := m.reg.NeedsReload(m.paths.Schemas, m.paths.Config); err == nil && stale {
		log.Warn("watched directories changed during boot, next event will reconcile")
	}
	return nil
}

// materialize creates the tables and indexes for one entity and records
// the applied actions against its source file.
func (m *Manager) materialize(ctx context.Context, def *schema.EntityDefinition, res *loader.Result) error {
	actions := action.ForNewEntity(def)
	report, err := m.executeWithRetry(ctx, actions)
	if err != nil {
		return err
	}
	path := sourceOf(res.Sources, def.ID)
	if path == "" {
		return nil
	}
	if _, err := m.tracker.Record(ctx, path, res.Hashes[path], actions, report.Rollbacks, content.VersionApplied); err != nil {
		log.WithField("entity", def.ID).WithError(err).Warn("version record failed")
	}
	log.WithFields(logrus.Fields{"entity": def.ID, "tables": len(def.Plan().Tables)}).Info("entity tables created")
	return nil
}

// executeWithRetry is the only retry loop in the system: transient
// storage failures (locked database) get at most two retries with short
// backoff, everything else fails immediately.
func (m *Manager) executeWithRetry(ctx context.Context, actions []action.Action) (*action.Report, error) {
	backoffs := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}
	for attempt := 0; ; attempt++ {
		report, err := m.exec.Execute(ctx, actions, false)
		if err == nil || attempt >= len(backoffs) || !errs.IsRetryable(err) {
			return report, err
		}
		log.WithField("attempt", attempt+1).WithError(err).Warn("retrying action execution")
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		case <-time.After(backoffs[attempt]):
		}
	}
}

// Close stops the watcher and closes every backing store.
func (m *Manager) Close() error {
	if m.w != nil {
		m.w.Stop()
	}
	var first error
	for _, c := range []func() error{m.auditLog.Close, m.kv.Close, m.store.Close} {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func sourceOf(sources map[string]string, entityID string) string {
	for path, id := range sources {
		if id == entityID {
			return path
		}
	}
	return ""
}

// readTree parses a watched file into the generic map form the diff
// package compares.
func readTree(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseTree(data)
}

func parseTree(data []byte) (map[string]any, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = map[string]any{}
	}
	return tree, nil
}
