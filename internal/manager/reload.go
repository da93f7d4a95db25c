package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/action"
	"github.com/marainhq/marain/internal/content"
	"github.com/marainhq/marain/internal/diff"
	"github.com/marainhq/marain/internal/loader"
	"github.com/marainhq/marain/internal/schema"
	"github.com/marainhq/marain/internal/watcher"
)

// ReloadReport is the outcome of handling one debounced file event.
type ReloadReport struct {
	Path      string         `json:"path"`
	Event     string         `json:"event"`
	Severity  string         `json:"severity,omitempty"`
	Changes   []diff.Change  `json:"changes,omitempty"`
	Refused   bool           `json:"refused,omitempty"`
	Unchanged bool           `json:"unchanged,omitempty"`
	Version   int64          `json:"version,omitempty"`
	Execution *action.Report `json:"execution,omitempty"`
	Err       string         `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// Reports returns the reload reports accumulated so far, oldest first.
func (m *Manager) Reports() []*ReloadReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ReloadReport(nil), m.reports...)
}

// handleEvent processes one debounced change. It never returns an
// error: failures land in the report and the previous state keeps
// serving.
func (m *Manager) handleEvent(ctx context.Context, ev watcher.Event) *ReloadReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	rep := &ReloadReport{Path: ev.Path, Event: ev.Kind.String(), At: time.Now().UTC()}
	switch {
	case loader.IsConfigFile(ev.Path):
		m.reloadConfig(ctx, ev, rep)
	case loader.IsSchemaFile(ev.Path):
		m.reloadSchema(ctx, ev, rep)
	default:
		return rep
	}

	m.reports = append(m.reports, rep)
	fields := logrus.Fields{"path": ev.Path, "event": ev.Kind.String(), "severity": rep.Severity}
	switch {
	case rep.Err != "":
		log.WithFields(fields).WithField("error", rep.Err).Error("reload failed, previous state still serving")
	case rep.Refused:
		log.WithFields(fields).Warn("breaking change refused, previous state still serving")
	case rep.Unchanged:
		log.WithFields(fields).Debug("content unchanged")
	default:
		log.WithFields(fields).Info("reload applied")
	}
	return rep
}

// reloadConfig swaps a configuration's value tree. Config changes carry
// no DDL; the executor stages the swap and applies it on commit.
func (m *Manager) reloadConfig(ctx context.Context, ev watcher.Event, rep *ReloadReport) {
	id := loader.ConfigID(ev.Path)
	oldCfg, _ := m.reg.Configuration(id)

	var newCfg *schema.Configuration
	var hash string
	if ev.Kind == watcher.Deleted {
		// A removed file resets the configuration to empty.
		newCfg = &schema.Configuration{ID: id, Provider: id, Values: map[string]any{}}
	} else {
		data, tree, h, err := m.readWatched(ev.Path)
		if err != nil {
			rep.Err = err.Error()
			return
		}
		if h != "" && m.unchanged(ev.Path, h) {
			rep.Unchanged = true
			return
		}
		hash = h
		newCfg, err = loader.ParseConfig(ev.Path, data)
		if err != nil {
			rep.Err = err.Error()
			return
		}
		d := diff.Compare(m.trees[ev.Path], tree)
		rep.Changes = d.Changes
		rep.Severity = d.Severity().String()
		m.trees[ev.Path] = tree
	}

	actions := action.ForConfigChange(oldCfg, newCfg)
	report, err := m.executeWithRetry(ctx, actions)
	rep.Execution = report
	if err != nil {
		rep.Err = err.Error()
		m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionRolledBack, rep)
		return
	}
	m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionApplied, rep)
	m.reg.SetFileHash(ev.Path, hash)
}

// reloadSchema handles entity and field-group files.
func (m *Manager) reloadSchema(ctx context.Context, ev watcher.Event, rep *ReloadReport) {
	if ev.Kind == watcher.Deleted {
		m.removeEntity(ctx, ev, rep)
		return
	}

	_, tree, hash, err := m.readWatched(ev.Path)
	if err != nil {
		rep.Err = err.Error()
		return
	}
	if m.unchanged(ev.Path, hash) {
		rep.Unchanged = true
		return
	}

	groups, err := loader.LoadGroups(m.paths.Schemas)
	if err != nil {
		rep.Err = err.Error()
		return
	}
	newDef, _, err := loader.LoadEntityFile(ev.Path, groups)
	if err != nil {
		if isGroupFile(tree) {
			m.reloadGroup(ev, rep)
			return
		}
		rep.Err = err.Error()
		return
	}

	oldID, known := m.sources[ev.Path]
	if !known {
		m.addEntity(ctx, ev, newDef, hash, rep)
		return
	}
	oldDef, ok := m.reg.Entity(oldID)
	if !ok {
		m.addEntity(ctx, ev, newDef, hash, rep)
		return
	}

	d := diff.Compare(m.trees[ev.Path], tree)
	rep.Changes = d.Changes
	rep.Severity = d.Severity().String()
	if d.Empty() {
		rep.Unchanged = true
		return
	}
	if d.Severity() == diff.Breaking && !m.opts.AcceptBreaking {
		rep.Refused = true
		return
	}

	actions := action.ForEntityChange(oldDef, newDef, d)
	report, err := m.executeWithRetry(ctx, actions)
	rep.Execution = report
	if err != nil {
		rep.Err = err.Error()
		m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionRolledBack, rep)
		return
	}
	m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionApplied, rep)
	m.trees[ev.Path] = tree
	m.refreshRegistry(rep)
}

// addEntity materializes a brand new entity file.
func (m *Manager) addEntity(ctx context.Context, ev watcher.Event, def *schema.EntityDefinition, hash string, rep *ReloadReport) {
	rep.Severity = diff.Safe.String()
	actions := action.ForNewEntity(def)
	report, err := m.executeWithRetry(ctx, actions)
	rep.Execution = report
	if err != nil {
		rep.Err = err.Error()
		m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionRolledBack, rep)
		return
	}
	m.recordVersion(ctx, ev.Path, hash, actions, report, content.VersionApplied, rep)
	if tree, err := readTree(ev.Path); err == nil {
		m.trees[ev.Path] = tree
	}
	m.refreshRegistry(rep)
}

// removeEntity handles a deleted entity file. Dropping tables loses
// data, so it is gated the same way breaking edits are.
func (m *Manager) removeEntity(ctx context.Context, ev watcher.Event, rep *ReloadReport) {
	id, known := m.sources[ev.Path]
	if !known {
		rep.Unchanged = true
		return
	}
	def, ok := m.reg.Entity(id)
	if !ok {
		rep.Unchanged = true
		return
	}

	rep.Severity = diff.Breaking.String()
	if !m.opts.AcceptBreaking {
		rep.Refused = true
		return
	}

	actions := action.ForRemovedEntity(def)
	report, err := m.executeWithRetry(ctx, actions)
	rep.Execution = report
	if err != nil {
		rep.Err = err.Error()
		m.recordVersion(ctx, ev.Path, "", actions, report, content.VersionRolledBack, rep)
		return
	}
	m.recordVersion(ctx, ev.Path, "", actions, report, content.VersionApplied, rep)
	delete(m.trees, ev.Path)
	delete(m.sources, ev.Path)
	m.refreshRegistry(rep)
}

// reloadGroup handles a changed field-group file. Entities embedding the
// group resolve against it on the next full load; their table shapes are
// not rewritten automatically, so the caches covering them are dropped
// and the registry refreshed.
func (m *Manager) reloadGroup(ev watcher.Event, rep *ReloadReport) {
	rep.Severity = diff.Warning.String()
	if tree, err := readTree(ev.Path); err == nil {
		m.trees[ev.Path] = tree
	}
	if err := m.cache.Clear(); err != nil {
		rep.Err = err.Error()
		return
	}
	m.refreshRegistry(rep)
}

// refreshRegistry re-runs the full load and swaps the registry. Called
// after actions applied; a failure here leaves the previous definitions
// installed and is reported, not fatal.
func (m *Manager) refreshRegistry(rep *ReloadReport) {
	res, err := loader.LoadAll(m.paths.Schemas, m.paths.Config)
	if err != nil {
		rep.Err = fmt.Sprintf("tables updated but registry refresh failed: %v", err)
		return
	}
	m.reg.Replace(res)
	m.sources = res.Sources
}

func (m *Manager) recordVersion(ctx context.Context, path, hash string, actions []action.Action, report *action.Report, status string, rep *ReloadReport) {
	var rollbacks []action.Action
	if report != nil {
		rollbacks = report.Rollbacks
	}
	v, err := m.tracker.Record(ctx, path, hash, actions, rollbacks, status)
	if err != nil {
		log.WithField("path", path).WithError(err).Warn("version record failed")
		return
	}
	rep.Version = v
}

// readWatched reads one watched file and returns its bytes, parsed tree,
// and content hash.
func (m *Manager) readWatched(path string) ([]byte, map[string]any, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, "", err
	}
	tree, err := parseTree(data)
	if err != nil {
		return nil, nil, "", err
	}
	return data, tree, loader.HashBytes(data), nil
}

// unchanged short-circuits events whose file content hash matches the
// installed one, e.g. a touch without an edit.
func (m *Manager) unchanged(path, hash string) bool {
	prev, ok := m.reg.FileHash(path)
	return ok && prev == hash
}

// isGroupFile mirrors the loader's discrimination rule: schema files
// without name and versioned keys declare field groups.
func isGroupFile(tree map[string]any) bool {
	_, hasName := tree["name"]
	_, hasVersioned := tree["versioned"]
	return !hasName && !hasVersioned
}
