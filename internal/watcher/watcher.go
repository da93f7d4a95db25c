// Package watcher turns filesystem activity under the schema and
// configuration directories into debounced change events. An editor save
// is usually several raw notifications (truncate, write, chmod); events
// for a path are held until it has been quiet for the debounce window,
// then delivered once.
package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/marainhq/marain/internal/loader"
)

var log = logrus.WithField("component", "watcher")

// EventKind classifies a change.
type EventKind int

const (
	Created EventKind = iota
	Modified
	Deleted
)

func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Event is one debounced change to a watched file.
type Event struct {
	Path string
	Kind EventKind
}

// Handler receives debounced events one at a time, from a single
// goroutine.
type Handler func(Event)

// Options tunes the watcher.
type Options struct {
	// Debounce is the per-path quiescent window. Zero uses 400ms.
	Debounce time.Duration
	// PollInterval drives the fallback scanner used when inotify is
	// unavailable. Zero uses 30s.
	PollInterval time.Duration
}

// Watcher delivers change events for schema and configuration files
// under a set of root directories. Only files the loader would parse
// produce events.
type Watcher struct {
	roots    []string
	handler  Handler
	debounce time.Duration
	poll     time.Duration

	fw       *fsnotify.Watcher
	raw      chan Event
	done     chan struct{}
	stopOnce sync.Once
}

// New builds a watcher over roots. When the platform notifier cannot be
// created the watcher degrades to periodic polling instead of failing.
func New(roots []string, handler Handler, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 400 * time.Millisecond
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("file notifications unavailable, falling back to polling")
		fw = nil
	}
	return &Watcher{
		roots:    roots,
		handler:  handler,
		debounce: opts.Debounce,
		poll:     opts.PollInterval,
		fw:       fw,
		raw:      make(chan Event, 256),
		done:     make(chan struct{}),
	}
}

// Start begins watching. It returns after spawning the event goroutines;
// they exit when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.fw == nil {
		// Baseline taken before returning, so files changed after Start
		// always diff against the state Start saw.
		go w.pollLoop(ctx, w.snapshot())
		go w.debounceLoop(ctx)
		return nil
	}
	for _, root := range w.roots {
		if err := w.fw.Add(root); err != nil {
			log.WithField("dir", root).WithError(err).Warn("cannot watch directory, falling back to polling")
			w.fw.Close()
			w.fw = nil
			go w.pollLoop(ctx, w.snapshot())
			go w.debounceLoop(ctx)
			return nil
		}
	}
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.fw != nil {
			w.fw.Close()
		}
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !loader.Watched(ev.Name) {
				continue
			}
			var kind EventKind
			switch {
			case ev.Has(fsnotify.Create):
				kind = Created
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				kind = Deleted
			case ev.Has(fsnotify.Write):
				kind = Modified
			default:
				continue
			}
			select {
			case w.raw <- Event{Path: ev.Name, Kind: kind}:
			default:
				log.WithField("path", ev.Name).Warn("event buffer full, dropping")
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("watch error")
		}
	}
}

// debounceLoop holds events per path until the path has been quiet for
// the debounce window, merging kinds as raw events arrive, then delivers
// each path once.
func (w *Watcher) debounceLoop(ctx context.Context) {
	type pending struct {
		kind     EventKind
		deadline time.Time
	}
	held := make(map[string]pending)

	ticker := time.NewTicker(w.debounce / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev := <-w.raw:
			p, ok := held[ev.Path]
			kind := ev.Kind
			if ok {
				kind = mergeKinds(p.kind, ev.Kind)
			}
			held[ev.Path] = pending{kind: kind, deadline: time.Now().Add(w.debounce)}
		case now := <-ticker.C:
			for path, p := range held {
				if now.Before(p.deadline) {
					continue
				}
				delete(held, path)
				w.handler(Event{Path: path, Kind: p.kind})
			}
		}
	}
}

// mergeKinds collapses a burst of raw events into one logical change.
// A create followed by writes is still a create; a delete followed by a
// create is the file being replaced in place.
func mergeKinds(prev, next EventKind) EventKind {
	switch {
	case prev == Created && next == Modified:
		return Created
	case prev == Deleted && next == Created:
		return Modified
	default:
		return next
	}
}

// pollLoop is the degraded mode: rescan the roots on a timer and diff
// file hashes against the previous pass, starting from the baseline the
// caller captured.
func (w *Watcher) pollLoop(ctx context.Context, seen map[string]string) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			current := w.snapshot()
			for path, hash := range current {
				prev, ok := seen[path]
				switch {
				case !ok:
					w.emit(Event{Path: path, Kind: Created})
				case prev != hash:
					w.emit(Event{Path: path, Kind: Modified})
				}
			}
			for path := range seen {
				if _, ok := current[path]; !ok {
					w.emit(Event{Path: path, Kind: Deleted})
				}
			}
			seen = current
		}
	}
}

func (w *Watcher) emit(ev Event) {
	select {
	case w.raw <- ev:
	default:
		log.WithField("path", ev.Path).Warn("event buffer full, dropping")
	}
}

// snapshot hashes every watched file under the roots.
func (w *Watcher) snapshot() map[string]string {
	out := make(map[string]string)
	for _, root := range w.roots {
		matches, err := filepath.Glob(filepath.Join(root, "*"))
		if err != nil {
			continue
		}
		for _, path := range matches {
			if !loader.Watched(path) {
				continue
			}
			hash, err := loader.HashFile(path)
			if err != nil {
				continue
			}
			out[path] = hash
		}
	}
	return out
}
