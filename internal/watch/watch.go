// Package watch runs a sync whenever tracked files change on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/filesync/internal/repository"
)

// DefaultDebounce is the quiet period after the last change before a sync
// starts.
const DefaultDebounce = 2 * time.Second

// SyncFunc runs one sync of the repository.
type SyncFunc func(ctx context.Context) error

// TrackedFunc returns the tracked paths, relative to the watched root.
type TrackedFunc func() ([]string, error)

// Watcher watches the directories holding tracked files
type Watcher struct {
	root    string
	tracked TrackedFunc
	sync    SyncFunc
	logger  *slog.Logger

	debounce *debouncer
	fire     chan struct{}

	paths map[string]bool
	dirs  map[string]bool
}

// debouncer implements debouncing for file events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// New creates a watcher for the repository rooted at root, an absolute
// directory.
func New(root string, tracked TrackedFunc, syncFn SyncFunc, delay time.Duration, logger *slog.Logger) *Watcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Watcher{
		root:     root,
		tracked:  tracked,
		sync:     syncFn,
		logger:   logger,
		debounce: &debouncer{delay: delay},
		fire:     make(chan struct{}, 1),
		paths:    make(map[string]bool),
		dirs:     make(map[string]bool),
	}
}

// Start performs an initial sync, then syncs after every burst of changes
// to tracked files until ctx is cancelled. Syncs never overlap; a failed
// sync is logged and watching goes on.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = fsw.Close()
	}()
	defer w.debounce.stop()

	if err := w.refresh(fsw); err != nil {
		return err
	}

	w.logger.Info("performing initial sync before watching", "root", w.root, "files", len(w.paths))
	w.performSync(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopping watcher")
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)

		case <-w.fire:
			w.performSync(ctx)
			// the sync rewrote the repository file, pick up added or removed paths
			if err := w.refresh(fsw); err != nil {
				w.logger.Warn("failed to refresh watched paths", "error", err)
			}
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = repository.CleanPath(rel)

	if rel == repository.FileName {
		if err := w.refresh(fsw); err != nil {
			w.logger.Warn("failed to refresh watched paths", "error", err)
		}
		return
	}

	if !w.paths[rel] {
		return
	}
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
		return
	}

	w.logger.Debug("tracked file changed", "file", rel, "op", ev.Op.String())
	w.debounce.trigger(func() {
		select {
		case w.fire <- struct{}{}:
		default:
		}
	})
}

// refresh reloads the tracked paths and watches every directory holding
// one of them.
func (w *Watcher) refresh(fsw *fsnotify.Watcher) error {
	tracked, err := w.tracked()
	if err != nil {
		return fmt.Errorf("failed to read tracked files: %w", err)
	}

	paths := make(map[string]bool, len(tracked))
	dirs := map[string]bool{w.root: true}
	for _, p := range tracked {
		p = repository.CleanPath(p)
		paths[p] = true
		dirs[filepath.Join(w.root, filepath.FromSlash(filepath.Dir(p)))] = true
	}

	for dir := range dirs {
		if w.dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			// the directory may not exist yet
			w.logger.Debug("cannot watch directory", "dir", dir, "error", err)
			delete(dirs, dir)
		}
	}
	for dir := range w.dirs {
		if !dirs[dir] {
			_ = fsw.Remove(dir)
		}
	}

	w.paths = paths
	w.dirs = dirs
	return nil
}

func (w *Watcher) performSync(ctx context.Context) {
	w.logger.Info("performing sync operation")
	if err := w.sync(ctx); err != nil {
		w.logger.Error("sync failed", "error", err)
		return
	}
	w.logger.Info("sync completed successfully")
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.callback = nil
}
