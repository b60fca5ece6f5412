package fsdriver

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
)

// Messages returns a lazy, infinite, transient stream of realtime events
// derived from filesystem-change notifications. Events are lost if the
// consumer does not drain the channel fast enough; the bus and pipeline
// compensate through position-loss handling. The stream ends when ctx is
// cancelled.
func (d *Driver) Messages(ctx context.Context) (<-chan *SourceItem, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdefs.Driver("cannot create filesystem watcher", err)
	}

	// Watch every existing directory. fsnotify is non-recursive, so new
	// directories are added as their create events arrive.
	if err := d.addWatchRecursive(watcher, d.root); err != nil {
		watcher.Close()
		return nil, err
	}

	out := make(chan *SourceItem, snapshotQueueSize)
	w := &realtimeWatcher{
		driver:   d,
		watcher:  watcher,
		out:      out,
		lastEmit: make(map[string]time.Time),
	}
	go w.run(ctx)
	return out, nil
}

func (d *Driver) addWatchRecursive(watcher *fsnotify.Watcher, dir string) error {
	if err := watcher.Add(dir); err != nil {
		return errdefs.Driver("cannot watch "+dir, err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		d.logger.Warn().Str("dir", dir).Err(err).Msg("Watcher skipping unreadable directory")
		return nil
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := d.addWatchRecursive(watcher, filepath.Join(dir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}

type realtimeWatcher struct {
	driver  *Driver
	watcher *fsnotify.Watcher
	out     chan<- *SourceItem

	mu       sync.Mutex
	lastEmit map[string]time.Time
}

func (w *realtimeWatcher) run(ctx context.Context) {
	defer w.watcher.Close()
	defer close(w.out)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.driver.logger.Warn().Err(err).Msg("Filesystem watcher error")
		}
	}
}

func (w *realtimeWatcher) handle(ctx context.Context, ev fsnotify.Event) {
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.emitDelete(ctx, ev.Name)
	case ev.Op&fsnotify.Create != 0:
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		w.emitUpsert(ctx, event.TypeInsert, ev.Name, info)
		if info.IsDir() {
			// Watch the new directory and sweep contents created before
			// the watch was installed.
			if err := w.driver.addWatchRecursive(w.watcher, ev.Name); err != nil {
				w.driver.logger.Warn().Str("dir", ev.Name).Err(err).Msg("Cannot watch new directory")
			}
			w.sweep(ctx, ev.Name)
		}
	case ev.Op&fsnotify.Write != 0:
		if w.throttled(ev.Name) {
			return
		}
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		w.emitUpsert(ctx, event.TypeUpdate, ev.Name, info)
	}
}

// throttled enforces the minimum gap between notifications for one path.
func (w *realtimeWatcher) throttled(abs string) bool {
	if w.driver.cfg.ThrottleInterval <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	if last, ok := w.lastEmit[abs]; ok && now.Sub(last) < w.driver.cfg.ThrottleInterval {
		return true
	}
	w.lastEmit[abs] = now
	return false
}

func (w *realtimeWatcher) sweep(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		abs := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		w.emitUpsert(ctx, event.TypeInsert, abs, info)
		if entry.IsDir() {
			w.sweep(ctx, abs)
		}
	}
}

func (w *realtimeWatcher) emitUpsert(ctx context.Context, t event.Type, abs string, info os.FileInfo) {
	d := w.driver
	item := &SourceItem{Event: d.newEvent(t, event.SourceRealtime, d.rowFor(abs, info))}
	select {
	case w.out <- item:
	case <-ctx.Done():
	}
}

func (w *realtimeWatcher) emitDelete(ctx context.Context, abs string) {
	d := w.driver
	row := event.Row{Path: d.relPath(abs)}
	item := &SourceItem{Event: d.newEvent(event.TypeDelete, event.SourceRealtime, row)}
	w.mu.Lock()
	delete(w.lastEmit, abs)
	w.mu.Unlock()
	select {
	case w.out <- item:
	case <-ctx.Done():
	}
}
