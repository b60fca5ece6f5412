package fsdriver

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidemark-io/tidemark/pkg/event"
)

// snapshotQueueSize bounds the channel between the walker goroutines and the
// consumer, applying backpressure to the walk.
const snapshotQueueSize = 1000

// Snapshot returns a lazy, finite, non-restartable stream of events covering
// the whole tree: one update per directory and one per file. The channel is
// closed when the traversal completes or ctx is cancelled. Unreadable
// directories are logged and skipped; they never abort the stream.
func (d *Driver) Snapshot(ctx context.Context) <-chan *SourceItem {
	out := make(chan *SourceItem, snapshotQueueSize)

	go func() {
		defer close(out)

		// Root row first so consumers always see the root directory.
		info, err := os.Stat(d.root)
		if err != nil {
			d.logger.Error().Err(err).Msg("Snapshot cannot stat root")
			return
		}
		if !d.emitSnapshotRow(ctx, out, d.root, info) {
			return
		}

		// One goroutine per directory, bounded by a scan-worker semaphore.
		// Directory rows are emitted before their children within one
		// scan; cross-subtree order is unspecified, which the view
		// tolerates by creating parents on demand.
		sem := make(chan struct{}, d.cfg.ScanWorkers)
		var wg sync.WaitGroup

		var scan func(dir string)
		scan = func(dir string) {
			defer wg.Done()
			sem <- struct{}{}
			children := d.scanDir(ctx, dir, out)
			<-sem
			for _, child := range children {
				wg.Add(1)
				go scan(child)
			}
		}

		wg.Add(1)
		go scan(d.root)
		wg.Wait()
	}()

	return out
}

// scanDir emits one row per child of dir and returns the child directories
// to descend into.
func (d *Driver) scanDir(ctx context.Context, dir string, out chan<- *SourceItem) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Permission or I/O failure: isolate the subtree and continue.
		d.logger.Warn().Str("dir", dir).Err(err).Msg("Snapshot skipping unreadable directory")
		return nil
	}
	var childDirs []string
	for _, entry := range entries {
		if ctx.Err() != nil {
			return nil
		}
		abs := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			d.logger.Debug().Str("path", abs).Err(err).Msg("Snapshot stat failed, skipping entry")
			continue
		}
		if !d.emitSnapshotRow(ctx, out, abs, info) {
			return nil
		}
		if info.IsDir() {
			childDirs = append(childDirs, abs)
		}
	}
	return childDirs
}

func (d *Driver) emitSnapshotRow(ctx context.Context, out chan<- *SourceItem, abs string, info os.FileInfo) bool {
	ev := d.newEvent(event.TypeUpdate, event.SourceSnapshot, d.rowFor(abs, info))
	select {
	case out <- &SourceItem{Event: ev}:
		return true
	case <-ctx.Done():
		return false
	}
}
