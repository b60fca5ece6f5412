package fsdriver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/tidemark-io/tidemark/pkg/event"
)

// Audit returns a lazy, finite stream re-scanning the tree against the
// caller's directory mtime cache. For a directory whose mtime matches the
// cache the children rows are suppressed (a cache-only item is emitted) and
// any row naming that directory elsewhere carries audit_skipped=true, so the
// view will not use it for missing-file inference. The stream always carries
// source=audit rows with parent evidence populated.
//
// mtimeCache is read-only here; updates flow back through SourceItem so the
// pipeline can checkpoint them incrementally.
func (d *Driver) Audit(ctx context.Context, mtimeCache map[string]float64) <-chan *SourceItem {
	out := make(chan *SourceItem, snapshotQueueSize)

	// Copy so concurrent pipeline writes to its live cache cannot race the
	// walk.
	cache := make(map[string]float64, len(mtimeCache))
	for k, v := range mtimeCache {
		cache[k] = v
	}

	go func() {
		defer close(out)

		info, err := os.Stat(d.root)
		if err != nil {
			d.logger.Error().Err(err).Msg("Audit cannot stat root")
			return
		}

		// Root row first: it has no parent, but its audit_skipped state
		// still gates missing-file detection for top-level entries.
		rootRow := d.rowFor(d.root, info)
		rootRow.AuditSkipped = d.auditSkipped(cache, "/", mtimeSeconds(info))
		if !d.send(ctx, out, &SourceItem{Event: d.newEvent(event.TypeUpdate, event.SourceAudit, rootRow)}) {
			return
		}

		d.auditDir(ctx, out, cache, d.root, info)
	}()

	return out
}

func (d *Driver) auditSkipped(cache map[string]float64, path string, mtime float64) bool {
	cached, ok := cache[path]
	return ok && cached == mtime
}

// auditDir walks one directory depth-first. Even when the directory is
// skipped (unchanged mtime) the walk descends, because child directories can
// change without touching the parent's mtime.
func (d *Driver) auditDir(ctx context.Context, out chan<- *SourceItem, cache map[string]float64, dir string, dirInfo os.FileInfo) {
	if ctx.Err() != nil {
		return
	}
	path := d.relPath(dir)
	mtime := mtimeSeconds(dirInfo)
	skipped := d.auditSkipped(cache, path, mtime)

	entries, err := os.ReadDir(dir)
	if err != nil {
		d.logger.Warn().Str("dir", dir).Err(err).Msg("Audit skipping unreadable directory")
		return
	}

	if !skipped {
		for _, entry := range entries {
			if ctx.Err() != nil {
				return
			}
			abs := filepath.Join(dir, entry.Name())
			info, err := entry.Info()
			if err != nil {
				d.logger.Debug().Str("path", abs).Err(err).Msg("Audit stat failed, skipping entry")
				continue
			}
			row := d.rowFor(abs, info)
			row.ParentPath = path
			row.ParentMtime = mtime
			if info.IsDir() {
				row.AuditSkipped = d.auditSkipped(cache, row.Path, row.ModifiedTime)
			}
			if !d.send(ctx, out, &SourceItem{Event: d.newEvent(event.TypeUpdate, event.SourceAudit, row)}) {
				return
			}
		}
	}

	// The directory reported itself scanned (or confirmed unchanged):
	// checkpoint its mtime.
	if !d.send(ctx, out, &SourceItem{CacheUpdate: map[string]float64{path: mtime}}) {
		return
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		abs := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		d.auditDir(ctx, out, cache, abs, info)
	}
}

func (d *Driver) send(ctx context.Context, out chan<- *SourceItem, item *SourceItem) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}
