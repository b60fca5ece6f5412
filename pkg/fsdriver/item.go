package fsdriver

import "github.com/tidemark-io/tidemark/pkg/event"

// SourceItem is one element of a driver stream. Snapshot and realtime items
// always carry an event; audit items may carry only an mtime-cache update
// when a directory was silently skipped.
type SourceItem struct {
	Event *event.Event
	// CacheUpdate maps directory path -> mtime for directories whose scan
	// state should be checkpointed by the pipeline.
	CacheUpdate map[string]float64
}

func (d *Driver) newEvent(t event.Type, src event.Source, rows ...event.Row) *event.Event {
	return event.New(t, src, d.seq.Next(), rows)
}
