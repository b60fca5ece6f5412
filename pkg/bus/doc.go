/*
Package bus fans a single source's event stream into multiple pipelines
without rescanning the source.

A Bus is a fixed-capacity ring of events addressed by event index. Each
subscriber owns a cursor (the index of the last event it committed) and reads
forward from it; eviction is strict FIFO. Because the FS source is transient
(notifications are lost when not drained), overflow never blocks the
producer: the oldest entry is evicted and any subscriber still needing it is
flagged position-lost, which makes its pipeline schedule a supplemental
snapshot.

The Service manages bus lifecycles: get-or-create per source, splitting a
diverged or mapping-incompatible subscriber onto a parallel bus, and
refcounted release — a bus terminates when its last subscriber detaches.
*/
package bus

import "github.com/tidemark-io/tidemark/pkg/errdefs"

func errNoSource(sourceID string) error {
	return errdefs.NotFound("no producer registered for source %s", sourceID)
}
