package fsview

import (
	"container/heap"
	"context"
	"time"
)

// suspectCleanupInterval rate-limits the periodic expiry sweep.
const suspectCleanupInterval = 500 * time.Millisecond

// suspectEntry is the authoritative record for one suspect path. Expiry uses
// the monotonic clock (time.Time carries a monotonic reading); the recorded
// mtime decides renewal when the entry expires.
type suspectEntry struct {
	path          string
	expiry        time.Time
	recordedMtime float64
}

// suspectHeap orders heap items by expiry. Items may be stale (superseded by
// a newer entry in the map); they are validated against the map on pop.
type suspectHeap []*suspectEntry

func (sh suspectHeap) Len() int           { return len(sh) }
func (sh suspectHeap) Less(i, j int) bool { return sh[i].expiry.Before(sh[j].expiry) }
func (sh suspectHeap) Swap(i, j int)      { sh[i], sh[j] = sh[j], sh[i] }
func (sh *suspectHeap) Push(x any)        { *sh = append(*sh, x.(*suspectEntry)) }
func (sh *suspectHeap) Pop() any {
	old := *sh
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*sh = old[:n-1]
	return item
}

// markSuspect records the path as hot for another threshold window. Caller
// holds the write lock.
func (h *Handler) markSuspect(p string, mtime float64) {
	entry := &suspectEntry{
		path:          p,
		expiry:        time.Now().Add(time.Duration(h.hotFileThreshold * float64(time.Second))),
		recordedMtime: mtime,
	}
	h.suspects[p] = entry
	heap.Push(&h.heap, entry)
}

// dropSuspect removes the path from the suspect list. Stale heap items are
// left behind and discarded on pop. Caller holds the write lock.
func (h *Handler) dropSuspect(p string) {
	delete(h.suspects, p)
}

// SuspectList returns the current suspect map: path -> recorded mtime.
func (h *Handler) SuspectList() map[string]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]float64, len(h.suspects))
	for p, e := range h.suspects {
		out[p] = e.recordedMtime
	}
	return out
}

// UpdateSuspect applies one sentinel result: refreshes the node's mtime and
// either clears the suspect state (file went cold) or extends the window
// (still hot).
func (h *Handler) UpdateSuspect(p string, newMtime float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p = normalizePath(p)
	h.clock.Observe(newMtime)

	n := h.getNode(p)
	if n == nil {
		h.dropSuspect(p)
		return
	}
	n.modifiedTime = newMtime
	if h.clock.Age(newMtime) >= h.hotFileThreshold {
		n.integritySuspect = false
		h.dropSuspect(p)
	} else {
		h.markSuspect(p, newMtime)
	}
}

// CleanupExpiredSuspects pops expired heap entries. An entry whose node
// moved since it was recorded is renewed; an unchanged one has its suspect
// flag cleared. Returns the number of entries cleared.
func (h *Handler) CleanupExpiredSuspects() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	cleared := 0
	for h.heap.Len() > 0 {
		next := h.heap[0]
		if next.expiry.After(now) {
			break
		}
		entry := heap.Pop(&h.heap).(*suspectEntry)

		current, ok := h.suspects[entry.path]
		if !ok || current != entry {
			// Superseded or already dropped.
			continue
		}
		n := h.getNode(entry.path)
		if n == nil {
			delete(h.suspects, entry.path)
			continue
		}
		if n.modifiedTime != entry.recordedMtime {
			// Still moving: renew the window with the fresh mtime.
			h.markSuspect(entry.path, n.modifiedTime)
			continue
		}
		n.integritySuspect = false
		delete(h.suspects, entry.path)
		cleared++
	}
	if cleared > 0 {
		h.updateGauges()
	}
	return cleared
}

// RunSuspectCleanup drives CleanupExpiredSuspects until ctx is cancelled.
func (h *Handler) RunSuspectCleanup(ctx context.Context) {
	ticker := time.NewTicker(suspectCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CleanupExpiredSuspects()
		}
	}
}
