package fsview

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/hlc"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
)

const (
	// DefaultHotFileThreshold is the age in seconds below which a file is
	// treated as possibly mid-write.
	DefaultHotFileThreshold = 60.0
	// DefaultTombstoneTTL bounds how long a realtime delete blocks
	// resurrection of stale snapshot/audit rows.
	DefaultTombstoneTTL = 3600.0
	// lateAuditStartWindow detects an audit-start signal racing behind the
	// first audit events of its own cycle.
	lateAuditStartWindow = 5.0
)

// Options configures a Handler.
type Options struct {
	HotFileThreshold float64
	TombstoneTTL     float64
}

// Handler maintains the in-memory FS tree of one view and arbitrates event
// rows by source authority: realtime wins outright, snapshot and audit rows
// pass the tombstone, monotonic-mtime and parent-mtime gates first.
//
// A single RWMutex covers the tree and the auxiliary sets: mutation
// (dispatch, audit lifecycle, sentinel feedback, reset) is exclusive,
// queries share the read side. The fusion pipeline dispatches from one
// worker, so exclusive mutation costs no event-path parallelism.
type Handler struct {
	viewID string
	logger zerolog.Logger
	clock  *hlc.Clock

	hotFileThreshold float64
	tombstoneTTL     float64

	mu sync.RWMutex

	root  *node
	dirs  map[string]*node
	files map[string]*node

	tombstones map[string]float64

	suspects map[string]*suspectEntry
	heap     suspectHeap

	auditSeen  map[string]struct{}
	auditStart float64

	blindAdds map[string]struct{}
	blindDels map[string]struct{}

	currentSessionID string
	lastEventLatency float64
}

// NewHandler creates an empty FS view.
func NewHandler(viewID string, opts Options) *Handler {
	if opts.HotFileThreshold <= 0 {
		opts.HotFileThreshold = DefaultHotFileThreshold
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	root := newDirNode("", "/")
	return &Handler{
		viewID:           viewID,
		logger:           log.WithComponent("fsview").With().Str("view_id", viewID).Logger(),
		clock:            hlc.NewClock(),
		hotFileThreshold: opts.HotFileThreshold,
		tombstoneTTL:     opts.TombstoneTTL,
		root:             root,
		dirs:             map[string]*node{"/": root},
		files:            make(map[string]*node),
		tombstones:       make(map[string]float64),
		suspects:         make(map[string]*suspectEntry),
		auditSeen:        make(map[string]struct{}),
		blindAdds:        make(map[string]struct{}),
		blindDels:        make(map[string]struct{}),
	}
}

// ID returns the view id this handler serves.
func (h *Handler) ID() string { return h.viewID }

// Clock exposes the view's logical clock.
func (h *Handler) Clock() *hlc.Clock { return h.clock }

// getNode returns the living node at path, directory or file. Caller holds
// the lock.
func (h *Handler) getNode(p string) *node {
	if n, ok := h.dirs[p]; ok {
		return n
	}
	return h.files[p]
}

// ProcessEvent applies one event's rows through smart-merge arbitration.
func (h *Handler) ProcessEvent(ctx context.Context, ev *event.Event, sessionID string) error {
	if len(ev.Rows) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if ev.Index > 0 {
		indexSec := event.IndexToSeconds(ev.Index)
		h.clock.ObserveWithBaseline(indexSec)
		h.lastEventLatency = (h.clock.Now() - indexSec) * 1000
	}

	isRealtime := ev.Source == event.SourceRealtime
	isAudit := ev.Source == event.SourceAudit

	// A late-arriving audit cycle may begin delivering rows before its
	// start signal lands; seed the start time from the first audit event.
	if isAudit && h.auditStart == 0 && ev.Index > 0 {
		h.auditStart = h.clock.Now()
		h.logger.Info().Float64("audit_start", h.auditStart).Msg("Audit start inferred from event stream")
	}

	// A new agent session means a fresh ground-truth baseline; blind-spot
	// findings from the previous session no longer apply.
	if sessionID != "" && sessionID != h.currentSessionID {
		if h.currentSessionID != "" {
			h.logger.Info().
				Str("old_session", h.currentSessionID).
				Str("new_session", sessionID).
				Msg("New agent session detected, resetting blind-spot lists")
			h.blindAdds = make(map[string]struct{})
			h.blindDels = make(map[string]struct{})
		}
		h.currentSessionID = sessionID
	}

	for i := range ev.Rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		row := &ev.Rows[i]
		if row.Path == "" {
			continue
		}
		h.processRow(ev, row, isRealtime, isAudit)
	}
	h.updateGauges()
	return nil
}

func (h *Handler) processRow(ev *event.Event, row *event.Row, isRealtime, isAudit bool) {
	p := normalizePath(row.Path)

	if row.ModifiedTime > 0 {
		h.clock.Observe(row.ModifiedTime)
	}

	if isAudit {
		h.auditSeen[p] = struct{}{}
		delete(h.blindDels, p)
	}

	switch ev.Type {
	case event.TypeDelete:
		if isRealtime {
			h.deleteSubtree(p)
			ts := h.clock.Now()
			h.tombstones[p] = ts
			h.logger.Debug().Str("path", p).Float64("ts", ts).Msg("Tombstone created by realtime delete")
			h.dropSuspect(p)
			delete(h.blindDels, p)
			delete(h.blindAdds, p)
			return
		}
		// Subordinate delete: only applied when no tombstone already
		// covers the path.
		if _, ok := h.tombstones[p]; !ok {
			h.deleteSubtree(p)
			delete(h.blindDels, p)
			delete(h.blindAdds, p)
		}

	case event.TypeInsert, event.TypeUpdate:
		if isRealtime {
			h.upsert(row, p)
			delete(h.tombstones, p)
			h.dropSuspect(p)
			delete(h.blindDels, p)
			delete(h.blindAdds, p)
			if n := h.getNode(p); n != nil {
				n.integritySuspect = false
			}
			return
		}

		mtime := row.ModifiedTime

		// Rule 1: tombstone dominance. A fresher recreation overrules
		// the tombstone; anything at-or-before it is discarded.
		if ts, ok := h.tombstones[p]; ok {
			if mtime > ts {
				delete(h.tombstones, p)
			} else {
				return
			}
		}

		// Rule 2: monotonic mtime. An audit-skipped directory row bypasses
		// the gate and is applied whole, which records its skipped flag.
		existing := h.getNode(p)
		isAuditSkip := isAudit && row.AuditSkipped
		if existing != nil && !isAuditSkip && existing.modifiedTime >= mtime {
			return
		}

		// Rule 3 (audit only): parent-mtime. A new path reported from a
		// staler view of its parent than the one in memory is discarded.
		if isAudit && existing == nil && row.ParentPath != "" {
			if memParent, ok := h.dirs[normalizePath(row.ParentPath)]; ok {
				if row.ParentMtime > 0 && memParent.modifiedTime > row.ParentMtime {
					return
				}
			}
		}

		h.upsert(row, p)

		if n := h.getNode(p); n != nil {
			if h.clock.Age(mtime) < h.hotFileThreshold {
				n.integritySuspect = true
				h.markSuspect(p, mtime)
			}
			if isAudit && existing == nil {
				h.blindAdds[p] = struct{}{}
			}
		}
	}
}

// upsert writes the row into the tree, creating missing parents on demand.
func (h *Handler) upsert(row *event.Row, p string) {
	parentPath := parentOf(p)
	name := baseOf(p)

	if p != "/" {
		h.ensureParents(parentPath)
	}

	if row.IsDirectory {
		n, ok := h.dirs[p]
		if !ok {
			n = newDirNode(name, p)
			h.dirs[p] = n
			if p != "/" {
				if parent := h.dirs[parentPath]; parent != nil {
					parent.children[name] = n
				}
			}
		}
		n.size = row.Size
		n.modifiedTime = row.ModifiedTime
		n.createdTime = row.CreatedTime
		n.auditSkipped = row.AuditSkipped
		n.lastUpdatedAt = h.clock.Now()
		return
	}

	n, ok := h.files[p]
	if !ok {
		n = newFileNode(name, p)
		h.files[p] = n
		if parent := h.dirs[parentPath]; parent != nil {
			parent.children[name] = n
		}
	}
	n.size = row.Size
	n.modifiedTime = row.ModifiedTime
	n.createdTime = row.CreatedTime
	n.lastUpdatedAt = h.clock.Now()
}

// ensureParents creates the directory chain down to parentPath.
func (h *Handler) ensureParents(parentPath string) {
	if _, ok := h.dirs[parentPath]; ok || parentPath == "/" {
		return
	}
	current := ""
	parent := h.root
	rest := parentPath[1:]
	start := 0
	for i := 0; i <= len(rest); i++ {
		if i != len(rest) && rest[i] != '/' {
			continue
		}
		part := rest[start:i]
		start = i + 1
		if part == "" {
			continue
		}
		current += "/" + part
		n, ok := h.dirs[current]
		if !ok {
			n = newDirNode(part, current)
			n.lastUpdatedAt = h.clock.Now()
			h.dirs[current] = n
			parent.children[part] = n
		}
		parent = n
	}
}

// deleteSubtree removes the node at p and, for directories, every
// descendant.
func (h *Handler) deleteSubtree(p string) {
	parentPath := parentOf(p)
	name := baseOf(p)

	if dir, ok := h.dirs[p]; ok {
		stack := []*node{dir}
		for len(stack) > 0 {
			curr := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			delete(h.dirs, curr.path)
			for _, child := range curr.children {
				if child.isDir {
					stack = append(stack, child)
				} else {
					delete(h.files, child.path)
				}
			}
		}
		if parent, ok := h.dirs[parentPath]; ok && p != "/" {
			delete(parent.children, name)
		}
		return
	}
	if _, ok := h.files[p]; ok {
		delete(h.files, p)
		if parent, ok := h.dirs[parentPath]; ok {
			delete(parent.children, name)
		}
	}
}

// HandleAuditStart begins an audit cycle. The audit-seen tracker is cleared
// unless the signal arrived late (racing behind the first events of its own
// cycle), in which case the observed evidence is preserved.
func (h *Handler) HandleAuditStart() {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	lateStart := h.auditStart != 0 && (now-h.auditStart) < lateAuditStartWindow && len(h.auditSeen) > 0
	h.auditStart = now

	// Blind-spot lists persist across cycles; realtime events and audit
	// re-confirmation purge them incrementally.
	if lateStart {
		h.logger.Info().Msg("Audit start signal arrived late, preserving observed paths")
	} else {
		h.auditSeen = make(map[string]struct{})
	}
	h.logger.Info().Float64("audit_start", h.auditStart).Bool("late_start", lateStart).Msg("Audit started")
}

// HandleAuditEnd closes the audit cycle: expires tombstones past their TTL
// and runs missing-file detection over the directories this cycle actually
// scanned.
func (h *Handler) HandleAuditEnd() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.auditStart == 0 {
		return
	}

	now := h.clock.Now()
	expired := 0
	for p, ts := range h.tombstones {
		if now-ts >= h.tombstoneTTL {
			delete(h.tombstones, p)
			expired++
		}
	}

	// Missing-file detection: only directories that were scanned (seen and
	// not skipped) provide evidence. A child is deleted when the scan did
	// not report it, no tombstone already covers it, and no event fresher
	// than the audit start confirmed it (stale-evidence guard).
	var toDelete []string
	for p := range h.auditSeen {
		dir, ok := h.dirs[p]
		if !ok || dir.auditSkipped {
			continue
		}
		for _, child := range dir.children {
			if _, seen := h.auditSeen[child.path]; seen {
				continue
			}
			if _, ok := h.tombstones[child.path]; ok {
				continue
			}
			if child.lastUpdatedAt > h.auditStart {
				h.logger.Debug().
					Str("path", child.path).
					Float64("last_updated_at", child.lastUpdatedAt).
					Float64("audit_start", h.auditStart).
					Msg("Preserving node, confirmed after audit start")
				continue
			}
			toDelete = append(toDelete, child.path)
		}
	}
	for _, p := range toDelete {
		h.deleteSubtree(p)
		h.blindDels[p] = struct{}{}
		delete(h.blindAdds, p)
	}

	h.logger.Info().
		Int("tombstones_expired", expired).
		Int("blind_spot_deletions", len(toDelete)).
		Msg("Audit ended")

	h.auditStart = 0
	h.auditSeen = make(map[string]struct{})
	h.updateGauges()
}

// OnSessionStart is invoked when a session is created on the owning view.
func (h *Handler) OnSessionStart() {}

// OnSessionClose is invoked when a session on the owning view closes.
func (h *Handler) OnSessionClose() {}

// RequiresFullResetOnSessionClose reports that an empty view must be rebuilt
// from a fresh snapshot: the tree only mirrors live agent evidence.
func (h *Handler) RequiresFullResetOnSessionClose() bool { return true }

// Reset clears all in-memory state of the view.
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.root = newDirNode("", "/")
	h.dirs = map[string]*node{"/": h.root}
	h.files = make(map[string]*node)
	h.tombstones = make(map[string]float64)
	h.auditStart = 0
	h.auditSeen = make(map[string]struct{})
	h.suspects = make(map[string]*suspectEntry)
	h.heap = nil
	h.blindDels = make(map[string]struct{})
	h.blindAdds = make(map[string]struct{})

	h.logger.Info().Msg("View state reset")
	h.updateGauges()
}

// Close releases the handler. The tree is in-memory only, so closing is a
// reset.
func (h *Handler) Close() error {
	h.Reset()
	return nil
}

// updateGauges refreshes the prometheus gauges. Caller holds the lock.
func (h *Handler) updateGauges() {
	metrics.TreeNodes.WithLabelValues(h.viewID, "directory").Set(float64(len(h.dirs)))
	metrics.TreeNodes.WithLabelValues(h.viewID, "file").Set(float64(len(h.files)))
	metrics.TombstonesActive.WithLabelValues(h.viewID).Set(float64(len(h.tombstones)))
	metrics.SuspectsActive.WithLabelValues(h.viewID).Set(float64(len(h.suspects)))
	metrics.BlindSpotsDetected.WithLabelValues(h.viewID, "addition").Set(float64(len(h.blindAdds)))
	metrics.BlindSpotsDetected.WithLabelValues(h.viewID, "deletion").Set(float64(len(h.blindDels)))
}
