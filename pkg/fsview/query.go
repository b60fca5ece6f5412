package fsview

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Tree returns the subtree rooted at path, or nil when the path is unknown.
// maxDepth < 0 means unlimited.
func (h *Handler) Tree(path string, maxDepth int, onlyPath bool) *NodeView {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p := normalizePath(path)
	n := h.getNode(p)
	if n == nil {
		return nil
	}
	v := n.view(maxDepth, onlyPath)
	return &v
}

// Flags reports the consistency flags of one path.
type Flags struct {
	Path             string `json:"path"`
	Exists           bool   `json:"exists"`
	IntegritySuspect bool   `json:"integrity_suspect"`
	Tombstoned       bool   `json:"tombstoned"`
	BlindSpotAdded   bool   `json:"blind_spot_added"`
	BlindSpotDeleted bool   `json:"blind_spot_deleted"`
}

// CheckFlags returns the consistency flags of one path.
func (h *Handler) CheckFlags(path string) Flags {
	h.mu.RLock()
	defer h.mu.RUnlock()

	p := normalizePath(path)
	f := Flags{Path: p}
	if n := h.getNode(p); n != nil {
		f.Exists = true
		f.IntegritySuspect = n.integritySuspect
	}
	_, f.Tombstoned = h.tombstones[p]
	_, f.BlindSpotAdded = h.blindAdds[p]
	_, f.BlindSpotDeleted = h.blindDels[p]
	return f
}

// BlindSpots is the queryable projection of the blind-spot sets.
type BlindSpots struct {
	Additions      []NodeView `json:"additions"`
	AdditionsCount int        `json:"additions_count"`
	Deletions      []string   `json:"deletions"`
	DeletionCount  int        `json:"deletion_count"`
}

// BlindSpotList returns the current blind-spot additions (as nodes, cross
// checked against the live tree) and deletions (paths).
func (h *Handler) BlindSpotList() BlindSpots {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := BlindSpots{Additions: []NodeView{}, Deletions: []string{}}
	for p := range h.blindAdds {
		if n := h.getNode(p); n != nil {
			out.Additions = append(out.Additions, n.view(0, false))
		}
	}
	sort.Slice(out.Additions, func(i, j int) bool { return out.Additions[i].Path < out.Additions[j].Path })
	for p := range h.blindDels {
		out.Deletions = append(out.Deletions, p)
	}
	sort.Strings(out.Deletions)
	out.AdditionsCount = len(out.Additions)
	out.DeletionCount = len(out.Deletions)
	return out
}

// Search matches file paths against a glob pattern supporting *, ? and **.
// A pattern without a slash matches against entry names instead of full
// paths, so "*.log" finds every log file in the tree.
func (h *Handler) Search(pattern string) []NodeView {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byName := !strings.Contains(pattern, "/")
	var out []NodeView
	for p, n := range h.files {
		subject := p
		if byName {
			subject = n.name
		} else {
			subject = strings.TrimPrefix(subject, "/")
		}
		ok, err := doublestar.Match(pattern, subject)
		if err != nil {
			// Invalid pattern: no results rather than an error surface.
			return nil
		}
		if ok {
			out = append(out, n.view(0, false))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// OldestEntry names the stalest directory of the view.
type OldestEntry struct {
	Path      string  `json:"path"`
	Timestamp float64 `json:"timestamp"`
}

// Stats is the aggregated view statistics surface.
type Stats struct {
	TotalDirectories       int          `json:"total_directories"`
	TotalFiles             int          `json:"total_files"`
	LastEventLatencyMs     float64      `json:"last_event_latency_ms"`
	OldestDirectory        *OldestEntry `json:"oldest_directory,omitempty"`
	HasBlindSpot           bool         `json:"has_blind_spot"`
	BlindSpotFileCount     int          `json:"blind_spot_file_count"`
	BlindSpotDeletionCount int          `json:"blind_spot_deletion_count"`
	SuspectFileCount       int          `json:"suspect_file_count"`
	TombstoneCount         int          `json:"tombstone_count"`
	LogicalNow             float64      `json:"logical_now"`
}

// GetStats returns the aggregated statistics of the view.
func (h *Handler) GetStats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	suspectFiles := 0
	for _, n := range h.files {
		if n.integritySuspect {
			suspectFiles++
		}
	}
	var oldest *OldestEntry
	for p, n := range h.dirs {
		if p == "/" {
			continue
		}
		if oldest == nil || n.modifiedTime < oldest.Timestamp {
			oldest = &OldestEntry{Path: p, Timestamp: n.modifiedTime}
		}
	}
	return Stats{
		TotalDirectories:       len(h.dirs),
		TotalFiles:             len(h.files),
		LastEventLatencyMs:     h.lastEventLatency,
		OldestDirectory:        oldest,
		HasBlindSpot:           len(h.blindAdds) > 0 || len(h.blindDels) > 0,
		BlindSpotFileCount:     len(h.blindAdds),
		BlindSpotDeletionCount: len(h.blindDels),
		SuspectFileCount:       suspectFiles,
		TombstoneCount:         len(h.tombstones),
		LogicalNow:             h.clock.Now(),
	}
}
