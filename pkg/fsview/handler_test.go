package fsview

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/event"
)

// testBase anchors all timestamps; the clock is seeded from the first event
// index, so rows around testBase land inside the trust window.
var testBase = float64(time.Now().Unix())

func indexAt(offset float64) int64 {
	return int64((testBase + offset) * 1e6)
}

func newTestHandler() *Handler {
	return NewHandler("v1", Options{HotFileThreshold: 60, TombstoneTTL: 3600})
}

func apply(t *testing.T, h *Handler, typ event.Type, src event.Source, offset float64, rows ...event.Row) {
	t.Helper()
	ev := event.New(typ, src, indexAt(offset), rows)
	require.NoError(t, h.ProcessEvent(context.Background(), ev, "session-1"))
}

func fileRow(path string, mtimeOffset float64) event.Row {
	return event.Row{Path: path, ModifiedTime: testBase + mtimeOffset, CreatedTime: testBase + mtimeOffset, Size: 10}
}

func dirRow(path string, mtimeOffset float64) event.Row {
	return event.Row{Path: path, ModifiedTime: testBase + mtimeOffset, IsDirectory: true}
}

func TestSnapshotBuildsTree(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		dirRow("/", -100), dirRow("/d", -100), fileRow("/d/x.txt", -100))

	tree := h.Tree("/", -1, false)
	require.NotNil(t, tree)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "/d", tree.Children[0].Path)
	require.Len(t, tree.Children[0].Children, 1)
	assert.Equal(t, "/d/x.txt", tree.Children[0].Children[0].Path)

	stats := h.GetStats()
	assert.Equal(t, 2, stats.TotalDirectories)
	assert.Equal(t, 1, stats.TotalFiles)
}

func TestParentsCreatedOnDemand(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0, fileRow("/a/b/c.txt", -5))

	require.NotNil(t, h.Tree("/a/b", -1, false))
	require.NotNil(t, h.Tree("/a/b/c.txt", -1, false))
}

func TestRealtimeDeleteCreatesTombstone(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/z.txt", -100))
	apply(t, h, event.TypeDelete, event.SourceRealtime, 0.1, event.Row{Path: "/z.txt"})

	assert.Nil(t, h.Tree("/z.txt", -1, false))
	flags := h.CheckFlags("/z.txt")
	assert.True(t, flags.Tombstoned)
	assert.False(t, flags.Exists)
}

func TestTombstoneDominance(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/z.txt", -100))
	apply(t, h, event.TypeDelete, event.SourceRealtime, 0.1, event.Row{Path: "/z.txt"})

	// A stale audit row (mtime at or before the tombstone) must not
	// resurrect the file.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.2, fileRow("/z.txt", -50))
	assert.Nil(t, h.Tree("/z.txt", -1, false))
	assert.True(t, h.CheckFlags("/z.txt").Tombstoned)

	// A recreation with an mtime past the tombstone overrules it.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.4, fileRow("/z.txt", 0.3))
	assert.NotNil(t, h.Tree("/z.txt", -1, false))
	assert.False(t, h.CheckFlags("/z.txt").Tombstoned)
}

func TestMonotonicMtime(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, event.Row{Path: "/f.txt", ModifiedTime: testBase - 10, Size: 100})

	// An older row does not regress the node.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.1, event.Row{Path: "/f.txt", ModifiedTime: testBase - 20, Size: 5})
	tree := h.Tree("/f.txt", -1, false)
	require.NotNil(t, tree)
	assert.Equal(t, int64(100), tree.Size)
	assert.InDelta(t, testBase-10, tree.ModifiedTime, 0.001)

	// An equal mtime is also discarded.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.2, event.Row{Path: "/f.txt", ModifiedTime: testBase - 10, Size: 7})
	assert.Equal(t, int64(100), h.Tree("/f.txt", -1, false).Size)
}

func TestRealtimeSupremacy(t *testing.T) {
	h := newTestHandler()
	// Seed suspect + blind-spot state via audit of an unknown hot file.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0, fileRow("/hot.txt", -1))

	flags := h.CheckFlags("/hot.txt")
	require.True(t, flags.IntegritySuspect)
	require.True(t, flags.BlindSpotAdded)

	// Realtime update clears every marker regardless of prior state.
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0.5, fileRow("/hot.txt", 0.4))
	flags = h.CheckFlags("/hot.txt")
	assert.True(t, flags.Exists)
	assert.False(t, flags.IntegritySuspect)
	assert.False(t, flags.BlindSpotAdded)
	assert.False(t, flags.Tombstoned)
	assert.Empty(t, h.SuspectList())
}

func TestRealtimeOlderMtimeStillApplies(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, event.Row{Path: "/f.txt", ModifiedTime: testBase - 10, Size: 1})
	// Realtime is authoritative even when its mtime looks older.
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0.1, event.Row{Path: "/f.txt", ModifiedTime: testBase - 30, Size: 2})
	assert.Equal(t, int64(2), h.Tree("/f.txt", -1, false).Size)
}

func TestHotFileBecomesSuspect(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/cold.txt", -300))
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0.1, fileRow("/warm.txt", -1))

	assert.False(t, h.CheckFlags("/cold.txt").IntegritySuspect)
	assert.True(t, h.CheckFlags("/warm.txt").IntegritySuspect)

	suspects := h.SuspectList()
	_, ok := suspects["/warm.txt"]
	assert.True(t, ok)
	_, ok = suspects["/cold.txt"]
	assert.False(t, ok)
}

func TestParentMtimeArbitration(t *testing.T) {
	h := newTestHandler()
	// Memory knows /d at a newer mtime than the audit's parent evidence.
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0, dirRow("/d", -5))

	stale := event.Row{
		Path:         "/d/ghost.txt",
		ModifiedTime: testBase - 50,
		ParentPath:   "/d",
		ParentMtime:  testBase - 40, // older view of /d
	}
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.1, stale)
	assert.Nil(t, h.Tree("/d/ghost.txt", -1, false), "audit row from a stale parent view is discarded")

	fresh := event.Row{
		Path:         "/d/real.txt",
		ModifiedTime: testBase - 50,
		ParentPath:   "/d",
		ParentMtime:  testBase - 5,
	}
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.2, fresh)
	assert.NotNil(t, h.Tree("/d/real.txt", -1, false))
}

func TestAuditMissingFileDetection(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		dirRow("/", -100), dirRow("/d", -100), fileRow("/d/x.txt", -100), fileRow("/d/y.txt", -100))

	h.HandleAuditStart()
	// The audit scans /d but only reports y: x vanished in a blind spot.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.5, event.Row{Path: "/d", ModifiedTime: testBase - 99, IsDirectory: true})
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.6, event.Row{Path: "/d/y.txt", ModifiedTime: testBase - 99, ParentPath: "/d", ParentMtime: testBase - 99})
	h.HandleAuditEnd()

	assert.Nil(t, h.Tree("/d/x.txt", -1, false), "unreported child deleted")
	assert.NotNil(t, h.Tree("/d/y.txt", -1, false))

	bs := h.BlindSpotList()
	assert.Contains(t, bs.Deletions, "/d/x.txt")
	assert.Equal(t, 1, bs.DeletionCount)
}

func TestAuditSkippedDirectoryIsNoEvidence(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		dirRow("/d", -100), fileRow("/d/x.txt", -100))

	h.HandleAuditStart()
	// The directory row arrives flagged audit_skipped: its children were
	// not enumerated this cycle, so nothing may be inferred missing.
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.5, event.Row{Path: "/d", ModifiedTime: testBase - 100, IsDirectory: true, AuditSkipped: true})
	h.HandleAuditEnd()

	assert.NotNil(t, h.Tree("/d/x.txt", -1, false), "skipped directory must not trigger deletions")
}

func TestAuditStaleEvidenceGuard(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, dirRow("/d", -100))

	h.HandleAuditStart()
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0.2, event.Row{Path: "/d", ModifiedTime: testBase - 99, IsDirectory: true})
	// A realtime insert lands after the audit started scanning.
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0.4, fileRow("/d/new.txt", 0.3))
	h.HandleAuditEnd()

	assert.NotNil(t, h.Tree("/d/new.txt", -1, false), "node confirmed after audit start is preserved")
}

func TestBlindSpotAdditionAndClosure(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0, fileRow("/found.txt", -200))

	bs := h.BlindSpotList()
	require.Equal(t, 1, bs.AdditionsCount)
	assert.Equal(t, "/found.txt", bs.Additions[0].Path)

	// Blind-spot additions persist across audit cycles.
	h.HandleAuditStart()
	h.HandleAuditEnd()
	assert.Equal(t, 1, h.BlindSpotList().AdditionsCount)

	// A realtime event covering the path closes the blind spot.
	apply(t, h, event.TypeUpdate, event.SourceRealtime, 0.5, fileRow("/found.txt", -200))
	assert.Equal(t, 0, h.BlindSpotList().AdditionsCount)
}

func TestTombstoneExpiresAfterTTL(t *testing.T) {
	h := NewHandler("v1", Options{HotFileThreshold: 60, TombstoneTTL: 5})
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/z.txt", -100))
	apply(t, h, event.TypeDelete, event.SourceRealtime, 0.1, event.Row{Path: "/z.txt"})
	require.True(t, h.CheckFlags("/z.txt").Tombstoned)

	// Advance the logical clock past the TTL via event indexes, then close
	// an audit cycle: expiry happens at audit end.
	h.HandleAuditStart()
	apply(t, h, event.TypeUpdate, event.SourceAudit, 10, dirRow("/", -100))
	h.HandleAuditEnd()

	assert.False(t, h.CheckFlags("/z.txt").Tombstoned)
}

func TestUpdateSuspectLifecycle(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0, fileRow("/hot.txt", -1))
	require.True(t, h.CheckFlags("/hot.txt").IntegritySuspect)

	// Sentinel reports the file still hot: window extends, flag stays.
	h.UpdateSuspect("/hot.txt", testBase-0.5)
	assert.True(t, h.CheckFlags("/hot.txt").IntegritySuspect)

	// Sentinel reports a cold mtime: flag clears, entry drops.
	h.UpdateSuspect("/hot.txt", testBase-120)
	assert.False(t, h.CheckFlags("/hot.txt").IntegritySuspect)
	assert.Empty(t, h.SuspectList())
}

func TestSuspectCleanupClearsUnchanged(t *testing.T) {
	h := NewHandler("v1", Options{HotFileThreshold: 0.01, TombstoneTTL: 3600})
	apply(t, h, event.TypeUpdate, event.SourceAudit, 0, fileRow("/w.txt", -0.005))

	time.Sleep(30 * time.Millisecond)
	h.CleanupExpiredSuspects()
	assert.False(t, h.CheckFlags("/w.txt").IntegritySuspect)
	assert.Empty(t, h.SuspectList())
}

func TestSubordinateDeleteRespectsTombstone(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/f.txt", -100))

	// An audit delete without a tombstone removes the node.
	apply(t, h, event.TypeDelete, event.SourceAudit, 0.1, event.Row{Path: "/f.txt"})
	assert.Nil(t, h.Tree("/f.txt", -1, false))
	assert.False(t, h.CheckFlags("/f.txt").Tombstoned, "subordinate deletes do not create tombstones")
}

func TestRecursiveRealtimeDelete(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		dirRow("/d", -100), dirRow("/d/sub", -100), fileRow("/d/sub/a.txt", -100), fileRow("/d/b.txt", -100))

	apply(t, h, event.TypeDelete, event.SourceRealtime, 0.1, event.Row{Path: "/d"})

	assert.Nil(t, h.Tree("/d", -1, false))
	assert.Nil(t, h.Tree("/d/sub", -1, false))
	assert.Nil(t, h.Tree("/d/sub/a.txt", -1, false))
	assert.Nil(t, h.Tree("/d/b.txt", -1, false))

	stats := h.GetStats()
	assert.Equal(t, 1, stats.TotalDirectories, "only the root remains")
	assert.Equal(t, 0, stats.TotalFiles)
}

func TestNewSessionResetsBlindSpots(t *testing.T) {
	h := newTestHandler()
	ev := event.New(event.TypeUpdate, event.SourceAudit, indexAt(0), []event.Row{fileRow("/b.txt", -200)})
	require.NoError(t, h.ProcessEvent(context.Background(), ev, "session-old"))
	require.Equal(t, 1, h.BlindSpotList().AdditionsCount)

	ev2 := event.New(event.TypeUpdate, event.SourceRealtime, indexAt(0.2), []event.Row{fileRow("/other.txt", -1)})
	require.NoError(t, h.ProcessEvent(context.Background(), ev2, "session-new"))
	assert.Equal(t, 0, h.BlindSpotList().AdditionsCount, "new agent session resets blind-spot lists")
}

func TestSearchGlobs(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		fileRow("/a.log", -100), fileRow("/d/b.log", -100), fileRow("/d/c.txt", -100))

	byName := h.Search("*.log")
	require.Len(t, byName, 2, "name patterns match anywhere in the tree")

	deep := h.Search("d/*.log")
	require.Len(t, deep, 1)
	assert.Equal(t, "/d/b.log", deep[0].Path)

	all := h.Search("**/*.log")
	assert.Len(t, all, 2)
}

func TestTreeDepthLimit(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0,
		dirRow("/d", -100), dirRow("/d/sub", -100), fileRow("/d/sub/x.txt", -100))

	shallow := h.Tree("/", 1, false)
	require.NotNil(t, shallow)
	require.Len(t, shallow.Children, 1)
	assert.Empty(t, shallow.Children[0].Children, "depth limit stops recursion")
}

func TestStatsReportBlindSpots(t *testing.T) {
	h := newTestHandler()
	assert.False(t, h.GetStats().HasBlindSpot)

	apply(t, h, event.TypeUpdate, event.SourceAudit, 0, fileRow("/bs.txt", -200))
	stats := h.GetStats()
	assert.True(t, stats.HasBlindSpot)
	assert.Equal(t, 1, stats.BlindSpotFileCount)
	assert.Greater(t, stats.LogicalNow, 0.0)
}

func TestResetClearsEverything(t *testing.T) {
	h := newTestHandler()
	apply(t, h, event.TypeUpdate, event.SourceSnapshot, 0, fileRow("/f.txt", -1))
	apply(t, h, event.TypeDelete, event.SourceRealtime, 0.1, event.Row{Path: "/f.txt"})

	h.Reset()
	stats := h.GetStats()
	assert.Equal(t, 1, stats.TotalDirectories)
	assert.Equal(t, 0, stats.TotalFiles)
	assert.False(t, h.CheckFlags("/f.txt").Tombstoned)
	assert.Empty(t, h.SuspectList())
}
