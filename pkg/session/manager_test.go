package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSessionBecomesLeader(t *testing.T) {
	m := NewManager(0)

	s1, role1, err := m.Create("v1", "agent-a:p1", CreateOptions{AllowConcurrentPush: true})
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role1)

	s2, role2, err := m.Create("v1", "agent-b:p1", CreateOptions{AllowConcurrentPush: true})
	require.NoError(t, err)
	assert.Equal(t, RoleFollower, role2)

	st := m.State("v1")
	assert.Equal(t, s1.ID, st.LeaderSessionID)
	assert.Equal(t, s1.ID, st.AuthoritativeSessionID)
	assert.NotEqual(t, s1.ID, s2.ID)
}

func TestDuplicateTaskRejected(t *testing.T) {
	m := NewManager(0)
	_, _, err := m.Create("v1", "agent-a:p1", CreateOptions{AllowConcurrentPush: true})
	require.NoError(t, err)

	_, _, err = m.Create("v1", "agent-a:p1", CreateOptions{AllowConcurrentPush: true})
	assert.Error(t, err)

	// Same task on another view is fine.
	_, _, err = m.Create("v2", "agent-a:p1", CreateOptions{AllowConcurrentPush: true})
	assert.NoError(t, err)
}

func TestWriterLockBlocksSecondSession(t *testing.T) {
	m := NewManager(0)
	_, _, err := m.Create("v1", "a:1", CreateOptions{AllowConcurrentPush: false})
	require.NoError(t, err)

	_, _, err = m.Create("v1", "b:1", CreateOptions{AllowConcurrentPush: false})
	assert.Error(t, err, "view locked by the first writer")
}

func TestStaleWriterLockAutoReleases(t *testing.T) {
	m := NewManager(0)
	s1, _, err := m.Create("v1", "a:1", CreateOptions{AllowConcurrentPush: false})
	require.NoError(t, err)

	// Simulate a lock left behind by a session that vanished without
	// unlocking.
	m.Terminate("v1", s1.ID, "test")
	st := m.stateLocked("v1")
	st.LockedBySessionID = "ghost-session"

	_, role, err := m.Create("v1", "b:1", CreateOptions{AllowConcurrentPush: false})
	require.NoError(t, err)
	assert.Equal(t, RoleLeader, role)
}

func TestKeepAliveIdempotent(t *testing.T) {
	m := NewManager(0)
	s, _, err := m.Create("v1", "a:1", CreateOptions{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	roles := make([]Role, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			role, _, err := m.KeepAlive("v1", s.ID, "", true)
			assert.NoError(t, err)
			roles[i] = role
		}(i)
	}
	wg.Wait()

	// Concurrent heartbeats agree on the role and never reduce activity.
	assert.Equal(t, roles[0], roles[1])
	got, ok := m.Get("v1", s.ID)
	require.True(t, ok)
	assert.False(t, got.LastActivity.After(time.Now()))
}

func TestKeepAliveUnknownSessionIsObsoleted(t *testing.T) {
	m := NewManager(0)
	_, _, err := m.KeepAlive("v1", "nope", "", false)
	assert.Error(t, err)
}

func TestTerminatePromotesNextSession(t *testing.T) {
	m := NewManager(0)
	s1, _, _ := m.Create("v1", "a:1", CreateOptions{AllowConcurrentPush: true})
	s2, role2, _ := m.Create("v1", "b:1", CreateOptions{AllowConcurrentPush: true})
	require.Equal(t, RoleFollower, role2)

	assert.True(t, m.Terminate("v1", s1.ID, "closed"))

	st := m.State("v1")
	assert.Equal(t, s2.ID, st.LeaderSessionID, "surviving session promoted")
	assert.Equal(t, RoleLeader, m.Role("v1", s2.ID))

	// Terminating an absent session is not an error, just a no-op.
	assert.False(t, m.Terminate("v1", s1.ID, "again"))
}

func TestPromotionFollowsCreationOrder(t *testing.T) {
	// Promotion must be first-come-first-serve across many survivors, not
	// whatever order the session map happens to iterate in.
	for run := 0; run < 10; run++ {
		m := NewManager(0)
		leader, _, _ := m.Create("v1", "a:1", CreateOptions{AllowConcurrentPush: true})
		second, _, _ := m.Create("v1", "b:1", CreateOptions{AllowConcurrentPush: true})
		third, _, _ := m.Create("v1", "c:1", CreateOptions{AllowConcurrentPush: true})
		fourth, _, _ := m.Create("v1", "d:1", CreateOptions{AllowConcurrentPush: true})

		m.Terminate("v1", leader.ID, "closed")
		require.Equal(t, second.ID, m.State("v1").LeaderSessionID, "run %d: earliest survivor promoted", run)

		// The expiry path promotes the same way.
		second.LastActivity = second.LastActivity.Add(-time.Hour)
		m.expireSessions()
		require.Equal(t, third.ID, m.State("v1").LeaderSessionID, "run %d: expiry promotes in creation order", run)
		require.Equal(t, RoleFollower, m.Role("v1", fourth.ID))
	}
}

func TestExpiryTerminatesIdleSessions(t *testing.T) {
	m := NewManager(0)
	s1, _, _ := m.Create("v1", "a:1", CreateOptions{Timeout: 30 * time.Millisecond, AllowConcurrentPush: true})
	s2, _, _ := m.Create("v1", "b:1", CreateOptions{Timeout: 10 * time.Minute, AllowConcurrentPush: true})

	time.Sleep(60 * time.Millisecond)
	m.expireSessions()

	_, ok := m.Get("v1", s1.ID)
	assert.False(t, ok, "idle session expired")
	_, ok = m.Get("v1", s2.ID)
	assert.True(t, ok)
	assert.Equal(t, RoleLeader, m.Role("v1", s2.ID), "expiry promoted the survivor")
}

func TestSnapshotCompletenessRoundTrip(t *testing.T) {
	m := NewManager(0)
	s1, _, _ := m.Create("v1", "a:1", CreateOptions{AllowConcurrentPush: true})
	assert.False(t, m.SnapshotComplete("v1"))

	m.SetSnapshotComplete("v1", s1.ID)
	assert.True(t, m.SnapshotComplete("v1"))

	// A new authoritative leader invalidates the old snapshot.
	s2, _, _ := m.Create("v1", "b:1", CreateOptions{AllowConcurrentPush: true})
	m.Terminate("v1", s1.ID, "closed")
	assert.False(t, m.SnapshotComplete("v1"))

	m.SetSnapshotComplete("v1", s2.ID)
	assert.True(t, m.SnapshotComplete("v1"))
}

func TestQueuedCommandsDrainOnKeepAlive(t *testing.T) {
	m := NewManager(0)
	s, _, _ := m.Create("v1", "a:1", CreateOptions{})

	assert.True(t, m.QueueCommand("v1", s.ID, Command{Type: "scan", Path: "/d"}))

	_, commands, err := m.KeepAlive("v1", s.ID, "", true)
	require.NoError(t, err)
	require.Len(t, commands, 1)
	assert.Equal(t, "scan", commands[0].Type)
	assert.Equal(t, "/d", commands[0].Path)

	// Commands deliver exactly once.
	_, commands, err = m.KeepAlive("v1", s.ID, "", true)
	require.NoError(t, err)
	assert.Empty(t, commands)
}

func TestCommittedIndexTracking(t *testing.T) {
	m := NewManager(0)
	s, _, _ := m.Create("v1", "a:1", CreateOptions{})

	m.RecordIndex("v1", s.ID, 500)
	m.RecordIndex("v1", s.ID, 400) // stale, ignored

	index, ok := m.CommittedIndex("v1", s.ID)
	require.True(t, ok)
	assert.Equal(t, int64(500), index)
}

type terminationRecorder struct {
	mu     sync.Mutex
	events []string
	empty  bool
}

func (r *terminationRecorder) OnSessionTerminated(viewID, sessionID, reason string, viewEmpty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, reason)
	r.empty = viewEmpty
}

func TestTerminationListener(t *testing.T) {
	m := NewManager(0)
	rec := &terminationRecorder{}
	m.AddTerminationListener(rec)

	s, _, _ := m.Create("v1", "a:1", CreateOptions{})
	m.Terminate("v1", s.ID, "closed")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, "closed", rec.events[0])
	assert.True(t, rec.empty, "last session leaves the view empty")
}
