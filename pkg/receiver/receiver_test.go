package receiver

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/client"
	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/fsview"
	"github.com/tidemark-io/tidemark/pkg/fusionpipe"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/sender"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

const testAPIKey = "test-key-1"

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

type harness struct {
	sessions *session.Manager
	handler  *fsview.Handler
	pipeline *fusionpipe.Pipeline
	url      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sessions := session.NewManager(0)
	handler := fsview.NewHandler("v1", fsview.Options{HotFileThreshold: 60})
	pipeline := fusionpipe.New("v1", sessions, []fusionpipe.ViewHandler{handler}, fusionpipe.Options{})
	pipeline.Start(context.Background())
	t.Cleanup(pipeline.Stop)
	sessions.AddTerminationListener(pipeline)

	srv := New("r1", "127.0.0.1", 0, sessions)
	srv.RegisterPipe(&Pipe{
		ID:                  "p1",
		ViewID:              "v1",
		Pipeline:            pipeline,
		SessionTimeout:      30 * time.Second,
		AllowConcurrentPush: true,
	}, []string{testAPIKey})
	srv.RegisterView("v1", handler)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &harness{sessions: sessions, handler: handler, pipeline: pipeline, url: ts.URL}
}

func newSender(h *harness, id string) *sender.Sender {
	return sender.New(id, h.url, testAPIKey, log.WithComponent("test-sender"))
}

func snapshotEvent(index int64, rows ...event.Row) *event.Event {
	return event.New(event.TypeUpdate, event.SourceSnapshot, index, rows)
}

func baseRow(path string, mtimeOffset float64) event.Row {
	base := float64(time.Now().Unix())
	return event.Row{Path: path, ModifiedTime: base + mtimeOffset, Size: 1}
}

func TestFirstSessionIsLeaderSecondFollows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	resp, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "leader", resp.Role)
	assert.True(t, resp.IsLeader)
	assert.Greater(t, resp.SuggestedHeartbeatIntervalSeconds, 0.0)

	b := newSender(h, "b")
	resp2, err := b.CreateSession(ctx, "agent-b:p1", "fs", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "follower", resp2.Role)
	assert.False(t, resp2.IsLeader)
}

func TestDuplicateTaskConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	b := newSender(h, "b")
	_, err = b.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))
}

func TestSnapshotIngestAndTreeQuery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := client.New(h.url, testAPIKey)
	_, err := c.Tree(ctx, "v1", "/", -1, false)
	require.Error(t, err, "tree is 503 before any snapshot completes")

	a := newSender(h, "a")
	_, err = a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	seq := event.NewSequencer()
	resp, err := a.SendEvents(ctx, []*event.Event{
		snapshotEvent(seq.Next(), event.Row{Path: "/", IsDirectory: true, ModifiedTime: 1}),
		snapshotEvent(seq.Next(), event.Row{Path: "/d", IsDirectory: true, ModifiedTime: 1}),
		snapshotEvent(seq.Next(), baseRow("/d/x.txt", -300)),
	}, event.SourceSnapshot, true)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "leader", resp.Role)
	assert.Positive(t, resp.LastPushedEventID)

	tree, err := c.Tree(ctx, "v1", "/", -1, false)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "/d", tree.Children[0].Path)

	stats, err := c.Stats(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalFiles)

	// Committed index is now queryable for session recovery.
	index, err := a.GetLatestCommittedIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, resp.LastPushedEventID, index)
}

func TestHeartbeatAfterTerminationIs419(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	created, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	hb, err := a.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, "leader", hb.Role)

	// Fusion drops the session behind the agent's back.
	h.sessions.Terminate("v1", created.SessionID, "test")

	_, err = a.Heartbeat(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsSessionObsoleted(err))

	// Recreating the session recovers a valid role.
	resp, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, created.SessionID, resp.SessionID)
	assert.Equal(t, "leader", resp.Role)
}

func TestIngestWithUnknownSessionIs419(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)
	h.sessions.ClearView("v1", "test")

	_, err = a.SendEvents(ctx, []*event.Event{snapshotEvent(1, baseRow("/x", 0))}, event.SourceSnapshot, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsSessionObsoleted(err))
}

func TestSnapshotFromNonAuthoritativeSessionIs409(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	b := newSender(h, "b")
	_, err = b.CreateSession(ctx, "agent-b:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	_, err = b.SendEvents(ctx, []*event.Event{snapshotEvent(1, baseRow("/x", 0))}, event.SourceSnapshot, false)
	require.Error(t, err)
	assert.True(t, errdefs.IsConflict(err))

	// Realtime from a follower is accepted: it maximizes capture from
	// multi-mount deployments.
	resp, err := b.SendEvents(ctx, []*event.Event{
		event.New(event.TypeUpdate, event.SourceRealtime, 2, []event.Row{baseRow("/x", 0)}),
	}, event.SourceRealtime, false)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "follower", resp.Role)
}

func TestSentinelRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	// No suspects yet.
	tasks, err := a.GetSentinelTasks(ctx)
	require.NoError(t, err)
	assert.Nil(t, tasks)

	// A hot audit discovery lands on the suspect list.
	hot := event.New(event.TypeUpdate, event.SourceAudit, time.Now().UnixMicro(),
		[]event.Row{baseRow("/hot.txt", -1)})
	_, err = a.SendEvents(ctx, []*event.Event{hot}, event.SourceAudit, false)
	require.NoError(t, err)
	require.NoError(t, h.pipeline.WaitForDrain(ctx, time.Second, 0))

	tasks, err = a.GetSentinelTasks(ctx)
	require.NoError(t, err)
	require.NotNil(t, tasks)
	assert.Equal(t, "suspect_check", tasks.Type)
	assert.Contains(t, tasks.Paths, "/hot.txt")

	// Feedback with a cold mtime clears the suspect.
	err = a.SubmitSentinelResults(ctx, []wire.SentinelUpdate{
		{Path: "/hot.txt", Mtime: float64(time.Now().Unix()) - 600},
	})
	require.NoError(t, err)

	tasks, err = a.GetSentinelTasks(ctx)
	require.NoError(t, err)
	assert.Nil(t, tasks)
}

func TestAuditSignals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, a.SignalAuditStart(ctx))
	require.NoError(t, a.SignalAuditEnd(ctx))
}

func TestCloseSessionIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, a.CloseSession(ctx))
	// Closing again (no session client-side) is a no-op.
	require.NoError(t, a.CloseSession(ctx))
	assert.Empty(t, h.sessions.List("v1"))
}

func TestScanCommandQueuedForLeader(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := newSender(h, "a")
	_, err := a.CreateSession(ctx, "agent-a:p1", "fs", 30*time.Second)
	require.NoError(t, err)

	st := h.sessions.State("v1")
	require.NotEmpty(t, st.LeaderSessionID)
	require.True(t, h.sessions.QueueCommand("v1", st.LeaderSessionID, session.Command{Type: "scan", Path: "/d"}))

	hb, err := a.Heartbeat(ctx)
	require.NoError(t, err)
	require.Len(t, hb.Commands, 1)
	assert.Equal(t, "scan", hb.Commands[0].Type)
	assert.Equal(t, "/d", hb.Commands[0].Path)
}

func TestUnauthorizedWithoutAPIKey(t *testing.T) {
	h := newHarness(t)
	bad := sender.New("bad", h.url, "wrong-key", log.WithComponent("test"))
	_, err := bad.CreateSession(context.Background(), "x:y", "fs", 30*time.Second)
	require.Error(t, err)
}
