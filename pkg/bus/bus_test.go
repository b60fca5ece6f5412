package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/event"
)

func mkEvent(index int64) *event.Event {
	return event.New(event.TypeUpdate, event.SourceRealtime, index, []event.Row{{Path: "/f"}})
}

func TestSubscribeAndRead(t *testing.T) {
	b := New("b1", "src", 10, true)
	lost := b.Subscribe("sub1", 0, nil)
	assert.False(t, lost)

	b.Publish(mkEvent(100))
	b.Publish(mkEvent(101))

	events := b.GetEventsFor("sub1", 10, 100*time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, int64(100), events[0].Index)
	assert.Equal(t, int64(101), events[1].Index)

	b.Commit("sub1", 2, 101)
	assert.Empty(t, b.GetEventsFor("sub1", 10, 10*time.Millisecond))
}

func TestReadWaitsForPublish(t *testing.T) {
	b := New("b1", "src", 10, true)
	b.Subscribe("sub1", 0, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Publish(mkEvent(7))
	}()
	events := b.GetEventsFor("sub1", 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].Index)
}

func TestCommitIsMonotonic(t *testing.T) {
	b := New("b1", "src", 10, true)
	b.Subscribe("sub1", 0, nil)
	b.Publish(mkEvent(5))
	b.Publish(mkEvent(6))

	b.Commit("sub1", 1, 6)
	// A stale commit cannot move the cursor backwards.
	b.Commit("sub1", 1, 5)
	assert.Empty(t, b.GetEventsFor("sub1", 10, 10*time.Millisecond))
}

func TestOverflowFlagsPositionLost(t *testing.T) {
	b := New("b1", "src", 3, true)
	b.Subscribe("slow", 0, nil)

	for i := int64(1); i <= 5; i++ {
		b.Publish(mkEvent(i))
	}

	// FIFO eviction dropped indexes 1 and 2 that the slow subscriber still
	// needed.
	b.mu.Lock()
	sub := b.subs["slow"]
	lost := sub.positionLost
	b.mu.Unlock()
	assert.True(t, lost)

	events := b.GetEventsFor("slow", 10, 10*time.Millisecond)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Index)
}

func TestSubscribeAfterEvictionReportsLost(t *testing.T) {
	b := New("b1", "src", 2, true)
	b.Subscribe("keeper", 0, nil)
	for i := int64(1); i <= 5; i++ {
		b.Publish(mkEvent(i))
	}
	lost := b.Subscribe("late", 1, nil)
	assert.True(t, lost)
}

func TestReleaseTerminatesBus(t *testing.T) {
	b := New("b1", "src", 10, true)
	b.Subscribe("a", 0, nil)
	b.Subscribe("c", 0, nil)

	b.Release("a")
	select {
	case <-b.Done():
		t.Fatal("bus terminated while a subscriber remained")
	default:
	}

	b.Release("c")
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("bus did not terminate after last release")
	}
}

func TestTrimAfterAllCommitted(t *testing.T) {
	b := New("b1", "src", 10, true)
	b.Subscribe("a", 0, nil)
	b.Subscribe("c", 0, nil)
	b.Publish(mkEvent(1))
	b.Publish(mkEvent(2))

	b.Commit("a", 2, 2)
	b.mu.Lock()
	depth := len(b.buf)
	b.mu.Unlock()
	assert.Equal(t, 2, depth, "entries stay while one subscriber lags")

	b.Commit("c", 2, 2)
	b.mu.Lock()
	depth = len(b.buf)
	b.mu.Unlock()
	assert.Equal(t, 0, depth)
}

type recordingRemapper struct {
	newBus *Bus
	lost   bool
	called bool
}

func (r *recordingRemapper) RemapToNewBus(b *Bus, lost bool) {
	r.newBus = b
	r.lost = lost
	r.called = true
}

func TestServiceSplitOnDivergence(t *testing.T) {
	svc := NewService(100, 3)
	svc.RegisterSource("src", true, func(b *Bus) { <-b.Done() })

	fast := &recordingRemapper{}
	slow := &recordingRemapper{}
	b1, lost, err := svc.GetOrCreateBusForSubscriber("src", "fast", 0, nil, fast)
	require.NoError(t, err)
	assert.False(t, lost)
	b2, _, err := svc.GetOrCreateBusForSubscriber("src", "slow", 0, nil, slow)
	require.NoError(t, err)
	assert.Same(t, b1, b2, "compatible subscribers share one bus")

	for i := int64(1); i <= 10; i++ {
		b1.Publish(mkEvent(i))
	}

	// The fast subscriber commits everything; the slow one commits nothing
	// and exceeds the split threshold.
	svc.CommitAndHandleSplit("fast", 10, 10, nil)
	svc.CommitAndHandleSplit("slow", 0, 0, nil)

	assert.True(t, slow.called, "lagging subscriber is remapped")
	assert.True(t, slow.lost, "split always loses position")
	assert.NotSame(t, b1, slow.newBus)
	assert.False(t, fast.called)
}

func TestServiceUnknownSource(t *testing.T) {
	svc := NewService(0, 0)
	_, _, err := svc.GetOrCreateBusForSubscriber("nope", "sub", 0, nil, nil)
	assert.Error(t, err)
}
