package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltCheckpoints {
	t.Helper()
	s, err := NewBoltCheckpoints(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCommittedIndexRoundTrip(t *testing.T) {
	s := newStore(t)

	index, err := s.GetCommittedIndex("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), index, "missing entry reads as zero")

	require.NoError(t, s.SaveCommittedIndex("p1", 1700000000123456))
	index, err = s.GetCommittedIndex("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123456), index)
}

func TestMtimeCacheRoundTrip(t *testing.T) {
	s := newStore(t)

	cache, err := s.GetMtimeCache("p1")
	require.NoError(t, err)
	assert.Empty(t, cache)
	assert.NotNil(t, cache)

	want := map[string]float64{"/": 1700000000.5, "/d": 1700000001.25}
	require.NoError(t, s.SaveMtimeCache("p1", want))

	got, err := s.GetMtimeCache("p1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPipelinesAreIsolated(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveCommittedIndex("p1", 10))
	require.NoError(t, s.SaveCommittedIndex("p2", 20))

	index, err := s.GetCommittedIndex("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), index)
}

func TestDeletePipeline(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.SaveCommittedIndex("p1", 10))
	require.NoError(t, s.SaveMtimeCache("p1", map[string]float64{"/": 1}))

	require.NoError(t, s.DeletePipeline("p1"))

	index, err := s.GetCommittedIndex("p1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), index)
	cache, err := s.GetMtimeCache("p1")
	require.NoError(t, err)
	assert.Empty(t, cache)
}
