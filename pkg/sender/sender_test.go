package sender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestSender(url string) *Sender {
	return New("s1", url, "key", log.WithComponent("test"))
}

func TestCreateSessionSendsAuthAndTask(t *testing.T) {
	var gotKey, gotTask string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(wire.HeaderAPIKey)
		var req wire.CreateSessionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotTask = req.TaskID
		_ = json.NewEncoder(w).Encode(wire.CreateSessionResponse{
			SessionID: "sess-1", Role: "leader", IsLeader: true,
		})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	resp, err := s.CreateSession(context.Background(), "agent:p1", "fs", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "agent:p1", gotTask)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "sess-1", s.SessionID())
}

func Test419MapsToSessionObsoleted(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(errdefs.StatusSessionObsoleted)
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "gone", Kind: "session_obsoleted"})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	s.setSession("dead")
	_, err := s.Heartbeat(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsSessionObsoleted(err))
}

func Test503CarriesRetryAfter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "warming up", Kind: "unavailable"})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	s.setSession("sess")
	_, err := s.SendEvents(context.Background(), nil, event.SourceSnapshot, false)
	require.Error(t, err)

	var retryable *RetryableError
	require.True(t, errors.As(err, &retryable))
	assert.Equal(t, 7*time.Second, retryable.RetryAfter)
	assert.True(t, errdefs.IsUnavailable(err))
}

func TestProtocolAnswersDoNotTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "locked", Kind: "conflict"})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	// Many consecutive conflicts must keep flowing through, not open the
	// circuit.
	for i := 0; i < 20; i++ {
		_, err := s.CreateSession(context.Background(), "a:p", "fs", time.Second)
		require.Error(t, err)
		assert.True(t, errdefs.IsConflict(err), "iteration %d saw %v", i, err)
	}
}

func TestTransportFailuresTripBreaker(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	sawOpen := false
	for i := 0; i < 10; i++ {
		_, err := s.CreateSession(context.Background(), "a:p", "fs", time.Second)
		require.Error(t, err)
		if strings.Contains(err.Error(), "circuit open") {
			sawOpen = true
			break
		}
	}
	assert.True(t, sawOpen, "repeated 500s open the circuit")
}

func TestFailedBatchIsNotAccepted(t *testing.T) {
	var calls atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(wire.IngestResponse{Success: false})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	s.setSession("sess")
	_, err := s.SendEvents(context.Background(), []*event.Event{
		event.New(event.TypeUpdate, event.SourceRealtime, 1, []event.Row{{Path: "/f"}}),
	}, event.SourceRealtime, false)
	require.Error(t, err, "an unsuccessful answer means the batch was not accepted")
	assert.Equal(t, int64(1), calls.Load())
}

func TestGetLatestCommittedIndexFallsBackToZero(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(wire.ErrorResponse{Detail: "no checkpoint", Kind: "not_found"})
	}))
	defer ts.Close()

	s := newTestSender(ts.URL)
	s.setSession("sess")
	index, err := s.GetLatestCommittedIndex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), index)
}
