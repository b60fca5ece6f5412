package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

// Sender is the HTTP client side of the Agent/Fusion wire protocol. It owns
// at most one session at a time; the pipeline drives its lifecycle.
type Sender struct {
	id       string
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   zerolog.Logger

	mu        sync.Mutex
	sessionID string
}

// New creates a sender for the Fusion endpoint. The endpoint is the base
// URL, e.g. https://fusion.example:8443.
func New(id, endpoint, apiKey string, logger zerolog.Logger) *Sender {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sender-" + id,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Sender{
		id:       id,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
		breaker:  breaker,
		logger:   logger,
	}
}

// SessionID returns the current session id, empty when no session exists.
func (s *Sender) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *Sender) setSession(id string) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// doJSON performs one authenticated request. Responses are decoded into out
// when it is non-nil; wire error statuses are mapped onto the errdefs
// taxonomy (419 session obsoleted, 409 conflict, 503 unavailable).
func (s *Sender) doJSON(ctx context.Context, method, path string, body any, out any) error {
	// Protocol-level outcomes (419/409/404/422/503) are answers, not
	// endpoint failures: they pass through the breaker as results so a
	// session conflict cannot trip the circuit.
	res, err := s.breaker.Execute(func() (any, error) {
		reqErr := s.doJSONOnce(ctx, method, path, body, out)
		if reqErr != nil && errdefs.KindOf(reqErr) == "driver" {
			return nil, reqErr
		}
		return reqErr, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return errdefs.Driver("fusion endpoint circuit open", err)
		}
		return err
	}
	if res != nil {
		return res.(error)
	}
	return nil
}

func (s *Sender) doJSONOnce(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set(wire.HeaderAPIKey, s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sid := s.SessionID(); sid != "" {
		req.Header.Set(wire.HeaderSessionID, sid)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errdefs.Driver("request to fusion failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return errdefs.Driver("failed to decode fusion response", err)
		}
		return nil
	}

	var werr wire.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, &werr)
	detail := werr.Detail
	if detail == "" {
		detail = strings.TrimSpace(string(data))
	}

	switch resp.StatusCode {
	case errdefs.StatusSessionObsoleted:
		return errdefs.SessionObsoleted("%s", detail)
	case http.StatusConflict:
		return errdefs.Conflict("%s", detail)
	case http.StatusServiceUnavailable:
		retryAfter := time.Duration(0)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return &RetryableError{
			RetryAfter: retryAfter,
			Err:        errdefs.Unavailable("%s", detail),
		}
	case http.StatusNotFound:
		return errdefs.NotFound("%s", detail)
	case http.StatusUnprocessableEntity:
		return errdefs.Validation("%s", detail)
	default:
		return errdefs.Driver(fmt.Sprintf("fusion returned %d: %s", resp.StatusCode, detail), nil)
	}
}

// RetryableError wraps a 503 answer, carrying the server's Retry-After hint.
type RetryableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// CreateSession opens a new session for this sender's pipe. The response
// carries the assigned role and the server's heartbeat suggestion.
func (s *Sender) CreateSession(ctx context.Context, taskID, sourceType string, sessionTimeout time.Duration) (*wire.CreateSessionResponse, error) {
	req := &wire.CreateSessionRequest{
		TaskID: taskID,
		ClientInfo: map[string]any{
			"source_type":             sourceType,
			"session_timeout_seconds": sessionTimeout.Seconds(),
		},
	}
	var resp wire.CreateSessionResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/v1/pipe/session/", req, &resp); err != nil {
		return nil, err
	}
	s.setSession(resp.SessionID)
	s.logger.Info().
		Str("session_id", resp.SessionID).
		Str("role", resp.Role).
		Msg("Session created")
	return &resp, nil
}

// SendEvents pushes one batch. The batch is atomic: a failed push is not
// considered accepted and the caller must not commit its indexes.
func (s *Sender) SendEvents(ctx context.Context, events []*event.Event, sourceType event.Source, isEnd bool) (*wire.IngestResponse, error) {
	sid := s.SessionID()
	if sid == "" {
		return nil, errdefs.StateConflict("no active session")
	}
	req := &wire.IngestRequest{Events: events, SourceType: string(sourceType), IsEnd: isEnd}
	var resp wire.IngestResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/v1/ingest/"+sid+"/events", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errdefs.Driver("fusion rejected event batch", nil)
	}
	return &resp, nil
}

// Heartbeat keeps the session alive and returns the refreshed role plus any
// queued server directives.
func (s *Sender) Heartbeat(ctx context.Context) (*wire.HeartbeatResponse, error) {
	if s.SessionID() == "" {
		return nil, errdefs.StateConflict("no active session")
	}
	var resp wire.HeartbeatResponse
	if err := s.doJSON(ctx, http.MethodPost, "/api/v1/pipe/session/heartbeat", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SignalAuditStart marks the beginning of an audit cycle. Idempotent.
func (s *Sender) SignalAuditStart(ctx context.Context) error {
	return s.doJSON(ctx, http.MethodPost, "/api/v1/pipe/consistency/audit/start", nil, nil)
}

// SignalAuditEnd marks the end of an audit cycle. The server drains its
// queue before acknowledging. Idempotent.
func (s *Sender) SignalAuditEnd(ctx context.Context) error {
	return s.doJSON(ctx, http.MethodPost, "/api/v1/pipe/consistency/audit/end", nil, nil)
}

// GetSentinelTasks fetches pending suspect-check work. An empty task set is
// returned as nil.
func (s *Sender) GetSentinelTasks(ctx context.Context) (*wire.SentinelTasks, error) {
	var resp wire.SentinelTasks
	if err := s.doJSON(ctx, http.MethodGet, "/api/v1/pipe/consistency/sentinel/tasks", nil, &resp); err != nil {
		return nil, err
	}
	if len(resp.Paths) == 0 {
		return nil, nil
	}
	return &resp, nil
}

// SubmitSentinelResults reports re-statted suspect paths.
func (s *Sender) SubmitSentinelResults(ctx context.Context, updates []wire.SentinelUpdate) error {
	req := &wire.SentinelFeedback{Type: "suspect_update", Updates: updates}
	return s.doJSON(ctx, http.MethodPost, "/api/v1/pipe/consistency/sentinel/feedback", req, nil)
}

// GetLatestCommittedIndex asks the server for a safe resume index. Servers
// that do not track one answer 404, which maps to index 0.
func (s *Sender) GetLatestCommittedIndex(ctx context.Context) (int64, error) {
	sid := s.SessionID()
	if sid == "" {
		return 0, errdefs.StateConflict("no active session")
	}
	var resp wire.PositionResponse
	err := s.doJSON(ctx, http.MethodGet, "/api/v1/ingest/"+sid+"/position", nil, &resp)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return resp.Index, nil
}

// CloseSession ends the session. Closing an absent session succeeds.
func (s *Sender) CloseSession(ctx context.Context) error {
	if s.SessionID() == "" {
		return nil
	}
	err := s.doJSON(ctx, http.MethodDelete, "/api/v1/pipe/session/", nil, nil)
	s.setSession("")
	return err
}

// DropSession forgets the session without calling the server, used after a
// 419 told us it is already gone.
func (s *Sender) DropSession() {
	s.setSession("")
}
